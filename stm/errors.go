package stm

import (
	"fmt"

	"github.com/pingcap-incubator/tinypstm/tmlog"
	"github.com/pingcap/errors"
)

// AbortReason says why a transaction attempt was rolled back. Every reason is
// handled by restarting the attempt.
type AbortReason int

const (
	LockedRead AbortReason = iota
	LockedWrite
	ValidateRead
	ValidateWrite
	ValidateCommit
	Reallocate
	Rollover
	NotReadOnly
	UserRetry
	LogFull

	numAbortReasons
)

var abortReasonNames = [numAbortReasons]string{
	LockedRead:     "LOCKED_READ",
	LockedWrite:    "LOCKED_WRITE",
	ValidateRead:   "VALIDATE_READ",
	ValidateWrite:  "VALIDATE_WRITE",
	ValidateCommit: "VALIDATE_COMMIT",
	Reallocate:     "REALLOCATE",
	Rollover:       "ROLLOVER",
	NotReadOnly:    "NOT_READONLY",
	UserRetry:      "USER_RETRY",
	LogFull:        "LOG_FULL",
}

func (r AbortReason) String() string {
	if r >= 0 && r < numAbortReasons {
		return abortReasonNames[r]
	}
	return fmt.Sprintf("AbortReason(%d)", int(r))
}

// AbortError is returned by transactional operations when the attempt has been
// rolled back and must be restarted from the top.
type AbortError struct {
	Reason AbortReason
}

func (e *AbortError) Error() string {
	return "transaction aborted: " + e.Reason.String()
}

// IsAbort reports whether err asks for the transaction to be restarted.
func IsAbort(err error) bool {
	_, ok := errors.Cause(err).(*AbortError)
	return ok
}

// AbortReasonOf returns the reason of an abort error.
func AbortReasonOf(err error) (AbortReason, bool) {
	if ae, ok := errors.Cause(err).(*AbortError); ok {
		return ae.Reason, true
	}
	return 0, false
}

var (
	// ErrUserAbort is returned once the user aborted the transaction for good.
	ErrUserAbort = errors.New("stm: transaction aborted by user")
	// ErrTooManyRetries is returned when a transaction keeps aborting past the
	// configured retry limit.
	ErrTooManyRetries = errors.New("stm: too many retries")
	ErrBadAddress     = errors.New("stm: address out of range or misaligned")
	ErrNotActive      = errors.New("stm: no active transaction")
	ErrNotRecovered   = errors.New("stm: recovery has not run")
	ErrClosed         = errors.New("stm: engine closed")

	ErrAlreadyRecovered = tmlog.ErrAlreadyRecovered
)
