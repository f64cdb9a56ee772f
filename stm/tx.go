package stm

import (
	"github.com/pingcap-incubator/tinypstm/log"
	"github.com/pingcap-incubator/tinypstm/pmem"
	"github.com/pingcap-incubator/tinypstm/tmlog"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
)

type Mode int

const (
	ModeReadWrite Mode = iota
	// ModeReadOnly skips write-set bookkeeping. A store aborts the attempt with
	// NOT_READONLY and the transaction restarts in read-write mode.
	ModeReadOnly
)

type txStatus int

const (
	txIdle txStatus = iota
	txActive
)

type undoEntry struct {
	addr uint64
	old  uint64
}

// Tx is a transaction descriptor. It is bound to one log slot and must only be
// used by one goroutine at a time.
type Tx struct {
	e   *Engine
	id  uint32
	log *tmlog.Log

	status  txStatus
	mode    Mode
	forceRW bool
	nesting int
	// Snapshot: every version up to end is visible.
	start uint64
	end   uint64

	rset []readEntry
	ws   writeSet

	// Read by other transactions through the lock table.
	priority atomic.Uint64
	waitedOn atomic.Int32

	retries      int
	readAborts   int
	rolledBack   bool
	userAborted  bool
	lastAbort    *AbortError
	visibleReads bool
	reallocate   bool
	contended    int64
	backoff      uint64
	rnd          uint64

	privLo, privHi uint64
	undo           []undoEntry

	onCommit []func()
	onAbort  []func()

	stats txStats
}

func newTx(e *Engine, id uint32) *Tx {
	tx := &Tx{
		e:         e,
		id:        id,
		rset:      make([]readEntry, 0, e.conf.Engine.ReadSetSize),
		ws:        newWriteSet(e.conf.Engine.WriteSetSize),
		contended: -1,
		rnd:       uint64(id)*0x9E3779B97F4A7C15 + 1,
	}
	return tx
}

func (tx *Tx) ID() uint32 {
	return tx.id
}

func (tx *Tx) Active() bool {
	return tx.status == txActive
}

// Begin starts a transaction, or enters a nested level of the active one.
func (tx *Tx) Begin(mode Mode) error {
	if tx.log == nil {
		return errors.Trace(ErrClosed)
	}
	if tx.status == txActive {
		tx.nesting++
		return nil
	}
	tx.e.enter()
	tx.start = tx.e.clock.Load()
	if tx.start >= tx.e.versionMax {
		tx.e.leave()
		tx.e.rollover()
		tx.e.enter()
		tx.start = tx.e.clock.Load()
	}
	tx.end = tx.start
	tx.mode = mode
	if tx.forceRW {
		tx.mode = ModeReadWrite
	}
	tx.nesting = 1
	tx.rolledBack = false
	tx.userAborted = false
	tx.lastAbort = nil
	tx.rset = tx.rset[:0]
	tx.ws.reset()
	tx.status = txActive
	return nil
}

// Commit commits the outermost level, or leaves a nested one. On failure the
// transaction has been rolled back and the error says whether to restart.
func (tx *Tx) Commit() error {
	if tx.status != txActive {
		return errors.Trace(ErrNotActive)
	}
	if tx.nesting > 1 {
		tx.nesting--
		return nil
	}
	if tx.ws.len() == 0 {
		tx.finish()
		tx.committed()
		return nil
	}

	e := tx.e
	tx.log.PrepareCommit()
	t := e.clock.Inc()
	if t >= e.versionMax {
		return tx.abort(Rollover)
	}
	if tx.end != t-1 && !tx.validate() {
		return tx.abort(ValidateCommit)
	}
	// Durability point.
	if err := tx.log.Commit(t); err != nil {
		tx.rollback()
		tx.finish()
		tx.aborted()
		return errors.Annotate(err, "write commit marker")
	}

	for i := range tx.ws.entries {
		w := &tx.ws.entries[i]
		if w.mask != 0 {
			pmem.StoreMasked(e.store, w.addr, w.value, w.mask)
		}
	}
	if e.conf.Log.SyncTruncation && tx.log.FragmentLen() > 0 {
		for i := range tx.ws.entries {
			if tx.ws.lastWrittenInLine(int32(i)) {
				e.store.Flush(tx.ws.entries[i].addr)
			}
		}
		if err := e.store.Fence(); err != nil {
			log.Errorf("flush for synchronous truncation failed: %v", err)
		} else if _, err = tx.log.TruncateOwn(); err != nil {
			log.Errorf("synchronous truncation failed: %v", err)
		}
	}
	tx.log.Publish()

	for i := range tx.ws.entries {
		w := &tx.ws.entries[i]
		if w.next == noEntry {
			tx.release(w.slot, t)
		}
	}
	tx.finish()
	tx.committed()
	return nil
}

// TryCommit commits and reports whether it worked. A failed transaction has been
// rolled back.
func (tx *Tx) TryCommit() bool {
	return tx.Commit() == nil
}

// Abort rolls the transaction back for good. The returned ErrUserAbort is not
// restarted by Run.
func (tx *Tx) Abort() error {
	if tx.status != txActive {
		return errors.Trace(ErrNotActive)
	}
	tx.rollback()
	tx.userAborted = true
	tx.stats.userAborts.Inc()
	tx.finish()
	tx.aborted()
	return errors.Trace(ErrUserAbort)
}

// Retry rolls the transaction back and asks Run to execute it again.
func (tx *Tx) Retry() error {
	if tx.status != txActive {
		return errors.Trace(ErrNotActive)
	}
	return tx.abort(UserRetry)
}

// Rollback discards the transaction without restarting it. Run returns nil when
// the function it runs rolled back.
func (tx *Tx) Rollback() {
	if tx.status != txActive {
		return
	}
	tx.rollback()
	tx.rolledBack = true
	tx.finish()
	tx.aborted()
}

// interrupted returns the abort an attempt ended with when fn swallowed it, or
// nil when the user rolled back on purpose.
func (tx *Tx) interrupted() error {
	if tx.userAborted {
		return errors.Trace(ErrUserAbort)
	}
	if tx.rolledBack || tx.lastAbort == nil {
		return nil
	}
	return tx.lastAbort
}

// Run executes fn as a transaction, restarting it until it commits, fails with
// an error that is not an abort, or exceeds the retry limit. Called inside an
// active transaction, fn runs as a nested level and aborts go to the outer Run.
func (tx *Tx) Run(mode Mode, fn func(tx *Tx) error) error {
	if tx.status == txActive {
		if err := tx.Begin(mode); err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			return err
		}
		if tx.status != txActive {
			return tx.interrupted()
		}
		return tx.Commit()
	}

	defer tx.endRun()
	maxRetries := tx.e.conf.Engine.MaxRetries
	for {
		if err := tx.Begin(mode); err != nil {
			return err
		}
		err := fn(tx)
		if err == nil {
			if tx.status != txActive {
				if err = tx.interrupted(); err == nil {
					return nil
				}
			} else if err = tx.Commit(); err == nil {
				return nil
			}
		} else if tx.status == txActive {
			// fn gave up with its own error.
			tx.rollback()
			tx.finish()
			tx.aborted()
		}
		reason, ok := AbortReasonOf(err)
		if !ok {
			return err
		}
		if maxRetries > 0 && tx.retries > maxRetries {
			return errors.Annotatef(ErrTooManyRetries, "%d retries, last abort %s", tx.retries, reason)
		}
	}
}

// endRun clears what only lives for the duration of one Run.
func (tx *Tx) endRun() {
	tx.forceRW = false
	tx.visibleReads = false
	tx.readAborts = 0
	tx.retries = 0
}

// Close rolls back any active transaction and gives the log slot back.
func (tx *Tx) Close() {
	if tx.log == nil {
		return
	}
	tx.Rollback()
	tx.endRun()
	tx.e.logs.Release(tx.log)
	tx.log = nil
}

// SetPrivateRange excludes [lo, hi) from concurrency control and logging. Writes
// there are undone on abort but are never made durable by the transaction.
func (tx *Tx) SetPrivateRange(lo, hi uint64) {
	tx.privLo, tx.privHi = lo, hi
}

func (tx *Tx) private(addr uint64) bool {
	return addr >= tx.privLo && addr < tx.privHi
}

// OnCommit registers fn to run once the current transaction has committed.
func (tx *Tx) OnCommit(fn func()) {
	tx.onCommit = append(tx.onCommit, fn)
}

// OnAbort registers fn to run if the current attempt is rolled back.
func (tx *Tx) OnAbort(fn func()) {
	tx.onAbort = append(tx.onAbort, fn)
}

// abort rolls back the attempt for a restartable reason and prepares the restart.
func (tx *Tx) abort(reason AbortReason) error {
	tx.rollback()
	tx.stats.aborts[reason].Inc()
	abortCounter.WithLabelValues(reason.String()).Inc()
	tx.retries++
	if uint64(tx.retries) > tx.stats.maxRetries.Load() {
		tx.stats.maxRetries.Store(uint64(tx.retries))
	}
	switch reason {
	case Reallocate:
		tx.reallocate = true
	case NotReadOnly:
		tx.forceRW = true
	case ValidateRead:
		tx.readAborts++
	}
	tx.finish()
	tx.aborted()

	if tx.reallocate {
		tx.ws.grow()
		tx.reallocate = false
		log.Debugf("tx %d write set grown to %d entries", tx.id, cap(tx.ws.entries))
	}
	tx.e.cm.onAbort(tx, reason)
	switch reason {
	case Rollover:
		tx.e.rollover()
	case LogFull:
		// The restart would find the log just as full.
		if _, err := tx.e.logs.Truncate(); err != nil {
			log.Errorf("tx %d cannot reclaim log space: %v", tx.id, errors.ErrorStack(err))
		}
	}
	tx.lastAbort = &AbortError{Reason: reason}
	return tx.lastAbort
}

// rollback releases every lock with its old version, closes the log fragment as
// aborted and undoes private writes.
func (tx *Tx) rollback() {
	e := tx.e
	for i := range tx.ws.entries {
		w := &tx.ws.entries[i]
		if w.next == noEntry {
			tx.restore(w.slot, w.old)
		}
	}
	if err := tx.log.Abort(); err != nil {
		log.Errorf("tx %d failed to write abort marker: %v", tx.id, errors.ErrorStack(err))
	}
	for i := len(tx.undo) - 1; i >= 0; i-- {
		e.store.Store(tx.undo[i].addr, tx.undo[i].old)
	}
}

// finish leaves the transaction idle.
func (tx *Tx) finish() {
	tx.status = txIdle
	tx.nesting = 0
	tx.undo = tx.undo[:0]
	tx.rset = tx.rset[:0]
	tx.ws.reset()
	tx.e.leave()
}

func (tx *Tx) committed() {
	tx.stats.commits.Inc()
	commitCounter.Inc()
	tx.retries = 0
	tx.e.cm.reset(tx)
	actions := tx.onCommit
	tx.onCommit, tx.onAbort = nil, nil
	for _, fn := range actions {
		fn()
	}
}

func (tx *Tx) aborted() {
	actions := tx.onAbort
	tx.onCommit, tx.onAbort = nil, nil
	for _, fn := range actions {
		fn()
	}
}

// release publishes version on an owned lock.
func (tx *Tx) release(slot uint32, version uint64) {
	e := tx.e
	if e.onRelease != nil {
		e.onRelease(tx, slot)
	}
	lock := &e.locks[slot]
	for {
		cur := lock.Load()
		if lock.CAS(cur, released(cur, version)) {
			e.waiters.WakeUp(uint64(slot), version)
			return
		}
	}
}

// restore puts back the version a lock had before it was taken.
func (tx *Tx) restore(slot uint32, old uint64) {
	e := tx.e
	if e.onRelease != nil {
		e.onRelease(tx, slot)
	}
	lock := &e.locks[slot]
	for {
		cur := lock.Load()
		if lock.CAS(cur, released(cur, lockVersion(old))) {
			e.waiters.WakeUp(uint64(slot), lockVersion(old))
			return
		}
	}
}
