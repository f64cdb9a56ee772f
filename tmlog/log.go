package tmlog

import (
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
)

// Log is one slot of the log area. Appending, committing and aborting are done by
// the single goroutine holding the slot; truncation runs concurrently on the part
// of the log that has been published.
type Log struct {
	m        *Manager
	id       int
	header   uint64
	ring     uint64
	capWords uint64

	// Owned by the holder.
	tail        uint64
	fragStart   uint64
	durableTail uint64

	head      atomic.Uint64
	published atomic.Uint64
	// Sequence number of the commit in progress, 1 while it is being chosen.
	committing atomic.Uint64

	mu      sync.Mutex // guards head advances and spaceCh
	spaceCh chan struct{}
}

func (l *Log) ID() int {
	return l.id
}

// FragmentLen is the number of words appended in the current fragment.
func (l *Log) FragmentLen() uint64 {
	return l.tail - l.fragStart
}

// Append logs a write in the current fragment and returns its position, which can
// be passed to Update while the fragment is still open.
func (l *Log) Append(addr, val, mask uint64) (uint64, error) {
	if err := l.reserve(tripleWords); err != nil {
		return 0, err
	}
	pos := l.tail
	l.put(pos, addr)
	l.put(pos+1, val)
	l.put(pos+2, mask)
	l.tail += tripleWords
	return pos, nil
}

// Update rewrites the value and mask of a record of the open fragment.
func (l *Log) Update(pos, val, mask uint64) {
	l.put(pos+1, val)
	l.put(pos+2, mask)
}

// PrepareCommit holds back truncation of every fragment until Commit names the
// sequence number, or until the fragment is published.
func (l *Log) PrepareCommit() {
	l.committing.Store(1)
}

// Commit closes the fragment with a commit marker and makes it durable. An empty
// fragment writes nothing.
func (l *Log) Commit(sqn uint64) error {
	l.committing.Store(sqn)
	if l.tail == l.fragStart {
		return nil
	}
	return l.close(CommitMarker, sqn)
}

// Abort closes a non-empty fragment with an abort marker, makes it durable and
// publishes it.
func (l *Log) Abort() error {
	if l.tail != l.fragStart {
		if err := l.close(AbortMarker, 0); err != nil {
			return err
		}
	}
	l.Publish()
	return nil
}

// Publish hands the closed fragment over to truncation. Callers must have written
// every committed value back to its target address first.
func (l *Log) Publish() {
	l.fragStart = l.tail
	l.published.Store(l.tail)
	l.committing.Store(0)
}

// TruncateOwn empties the log once the holder has committed and flushed the
// target lines of its fragment. Abort fragments left before it are dropped, and
// older commit fragments get their lines flushed again first, so no fragment
// older than a durable value written elsewhere stays behind to be replayed.
func (l *Log) TruncateOwn() (bool, error) {
	m := l.m
	m.truncMu.Lock()
	defer m.truncMu.Unlock()
	if l.durableTail != l.tail {
		return false, nil
	}
	var set *btree.BTree
	for pos := l.head.Load(); pos < l.fragStart; {
		frag, err := l.readFragment(pos, l.fragStart)
		if err != nil {
			return false, err
		}
		kind := "abort"
		if frag.Commit {
			if set == nil {
				set = btree.New(8)
			}
			if err = m.flushTargets(frag, set); err != nil {
				return false, err
			}
			kind = "commit"
		}
		if err = l.advanceHead(frag.Start, frag.End); err != nil {
			return false, err
		}
		truncatedFragmentCounter.WithLabelValues(kind).Inc()
		pos = frag.End
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.setHead(l.tail); err != nil {
		return false, err
	}
	truncatedFragmentCounter.WithLabelValues("commit").Inc()
	l.notifySpaceLocked()
	return true, nil
}

func (l *Log) close(marker, sqn uint64) error {
	l.put(l.tail, marker)
	l.put(l.tail+1, sqn)
	l.tail += markerWords

	s := l.m.store
	l.flushRange(l.durableTail, l.tail)
	if err := s.Fence(); err != nil {
		return errors.Trace(err)
	}
	s.Store(l.header+tailOff, l.tail)
	s.Flush(l.header)
	if err := s.Fence(); err != nil {
		return errors.Trace(err)
	}
	l.durableTail = l.tail
	return nil
}

func (l *Log) free() uint64 {
	return l.capWords - (l.tail - l.head.Load())
}

// reserve makes room for n words plus the closing marker.
func (l *Log) reserve(n uint64) error {
	need := n + markerWords
	if l.tail-l.fragStart+need > l.capWords {
		return errors.Annotatef(ErrFragmentTooLarge, "log %d, %d words", l.id, l.tail-l.fragStart+need)
	}
	for waits := 0; l.free() < need; waits++ {
		if waits == 0 {
			logFullCounter.WithLabelValues(l.m.policy.String()).Inc()
		}
		switch l.m.policy {
		case PolicyAbort:
			return errors.Trace(ErrLogFull)
		case PolicyBlock:
			ch := l.spaceNotify()
			if l.m.kick() {
				select {
				case <-ch:
				case <-time.After(l.m.waitStep):
				}
				continue
			}
			fallthrough
		case PolicyTruncate:
			done, err := l.m.Truncate()
			if err != nil {
				return err
			}
			if done == 0 && l.free() < need {
				time.Sleep(l.m.waitStep)
			}
		}
	}
	return nil
}

func (l *Log) spaceNotify() chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spaceCh
}

func (l *Log) notifySpaceLocked() {
	close(l.spaceCh)
	l.spaceCh = make(chan struct{})
}

// advanceHead reclaims the fragment [from, to) after truncation dealt with it.
func (l *Log) advanceHead(from, to uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h := l.head.Load(); h != from {
		return errors.Annotatef(ErrCorruptLog, "log %d head moved from %d to %d during truncation", l.id, from, h)
	}
	if err := l.setHead(to); err != nil {
		return err
	}
	l.notifySpaceLocked()
	return nil
}
