// Package tmlog implements the persistent redo log of the transaction engine.
//
// The log area sits at the top of the device, after the data region, and is split
// into slots. Each slot has one header line followed by a ring of words:
//
//	header: | magic | capacity in words | head | tail | unused ... |
//	ring:   | addr | value | mask | addr | value | mask | marker | sqn | ...
//
// head and tail are absolute word positions, a position p lives in ring word
// p % capacity. A fragment is a run of (addr, value, mask) triples closed by a
// commit or abort marker followed by its sequence number. The durable tail only
// moves past a flushed marker, so [head, tail) always holds whole fragments.
package tmlog

import (
	"github.com/pingcap-incubator/tinypstm/pmem"
	"github.com/pingcap/errors"
)

const (
	CommitMarker uint64 = 0x0010000000000000
	AbortMarker  uint64 = 0x0100000000000000

	headerMagic uint64 = 0x31474f4c4d545350 // "PSTMLOG1"

	magicOff    = 0 * pmem.WordSize
	capacityOff = 1 * pmem.WordSize
	headOff     = 2 * pmem.WordSize
	tailOff     = 3 * pmem.WordSize

	tripleWords = 3
	markerWords = 2
)

var (
	// ErrIncompleteFragment means the stable part of a log ends inside a fragment.
	ErrIncompleteFragment = errors.New("tmlog: stable log ends without a fragment marker")
	// ErrRecoverAborted means recovery was asked to replay an aborted fragment.
	ErrRecoverAborted = errors.New("tmlog: trying to recover an aborted transaction")
	ErrCorruptHeader  = errors.New("tmlog: corrupt log header")
	ErrCorruptLog     = errors.New("tmlog: corrupt log record")

	ErrFragmentTooLarge = errors.New("tmlog: fragment does not fit in an empty log")
	ErrLogFull          = errors.New("tmlog: log is full")
	ErrNoFreeLog        = errors.New("tmlog: all log slots are in use")
	ErrAlreadyRecovered = errors.New("tmlog: recovery already ran")
)

// Entry is one logged write: the bytes of the word at Addr selected by Mask take
// the matching bytes of Value.
type Entry struct {
	Addr  uint64
	Value uint64
	Mask  uint64
}

type Fragment struct {
	Start   uint64 // position of the first word
	End     uint64 // position after the marker
	Commit  bool
	Sqn     uint64
	Entries []Entry
}

func (l *Log) wordAddr(pos uint64) uint64 {
	return l.ring + (pos%l.capWords)*pmem.WordSize
}

func (l *Log) word(pos uint64) uint64 {
	return l.m.store.Load(l.wordAddr(pos))
}

func (l *Log) put(pos, val uint64) {
	l.m.store.Store(l.wordAddr(pos), val)
}

// flushRange flushes the ring lines holding positions [from, to).
func (l *Log) flushRange(from, to uint64) {
	last := ^uint64(0)
	for pos := from; pos < to; pos++ {
		line := pmem.LineOf(l.wordAddr(pos))
		if line != last {
			l.m.store.Flush(line)
			last = line
		}
	}
}

// readFragment parses the fragment starting at pos, which must end before limit.
func (l *Log) readFragment(pos, limit uint64) (*Fragment, error) {
	frag := &Fragment{Start: pos}
	for {
		if pos >= limit {
			return nil, errors.Annotatef(ErrIncompleteFragment, "log %d, fragment at %d", l.id, frag.Start)
		}
		w := l.word(pos)
		if w == CommitMarker || w == AbortMarker {
			if pos+markerWords > limit {
				return nil, errors.Annotatef(ErrIncompleteFragment, "log %d, marker at %d", l.id, pos)
			}
			frag.Commit = w == CommitMarker
			frag.Sqn = l.word(pos + 1)
			frag.End = pos + markerWords
			return frag, nil
		}
		if pos+tripleWords > limit {
			return nil, errors.Annotatef(ErrIncompleteFragment, "log %d, record at %d", l.id, pos)
		}
		if w >= l.m.dataSize || w%pmem.WordSize != 0 {
			return nil, errors.Annotatef(ErrCorruptLog, "log %d, address %#x at %d", l.id, w, pos)
		}
		frag.Entries = append(frag.Entries, Entry{Addr: w, Value: l.word(pos + 1), Mask: l.word(pos + 2)})
		pos += tripleWords
	}
}

// loadHeader reads or initializes the slot header.
func (l *Log) loadHeader() error {
	s := l.m.store
	magic := s.Load(l.header + magicOff)
	if magic == 0 {
		s.Store(l.header+magicOff, headerMagic)
		s.Store(l.header+capacityOff, l.capWords)
		s.Store(l.header+headOff, 0)
		s.Store(l.header+tailOff, 0)
		s.Flush(l.header)
		return errors.Trace(s.Fence())
	}
	if magic != headerMagic {
		return errors.Annotatef(ErrCorruptHeader, "log %d, magic %#x", l.id, magic)
	}
	if c := s.Load(l.header + capacityOff); c != l.capWords {
		return errors.Annotatef(ErrCorruptHeader, "log %d has %d words, configured %d", l.id, c, l.capWords)
	}
	head, tail := s.Load(l.header+headOff), s.Load(l.header+tailOff)
	if head > tail || tail-head > l.capWords {
		return errors.Annotatef(ErrCorruptHeader, "log %d, head %d tail %d", l.id, head, tail)
	}
	l.head.Store(head)
	l.tail, l.fragStart, l.durableTail = tail, tail, tail
	l.published.Store(tail)
	return nil
}

// setHead durably moves the truncation boundary to pos.
func (l *Log) setHead(pos uint64) error {
	s := l.m.store
	s.Store(l.header+headOff, pos)
	s.Flush(l.header)
	if err := s.Fence(); err != nil {
		return errors.Trace(err)
	}
	l.head.Store(pos)
	return nil
}
