package tmlog

import (
	"time"

	"github.com/google/btree"
	"github.com/pingcap-incubator/tinypstm/log"
	"github.com/pingcap-incubator/tinypstm/pmem"
	"github.com/pingcap/errors"
)

type RecoveryStats struct {
	Replayed  int
	Discarded int
	// Highest sequence number replayed.
	MaxSqn uint64
}

// Recover replays the stable part of every log, in sequence number order across
// logs, and leaves all of them empty. It must run exactly once, before any log is
// handed out.
func (m *Manager) Recover() (RecoveryStats, error) {
	var stats RecoveryStats
	if !m.recovered.CAS(false, true) {
		return stats, errors.Trace(ErrAlreadyRecovered)
	}
	start := time.Now()

	cs := make([]*cursor, 0, len(m.logs))
	for _, l := range m.logs {
		if head := l.head.Load(); head < l.durableTail {
			cs = append(cs, &cursor{l: l, pos: head, limit: l.durableTail})
		}
	}
	discard := func(c *cursor) error {
		recoveredFragmentCounter.WithLabelValues("abort").Inc()
		stats.Discarded++
		return nil
	}
	set := btree.New(8)
	for {
		c, err := pickMin(cs, ^uint64(0), discard)
		if err != nil {
			log.Errorf("log recovery stopped: %v", err)
			return stats, err
		}
		if c == nil {
			break
		}
		sqn := c.frag.Sqn
		if err = m.replay(c.frag, set); err != nil {
			log.Errorf("log recovery stopped: %v", err)
			return stats, err
		}
		if err = c.done(); err != nil {
			return stats, err
		}
		recoveredFragmentCounter.WithLabelValues("commit").Inc()
		stats.Replayed++
		if sqn > stats.MaxSqn {
			stats.MaxSqn = sqn
		}
	}
	for _, l := range m.logs {
		l.tail, l.fragStart, l.durableTail = l.head.Load(), l.head.Load(), l.head.Load()
		l.published.Store(l.tail)
	}
	log.Infof("log recovery done in %v, %d fragments replayed, %d discarded",
		time.Since(start), stats.Replayed, stats.Discarded)
	return stats, nil
}

// MarkRecovered skips recovery for a device known to hold no stable fragment.
func (m *Manager) MarkRecovered() {
	m.recovered.Store(true)
}

// replay writes every entry of a commit fragment to its target and flushes the
// touched lines.
func (m *Manager) replay(frag *Fragment, set *btree.BTree) error {
	if !frag.Commit {
		return errors.Annotatef(ErrRecoverAborted, "fragment at %d", frag.Start)
	}
	for _, e := range frag.Entries {
		pmem.StoreMasked(m.store, e.Addr, e.Value, e.Mask)
	}
	return m.flushTargets(frag, set)
}
