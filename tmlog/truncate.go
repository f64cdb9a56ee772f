package tmlog

import (
	"time"

	"github.com/google/btree"
	"github.com/pingcap-incubator/tinypstm/pmem"
	"github.com/pingcap/errors"
)

type lineItem uint64

func (a lineItem) Less(b btree.Item) bool {
	return a < b.(lineItem)
}

// cursor walks the fragments of one log between pos and limit.
type cursor struct {
	l     *Log
	pos   uint64
	limit uint64
	frag  *Fragment
}

// next returns the next commit fragment, reclaiming abort fragments on the way.
func (c *cursor) next(discard func(*cursor) error) (*Fragment, error) {
	for c.frag == nil && c.pos < c.limit {
		frag, err := c.l.readFragment(c.pos, c.limit)
		if err != nil {
			return nil, err
		}
		if frag.Commit {
			c.frag = frag
			break
		}
		if err = discard(c); err != nil {
			return nil, err
		}
		if err = c.l.advanceHead(frag.Start, frag.End); err != nil {
			return nil, err
		}
		c.pos = frag.End
	}
	return c.frag, nil
}

func (c *cursor) done() error {
	if err := c.l.advanceHead(c.frag.Start, c.frag.End); err != nil {
		return err
	}
	c.pos = c.frag.End
	c.frag = nil
	return nil
}

// pickMin returns the cursor whose pending commit fragment has the lowest sequence
// number not above bound.
func pickMin(cs []*cursor, bound uint64, discard func(*cursor) error) (*cursor, error) {
	var best *cursor
	for _, c := range cs {
		frag, err := c.next(discard)
		if err != nil {
			return nil, err
		}
		if frag == nil || frag.Sqn > bound {
			continue
		}
		if best == nil || frag.Sqn < best.frag.Sqn {
			best = c
		}
	}
	return best, nil
}

// flushTargets flushes every distinct cache line written by frag, each once.
func (m *Manager) flushTargets(frag *Fragment, set *btree.BTree) error {
	set.Clear(true)
	for _, e := range frag.Entries {
		set.ReplaceOrInsert(lineItem(pmem.LineOf(e.Addr)))
	}
	set.Ascend(func(i btree.Item) bool {
		m.store.Flush(uint64(i.(lineItem)))
		return true
	})
	flushedLineCounter.Add(float64(set.Len()))
	return errors.Trace(m.store.Fence())
}

// safeBound is the highest sequence number that can be truncated now. Every commit
// with a lower or equal number is either published or still holds back truncation
// through its committing mark.
func (m *Manager) safeBound() uint64 {
	bound := m.clock()
	for _, l := range m.logs {
		if c := l.committing.Load(); c != 0 && c-1 < bound {
			bound = c - 1
		}
	}
	return bound
}

// Truncate reclaims published fragments of every log. Commit fragments are taken
// in sequence number order, their target lines flushed before the head moves past
// them; abort fragments are dropped without touching memory. It returns the number
// of fragments reclaimed.
func (m *Manager) Truncate() (int, error) {
	m.truncMu.Lock()
	defer m.truncMu.Unlock()
	start := time.Now()

	bound := m.safeBound()
	cs := make([]*cursor, 0, len(m.logs))
	for _, l := range m.logs {
		head, pub := l.head.Load(), l.published.Load()
		if head < pub {
			cs = append(cs, &cursor{l: l, pos: head, limit: pub})
		}
	}
	if len(cs) == 0 {
		return 0, nil
	}

	n := 0
	discard := func(*cursor) error {
		truncatedFragmentCounter.WithLabelValues("abort").Inc()
		n++
		return nil
	}
	set := btree.New(8)
	for {
		c, err := pickMin(cs, bound, discard)
		if err != nil {
			return n, err
		}
		if c == nil {
			break
		}
		if err = m.flushTargets(c.frag, set); err != nil {
			return n, err
		}
		if err = c.done(); err != nil {
			return n, err
		}
		truncatedFragmentCounter.WithLabelValues("commit").Inc()
		n++
	}
	truncationDuration.Observe(time.Since(start).Seconds())
	return n, nil
}

// TruncateAll truncates until every published fragment is gone. Callers must make
// sure no commit is in progress.
func (m *Manager) TruncateAll() (int, error) {
	total := 0
	for {
		n, err := m.Truncate()
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
}
