package stm

import (
	"time"

	"github.com/pingcap-incubator/tinypstm/config"
	"github.com/pingcap-incubator/tinypstm/util/lockwaiter"
	"github.com/pingcap/errors"
)

// contentionManager decides what a transaction does when it meets a lock owned by
// another transaction, and what happens between an abort and the restart.
type contentionManager interface {
	// conflict is called with the owned lock word l. Returning true makes tx
	// read the lock again, false aborts it.
	conflict(tx *Tx, slot uint32, l uint64, write bool) bool
	// onAbort runs after tx has been rolled back and released its locks.
	onAbort(tx *Tx, reason AbortReason)
	// reset runs after a commit.
	reset(tx *Tx)
	// honorsPriority tells writers to back off unlocked words left with a
	// higher priority by a waiter.
	honorsPriority() bool
}

func newContentionManager(conf *config.Engine, e *Engine) (contentionManager, error) {
	switch conf.ContentionManager {
	case "suicide":
		return suicide{}, nil
	case "delay":
		return &delay{e: e, maxWait: conf.MaxWait.Duration}, nil
	case "backoff":
		return &backoff{min: conf.MinBackoff, max: conf.MaxBackoff, maxWait: conf.MaxWait.Duration}, nil
	case "priority":
		return &priority{
			e:           e,
			threshold:   conf.CMThreshold,
			vrThreshold: conf.VRThreshold,
			step:        conf.MaxWait.Duration / 8,
			maxWait:     conf.MaxWait.Duration,
		}, nil
	}
	return nil, errors.Errorf("unknown contention manager %q", conf.ContentionManager)
}

// suicide aborts on every conflict and restarts right away.
type suicide struct{}

func (suicide) conflict(*Tx, uint32, uint64, bool) bool { return false }
func (suicide) onAbort(*Tx, AbortReason)                {}
func (suicide) reset(*Tx)                               {}
func (suicide) honorsPriority() bool                    { return false }

// delay aborts on conflict, then waits for the contended lock to be released
// before restarting.
type delay struct {
	e       *Engine
	maxWait time.Duration
}

func (d *delay) conflict(tx *Tx, slot uint32, _ uint64, _ bool) bool {
	tx.contended = int64(slot)
	return false
}

func (d *delay) onAbort(tx *Tx, _ AbortReason) {
	if tx.contended < 0 {
		return
	}
	slot := uint64(tx.contended)
	tx.contended = -1
	start := time.Now()
	w := d.e.waiters.NewWaiter(slot, 0, d.maxWait)
	if isOwned(d.e.locks[slot].Load()) {
		w.Wait()
	}
	d.e.waiters.CleanUp(w)
	waitDuration.WithLabelValues("delay").Observe(time.Since(start).Seconds())
}

func (d *delay) reset(tx *Tx) {
	tx.contended = -1
}

func (d *delay) honorsPriority() bool { return false }

// backoff sleeps for a random time before restarting. The bound doubles with
// every consecutive abort.
type backoff struct {
	min, max uint64
	maxWait  time.Duration
}

func (b *backoff) conflict(*Tx, uint32, uint64, bool) bool { return false }

func (b *backoff) onAbort(tx *Tx, _ AbortReason) {
	if tx.backoff == 0 {
		tx.backoff = b.min
	} else if tx.backoff < b.max {
		tx.backoff *= 2
		if tx.backoff > b.max {
			tx.backoff = b.max
		}
	}
	// xorshift64
	tx.rnd ^= tx.rnd << 13
	tx.rnd ^= tx.rnd >> 7
	tx.rnd ^= tx.rnd << 17
	d := time.Duration(tx.rnd % tx.backoff)
	if d > b.maxWait {
		d = b.maxWait
	}
	time.Sleep(d)
}

func (b *backoff) reset(tx *Tx) {
	tx.backoff = 0
}

func (b *backoff) honorsPriority() bool { return false }

// priority behaves like suicide until a transaction has retried threshold times.
// From then on every abort raises its priority, and a transaction waits for
// lower priority owners instead of aborting. Transactions that keep failing read
// validation switch to visible reads.
type priority struct {
	e           *Engine
	threshold   int
	vrThreshold int
	step        time.Duration
	maxWait     time.Duration
}

func (p *priority) conflict(tx *Tx, slot uint32, l uint64, _ bool) bool {
	if tx.retries < p.threshold {
		return false
	}
	mine := tx.priority.Load()
	owner := p.e.txs[lockOwner(l)]
	if mine == 0 || mine <= owner.priority.Load() {
		return false
	}
	if tx.waitedOn.Load() > 0 {
		// Someone waits for our locks, let them go.
		return false
	}
	want := l | waitBit
	if lockPriority(l) < mine {
		want = (want &^ prioMask) | mine<<prioShift
	}
	lock := &p.e.locks[slot]
	if want != l && !lock.CAS(l, want) {
		return true
	}

	owner.waitedOn.Inc()
	defer owner.waitedOn.Dec()
	start := time.Now()
	defer func() {
		waitDuration.WithLabelValues("priority").Observe(time.Since(start).Seconds())
	}()
	for time.Since(start) < p.maxWait {
		if tx.waitedOn.Load() > 0 {
			return false
		}
		w := p.e.waiters.NewWaiter(uint64(slot), mine, p.step)
		cur := lock.Load()
		if !isOwned(cur) || lockOwner(cur) != lockOwner(l) {
			p.e.waiters.CleanUp(w)
			return true
		}
		res := w.Wait()
		p.e.waiters.CleanUp(w)
		if res.Position != lockwaiter.WaitTimeout {
			return true
		}
	}
	return false
}

func (p *priority) onAbort(tx *Tx, reason AbortReason) {
	if tx.retries >= p.threshold {
		if prio := tx.priority.Load(); prio < MaxPriority {
			tx.priority.Store(prio + 1)
		}
	}
	if p.vrThreshold > 0 && tx.readAborts >= p.vrThreshold && !tx.visibleReads {
		tx.visibleReads = true
	}
}

func (p *priority) reset(tx *Tx) {
	tx.priority.Store(0)
	tx.visibleReads = false
}

func (p *priority) honorsPriority() bool { return true }
