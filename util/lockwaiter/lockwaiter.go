package lockwaiter

import (
	"sort"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinypstm/log"
	"go.uber.org/atomic"
)

// Manager parks transactions on contended lock slots until the owner releases the
// slot or the wait times out.
type Manager struct {
	mu            sync.Mutex
	waitingQueues map[uint64]*queue
	// Number of registered waiters; lets releases skip the map when nobody waits.
	waiting atomic.Int64
}

func NewManager() *Manager {
	return &Manager{
		waitingQueues: map[uint64]*queue{},
	}
}

type queue struct {
	waiters []*Waiter
}

func (q *queue) removeWaiter(w *Waiter) bool {
	for i, waiter := range q.waiters {
		if waiter == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}
	return false
}

type Waiter struct {
	timeout  time.Duration
	ch       chan Result
	Priority uint64
	Slot     uint64
}

// Position is the rank of a woken waiter among those released together, 0 being
// the highest priority.
type Position int

type Result struct {
	Position Position
	Version  uint64
}

const WaitTimeout Position = -1

func (w *Waiter) Wait() Result {
	timer := time.NewTimer(w.timeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		return Result{Position: WaitTimeout}
	case result := <-w.ch:
		return result
	}
}

// NewWaiter registers a waiter on slot. Callers must re-check the slot after
// registering and before Wait, a release in between is otherwise only seen at timeout.
func (lw *Manager) NewWaiter(slot, priority uint64, timeout time.Duration) *Waiter {
	waiter := &Waiter{
		timeout:  timeout,
		ch:       make(chan Result, 1),
		Priority: priority,
		Slot:     slot,
	}
	// allocate memory before hold the lock.
	q := &queue{waiters: make([]*Waiter, 0, 4)}
	lw.mu.Lock()
	if old, ok := lw.waitingQueues[slot]; ok {
		old.waiters = append(old.waiters, waiter)
	} else {
		q.waiters = append(q.waiters, waiter)
		lw.waitingQueues[slot] = q
	}
	lw.mu.Unlock()
	lw.waiting.Inc()
	return waiter
}

// HasWaiters reports whether anyone may be waiting, it can give false positives.
func (lw *Manager) HasWaiters() bool {
	return lw.waiting.Load() > 0
}

// WakeUp releases every waiter on slot, highest priority first, telling them the
// version the slot was released with.
func (lw *Manager) WakeUp(slot, version uint64) {
	if !lw.HasWaiters() {
		return
	}
	lw.mu.Lock()
	q := lw.waitingQueues[slot]
	delete(lw.waitingQueues, slot)
	lw.mu.Unlock()
	if q == nil {
		return
	}
	waiters := q.waiters
	lw.waiting.Sub(int64(len(waiters)))
	sort.SliceStable(waiters, func(i, j int) bool {
		return waiters[i].Priority > waiters[j].Priority
	})
	for i, w := range waiters {
		w.ch <- Result{Position: Position(i), Version: version}
	}
	log.Debugf("wakeup %d waiters on slot %d", len(waiters), slot)
}

// CleanUp removes a waiter from waitingQueues when wait timeout.
func (lw *Manager) CleanUp(w *Waiter) {
	lw.mu.Lock()
	q := lw.waitingQueues[w.Slot]
	removed := false
	if q != nil {
		removed = q.removeWaiter(w)
		if len(q.waiters) == 0 {
			delete(lw.waitingQueues, w.Slot)
		}
	}
	lw.mu.Unlock()
	if removed {
		lw.waiting.Dec()
	}
}
