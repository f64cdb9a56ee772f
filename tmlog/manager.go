package tmlog

import (
	"sync"
	"time"

	"github.com/pingcap-incubator/tinypstm/config"
	"github.com/pingcap-incubator/tinypstm/log"
	"github.com/pingcap-incubator/tinypstm/pmem"
	"github.com/pingcap-incubator/tinypstm/util/worker"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
)

// FullPolicy decides what an append does when its log has no room left.
type FullPolicy int

const (
	// PolicyBlock waits for background truncation, truncating inline when no
	// worker runs.
	PolicyBlock FullPolicy = iota
	// PolicyTruncate truncates inline.
	PolicyTruncate
	// PolicyAbort fails the append with ErrLogFull.
	PolicyAbort
)

func (p FullPolicy) String() string {
	switch p {
	case PolicyTruncate:
		return "truncate"
	case PolicyAbort:
		return "abort"
	}
	return "block"
}

func ParseFullPolicy(s string) (FullPolicy, error) {
	switch s {
	case "block", "":
		return PolicyBlock, nil
	case "truncate":
		return PolicyTruncate, nil
	case "abort":
		return PolicyAbort, nil
	}
	return PolicyBlock, errors.Errorf("unknown log full policy %q", s)
}

// Manager owns every log slot of a device.
type Manager struct {
	store    pmem.Store
	dataSize uint64
	policy   FullPolicy
	waitStep time.Duration
	// Returns the current value of the commit clock.
	clock func() uint64

	logs []*Log

	mu   sync.Mutex
	free []*Log

	truncMu sync.Mutex

	worker    *worker.Worker
	wg        sync.WaitGroup
	recovered atomic.Bool
}

// NewManager lays out conf.Slots logs above the first dataSize bytes of store and
// loads their headers. clock must return a value no lower than the sequence number
// of any published fragment.
func NewManager(store pmem.Store, conf *config.Log, dataSize uint64, clock func() uint64) (*Manager, error) {
	policy, err := ParseFullPolicy(conf.FullPolicy)
	if err != nil {
		return nil, err
	}
	capBytes := uint64(conf.Capacity)
	if capBytes < pmem.CacheLineSize || capBytes%pmem.CacheLineSize != 0 {
		return nil, errors.Errorf("log capacity %d is not a multiple of the cache line size", capBytes)
	}
	if dataSize%pmem.CacheLineSize != 0 || dataSize >= CommitMarker {
		return nil, errors.Errorf("bad data region size %d", dataSize)
	}
	slotBytes := pmem.CacheLineSize + capBytes
	if dataSize+uint64(conf.Slots)*slotBytes > store.Size() {
		return nil, errors.Errorf("%d logs of %d bytes do not fit above %d data bytes in a %d byte device",
			conf.Slots, capBytes, dataSize, store.Size())
	}
	waitStep := conf.TruncationInterval.Duration
	if waitStep <= 0 || waitStep > 10*time.Millisecond {
		waitStep = time.Millisecond
	}
	m := &Manager{
		store:    store,
		dataSize: dataSize,
		policy:   policy,
		waitStep: waitStep,
		clock:    clock,
		logs:     make([]*Log, conf.Slots),
	}
	for i := range m.logs {
		base := dataSize + uint64(i)*slotBytes
		l := &Log{
			m:        m,
			id:       i,
			header:   base,
			ring:     base + pmem.CacheLineSize,
			capWords: capBytes / pmem.WordSize,
			spaceCh:  make(chan struct{}),
		}
		if err = l.loadHeader(); err != nil {
			return nil, err
		}
		m.logs[i] = l
	}
	// Hand out low slots first.
	for i := len(m.logs) - 1; i >= 0; i-- {
		m.free = append(m.free, m.logs[i])
	}
	return m, nil
}

func (m *Manager) NumLogs() int {
	return len(m.logs)
}

// Acquire hands out an unused slot.
func (m *Manager) Acquire() (*Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.free) == 0 {
		return nil, errors.Trace(ErrNoFreeLog)
	}
	l := m.free[len(m.free)-1]
	m.free = m.free[:len(m.free)-1]
	return l, nil
}

// Release returns a slot. Its last fragment must be closed.
func (m *Manager) Release(l *Log) {
	if l.tail != l.fragStart {
		log.Warnf("log %d released with an open fragment of %d words", l.id, l.tail-l.fragStart)
		if err := l.Abort(); err != nil {
			log.Errorf("abort open fragment of log %d: %v", l.id, err)
		}
	}
	m.mu.Lock()
	m.free = append(m.free, l)
	m.mu.Unlock()
}

type truncateTask struct{}

type truncationHandler struct {
	m *Manager
}

func (h *truncationHandler) Handle(t worker.Task) {
	if _, ok := t.(truncateTask); ok {
		h.truncate()
	}
}

func (h *truncationHandler) OnTick() {
	h.truncate()
}

func (h *truncationHandler) truncate() {
	n, err := h.m.Truncate()
	if err != nil {
		log.Errorf("background truncation failed: %v", errors.ErrorStack(err))
		return
	}
	if n > 0 {
		log.Debugf("background truncation reclaimed %d fragments", n)
	}
}

// StartWorker runs truncation in the background every interval and whenever an
// append finds its log full. It must be called before logs are handed out.
func (m *Manager) StartWorker(interval time.Duration) {
	if m.worker != nil {
		return
	}
	m.worker = worker.NewWorker("log-truncation", &m.wg)
	m.worker.Start(&truncationHandler{m: m}, interval)
}

func (m *Manager) kick() bool {
	if m.worker == nil {
		return false
	}
	m.worker.TrySend(truncateTask{})
	return true
}

// Stop ends the background worker, once no log is in use.
func (m *Manager) Stop() {
	if m.worker == nil {
		return
	}
	m.worker.Stop()
	m.wg.Wait()
	m.worker = nil
}
