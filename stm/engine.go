package stm

import (
	"encoding/binary"
	"sync"

	"github.com/dgryski/go-farm"
	"github.com/pingcap-incubator/tinypstm/config"
	"github.com/pingcap-incubator/tinypstm/log"
	"github.com/pingcap-incubator/tinypstm/pmem"
	"github.com/pingcap-incubator/tinypstm/tmlog"
	"github.com/pingcap-incubator/tinypstm/util/lockwaiter"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
)

// Addresses in the same cache line share a lock.
const lockShift = 6

// Engine holds the state shared by all transactions on one device: the commit
// clock, the lock table and the persistent logs.
type Engine struct {
	conf     *config.Config
	store    pmem.Store
	logs     *tmlog.Manager
	dataSize uint64

	clock      atomic.Uint64
	versionMax uint64
	locks      []atomic.Uint64
	lockMask   uint64

	cm      contentionManager
	waiters *lockwaiter.Manager

	// One descriptor per log slot, indexed by owner id.
	txs []*Tx

	recovered atomic.Bool
	closed    atomic.Bool

	// Quiescence for clock rollover.
	active    atomic.Int64
	quiescing atomic.Bool
	qmu       sync.Mutex
	qcond     *sync.Cond

	// Test hooks, called right after a lock is taken and right before it is given back.
	onAcquire func(tx *Tx, slot uint32)
	onRelease func(tx *Tx, slot uint32)
}

// Open builds an engine over store. The first DataSize bytes of the store are
// transactional memory, the rest holds the logs. Recover must be called before
// any transaction starts.
func Open(conf *config.Config, store pmem.Store) (*Engine, error) {
	if err := conf.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	logArea := conf.LogAreaSize()
	if store.Size() <= logArea {
		return nil, errors.Errorf("device of %d bytes cannot hold %d bytes of logs", store.Size(), logArea)
	}
	if uint64(conf.Log.Slots) > maxOwners {
		return nil, errors.Errorf("at most %d log slots are supported", maxOwners)
	}
	e := &Engine{
		conf:       conf,
		store:      store,
		dataSize:   store.Size() - logArea,
		versionMax: conf.Engine.VersionMax,
		locks:      make([]atomic.Uint64, 1<<conf.Engine.LockTableBits),
		lockMask:   1<<conf.Engine.LockTableBits - 1,
		waiters:    lockwaiter.NewManager(),
	}
	e.qcond = sync.NewCond(&e.qmu)
	cm, err := newContentionManager(&conf.Engine, e)
	if err != nil {
		return nil, err
	}
	e.cm = cm
	e.logs, err = tmlog.NewManager(store, &conf.Log, e.dataSize, e.clock.Load)
	if err != nil {
		return nil, err
	}
	e.txs = make([]*Tx, e.logs.NumLogs())
	for i := range e.txs {
		e.txs[i] = newTx(e, uint32(i))
	}
	log.Infof("stm engine opened: %d data bytes, %d locks, %d logs, %s contention manager",
		e.dataSize, len(e.locks), len(e.txs), conf.Engine.ContentionManager)
	return e, nil
}

// Recover replays the logs left by the previous run. It must be called exactly
// once, before any transaction begins.
func (e *Engine) Recover() (tmlog.RecoveryStats, error) {
	if e.recovered.Load() {
		return tmlog.RecoveryStats{}, errors.Trace(ErrAlreadyRecovered)
	}
	stats, err := e.logs.Recover()
	if err != nil {
		return stats, err
	}
	if stats.MaxSqn < e.versionMax {
		e.clock.Store(stats.MaxSqn)
	}
	if e.conf.Log.AsyncTruncation {
		e.logs.StartWorker(e.conf.Log.TruncationInterval.Duration)
	}
	e.recovered.Store(true)
	return stats, nil
}

// NewTx returns a transaction descriptor bound to a free log slot. The descriptor
// is meant to be used by one goroutine at a time and given back with Close.
func (e *Engine) NewTx() (*Tx, error) {
	if !e.recovered.Load() {
		return nil, errors.Trace(ErrNotRecovered)
	}
	if e.closed.Load() {
		return nil, errors.Trace(ErrClosed)
	}
	l, err := e.logs.Acquire()
	if err != nil {
		return nil, err
	}
	tx := e.txs[l.ID()]
	tx.log = l
	return tx, nil
}

// Atomically runs fn as a read-write transaction on a descriptor of its own.
func (e *Engine) Atomically(fn func(tx *Tx) error) error {
	tx, err := e.NewTx()
	if err != nil {
		return err
	}
	defer tx.Close()
	return tx.Run(ModeReadWrite, fn)
}

// Truncate reclaims log space now.
func (e *Engine) Truncate() (int, error) {
	return e.logs.Truncate()
}

// Logs exposes the log manager, for inspection tools.
func (e *Engine) Logs() *tmlog.Manager {
	return e.logs
}

// DataSize is the number of transactional bytes, starting at address 0.
func (e *Engine) DataSize() uint64 {
	return e.dataSize
}

// Clock returns the current commit clock.
func (e *Engine) Clock() uint64 {
	return e.clock.Load()
}

// Close stops background truncation and truncates every log, so a clean shutdown
// leaves nothing to recover. Descriptors must have been closed. The store is not
// closed.
func (e *Engine) Close() error {
	if !e.closed.CAS(false, true) {
		return nil
	}
	if n := e.active.Load(); n > 0 {
		log.Warnf("closing stm engine with %d active transactions", n)
	}
	e.logs.Stop()
	if !e.recovered.Load() {
		return nil
	}
	n, err := e.logs.TruncateAll()
	if err != nil {
		return err
	}
	log.Infof("stm engine closed, %d fragments truncated", n)
	return nil
}

func (e *Engine) slotOf(addr uint64) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], addr>>lockShift)
	return uint32(farm.Fingerprint64(b[:]) & e.lockMask)
}

// enter admits a transaction, waiting while a rollover is in progress.
func (e *Engine) enter() {
	for {
		if e.quiescing.Load() {
			e.qmu.Lock()
			for e.quiescing.Load() {
				e.qcond.Wait()
			}
			e.qmu.Unlock()
		}
		e.active.Inc()
		if !e.quiescing.Load() {
			return
		}
		e.leave()
	}
}

func (e *Engine) leave() {
	if e.active.Dec() == 0 && e.quiescing.Load() {
		e.qmu.Lock()
		e.qcond.Broadcast()
		e.qmu.Unlock()
	}
}

// rollover waits until no transaction runs, then empties the logs and restarts the
// clock and every lock version from zero. Callers must not be active.
func (e *Engine) rollover() {
	e.qmu.Lock()
	if e.quiescing.Load() {
		// Someone else is doing it.
		for e.quiescing.Load() {
			e.qcond.Wait()
		}
		e.qmu.Unlock()
		return
	}
	e.quiescing.Store(true)
	for e.active.Load() > 0 {
		e.qcond.Wait()
	}
	if e.clock.Load() >= e.versionMax {
		log.Warnf("commit clock reached %d, resetting", e.clock.Load())
		if _, err := e.logs.TruncateAll(); err != nil {
			log.Errorf("truncation before clock rollover failed: %v", errors.ErrorStack(err))
		} else {
			for i := range e.locks {
				e.locks[i].Store(0)
			}
			e.clock.Store(0)
			rolloverCounter.Inc()
		}
	}
	e.quiescing.Store(false)
	e.qcond.Broadcast()
	e.qmu.Unlock()
}
