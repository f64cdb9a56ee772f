package pmem

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Emulated is a Store held in process memory that keeps a second, durable copy of
// every cache line. Flush copies a line into the durable copy; Crash throws away
// whatever was never flushed. It is the crash harness for tests and benchmarks.
type Emulated struct {
	volatile []atomic.Uint64
	durable  []atomic.Uint64
	flushes  []atomic.Uint64

	writeLatency atomic.Int64 // nanoseconds per flushed line
	keepProb     float64

	mu  sync.Mutex // guards rnd
	rnd *rand.Rand
}

// NewEmulated returns a zeroed device of size bytes. On Crash each unflushed line
// independently survives with probability keepProb.
func NewEmulated(size uint64, keepProb float64) (*Emulated, error) {
	if err := checkSize(size); err != nil {
		return nil, err
	}
	words := size / WordSize
	return &Emulated{
		volatile: make([]atomic.Uint64, words),
		durable:  make([]atomic.Uint64, words),
		flushes:  make([]atomic.Uint64, size/CacheLineSize),
		keepProb: keepProb,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (e *Emulated) Load(addr uint64) uint64 {
	return e.volatile[addr/WordSize].Load()
}

func (e *Emulated) Store(addr uint64, val uint64) {
	e.volatile[addr/WordSize].Store(val)
}

func (e *Emulated) Flush(addr uint64) {
	line := LineOf(addr)
	first := line / WordSize
	for i := first; i < first+WordsPerLine; i++ {
		e.durable[i].Store(e.volatile[i].Load())
	}
	e.flushes[line/CacheLineSize].Inc()
	if d := e.writeLatency.Load(); d > 0 {
		time.Sleep(time.Duration(d))
	}
}

// Fence is a no-op, Flush is synchronous on the emulated device.
func (e *Emulated) Fence() error {
	return nil
}

func (e *Emulated) Size() uint64 {
	return uint64(len(e.volatile)) * WordSize
}

func (e *Emulated) Close() error {
	return nil
}

// SetWriteLatency makes every following Flush sleep for d.
func (e *Emulated) SetWriteLatency(d time.Duration) {
	e.writeLatency.Store(int64(d))
}

// FlushCount returns how many times the line containing addr has been flushed since
// the last ResetCounters.
func (e *Emulated) FlushCount(addr uint64) uint64 {
	return e.flushes[LineOf(addr)/CacheLineSize].Load()
}

// TotalFlushes returns the number of line flushes across the whole device.
func (e *Emulated) TotalFlushes() uint64 {
	var n uint64
	for i := range e.flushes {
		n += e.flushes[i].Load()
	}
	return n
}

func (e *Emulated) ResetCounters() {
	for i := range e.flushes {
		e.flushes[i].Store(0)
	}
}

// Crash simulates power loss. Every line whose volatile content differs from its
// durable content is rolled back, unless it is picked to survive. It must not race
// with other calls on the device.
func (e *Emulated) Crash() (lost int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for first := 0; first < len(e.volatile); first += WordsPerLine {
		dirty := false
		for i := first; i < first+WordsPerLine; i++ {
			if e.volatile[i].Load() != e.durable[i].Load() {
				dirty = true
				break
			}
		}
		if !dirty {
			continue
		}
		if e.keepProb > 0 && e.rnd.Float64() < e.keepProb {
			for i := first; i < first+WordsPerLine; i++ {
				e.durable[i].Store(e.volatile[i].Load())
			}
			continue
		}
		for i := first; i < first+WordsPerLine; i++ {
			e.volatile[i].Store(e.durable[i].Load())
		}
		lost++
	}
	return lost
}
