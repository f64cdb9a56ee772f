// Package pmem models byte-addressable persistent memory as a flat array of 64-bit words.
//
// A Store is write-back: Store makes a value visible to every later Load at once, but
// the value only survives a crash after the cache line holding it has been passed to
// Flush and a Fence has returned.
package pmem

import (
	"github.com/pingcap/errors"
)

const (
	WordSize      = 8
	CacheLineSize = 64
	WordsPerLine  = CacheLineSize / WordSize
)

var ErrBadSize = errors.New("pmem: size must be a positive multiple of the cache line size")

// Store is the non-volatile memory a persistent transaction engine runs on.
// Addresses are byte offsets and must be word aligned. All methods are safe for
// concurrent use, concurrent Store calls to the same word are last-writer-wins.
type Store interface {
	Load(addr uint64) uint64
	Store(addr uint64, val uint64)
	// Flush schedules the cache line containing addr for write-back.
	Flush(addr uint64)
	// Fence returns once every line passed to Flush before the call is durable.
	Fence() error
	Size() uint64
	Close() error
}

// LineOf returns the address of the cache line containing addr.
func LineOf(addr uint64) uint64 {
	return addr &^ (CacheLineSize - 1)
}

// StoreMasked replaces the bytes of the word at addr selected by mask.
func StoreMasked(s Store, addr, val, mask uint64) {
	if mask == ^uint64(0) {
		s.Store(addr, val)
		return
	}
	old := s.Load(addr)
	s.Store(addr, (old&^mask)|(val&mask))
}

// Persist flushes every line in [addr, addr+n) and fences.
func Persist(s Store, addr, n uint64) error {
	if n == 0 {
		return nil
	}
	for line := LineOf(addr); line < addr+n; line += CacheLineSize {
		s.Flush(line)
	}
	return s.Fence()
}

func checkSize(size uint64) error {
	if size == 0 || size%CacheLineSize != 0 {
		return errors.Trace(ErrBadSize)
	}
	return nil
}
