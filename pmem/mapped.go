package pmem

import (
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"github.com/pingcap/errors"
	uatomic "go.uber.org/atomic"
)

// MappedStore is a Store over a memory mapped file. Fence msyncs the mapping when
// any line was flushed since the previous fence.
type MappedStore struct {
	f     *os.File
	m     mmap.MMap
	words []uint64
	dirty uatomic.Bool

	fenceMu sync.Mutex
}

// OpenMapped maps path, creating or growing it to size bytes.
func OpenMapped(path string, size uint64) (*MappedStore, error) {
	if err := checkSize(size); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Trace(err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Trace(err)
	}
	if uint64(fi.Size()) < size {
		if err = f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, errors.Trace(err)
		}
	}
	m, err := mmap.MapRegion(f, int(size), mmap.RDWR, 0, 0)
	if err != nil {
		f.Close()
		return nil, errors.Annotatef(err, "mmap %s", path)
	}
	words := unsafe.Slice((*uint64)(unsafe.Pointer(&m[0])), size/WordSize)
	return &MappedStore{f: f, m: m, words: words}, nil
}

func (s *MappedStore) Load(addr uint64) uint64 {
	return atomic.LoadUint64(&s.words[addr/WordSize])
}

func (s *MappedStore) Store(addr uint64, val uint64) {
	atomic.StoreUint64(&s.words[addr/WordSize], val)
}

func (s *MappedStore) Flush(addr uint64) {
	s.dirty.Store(true)
}

func (s *MappedStore) Fence() error {
	s.fenceMu.Lock()
	defer s.fenceMu.Unlock()
	if !s.dirty.CAS(true, false) {
		return nil
	}
	return errors.Trace(s.m.Flush())
}

func (s *MappedStore) Size() uint64 {
	return uint64(len(s.words)) * WordSize
}

func (s *MappedStore) Close() error {
	if err := s.m.Flush(); err != nil {
		return errors.Trace(err)
	}
	if err := s.m.Unmap(); err != nil {
		return errors.Trace(err)
	}
	s.words = nil
	return errors.Trace(s.f.Close())
}
