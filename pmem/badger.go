package pmem

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/coocood/badger"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
)

// BadgerStore keeps the working image in memory and persists flushed cache lines
// into badger, one key per line. Lines are batched between Flush and Fence, so a
// fence is one synchronous badger transaction.
type BadgerStore struct {
	db    *badger.DB
	image []atomic.Uint64

	fenceMu sync.Mutex // serializes fences so none returns before an earlier batch lands
	mu      sync.Mutex
	pending map[uint64][]byte
}

// Lines written per badger transaction.
const fenceBatchSize = 512

func lineKey(line uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], line)
	return key[:]
}

// OpenBadger opens or creates the badger directory at dir and loads every persisted
// line into the image.
func OpenBadger(dir string, size uint64) (*BadgerStore, error) {
	if err := checkSize(size); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, errors.Trace(err)
	}
	opts := badger.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	opts.SyncWrites = true
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Annotatef(err, "open badger at %s", dir)
	}
	s := &BadgerStore{
		db:      db,
		image:   make([]atomic.Uint64, size/WordSize),
		pending: make(map[uint64][]byte),
	}
	if err = s.load(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BadgerStore) load() error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			line := binary.BigEndian.Uint64(item.Key())
			if line+CacheLineSize > s.Size() {
				return errors.Errorf("persisted line %#x is beyond device size %d", line, s.Size())
			}
			val, err := item.Value()
			if err != nil {
				return errors.Trace(err)
			}
			if len(val) != CacheLineSize {
				return errors.Errorf("persisted line %#x has %d bytes", line, len(val))
			}
			for i := uint64(0); i < WordsPerLine; i++ {
				s.image[line/WordSize+i].Store(binary.LittleEndian.Uint64(val[i*WordSize:]))
			}
		}
		return nil
	})
}

func (s *BadgerStore) Load(addr uint64) uint64 {
	return s.image[addr/WordSize].Load()
}

func (s *BadgerStore) Store(addr uint64, val uint64) {
	s.image[addr/WordSize].Store(val)
}

func (s *BadgerStore) Flush(addr uint64) {
	line := LineOf(addr)
	buf := make([]byte, CacheLineSize)
	for i := uint64(0); i < WordsPerLine; i++ {
		binary.LittleEndian.PutUint64(buf[i*WordSize:], s.image[line/WordSize+i].Load())
	}
	s.mu.Lock()
	s.pending[line] = buf
	s.mu.Unlock()
}

func (s *BadgerStore) Fence() error {
	s.fenceMu.Lock()
	defer s.fenceMu.Unlock()
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.pending
	s.pending = make(map[uint64][]byte)
	s.mu.Unlock()

	lines := make([]uint64, 0, len(batch))
	for line := range batch {
		lines = append(lines, line)
	}
	for len(lines) > 0 {
		n := len(lines)
		if n > fenceBatchSize {
			n = fenceBatchSize
		}
		chunk := lines[:n]
		lines = lines[n:]
		err := s.db.Update(func(txn *badger.Txn) error {
			for _, line := range chunk {
				if err := txn.Set(lineKey(line), batch[line]); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (s *BadgerStore) Size() uint64 {
	return uint64(len(s.image)) * WordSize
}

func (s *BadgerStore) Close() error {
	if err := s.Fence(); err != nil {
		s.db.Close()
		return err
	}
	return errors.Trace(s.db.Close())
}
