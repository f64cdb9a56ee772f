package pmem

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/pingcap-incubator/tinypstm/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerStoreReopen(t *testing.T) {
	dir, err := ioutil.TempDir("", "pmem-badger")
	require.Nil(t, err)
	defer os.RemoveAll(dir)

	s, err := OpenBadger(dir, 16*CacheLineSize)
	require.Nil(t, err)
	s.Store(8, 42)
	s.Store(200, 43)
	s.Flush(8)
	require.Nil(t, s.Fence())
	// Stored but never flushed.
	s.Store(512, 44)
	require.Nil(t, s.db.Close())

	s, err = OpenBadger(dir, 16*CacheLineSize)
	require.Nil(t, err)
	defer s.Close()
	assert.Equal(t, uint64(42), s.Load(8))
	assert.Equal(t, uint64(0), s.Load(200))
	assert.Equal(t, uint64(0), s.Load(512))
}

func TestMappedStoreReopen(t *testing.T) {
	dir, err := ioutil.TempDir("", "pmem-mmap")
	require.Nil(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "pool")

	s, err := OpenMapped(path, 8*CacheLineSize)
	require.Nil(t, err)
	s.Store(64, 7)
	require.Nil(t, Persist(s, 64, WordSize))
	require.Nil(t, s.Close())

	s, err = OpenMapped(path, 8*CacheLineSize)
	require.Nil(t, err)
	defer s.Close()
	assert.Equal(t, uint64(7), s.Load(64))
	assert.Equal(t, uint64(8*CacheLineSize), s.Size())
}

func TestOpenByKind(t *testing.T) {
	conf := config.NewTestConfig().Device
	s, err := Open(&conf)
	require.Nil(t, err)
	_, ok := s.(*Emulated)
	assert.True(t, ok)

	conf.Kind = "tape"
	_, err = Open(&conf)
	assert.NotNil(t, err)
}
