package tmlog

import (
	"testing"

	"github.com/pingcap-incubator/tinypstm/pmem"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncateFlushesLineOnce(t *testing.T) {
	env := newTestEnv(t, 1, 1024, "block")
	m := env.open(t)
	m.MarkRecovered()
	l, err := m.Acquire()
	require.Nil(t, err)

	const line = 512
	for i := uint64(0); i < pmem.WordsPerLine; i++ {
		_, err = l.Append(line+i*pmem.WordSize, i+1, ^uint64(0))
		require.Nil(t, err)
	}
	l.PrepareCommit()
	require.Nil(t, l.Commit(11))
	for i := uint64(0); i < pmem.WordsPerLine; i++ {
		env.store.Store(line+i*pmem.WordSize, i+1)
	}
	l.Publish()

	env.store.ResetCounters()
	n, err := m.Truncate()
	require.Nil(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(1), env.store.FlushCount(line))

	// Truncated values are durable on their own.
	env.store.Crash()
	for i := uint64(0); i < pmem.WordsPerLine; i++ {
		assert.Equal(t, i+1, env.store.Load(line+i*pmem.WordSize))
	}
	m = env.open(t)
	stats, err := m.Recover()
	require.Nil(t, err)
	assert.Equal(t, 0, stats.Replayed)
}

func TestTruncateAbortTouchesNothing(t *testing.T) {
	env := newTestEnv(t, 1, 1024, "block")
	m := env.open(t)
	m.MarkRecovered()
	l, err := m.Acquire()
	require.Nil(t, err)
	_, err = l.Append(1024, 3, ^uint64(0))
	require.Nil(t, err)
	require.Nil(t, l.Abort())

	env.store.ResetCounters()
	n, err := m.Truncate()
	require.Nil(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(0), env.store.FlushCount(1024))
}

func TestTruncateWaitsForCommitInProgress(t *testing.T) {
	env := newTestEnv(t, 2, 1024, "block")
	m := env.open(t)
	m.MarkRecovered()
	l0, err := m.Acquire()
	require.Nil(t, err)
	l1, err := m.Acquire()
	require.Nil(t, err)

	commitOne(t, l0, 64, 1, ^uint64(0), 5, true)
	l1.PrepareCommit()
	n, err := m.Truncate()
	require.Nil(t, err)
	assert.Equal(t, 0, n)

	// Once the other commit has its number, older fragments can go.
	require.Nil(t, l1.Commit(6))
	n, err = m.Truncate()
	require.Nil(t, err)
	assert.Equal(t, 1, n)
	l1.Publish()
}

func TestTruncateBoundedByClock(t *testing.T) {
	env := newTestEnv(t, 1, 1024, "block")
	m := env.open(t)
	m.MarkRecovered()
	l, err := m.Acquire()
	require.Nil(t, err)
	commitOne(t, l, 64, 1, ^uint64(0), 150, true)

	n, err := m.Truncate()
	require.Nil(t, err)
	assert.Equal(t, 0, n)
	env.clock.Store(150)
	n, err = m.TruncateAll()
	require.Nil(t, err)
	assert.Equal(t, 1, n)
}

func TestTruncateOrderAcrossLogs(t *testing.T) {
	env := newTestEnv(t, 2, 1024, "block")
	m := env.open(t)
	m.MarkRecovered()
	l0, err := m.Acquire()
	require.Nil(t, err)
	l1, err := m.Acquire()
	require.Nil(t, err)

	commitOne(t, l1, 64, 1, ^uint64(0), 3, true)
	commitOne(t, l0, 64, 2, ^uint64(0), 4, true)
	n, err := m.TruncateAll()
	require.Nil(t, err)
	assert.Equal(t, 2, n)
	env.store.Crash()
	assert.Equal(t, uint64(2), env.store.Load(64))
}

func TestTruncateOwn(t *testing.T) {
	env := newTestEnv(t, 1, 1024, "block")
	m := env.open(t)
	m.MarkRecovered()
	l, err := m.Acquire()
	require.Nil(t, err)

	_, err = l.Append(64, 7, ^uint64(0))
	require.Nil(t, err)
	l.PrepareCommit()
	require.Nil(t, l.Commit(1))
	env.store.Store(64, 7)
	require.Nil(t, pmem.Persist(env.store, 64, pmem.WordSize))
	ok, err := l.TruncateOwn()
	require.Nil(t, err)
	assert.True(t, ok)
	l.Publish()

	n, err := m.Truncate()
	require.Nil(t, err)
	assert.Equal(t, 0, n)
	info, err := m.Info(0)
	require.Nil(t, err)
	assert.Equal(t, info.Head, info.Tail)
}

func TestTruncateOwnEmptiesLog(t *testing.T) {
	env := newTestEnv(t, 1, 1024, "block")
	m := env.open(t)
	m.MarkRecovered()
	l, err := m.Acquire()
	require.Nil(t, err)

	_, err = l.Append(512, 5, ^uint64(0))
	require.Nil(t, err)
	require.Nil(t, l.Abort())
	// Written back, never flushed.
	commitOne(t, l, 128, 3, ^uint64(0), 1, true)

	_, err = l.Append(64, 7, ^uint64(0))
	require.Nil(t, err)
	l.PrepareCommit()
	require.Nil(t, l.Commit(2))
	env.store.Store(64, 7)
	require.Nil(t, pmem.Persist(env.store, 64, pmem.WordSize))
	env.store.ResetCounters()
	ok, err := l.TruncateOwn()
	require.Nil(t, err)
	assert.True(t, ok)
	l.Publish()

	info, err := m.Info(0)
	require.Nil(t, err)
	assert.Equal(t, info.Head, info.Tail)
	assert.Equal(t, uint64(1), env.store.FlushCount(128))
	assert.Equal(t, uint64(0), env.store.FlushCount(512))

	env.store.Crash()
	assert.Equal(t, uint64(3), env.store.Load(128))
	assert.Equal(t, uint64(7), env.store.Load(64))
	assert.Equal(t, uint64(0), env.store.Load(512))
}

func TestFragmentTooLarge(t *testing.T) {
	env := newTestEnv(t, 1, 64, "block")
	m := env.open(t)
	m.MarkRecovered()
	l, err := m.Acquire()
	require.Nil(t, err)
	// Eight words hold two triples and a marker, not three.
	_, err = l.Append(0, 1, ^uint64(0))
	require.Nil(t, err)
	_, err = l.Append(8, 1, ^uint64(0))
	require.Nil(t, err)
	_, err = l.Append(16, 1, ^uint64(0))
	assert.Equal(t, ErrFragmentTooLarge, errors.Cause(err))
}

// fillLog commits three one-word fragments into a 16 word log, leaving one free word.
func fillLog(t *testing.T, l *Log) {
	for i := uint64(0); i < 3; i++ {
		commitOne(t, l, 64+i*8, i, ^uint64(0), i+1, true)
	}
}

func TestLogFullAbort(t *testing.T) {
	env := newTestEnv(t, 1, 128, "abort")
	m := env.open(t)
	m.MarkRecovered()
	l, err := m.Acquire()
	require.Nil(t, err)
	fillLog(t, l)
	_, err = l.Append(128, 1, ^uint64(0))
	assert.Equal(t, ErrLogFull, errors.Cause(err))
}

func TestLogFullTruncate(t *testing.T) {
	env := newTestEnv(t, 1, 128, "truncate")
	m := env.open(t)
	m.MarkRecovered()
	l, err := m.Acquire()
	require.Nil(t, err)
	fillLog(t, l)
	_, err = l.Append(128, 1, ^uint64(0))
	assert.Nil(t, err)
}

func TestLogFullBlock(t *testing.T) {
	env := newTestEnv(t, 1, 128, "block")
	m := env.open(t)
	m.MarkRecovered()
	m.StartWorker(0)
	defer m.Stop()
	l, err := m.Acquire()
	require.Nil(t, err)
	fillLog(t, l)
	_, err = l.Append(128, 1, ^uint64(0))
	assert.Nil(t, err)
}

func TestLogFullBlockWithoutWorker(t *testing.T) {
	env := newTestEnv(t, 1, 128, "block")
	m := env.open(t)
	m.MarkRecovered()
	l, err := m.Acquire()
	require.Nil(t, err)
	fillLog(t, l)
	_, err = l.Append(128, 1, ^uint64(0))
	assert.Nil(t, err)
}
