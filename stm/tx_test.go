package stm

import (
	"testing"

	"github.com/pingcap-incubator/tinypstm/config"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskedStores(t *testing.T) {
	e, _ := newTestEngine(t, config.NewTestConfig())
	storeCommitted(t, e, 64, 0xFFFF, fullMask)
	storeCommitted(t, e, 64, 0x00AA, 0x00FF)
	assert.Equal(t, uint64(0xFFAA), loadCommitted(t, e, 64))

	// Masks accumulate within one transaction.
	require.Nil(t, e.Atomically(func(tx *Tx) error {
		if err := tx.StoreWord(128, 0x11, 0xFF); err != nil {
			return err
		}
		if err := tx.StoreWord(128, 0x2200, 0xFF00); err != nil {
			return err
		}
		v, err := tx.LoadWord(128)
		assert.Equal(t, uint64(0x2211), v)
		return err
	}))
	assert.Equal(t, uint64(0x2211), loadCommitted(t, e, 128))
}

func TestWriteSetReallocation(t *testing.T) {
	conf := config.NewTestConfig()
	conf.Engine.WriteSetSize = 2
	e, _ := newTestEngine(t, conf)
	require.Nil(t, e.Atomically(func(tx *Tx) error {
		for i := uint64(0); i < 10; i++ {
			if err := tx.StoreWord(i*64, i+1, fullMask); err != nil {
				return err
			}
		}
		return nil
	}))
	for i := uint64(0); i < 10; i++ {
		assert.Equal(t, i+1, loadCommitted(t, e, i*64))
	}
	assert.True(t, e.Stats().Aborts[Reallocate] >= 1)
}

func TestReadOnlyUpgrade(t *testing.T) {
	e, _ := newTestEngine(t, config.NewTestConfig())
	tx, err := e.NewTx()
	require.Nil(t, err)
	defer tx.Close()

	attempts := 0
	require.Nil(t, tx.Run(ModeReadOnly, func(tx *Tx) error {
		attempts++
		if err := increment(tx, 64); err != nil {
			return err
		}
		assert.Equal(t, ModeReadWrite, tx.mode)
		return nil
	}))
	assert.Equal(t, 2, attempts)
	assert.Equal(t, uint64(1), e.Stats().Aborts[NotReadOnly])
	assert.Equal(t, uint64(1), loadCommitted(t, e, 64))

	// The upgrade only lasts for one Run.
	require.Nil(t, tx.Run(ModeReadOnly, func(tx *Tx) error {
		assert.Equal(t, ModeReadOnly, tx.mode)
		_, err := tx.LoadWord(64)
		return err
	}))
}

func TestUserAbort(t *testing.T) {
	e, _ := newTestEngine(t, config.NewTestConfig())
	storeCommitted(t, e, 64, 1, fullMask)
	err := e.Atomically(func(tx *Tx) error {
		if err := tx.StoreWord(64, 2, fullMask); err != nil {
			return err
		}
		return tx.Abort()
	})
	assert.Equal(t, ErrUserAbort, errors.Cause(err))
	assert.Equal(t, uint64(1), loadCommitted(t, e, 64))
	assert.Equal(t, uint64(1), e.Stats().UserAborts)
}

func TestSwallowedUserAbort(t *testing.T) {
	e, _ := newTestEngine(t, config.NewTestConfig())
	storeCommitted(t, e, 64, 1, fullMask)
	attempts := 0
	err := e.Atomically(func(tx *Tx) error {
		attempts++
		if err := tx.StoreWord(64, 2, fullMask); err != nil {
			return err
		}
		tx.Abort()
		return nil
	})
	assert.Equal(t, ErrUserAbort, errors.Cause(err))
	assert.Equal(t, 1, attempts)
	assert.Equal(t, uint64(1), loadCommitted(t, e, 64))

	// A later Run on the same descriptor is not affected.
	tx, err := e.NewTx()
	require.Nil(t, err)
	defer tx.Close()
	require.Nil(t, tx.Run(ModeReadWrite, func(tx *Tx) error {
		return tx.StoreWord(64, 3, fullMask)
	}))
	assert.Equal(t, uint64(3), loadCommitted(t, e, 64))
}

func TestUserRetry(t *testing.T) {
	e, _ := newTestEngine(t, config.NewTestConfig())
	attempts := 0
	require.Nil(t, e.Atomically(func(tx *Tx) error {
		attempts++
		if err := tx.StoreWord(64, uint64(attempts), fullMask); err != nil {
			return err
		}
		if attempts == 1 {
			return tx.Retry()
		}
		return nil
	}))
	assert.Equal(t, 2, attempts)
	assert.Equal(t, uint64(2), loadCommitted(t, e, 64))
	assert.Equal(t, uint64(1), e.Stats().Aborts[UserRetry])
}

func TestRollbackInsideRun(t *testing.T) {
	e, _ := newTestEngine(t, config.NewTestConfig())
	attempts := 0
	require.Nil(t, e.Atomically(func(tx *Tx) error {
		attempts++
		if err := tx.StoreWord(64, 5, fullMask); err != nil {
			return err
		}
		tx.Rollback()
		return nil
	}))
	assert.Equal(t, 1, attempts)
	assert.Equal(t, uint64(0), loadCommitted(t, e, 64))
}

func TestErrorFromFunctionRollsBack(t *testing.T) {
	e, _ := newTestEngine(t, config.NewTestConfig())
	boom := errors.New("boom")
	err := e.Atomically(func(tx *Tx) error {
		if err := tx.StoreWord(64, 5, fullMask); err != nil {
			return err
		}
		return boom
	})
	assert.Equal(t, boom, errors.Cause(err))
	assert.Equal(t, uint64(0), loadCommitted(t, e, 64))
}

func TestTooManyRetries(t *testing.T) {
	conf := config.NewTestConfig()
	conf.Engine.MaxRetries = 3
	e, _ := newTestEngine(t, conf)
	attempts := 0
	err := e.Atomically(func(tx *Tx) error {
		attempts++
		return tx.Retry()
	})
	assert.Equal(t, ErrTooManyRetries, errors.Cause(err))
	assert.Equal(t, 4, attempts)
}

func TestNestedRun(t *testing.T) {
	e, _ := newTestEngine(t, config.NewTestConfig())
	require.Nil(t, e.Atomically(func(tx *Tx) error {
		if err := tx.StoreWord(64, 1, fullMask); err != nil {
			return err
		}
		err := tx.Run(ModeReadWrite, func(tx *Tx) error {
			assert.Equal(t, 2, tx.nesting)
			v, err := tx.LoadWord(64)
			if err != nil {
				return err
			}
			return tx.StoreWord(128, v+1, fullMask)
		})
		if err != nil {
			return err
		}
		assert.Equal(t, 1, tx.nesting)
		return nil
	}))
	assert.Equal(t, uint64(1), loadCommitted(t, e, 64))
	assert.Equal(t, uint64(2), loadCommitted(t, e, 128))
}

func TestUserActions(t *testing.T) {
	e, _ := newTestEngine(t, config.NewTestConfig())
	var commits, aborts int
	attempts := 0
	require.Nil(t, e.Atomically(func(tx *Tx) error {
		attempts++
		tx.OnCommit(func() { commits++ })
		tx.OnAbort(func() { aborts++ })
		if attempts == 1 {
			return tx.Retry()
		}
		return tx.StoreWord(64, 1, fullMask)
	}))
	assert.Equal(t, 1, commits)
	assert.Equal(t, 1, aborts)
}

func TestPrivateRange(t *testing.T) {
	e, store := newTestEngine(t, config.NewTestConfig())
	tx, err := e.NewTx()
	require.Nil(t, err)
	defer tx.Close()
	tx.SetPrivateRange(0, 64)

	require.Nil(t, tx.Begin(ModeReadWrite))
	require.Nil(t, tx.StoreWord(8, 7, fullMask))
	require.Nil(t, tx.StoreWord(8, 9, 0xFF))
	assert.Equal(t, uint64(9), store.Load(8))
	assert.Equal(t, ErrUserAbort, errors.Cause(tx.Abort()))
	assert.Equal(t, uint64(0), store.Load(8))

	require.Nil(t, tx.Run(ModeReadWrite, func(tx *Tx) error {
		return tx.StoreWord(8, 7, fullMask)
	}))
	assert.Equal(t, uint64(7), store.Load(8))
	// Nothing was logged.
	info, err := e.Logs().Info(int(tx.ID()))
	require.Nil(t, err)
	assert.Equal(t, info.Head, info.Tail)
}

func TestSnapshotExtension(t *testing.T) {
	e, _ := newTestEngine(t, config.NewTestConfig())
	addrs := distinctAddrs(e, 2)
	a, b := addrs[0], addrs[1]
	reader, err := e.NewTx()
	require.Nil(t, err)
	defer reader.Close()

	require.Nil(t, reader.Begin(ModeReadWrite))
	storeCommitted(t, e, b, 1, fullMask)
	// Nothing read yet, so the snapshot moves forward.
	v, err := reader.LoadWord(b)
	require.Nil(t, err)
	assert.Equal(t, uint64(1), v)
	assert.Equal(t, uint64(1), e.Stats().Extensions)

	_, err = reader.LoadWord(a)
	require.Nil(t, err)
	storeCommitted(t, e, a, 2, fullMask)
	storeCommitted(t, e, b, 3, fullMask)
	_, err = reader.LoadWord(b)
	reason, ok := AbortReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, ValidateRead, reason)
	assert.False(t, reader.Active())
}

func TestWriteAfterStaleRead(t *testing.T) {
	e, _ := newTestEngine(t, config.NewTestConfig())
	writer, err := e.NewTx()
	require.Nil(t, err)
	defer writer.Close()

	require.Nil(t, writer.Begin(ModeReadWrite))
	_, err = writer.LoadWord(64)
	require.Nil(t, err)
	storeCommitted(t, e, 64, 1, fullMask)
	err = writer.StoreWord(64, 2, fullMask)
	reason, ok := AbortReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, ValidateWrite, reason)
	assert.Equal(t, uint64(1), loadCommitted(t, e, 64))
}

func TestCommitValidation(t *testing.T) {
	e, _ := newTestEngine(t, config.NewTestConfig())
	addrs := distinctAddrs(e, 2)
	a, b := addrs[0], addrs[1]
	tx, err := e.NewTx()
	require.Nil(t, err)
	defer tx.Close()

	require.Nil(t, tx.Begin(ModeReadWrite))
	_, err = tx.LoadWord(a)
	require.Nil(t, err)
	require.Nil(t, tx.StoreWord(b, 1, fullMask))
	storeCommitted(t, e, a, 1, fullMask)
	err = tx.Commit()
	reason, ok := AbortReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, ValidateCommit, reason)
	assert.Equal(t, uint64(0), loadCommitted(t, e, b))
}

func TestLockedWriteAborts(t *testing.T) {
	e, _ := newTestEngine(t, config.NewTestConfig())
	owner, err := e.NewTx()
	require.Nil(t, err)
	defer owner.Close()
	other, err := e.NewTx()
	require.Nil(t, err)
	defer other.Close()

	require.Nil(t, owner.Begin(ModeReadWrite))
	require.Nil(t, owner.StoreWord(64, 1, fullMask))

	require.Nil(t, other.Begin(ModeReadWrite))
	_, err = other.LoadWord(64)
	reason, _ := AbortReasonOf(err)
	assert.Equal(t, LockedRead, reason)
	require.Nil(t, other.Begin(ModeReadWrite))
	err = other.StoreWord(72, 1, fullMask)
	reason, _ = AbortReasonOf(err)
	assert.Equal(t, LockedWrite, reason)

	// The owner sees its own write and commits.
	v, err := owner.LoadWord(64)
	require.Nil(t, err)
	assert.Equal(t, uint64(1), v)
	require.Nil(t, owner.Commit())
}

func TestAccessChecks(t *testing.T) {
	e, _ := newTestEngine(t, config.NewTestConfig())
	tx, err := e.NewTx()
	require.Nil(t, err)
	defer tx.Close()

	_, err = tx.LoadWord(0)
	assert.Equal(t, ErrNotActive, errors.Cause(err))

	require.Nil(t, tx.Begin(ModeReadWrite))
	_, err = tx.LoadWord(3)
	assert.Equal(t, ErrBadAddress, errors.Cause(err))
	_, err = tx.LoadWord(e.DataSize())
	assert.Equal(t, ErrBadAddress, errors.Cause(err))
	assert.Equal(t, ErrBadAddress, errors.Cause(tx.StoreWord(e.DataSize()-4, 1, fullMask)))
	require.Nil(t, tx.StoreWord(e.DataSize()-8, 1, fullMask))
	require.Nil(t, tx.Commit())
}

func TestTypedAccess(t *testing.T) {
	e, _ := newTestEngine(t, config.NewTestConfig())
	require.Nil(t, e.Atomically(func(tx *Tx) error {
		if err := Store[uint16](tx, 66, 0xBEEF); err != nil {
			return err
		}
		if err := Store[int8](tx, 71, -1); err != nil {
			return err
		}
		return Store[uint32](tx, 72, 0xCAFEBABE)
	}))
	assert.Equal(t, uint64(0xFF000000BEEF0000), loadCommitted(t, e, 64))

	require.Nil(t, e.Atomically(func(tx *Tx) error {
		v16, err := Load[uint16](tx, 66)
		require.Nil(t, err)
		assert.Equal(t, uint16(0xBEEF), v16)
		v8, err := Load[int8](tx, 71)
		require.Nil(t, err)
		assert.Equal(t, int8(-1), v8)
		v32, err := Load[uint32](tx, 72)
		require.Nil(t, err)
		assert.Equal(t, uint32(0xCAFEBABE), v32)

		_, err = Load[uint32](tx, 66)
		assert.Equal(t, ErrBadAddress, errors.Cause(err))
		return nil
	}))
}

func TestBytesRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t, config.NewTestConfig())
	storeCommitted(t, e, 64, fullMask, fullMask)
	storeCommitted(t, e, 80, fullMask, fullMask)

	data := []byte("hello, world!!!!")
	require.Nil(t, e.Atomically(func(tx *Tx) error {
		return tx.StoreBytes(67, data)
	}))
	buf := make([]byte, len(data))
	require.Nil(t, e.Atomically(func(tx *Tx) error {
		return tx.LoadBytes(67, buf)
	}))
	assert.Equal(t, data, buf)

	// Bytes around the range are untouched.
	assert.Equal(t, uint64(0xFFFFFF), loadCommitted(t, e, 64)&0xFFFFFF)
	assert.Equal(t, uint64(0xFFFFFFFFFF000000), loadCommitted(t, e, 80)&0xFFFFFFFFFF000000)
}
