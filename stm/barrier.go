package stm

import (
	"unsafe"

	"github.com/pingcap-incubator/tinypstm/log"
	"github.com/pingcap-incubator/tinypstm/pmem"
	"github.com/pingcap-incubator/tinypstm/tmlog"
	"github.com/pingcap/errors"
)

const fullMask = ^uint64(0)

func (tx *Tx) checkAccess(addr uint64) error {
	if tx.status != txActive {
		return errors.Trace(ErrNotActive)
	}
	if addr%pmem.WordSize != 0 || addr+pmem.WordSize > tx.e.dataSize {
		return errors.Annotatef(ErrBadAddress, "address %#x", addr)
	}
	return nil
}

// LoadWord reads the word at addr as seen by the transaction.
func (tx *Tx) LoadWord(addr uint64) (uint64, error) {
	if err := tx.checkAccess(addr); err != nil {
		return 0, err
	}
	return tx.load(addr)
}

// StoreWord writes the bytes of val selected by mask into the word at addr.
func (tx *Tx) StoreWord(addr, val, mask uint64) error {
	if err := tx.checkAccess(addr); err != nil {
		return err
	}
	return tx.store(addr, val, mask)
}

func (tx *Tx) load(addr uint64) (uint64, error) {
	e := tx.e
	if tx.private(addr) {
		return e.store.Load(addr), nil
	}
	if tx.visibleReads && tx.mode == ModeReadWrite {
		return tx.visibleLoad(addr)
	}
	slot := e.slotOf(addr)
	lock := &e.locks[slot]
	l := lock.Load()
	for {
		if isOwned(l) {
			if lockOwner(l) == tx.id {
				if lockGen(l) != tx.ws.gen {
					return 0, tx.abort(Reallocate)
				}
				mem := e.store.Load(addr)
				for i := lockIndex(l); i != noEntry; i = tx.ws.entries[i].next {
					if w := &tx.ws.entries[i]; w.addr == addr {
						return w.apply(mem), nil
					}
				}
				return mem, nil
			}
			if e.cm.conflict(tx, slot, l, false) {
				l = lock.Load()
				continue
			}
			return 0, tx.abort(LockedRead)
		}
		val := e.store.Load(addr)
		l2 := lock.Load()
		if l != l2 {
			l = l2
			continue
		}
		version := lockVersion(l)
		if version > tx.end {
			if !tx.extend() {
				return 0, tx.abort(ValidateRead)
			}
			if l2 = lock.Load(); l != l2 {
				l = l2
				continue
			}
		}
		tx.rset = append(tx.rset, readEntry{slot: slot, version: version})
		return val, nil
	}
}

// visibleLoad takes the lock of addr like a write that changes nothing, so the
// read can never be invalidated.
func (tx *Tx) visibleLoad(addr uint64) (uint64, error) {
	if err := tx.store(addr, 0, 0); err != nil {
		return 0, err
	}
	mem := tx.e.store.Load(addr)
	l := tx.e.locks[tx.e.slotOf(addr)].Load()
	for i := lockIndex(l); i != noEntry; i = tx.ws.entries[i].next {
		if w := &tx.ws.entries[i]; w.addr == addr {
			return w.apply(mem), nil
		}
	}
	return mem, nil
}

func (tx *Tx) hasRead(slot uint32) bool {
	for i := range tx.rset {
		if tx.rset[i].slot == slot {
			return true
		}
	}
	return false
}

func (tx *Tx) store(addr, val, mask uint64) error {
	e := tx.e
	if tx.mode == ModeReadOnly {
		return tx.abort(NotReadOnly)
	}
	if tx.private(addr) {
		old := e.store.Load(addr)
		tx.undo = append(tx.undo, undoEntry{addr: addr, old: old})
		e.store.Store(addr, (old&^mask)|(val&mask))
		return nil
	}
	slot := e.slotOf(addr)
	lock := &e.locks[slot]
	for {
		l := lock.Load()
		if isOwned(l) {
			if lockOwner(l) != tx.id {
				if e.cm.conflict(tx, slot, l, true) {
					continue
				}
				return tx.abort(LockedWrite)
			}
			if lockGen(l) != tx.ws.gen {
				return tx.abort(Reallocate)
			}
			return tx.storeOwned(addr, val, mask, lockIndex(l))
		}

		if lockPriority(l) > tx.priority.Load() && e.cm.honorsPriority() {
			// A higher priority transaction is waiting for this lock.
			return tx.abort(LockedWrite)
		}
		version := lockVersion(l)
		if version > tx.end && tx.hasRead(slot) {
			// We read an older version, extending cannot help.
			return tx.abort(ValidateWrite)
		}
		if tx.ws.full() {
			return tx.abort(Reallocate)
		}
		idx := tx.ws.add()
		if !lock.CAS(l, makeLocked(tx.id, tx.ws.gen, idx)) {
			tx.ws.drop()
			continue
		}
		if e.onAcquire != nil {
			e.onAcquire(tx, slot)
		}
		w := &tx.ws.entries[idx]
		w.addr, w.old, w.slot = addr, l, slot
		return tx.setEntry(w, val, mask)
	}
}

// storeOwned records a write under a lock the transaction holds, head being the
// first entry of the lock's chain.
func (tx *Tx) storeOwned(addr, val, mask uint64, head int32) error {
	line := pmem.LineOf(addr)
	last, lastInLine := noEntry, noEntry
	for i := head; i != noEntry; i = tx.ws.entries[i].next {
		w := &tx.ws.entries[i]
		if w.addr == addr {
			return tx.setEntry(w, val, mask)
		}
		if pmem.LineOf(w.addr) == line {
			lastInLine = i
		}
		last = i
	}
	if tx.ws.full() {
		return tx.abort(Reallocate)
	}
	idx := tx.ws.add()
	w := &tx.ws.entries[idx]
	prev := &tx.ws.entries[last]
	w.addr, w.old, w.slot = addr, prev.old, prev.slot
	prev.next = idx
	if lastInLine != noEntry {
		tx.ws.entries[lastInLine].nextLine = idx
	}
	return tx.setEntry(w, val, mask)
}

// setEntry merges a write into an entry and mirrors it in the log.
func (tx *Tx) setEntry(w *writeEntry, val, mask uint64) error {
	if mask == 0 {
		return nil
	}
	w.merge(val, mask)
	if w.logPos >= 0 {
		tx.log.Update(uint64(w.logPos), w.value, w.mask)
		return nil
	}
	pos, err := tx.log.Append(w.addr, w.value, w.mask)
	if err != nil {
		if errors.Cause(err) == tmlog.ErrLogFull {
			return tx.abort(LogFull)
		}
		log.Errorf("tx %d cannot log write at %#x: %v", tx.id, w.addr, err)
		tx.rollback()
		tx.finish()
		tx.aborted()
		return err
	}
	w.logPos = int64(pos)
	return nil
}

// LoadBytes reads len(buf) bytes starting at addr.
func (tx *Tx) LoadBytes(addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	end := addr + uint64(len(buf))
	for word := addr &^ (pmem.WordSize - 1); word < end; word += pmem.WordSize {
		if err := tx.checkAccess(word); err != nil {
			return err
		}
		v, err := tx.load(word)
		if err != nil {
			return err
		}
		for i := uint64(0); i < pmem.WordSize; i++ {
			if a := word + i; a >= addr && a < end {
				buf[a-addr] = byte(v >> (8 * i))
			}
		}
	}
	return nil
}

// StoreBytes writes data starting at addr. Words only partly covered are merged
// with a byte mask.
func (tx *Tx) StoreBytes(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	end := addr + uint64(len(data))
	for word := addr &^ (pmem.WordSize - 1); word < end; word += pmem.WordSize {
		if err := tx.checkAccess(word); err != nil {
			return err
		}
		var val, mask uint64
		for i := uint64(0); i < pmem.WordSize; i++ {
			if a := word + i; a >= addr && a < end {
				val |= uint64(data[a-addr]) << (8 * i)
				mask |= uint64(0xFF) << (8 * i)
			}
		}
		if err := tx.store(word, val, mask); err != nil {
			return err
		}
	}
	return nil
}

// Word is any fixed width integer that fits in a memory word.
type Word interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

func sizeOf[T Word]() uint64 {
	var v T
	return uint64(unsafe.Sizeof(v))
}

// Load reads a naturally aligned T at addr.
func Load[T Word](tx *Tx, addr uint64) (T, error) {
	size := sizeOf[T]()
	if addr%size != 0 {
		return 0, errors.Annotatef(ErrBadAddress, "address %#x is not %d byte aligned", addr, size)
	}
	word := addr &^ (pmem.WordSize - 1)
	v, err := tx.LoadWord(word)
	if err != nil {
		return 0, err
	}
	return T(v >> (8 * (addr - word))), nil
}

// Store writes a naturally aligned T at addr, leaving the rest of its word alone.
func Store[T Word](tx *Tx, addr uint64, v T) error {
	size := sizeOf[T]()
	if addr%size != 0 {
		return errors.Annotatef(ErrBadAddress, "address %#x is not %d byte aligned", addr, size)
	}
	word := addr &^ (pmem.WordSize - 1)
	shift := 8 * (addr - word)
	mask := fullMask
	if size < pmem.WordSize {
		mask = (uint64(1)<<(8*size) - 1) << shift
	}
	return tx.StoreWord(word, uint64(v)<<shift, mask)
}
