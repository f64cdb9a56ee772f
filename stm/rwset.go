package stm

const noEntry int32 = -1

type readEntry struct {
	slot    uint32
	version uint64
}

type writeEntry struct {
	addr  uint64
	value uint64
	mask  uint64
	// Unlocked lock word seen when the lock was taken, restored on abort.
	old  uint64
	slot uint32
	// Next entry under the same lock.
	next int32
	// Next entry in the same cache line, noEntry for the last one.
	nextLine int32
	// Position of the logged triple, -1 until the first non-empty write.
	logPos int64
}

// writeSet is an arena of entries with a fixed capacity. Lock words refer to
// entries by index, tagged with the generation of the arena. Growing the arena
// starts a new generation, so indexes from before the resize can be told apart.
type writeSet struct {
	entries []writeEntry
	gen     uint32
}

func newWriteSet(capacity int) writeSet {
	return writeSet{entries: make([]writeEntry, 0, capacity)}
}

func (ws *writeSet) len() int {
	return len(ws.entries)
}

func (ws *writeSet) full() bool {
	return len(ws.entries) == cap(ws.entries) || len(ws.entries) >= int(maxEntries)
}

// add appends a zeroed entry and returns its index.
func (ws *writeSet) add() int32 {
	ws.entries = append(ws.entries, writeEntry{next: noEntry, nextLine: noEntry, logPos: -1})
	return int32(len(ws.entries) - 1)
}

// drop removes the last entry, used when the lock it was meant for got away.
func (ws *writeSet) drop() {
	ws.entries = ws.entries[:len(ws.entries)-1]
}

func (ws *writeSet) reset() {
	ws.entries = ws.entries[:0]
}

// grow doubles the capacity and moves to the next generation.
func (ws *writeSet) grow() {
	ws.entries = make([]writeEntry, 0, 2*cap(ws.entries))
	ws.gen = (ws.gen + 1) & uint32(genMask)
}

// merge folds a masked write into an entry.
func (w *writeEntry) merge(value, mask uint64) {
	w.value = (w.value &^ mask) | (value & mask)
	w.mask |= mask
}

// apply returns the entry's bytes laid over the memory word mem.
func (w *writeEntry) apply(mem uint64) uint64 {
	return (mem &^ w.mask) | (w.value & w.mask)
}

// lastWrittenInLine reports whether entry i carries data and no later entry of
// the same cache line does, so each written line is flushed once.
func (ws *writeSet) lastWrittenInLine(i int32) bool {
	if ws.entries[i].mask == 0 {
		return false
	}
	for j := ws.entries[i].nextLine; j != noEntry; j = ws.entries[j].nextLine {
		if ws.entries[j].mask != 0 {
			return false
		}
	}
	return true
}
