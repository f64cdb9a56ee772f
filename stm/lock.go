package stm

// A lock word is either unlocked:
//
//	| version (59) | priority (3) | wait (1) | 0 |
//
// or owned by a transaction:
//
//	| entry index (31) | generation (12) | owner (16) | priority (3) | wait (1) | 1 |
//
// The entry index points at the first write-set entry of the owner's chain for
// this lock, generation tells whether the owner's write set is still the one the
// index refers to. Priority and wait bits are set by waiting transactions of the
// priority contention manager.
const (
	ownedBit  = uint64(1)
	waitBit   = uint64(2)
	prioShift = 2
	prioMask  = uint64(7) << prioShift

	versionShift = 5

	ownerShift = 5
	ownerMask  = uint64(1)<<16 - 1
	genShift   = 21
	genMask    = uint64(1)<<12 - 1
	indexShift = 33
	indexMask  = uint64(1)<<31 - 1

	MaxPriority = 7
	maxOwners   = ownerMask + 1
	maxEntries  = indexMask + 1
)

func isOwned(l uint64) bool {
	return l&ownedBit != 0
}

func lockVersion(l uint64) uint64 {
	return l >> versionShift
}

func lockPriority(l uint64) uint64 {
	return (l & prioMask) >> prioShift
}

func lockOwner(l uint64) uint32 {
	return uint32((l >> ownerShift) & ownerMask)
}

func lockGen(l uint64) uint32 {
	return uint32((l >> genShift) & genMask)
}

func lockIndex(l uint64) int32 {
	return int32((l >> indexShift) & indexMask)
}

func makeUnlocked(version, prio uint64) uint64 {
	return version<<versionShift | (prio<<prioShift)&prioMask
}

func makeLocked(owner, gen uint32, idx int32) uint64 {
	return uint64(idx)<<indexShift |
		(uint64(gen)&genMask)<<genShift |
		uint64(owner)<<ownerShift |
		ownedBit
}

// released returns the unlocked word replacing an owned word cur. Priority left by
// waiters survives so that they get the lock before lower priority writers.
func released(cur, version uint64) uint64 {
	if cur&waitBit != 0 {
		return makeUnlocked(version, lockPriority(cur))
	}
	return makeUnlocked(version, 0)
}
