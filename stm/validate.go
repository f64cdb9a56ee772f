package stm

// validate checks that nothing the transaction read has been overwritten since.
func (tx *Tx) validate() bool {
	e := tx.e
	for i := range tx.rset {
		r := &tx.rset[i]
		l := e.locks[r.slot].Load()
		if isOwned(l) {
			if lockOwner(l) != tx.id || lockGen(l) != tx.ws.gen {
				return false
			}
			// Taken by us after the read, compare with the version it had then.
			if lockVersion(tx.ws.entries[lockIndex(l)].old) > r.version {
				return false
			}
			continue
		}
		if lockVersion(l) > r.version {
			return false
		}
	}
	return true
}

// extend moves the snapshot up to the current clock if the read set is still valid.
func (tx *Tx) extend() bool {
	now := tx.e.clock.Load()
	if now >= tx.e.versionMax {
		return false
	}
	if !tx.validate() {
		return false
	}
	tx.end = now
	tx.stats.extensions.Inc()
	extensionCounter.Inc()
	return true
}
