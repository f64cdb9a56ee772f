package tmlog

import (
	"github.com/pingcap/errors"
)

// LogInfo describes the stable part of a log slot.
type LogInfo struct {
	ID       int
	Head     uint64
	Tail     uint64
	Capacity uint64
}

// Info reads the header of slot id.
func (m *Manager) Info(id int) (LogInfo, error) {
	if id < 0 || id >= len(m.logs) {
		return LogInfo{}, errors.Errorf("no log slot %d", id)
	}
	l := m.logs[id]
	return LogInfo{
		ID:       id,
		Head:     m.store.Load(l.header + headOff),
		Tail:     m.store.Load(l.header + tailOff),
		Capacity: l.capWords,
	}, nil
}

// Scan calls fn for every stable fragment of slot id, oldest first, until fn
// returns false. It does not modify the log.
func (m *Manager) Scan(id int, fn func(*Fragment) bool) error {
	info, err := m.Info(id)
	if err != nil {
		return err
	}
	l := m.logs[id]
	for pos := info.Head; pos < info.Tail; {
		frag, err := l.readFragment(pos, info.Tail)
		if err != nil {
			return err
		}
		if !fn(frag) {
			return nil
		}
		pos = frag.End
	}
	return nil
}
