package stm

import "go.uber.org/atomic"

type txStats struct {
	commits    atomic.Uint64
	userAborts atomic.Uint64
	aborts     [numAbortReasons]atomic.Uint64
	maxRetries atomic.Uint64
	extensions atomic.Uint64
}

// Stats are counters summed over every transaction descriptor of an engine.
type Stats struct {
	Commits    uint64
	UserAborts uint64
	Aborts     map[AbortReason]uint64
	// Highest number of restarts a single transaction needed.
	MaxRetries uint64
	Extensions uint64
}

// TotalAborts is the number of restarted attempts.
func (s Stats) TotalAborts() uint64 {
	var n uint64
	for _, c := range s.Aborts {
		n += c
	}
	return n
}

func (e *Engine) Stats() Stats {
	s := Stats{Aborts: make(map[AbortReason]uint64)}
	for _, tx := range e.txs {
		st := &tx.stats
		s.Commits += st.commits.Load()
		s.UserAborts += st.userAborts.Load()
		s.Extensions += st.extensions.Load()
		if m := st.maxRetries.Load(); m > s.MaxRetries {
			s.MaxRetries = m
		}
		for r := AbortReason(0); r < numAbortReasons; r++ {
			if c := st.aborts[r].Load(); c > 0 {
				s.Aborts[r] += c
			}
		}
	}
	return s
}
