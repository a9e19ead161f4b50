package offline0

import (
	"math"
	"sync/atomic"
)

var statsOutcomes = []string{OutcomeHit, OutcomeMiss, OutcomeNetwork, OutcomeFallback, OutcomeBypass, OutcomeQueued}

type statsCollector struct {
	outcomes map[string]*atomic.Uint64

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{outcomes: make(map[string]*atomic.Uint64, len(statsOutcomes))}
	for _, o := range statsOutcomes {
		s.outcomes[o] = new(atomic.Uint64)
	}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

// Observe counts one response. Negative sizes (unknown length) only count
// towards the outcome.
func (s *statsCollector) Observe(outcome string, respBytes int64) {
	if c, ok := s.outcomes[outcome]; ok {
		c.Add(1)
	}
	if respBytes < 0 {
		return
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Outcomes       map[string]uint64 `json:"outcomes"`
	TotalResponses uint64            `json:"totalResponses"`
	MinRespBytes   uint64            `json:"minRespBytes"`
	MaxRespBytes   uint64            `json:"maxRespBytes"`
	AvgRespBytes   uint64            `json:"avgRespBytes"`
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{Outcomes: make(map[string]uint64, len(s.outcomes))}
	for o, c := range s.outcomes {
		out.Outcomes[o] = c.Load()
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	out.TotalResponses = count
	out.MinRespBytes = s.minRespBytes.Load()
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = s.totalRespBytes.Load() / count
	return out
}
