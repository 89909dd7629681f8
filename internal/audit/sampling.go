package audit

import (
	"math/rand/v2"
	"sync/atomic"
)

// SamplingConfig controls audit log sampling rates.
type SamplingConfig struct {
	Rate      float64 // allowed decisions (0.0-1.0)
	ErrorRate float64 // blocked and approval_required decisions (0.0-1.0)
}

// ShouldLog determines if a record should be logged. Refused calls use
// ErrorRate, allowed calls use Rate.
func (s SamplingConfig) ShouldLog(blocked bool) bool {
	rate := s.Rate
	if blocked {
		rate = s.ErrorRate
	}
	return rate >= 1.0 || rand.Float64() < rate
}

// sampler lets the sampling rates change while records are being logged.
type sampler struct {
	cfg atomic.Pointer[SamplingConfig]
}

func (s *sampler) load() SamplingConfig { return *s.cfg.Load() }

func (s *sampler) store(cfg SamplingConfig) { s.cfg.Store(&cfg) }
