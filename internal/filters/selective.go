package filters

import (
	"math/rand"
	"sync"
)

// SelectiveConfig tunes the adaptive sampler.
type SelectiveConfig struct {
	// Skip probability is 0 above HighWater match rate and rises to
	// SkipCap at or below LowWater.
	LowWater  float64
	HighWater float64
	SkipCap   float64

	// EWMA weight of each new slot observation. The default corresponds
	// to averaging over roughly 1,000 slots.
	Alpha float64

	// Slots with at least this many target-program invocations are never
	// skipped.
	NeverSkipInvocations int
}

func DefaultSelectiveConfig() SelectiveConfig {
	return SelectiveConfig{
		LowWater:             0.01,
		HighWater:            0.10,
		SkipCap:              0.80,
		Alpha:                0.001,
		NeverSkipInvocations: 5,
	}
}

// Selective is an adaptive sampler: it learns the recent match rate and
// skips a growing fraction of slots when matches are rare. Skip decisions
// are seeded per slot so replays are reproducible.
type Selective struct {
	cfg SelectiveConfig

	mu   sync.Mutex
	rate float64
	seen uint64
}

func NewSelective(cfg SelectiveConfig) *Selective {
	if cfg.Alpha <= 0 {
		cfg.Alpha = 0.001
	}
	return &Selective{cfg: cfg, rate: cfg.HighWater}
}

// Observe feeds one processed slot into the moving average.
func (s *Selective) Observe(matched bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	x := 0.0
	if matched {
		x = 1.0
	}
	s.rate = s.cfg.Alpha*x + (1-s.cfg.Alpha)*s.rate
	s.seen++
}

// MatchRate returns the current moving-average match rate.
func (s *Selective) MatchRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

func (s *Selective) skipProbability() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.rate >= s.cfg.HighWater:
		return 0
	case s.rate <= s.cfg.LowWater:
		return s.cfg.SkipCap
	default:
		return s.cfg.SkipCap * (s.cfg.HighWater - s.rate) / (s.cfg.HighWater - s.cfg.LowWater)
	}
}

// ShouldProcess decides whether a slot is worth full extraction.
// targetInvocations is the number of target-program invocations seen in
// the slot summary; busy slots bypass sampling entirely.
func (s *Selective) ShouldProcess(slot uint64, targetInvocations int) bool {
	if s.cfg.NeverSkipInvocations > 0 && targetInvocations >= s.cfg.NeverSkipInvocations {
		return true
	}
	p := s.skipProbability()
	if p <= 0 {
		return true
	}
	// Deterministic per-slot decision.
	rng := rand.New(rand.NewSource(int64(slot)))
	return rng.Float64() >= p
}
