package filters

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"

	"github.com/solwatch/solana-filter-monitor/internal/facts"
	"github.com/solwatch/solana-filter-monitor/internal/rules"
)

var (
	yuMint  = solana.MustPublicKeyFromBase58("YUYAiJo8KVbnc6Fb6h3MnH2VGND4uGWDH4iLnw7DLEu")
	raydium = solana.MustPublicKeyFromBase58("675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8")
	jupiter = solana.MustPublicKeyFromBase58("JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4")
)

func summary(programs map[facts.Address]int, mints ...facts.Address) *facts.SlotSummary {
	sum := &facts.SlotSummary{
		Slot:     1,
		Programs: programs,
		Mints:    make(map[facts.Address]struct{}),
	}
	if sum.Programs == nil {
		sum.Programs = make(map[facts.Address]int)
	}
	for _, m := range mints {
		sum.Mints[m] = struct{}{}
	}
	return sum
}

func TestPreFilter_ProgramAllowlist(t *testing.T) {
	f := NewPreFilter(rules.PreFilterConfig{Programs: []facts.Address{raydium}})

	assert.True(t, f.ShouldProcess(summary(map[facts.Address]int{raydium: 1})))
	assert.False(t, f.ShouldProcess(summary(map[facts.Address]int{jupiter: 1})))
}

func TestPreFilter_TokenAllowlist(t *testing.T) {
	f := NewPreFilter(rules.PreFilterConfig{Tokens: []facts.Address{yuMint}})

	assert.True(t, f.ShouldProcess(summary(nil, yuMint)))
	assert.False(t, f.ShouldProcess(summary(nil)))
}

func TestPreFilter_EmptyAdmitsEverything(t *testing.T) {
	f := NewPreFilter(rules.PreFilterConfig{})
	assert.True(t, f.Empty())
	assert.True(t, f.ShouldProcess(summary(nil)))
}

func TestPreFilter_Pure(t *testing.T) {
	f := NewPreFilter(rules.PreFilterConfig{Programs: []facts.Address{raydium}})
	sum := summary(map[facts.Address]int{raydium: 1})
	for i := 0; i < 10; i++ {
		assert.True(t, f.ShouldProcess(sum))
	}
}

func TestFocusedFilter(t *testing.T) {
	f := NewFocusedFilter(yuMint)

	// Only the focus mint admits a slot, regardless of programs.
	assert.True(t, f.ShouldProcess(summary(map[facts.Address]int{raydium: 50}, yuMint)))
	assert.False(t, f.ShouldProcess(summary(map[facts.Address]int{raydium: 50})))
}

func TestSelective_HighMatchRateNeverSkips(t *testing.T) {
	s := NewSelective(DefaultSelectiveConfig())
	// Default state starts at the high-water mark.
	for slot := uint64(0); slot < 500; slot++ {
		assert.True(t, s.ShouldProcess(slot, 0))
	}
}

func TestSelective_LowMatchRateSkips(t *testing.T) {
	cfg := DefaultSelectiveConfig()
	cfg.Alpha = 0.5 // converge fast in tests
	s := NewSelective(cfg)
	for i := 0; i < 64; i++ {
		s.Observe(false)
	}
	assert.Less(t, s.MatchRate(), cfg.LowWater)

	skipped := 0
	const n = 1000
	for slot := uint64(0); slot < n; slot++ {
		if !s.ShouldProcess(slot, 0) {
			skipped++
		}
	}
	// Skip probability is at the cap; allow generous sampling slack.
	assert.Greater(t, skipped, n/2)
	assert.Less(t, skipped, n*95/100)
}

func TestSelective_DecisionsAreReproducible(t *testing.T) {
	cfg := DefaultSelectiveConfig()
	cfg.Alpha = 0.5
	s := NewSelective(cfg)
	for i := 0; i < 64; i++ {
		s.Observe(false)
	}

	for slot := uint64(100); slot < 200; slot++ {
		first := s.ShouldProcess(slot, 0)
		second := s.ShouldProcess(slot, 0)
		assert.Equal(t, first, second, "slot %d", slot)
	}
}

func TestSelective_NeverSkipsBusySlots(t *testing.T) {
	cfg := DefaultSelectiveConfig()
	cfg.Alpha = 0.5
	s := NewSelective(cfg)
	for i := 0; i < 64; i++ {
		s.Observe(false)
	}

	for slot := uint64(0); slot < 500; slot++ {
		assert.True(t, s.ShouldProcess(slot, cfg.NeverSkipInvocations))
	}
}

func TestSelective_RecoversOnMatches(t *testing.T) {
	cfg := DefaultSelectiveConfig()
	cfg.Alpha = 0.5
	s := NewSelective(cfg)
	for i := 0; i < 64; i++ {
		s.Observe(false)
	}
	for i := 0; i < 16; i++ {
		s.Observe(true)
	}
	assert.Greater(t, s.MatchRate(), cfg.HighWater)
	for slot := uint64(0); slot < 100; slot++ {
		assert.True(t, s.ShouldProcess(slot, 0))
	}
}
