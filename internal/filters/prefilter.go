package filters

import (
	"github.com/solwatch/solana-filter-monitor/internal/facts"
	"github.com/solwatch/solana-filter-monitor/internal/rules"
)

// PreFilter is the fast allowlist test for a slot: process it when any
// observed program or mint is on the allowlist. Pure; same summary, same
// answer.
type PreFilter struct {
	programs map[facts.Address]struct{}
	tokens   map[facts.Address]struct{}
}

func NewPreFilter(cfg rules.PreFilterConfig) *PreFilter {
	f := &PreFilter{
		programs: make(map[facts.Address]struct{}, len(cfg.Programs)),
		tokens:   make(map[facts.Address]struct{}, len(cfg.Tokens)),
	}
	for _, p := range cfg.Programs {
		f.programs[p] = struct{}{}
	}
	for _, t := range cfg.Tokens {
		f.tokens[t] = struct{}{}
	}
	return f
}

// Empty reports whether the filter has no allowlist at all, in which case
// it admits everything.
func (f *PreFilter) Empty() bool {
	return len(f.programs) == 0 && len(f.tokens) == 0
}

func (f *PreFilter) ShouldProcess(sum *facts.SlotSummary) bool {
	if f.Empty() {
		return true
	}
	for program := range sum.Programs {
		if _, ok := f.programs[program]; ok {
			return true
		}
	}
	for mint := range sum.Mints {
		if _, ok := f.tokens[mint]; ok {
			return true
		}
	}
	return false
}

// FocusedFilter is the stricter variant: a slot is only interesting when
// it touches the single designated mint.
type FocusedFilter struct {
	mint facts.Address
}

func NewFocusedFilter(mint facts.Address) *FocusedFilter {
	return &FocusedFilter{mint: mint}
}

func (f *FocusedFilter) Mint() facts.Address {
	return f.mint
}

func (f *FocusedFilter) ShouldProcess(sum *facts.SlotSummary) bool {
	_, ok := sum.Mints[f.mint]
	return ok
}
