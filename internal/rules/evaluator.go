package rules

import (
	"github.com/shopspring/decimal"

	"github.com/solwatch/solana-filter-monitor/internal/facts"
)

// Match is the record produced when a monitor's conditions are satisfied
// by a transaction. A monitor matches a transaction at most once.
type Match struct {
	MonitorID       string
	MonitorName     string
	Severity        Severity
	Actions         []Action
	Alerts          []string
	Tx              *facts.TransactionContext
	FiredConditions []string

	// Largest decimal-scaled amount among token facts that satisfied a
	// numeric condition; zero when the match had no numeric condition.
	Amount decimal.Decimal
	Mint   facts.Address
}

type amountKey struct {
	mint facts.Address
	kind facts.Kind
}

type amountAgg struct {
	present  bool // at least one fact, resolved or not
	resolved bool // at least one fact with known decimals
	maxUI    decimal.Decimal
	minUI    decimal.Decimal
}

// txIndex holds the per-transaction lookup structures built once per
// transaction, so evaluation is O(monitors x conditions), not O(facts).
type txIndex struct {
	tx       *facts.TransactionContext
	programs map[facts.Address]int
	accounts map[facts.Address]struct{}
	amounts  map[amountKey]*amountAgg
	anyMint  map[facts.Kind]*amountAgg
}

func kindForConditionType(typ string) facts.Kind {
	switch typ {
	case CondTokenTransfer:
		return facts.KindTokenTransfer
	case CondTokenMint:
		return facts.KindTokenMint
	case CondTokenBurn:
		return facts.KindTokenBurn
	}
	return ""
}

// buildIndex walks the transaction's facts exactly once.
func buildIndex(tx *facts.TransactionContext) *txIndex {
	idx := &txIndex{
		tx:       tx,
		programs: make(map[facts.Address]int),
		accounts: make(map[facts.Address]struct{}),
		amounts:  make(map[amountKey]*amountAgg),
		anyMint:  make(map[facts.Kind]*amountAgg),
	}

	observe := func(agg *amountAgg, f facts.Fact) {
		agg.present = true
		ui, ok := f.UIAmount()
		if !ok {
			return
		}
		if !agg.resolved {
			agg.resolved = true
			agg.maxUI = ui
			agg.minUI = ui
			return
		}
		if ui.GreaterThan(agg.maxUI) {
			agg.maxUI = ui
		}
		if ui.LessThan(agg.minUI) {
			agg.minUI = ui
		}
	}

	for _, f := range tx.Facts {
		switch f.Kind {
		case facts.KindProgramInvoked:
			idx.programs[f.Program]++
		case facts.KindAccountTouched:
			idx.accounts[f.Account] = struct{}{}
		case facts.KindTokenTransfer, facts.KindTokenMint, facts.KindTokenBurn:
			key := amountKey{mint: f.Mint, kind: f.Kind}
			agg := idx.amounts[key]
			if agg == nil {
				agg = &amountAgg{}
				idx.amounts[key] = agg
			}
			observe(agg, f)

			any := idx.anyMint[f.Kind]
			if any == nil {
				any = &amountAgg{}
				idx.anyMint[f.Kind] = any
			}
			observe(any, f)
		}
	}
	return idx
}

func compareDecimal(value, target decimal.Decimal, op Operator) bool {
	switch op {
	case OpGTE:
		return value.GreaterThanOrEqual(target)
	case OpGT:
		return value.GreaterThan(target)
	case OpLTE:
		return value.LessThanOrEqual(target)
	case OpLT:
		return value.LessThan(target)
	case OpEQ:
		return value.Equal(target)
	}
	return false
}

func compareUint64(value, target uint64, op Operator) bool {
	switch op {
	case OpGTE:
		return value >= target
	case OpGT:
		return value > target
	case OpLTE:
		return value <= target
	case OpLT:
		return value < target
	case OpEQ:
		return value == target
	}
	return false
}

// evalTokenCondition resolves a token condition against the aggregates.
// gt/gte check the largest observed amount, lt/lte the smallest, eq falls
// back to a fact scan. Unresolved decimals never satisfy a numeric
// threshold.
func (idx *txIndex) evalTokenCondition(c *compiledCondition) (bool, decimal.Decimal, bool) {
	kind := kindForConditionType(c.typ)

	var agg *amountAgg
	if c.anyMint {
		agg = idx.anyMint[kind]
	} else {
		agg = idx.amounts[amountKey{mint: c.mint, kind: kind}]
	}
	if agg == nil || !agg.present {
		return false, decimal.Zero, false
	}
	if !c.hasAmount {
		return true, decimal.Zero, false
	}
	if !agg.resolved {
		return false, decimal.Zero, false
	}

	switch c.op {
	case OpGTE, OpGT:
		return compareDecimal(agg.maxUI, c.amount, c.op), agg.maxUI, true
	case OpLTE, OpLT:
		return compareDecimal(agg.minUI, c.amount, c.op), agg.minUI, true
	case OpEQ:
		for _, f := range idx.tx.Facts {
			if f.Kind != kind {
				continue
			}
			if !c.anyMint && f.Mint != c.mint {
				continue
			}
			if ui, ok := f.UIAmount(); ok && ui.Equal(c.amount) {
				return true, ui, true
			}
		}
		return false, decimal.Zero, false
	}
	return false, decimal.Zero, false
}

func (idx *txIndex) evalCondition(c *compiledCondition) (bool, decimal.Decimal, bool) {
	switch c.typ {
	case CondProgramInvoked:
		return idx.programs[c.program] > 0, decimal.Zero, false
	case CondAccountTouched:
		_, ok := idx.accounts[c.account]
		return ok, decimal.Zero, false
	case CondTokenTransfer, CondTokenMint, CondTokenBurn:
		return idx.evalTokenCondition(c)
	case CondTransactionStatus:
		return idx.tx.Success == c.success, decimal.Zero, false
	case CondFeeAmount:
		return compareUint64(idx.tx.Fee, c.fee, c.op), decimal.Zero, false
	case CondInstructionCount:
		return compareUint64(uint64(idx.tx.InstructionCount), uint64(c.count), c.op), decimal.Zero, false
	}
	return false, decimal.Zero, false
}

// Evaluate applies every enabled monitor of a ruleset snapshot to one
// transaction. Monitors run in id order, so output is deterministic for a
// given (transaction, ruleset) pair.
func Evaluate(tx *facts.TransactionContext, rs *RuleSet) []Match {
	if rs == nil || len(rs.Monitors) == 0 {
		return nil
	}

	idx := buildIndex(tx)
	var matches []Match

	for _, m := range rs.Monitors {
		if !tx.Success && !m.MatchFailed {
			continue
		}

		var fired []string
		var bestAmount decimal.Decimal
		var bestMint facts.Address

		matched := m.Conjunction == ConjunctionAll
		for i := range m.conditions {
			c := &m.conditions[i]
			ok, amount, hasAmount := idx.evalCondition(c)
			if ok {
				fired = append(fired, c.label)
				if hasAmount && amount.GreaterThan(bestAmount) {
					bestAmount = amount
					bestMint = c.mint
				}
			}
			if m.Conjunction == ConjunctionAll {
				if !ok {
					matched = false
					break
				}
			} else if ok {
				matched = true
			}
		}
		if !matched {
			continue
		}

		excluded := false
		for i := range m.noneOf {
			if ok, _, _ := idx.evalCondition(&m.noneOf[i]); ok {
				excluded = true
				break
			}
		}
		if excluded {
			continue
		}

		matches = append(matches, Match{
			MonitorID:       m.ID,
			MonitorName:     m.Name,
			Severity:        m.Severity,
			Actions:         m.Actions,
			Alerts:          m.Alerts,
			Tx:              tx,
			FiredConditions: fired,
			Amount:          bestAmount,
			Mint:            bestMint,
		})
	}

	return matches
}
