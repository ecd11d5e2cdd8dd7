package rules

import (
	"fmt"
	"sort"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"

	"github.com/solwatch/solana-filter-monitor/internal/facts"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type Conjunction string

const (
	ConjunctionAll Conjunction = "all"
	ConjunctionAny Conjunction = "any"
)

type Operator string

const (
	OpGTE Operator = "gte"
	OpGT  Operator = "gt"
	OpLTE Operator = "lte"
	OpLT  Operator = "lt"
	OpEQ  Operator = "eq"
)

// Condition is one predicate over a transaction. Condition types mirror
// the extracted fact kinds plus transaction-level predicates. A condition
// is transaction-scoped: it matches if any fact satisfies it.
type Condition struct {
	Type     string           `json:"type"`
	Program  string           `json:"program,omitempty"`
	Mint     string           `json:"mint,omitempty"`
	Operator Operator         `json:"operator,omitempty"`
	Amount   *decimal.Decimal `json:"amount,omitempty"`
	Account  string           `json:"account,omitempty"`
	Success  *bool            `json:"success,omitempty"`
	Fee      *uint64          `json:"fee,omitempty"`
	Count    *int             `json:"count,omitempty"`
}

const (
	CondProgramInvoked    = "program_invoked"
	CondTokenTransfer     = "token_transfer"
	CondTokenMint         = "token_mint"
	CondTokenBurn         = "token_burn"
	CondAccountTouched    = "account_touched"
	CondTransactionStatus = "transaction_status"
	CondFeeAmount         = "fee_amount"
	CondInstructionCount  = "instruction_count"
)

// Action routes a match to a storage collection or an alert channel.
type Action struct {
	Type       string   `json:"type"` // "store" or "alert"
	Collection string   `json:"collection,omitempty"`
	Channel    string   `json:"channel,omitempty"`
	Template   string   `json:"template,omitempty"`
	Severity   Severity `json:"severity,omitempty"`
}

// Monitor is one detection rule loaded from the catalog.
type Monitor struct {
	ID          string      `json:"id"`
	Name        string      `json:"name,omitempty"`
	Enabled     bool        `json:"enabled"`
	Conjunction Conjunction `json:"conjunction,omitempty"`
	Conditions  []Condition `json:"conditions"`
	NoneOf      []Condition `json:"none_of,omitempty"`
	Actions     []Action    `json:"actions,omitempty"`
	Alerts      []string    `json:"alerts,omitempty"`
	Severity    Severity    `json:"severity,omitempty"`
	MatchFailed bool        `json:"match_failed,omitempty"`
}

// AlertTemplate is a renderable alert body bound to a channel.
type AlertTemplate struct {
	ID      string `json:"id,omitempty"`
	Channel string `json:"channel"`
	Title   string `json:"title"`
	Body    string `json:"body"`
}

// PreFilterConfig is the slot pre-filter allowlist from optimization.json.
type PreFilterConfig struct {
	Programs []facts.Address
	Tokens   []facts.Address
}

// RuleSet is the immutable snapshot the evaluator runs against. Replaced
// wholesale on reload, never mutated in place.
type RuleSet struct {
	Monitors []*CompiledMonitor // enabled monitors, sorted by id
	Alerts   map[string]AlertTemplate

	PreFilter          PreFilterConfig
	FocusMint          *facts.Address
	MaxConcurrentSlots int

	LoadedMonitors int // including disabled
	Version        uint64
}

type compiledCondition struct {
	typ       string
	label     string
	program   facts.Address
	mint      facts.Address // zero value means "match any mint"
	anyMint   bool
	op        Operator
	amount    decimal.Decimal // whole tokens
	hasAmount bool
	account   facts.Address
	success   bool
	fee       uint64
	count     int
}

// CompiledMonitor is a Monitor with addresses resolved and conditions
// ready for index lookup.
type CompiledMonitor struct {
	Monitor
	conditions []compiledCondition
	noneOf     []compiledCondition
}

// parseCatalogAddress validates a configured address: base58, 32 bytes.
func parseCatalogAddress(raw string) (facts.Address, error) {
	decoded, err := base58.Decode(raw)
	if err != nil {
		return facts.Address{}, fmt.Errorf("address %q is not base58: %w", raw, err)
	}
	if len(decoded) != solana.PublicKeyLength {
		return facts.Address{}, fmt.Errorf("address %q decodes to %d bytes, want %d", raw, len(decoded), solana.PublicKeyLength)
	}
	return solana.PublicKeyFromBase58(raw)
}

func compileCondition(c Condition) (compiledCondition, error) {
	cc := compiledCondition{typ: c.Type, label: c.Type, op: c.Operator}
	if cc.op == "" {
		cc.op = OpGTE
	}
	switch cc.op {
	case OpGTE, OpGT, OpLTE, OpLT, OpEQ:
	default:
		return cc, fmt.Errorf("unknown operator %q", c.Operator)
	}

	switch c.Type {
	case CondProgramInvoked:
		if c.Program == "" {
			return cc, fmt.Errorf("program_invoked condition requires a program")
		}
		addr, err := parseCatalogAddress(c.Program)
		if err != nil {
			return cc, err
		}
		cc.program = addr
		cc.label = fmt.Sprintf("%s(%s)", c.Type, c.Program)

	case CondTokenTransfer, CondTokenMint, CondTokenBurn:
		if c.Mint == "" {
			cc.anyMint = true
		} else {
			addr, err := parseCatalogAddress(c.Mint)
			if err != nil {
				return cc, err
			}
			cc.mint = addr
		}
		if c.Amount != nil {
			cc.amount = *c.Amount
			cc.hasAmount = true
		}
		cc.label = fmt.Sprintf("%s(%s %s %s)", c.Type, c.Mint, cc.op, cc.amount)

	case CondAccountTouched:
		if c.Account == "" {
			return cc, fmt.Errorf("account_touched condition requires an account")
		}
		addr, err := parseCatalogAddress(c.Account)
		if err != nil {
			return cc, err
		}
		cc.account = addr
		cc.label = fmt.Sprintf("%s(%s)", c.Type, c.Account)

	case CondTransactionStatus:
		if c.Success == nil {
			return cc, fmt.Errorf("transaction_status condition requires success")
		}
		cc.success = *c.Success

	case CondFeeAmount:
		if c.Fee == nil {
			return cc, fmt.Errorf("fee_amount condition requires fee")
		}
		cc.fee = *c.Fee

	case CondInstructionCount:
		if c.Count == nil {
			return cc, fmt.Errorf("instruction_count condition requires count")
		}
		cc.count = *c.Count

	default:
		return cc, fmt.Errorf("unknown condition type %q", c.Type)
	}

	return cc, nil
}

// Compile validates a monitor and resolves its addresses. Errors are fatal
// for the monitor's file, not for the catalog.
func Compile(m Monitor) (*CompiledMonitor, error) {
	if m.ID == "" {
		return nil, fmt.Errorf("monitor is missing an id")
	}
	if len(m.Conditions) == 0 {
		return nil, fmt.Errorf("monitor %s has no conditions", m.ID)
	}
	if m.Conjunction == "" {
		m.Conjunction = ConjunctionAll
	}
	if m.Conjunction != ConjunctionAll && m.Conjunction != ConjunctionAny {
		return nil, fmt.Errorf("monitor %s: unknown conjunction %q", m.ID, m.Conjunction)
	}
	if m.Severity == "" {
		m.Severity = SeverityMedium
	}

	cm := &CompiledMonitor{Monitor: m}
	for _, c := range m.Conditions {
		cc, err := compileCondition(c)
		if err != nil {
			return nil, fmt.Errorf("monitor %s: %w", m.ID, err)
		}
		cm.conditions = append(cm.conditions, cc)
	}
	for _, c := range m.NoneOf {
		cc, err := compileCondition(c)
		if err != nil {
			return nil, fmt.Errorf("monitor %s: %w", m.ID, err)
		}
		cm.noneOf = append(cm.noneOf, cc)
	}

	for _, a := range m.Actions {
		switch a.Type {
		case "store":
			if a.Collection == "" {
				return nil, fmt.Errorf("monitor %s: store action requires a collection", m.ID)
			}
		case "alert":
			if a.Channel == "" {
				return nil, fmt.Errorf("monitor %s: alert action requires a channel", m.ID)
			}
		default:
			return nil, fmt.Errorf("monitor %s: unknown action type %q", m.ID, a.Type)
		}
	}

	return cm, nil
}

// newRuleSet assembles an immutable snapshot from compiled monitors,
// dropping disabled ones and fixing evaluation order by monitor id.
func newRuleSet(monitors []*CompiledMonitor, alerts map[string]AlertTemplate, version uint64) *RuleSet {
	enabled := make([]*CompiledMonitor, 0, len(monitors))
	for _, m := range monitors {
		if m.Enabled {
			enabled = append(enabled, m)
		}
	}
	sort.Slice(enabled, func(i, j int) bool { return enabled[i].ID < enabled[j].ID })

	if alerts == nil {
		alerts = map[string]AlertTemplate{}
	}
	return &RuleSet{
		Monitors:       enabled,
		Alerts:         alerts,
		LoadedMonitors: len(monitors),
		Version:        version,
	}
}
