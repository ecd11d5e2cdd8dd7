package facts

import (
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// Address is an opaque 32-byte on-chain identifier, compared byte-wise.
type Address = solana.PublicKey

// Kind tags a single observation extracted from a transaction.
type Kind string

const (
	KindProgramInvoked Kind = "program_invoked"
	KindTokenTransfer  Kind = "token_transfer"
	KindTokenMint      Kind = "token_mint"
	KindTokenBurn      Kind = "token_burn"
	KindAccountTouched Kind = "account_touched"
)

// DecimalsUnresolved marks a token fact whose mint decimals could not be
// determined. Such facts never match numeric thresholds.
const DecimalsUnresolved = int32(-1)

// Fact is one observation within a transaction. Amount is in raw integer
// base units; decimal scaling happens at rule-match time.
type Fact struct {
	Kind Kind `json:"kind"`

	Program Address `json:"program,omitempty"`

	Mint      Address         `json:"mint,omitempty"`
	Amount    decimal.Decimal `json:"amount,omitempty"`
	Decimals  int32           `json:"decimals,omitempty"`
	From      Address         `json:"from,omitempty"`
	To        Address         `json:"to,omitempty"`
	Recipient Address         `json:"recipient,omitempty"`
	Source    Address         `json:"source,omitempty"`

	Account Address `json:"account,omitempty"`
}

// UIAmount returns the amount scaled by the mint's decimals. The second
// return value is false when decimals are unresolved.
func (f Fact) UIAmount() (decimal.Decimal, bool) {
	if f.Decimals == DecimalsUnresolved {
		return decimal.Zero, false
	}
	return f.Amount.Shift(-f.Decimals), true
}

// TransactionContext carries everything rule evaluation needs about one
// transaction. Contexts are ephemeral; they do not outlive their slot.
type TransactionContext struct {
	Slot             uint64  `json:"slot"`
	Index            int     `json:"index"`
	Signature        string  `json:"signature"`
	FeePayer         Address `json:"fee_payer"`
	Fee              uint64  `json:"fee"`
	Success          bool    `json:"success"`
	InstructionCount int     `json:"instruction_count"`
	Facts            []Fact  `json:"facts"`
}

// SlotSummary is the lightweight view of a slot the pre-filters operate on:
// the programs invoked and the mints touched anywhere in the slot.
type SlotSummary struct {
	Slot             uint64
	TransactionCount int
	Programs         map[Address]int
	Mints            map[Address]struct{}
}
