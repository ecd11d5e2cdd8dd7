package facts

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/solwatch/solana-filter-monitor/internal/rpc"
)

// ExtractionError reports a malformed transaction. The transaction is
// skipped; the rest of the slot continues.
type ExtractionError struct {
	Signature string
	Reason    string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed for %s: %s", e.Signature, e.Reason)
}

// DecimalsResolver resolves a mint's decimals, typically via getTokenSupply.
type DecimalsResolver interface {
	GetTokenSupply(ctx context.Context, mint string) (*rpc.TokenSupply, error)
}

// Extractor parses blocks into TransactionContext values. It keeps a
// lazily populated mint-to-decimals cache shared across slots.
type Extractor struct {
	resolver DecimalsResolver
	decimals *xsync.Map[Address, int32]
	logger   *logrus.Logger
}

// NewExtractor creates an extractor. The resolver may be nil, in which case
// decimals missing from balance records stay unresolved.
func NewExtractor(resolver DecimalsResolver, logger *logrus.Logger) *Extractor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Extractor{
		resolver: resolver,
		decimals: xsync.NewMap[Address, int32](),
		logger:   logger,
	}
}

// Summarize builds the cheap slot view used by the pre-filters: program ids
// from outer and inner instructions, mints from the token balance records.
func Summarize(slot uint64, block *rpc.Block) *SlotSummary {
	sum := &SlotSummary{
		Slot:     slot,
		Programs: make(map[Address]int),
		Mints:    make(map[Address]struct{}),
	}
	if block == nil {
		return sum
	}
	sum.TransactionCount = len(block.Transactions)

	addProgram := func(raw string) {
		if pk, err := solana.PublicKeyFromBase58(raw); err == nil {
			sum.Programs[pk]++
		}
	}
	addMint := func(raw string) {
		if pk, err := solana.PublicKeyFromBase58(raw); err == nil {
			sum.Mints[pk] = struct{}{}
		}
	}

	for _, tx := range block.Transactions {
		if tx.Transaction != nil {
			for _, inst := range tx.Transaction.Message.Instructions {
				addProgram(inst.ProgramID)
			}
		}
		if tx.Meta == nil {
			continue
		}
		for _, inner := range tx.Meta.InnerInstructions {
			for _, inst := range inner.Instructions {
				addProgram(inst.ProgramID)
			}
		}
		for _, bal := range tx.Meta.PreTokenBalances {
			addMint(bal.Mint)
		}
		for _, bal := range tx.Meta.PostTokenBalances {
			addMint(bal.Mint)
		}
	}
	return sum
}

// ExtractBlock converts every transaction in a block. Malformed
// transactions are logged and skipped; the slot continues.
func (e *Extractor) ExtractBlock(ctx context.Context, slot uint64, block *rpc.Block) []*TransactionContext {
	if block == nil {
		return nil
	}

	out := make([]*TransactionContext, 0, len(block.Transactions))
	for idx, tx := range block.Transactions {
		txCtx, err := e.extractTransaction(ctx, slot, idx, &tx)
		if err != nil {
			e.logger.WithError(err).WithField("slot", slot).Warn("skipping malformed transaction")
			continue
		}
		out = append(out, txCtx)
	}
	return out
}

// tokenInstructionInfo covers the jsonParsed info payloads of the SPL token
// instructions we decode: transfer, transferChecked, mintTo, mintToChecked,
// burn, burnChecked.
type tokenInstructionInfo struct {
	Amount        string           `json:"amount"`
	TokenAmount   *rpc.TokenAmount `json:"tokenAmount"`
	Source        string           `json:"source"`
	Destination   string           `json:"destination"`
	Account       string           `json:"account"`
	Mint          string           `json:"mint"`
	Authority     string           `json:"authority"`
	MintAuthority string           `json:"mintAuthority"`
}

// tokenAccountInfo is what the balance records tell us about one token
// account in the transaction: its mint and the mint's decimals.
type tokenAccountInfo struct {
	mint     Address
	decimals int32
}

func (e *Extractor) extractTransaction(ctx context.Context, slot uint64, index int, tx *rpc.BlockTransaction) (*TransactionContext, error) {
	if tx.Transaction == nil || len(tx.Transaction.Signatures) == 0 {
		return nil, &ExtractionError{Signature: "?", Reason: "missing transaction envelope"}
	}
	signature := tx.Transaction.Signatures[0]
	if tx.Meta == nil {
		return nil, &ExtractionError{Signature: signature, Reason: "missing transaction meta"}
	}
	msg := &tx.Transaction.Message
	if len(msg.AccountKeys) == 0 {
		return nil, &ExtractionError{Signature: signature, Reason: "empty account list"}
	}

	accounts := make([]Address, 0, len(msg.AccountKeys))
	for _, key := range msg.AccountKeys {
		pk, err := solana.PublicKeyFromBase58(key.Pubkey)
		if err != nil {
			return nil, &ExtractionError{Signature: signature, Reason: fmt.Sprintf("bad account key %q", key.Pubkey)}
		}
		accounts = append(accounts, pk)
	}

	txCtx := &TransactionContext{
		Slot:             slot,
		Index:            index,
		Signature:        signature,
		FeePayer:         accounts[0],
		Fee:              tx.Meta.Fee,
		Success:          tx.Meta.Err == nil,
		InstructionCount: len(msg.Instructions),
	}

	// Token-account → (mint, decimals) recovery table from the pre/post
	// balance records, keyed by account address.
	balanceInfo := make(map[string]tokenAccountInfo)
	collectBalances := func(balances []rpc.TokenBalance) {
		for _, bal := range balances {
			if bal.AccountIndex < 0 || bal.AccountIndex >= len(accounts) {
				continue
			}
			mint, err := solana.PublicKeyFromBase58(bal.Mint)
			if err != nil {
				continue
			}
			addr := msg.AccountKeys[bal.AccountIndex].Pubkey
			balanceInfo[addr] = tokenAccountInfo{mint: mint, decimals: bal.UITokenAmount.Decimals}
		}
	}
	collectBalances(tx.Meta.PreTokenBalances)
	collectBalances(tx.Meta.PostTokenBalances)

	seenPrograms := make(map[Address]struct{})
	walk := func(insts []rpc.Instruction) {
		for _, inst := range insts {
			program, err := solana.PublicKeyFromBase58(inst.ProgramID)
			if err != nil {
				continue
			}
			if _, ok := seenPrograms[program]; !ok {
				seenPrograms[program] = struct{}{}
				txCtx.Facts = append(txCtx.Facts, Fact{Kind: KindProgramInvoked, Program: program})
			}
			if inst.Program == "spl-token" && inst.Parsed != nil {
				if fact, ok := e.decodeTokenInstruction(ctx, inst.Parsed, balanceInfo); ok {
					txCtx.Facts = append(txCtx.Facts, fact)
				}
			}
		}
	}
	walk(msg.Instructions)
	for _, inner := range tx.Meta.InnerInstructions {
		walk(inner.Instructions)
	}

	for _, acc := range accounts {
		txCtx.Facts = append(txCtx.Facts, Fact{Kind: KindAccountTouched, Account: acc})
	}

	return txCtx, nil
}

// decodeTokenInstruction turns a parsed SPL token instruction into a token
// fact. Unknown instruction types are ignored; their program invocation is
// already recorded.
func (e *Extractor) decodeTokenInstruction(ctx context.Context, parsed *rpc.ParsedInstruction, balanceInfo map[string]tokenAccountInfo) (Fact, bool) {
	var info tokenInstructionInfo
	if err := json.Unmarshal(parsed.Info, &info); err != nil {
		return Fact{}, false
	}

	amount, decimals, ok := e.amountAndDecimals(&info)
	if !ok {
		return Fact{}, false
	}

	mint := resolveMint(info.Mint, balanceInfo, info.Account, info.Source, info.Destination)
	if decimals == DecimalsUnresolved {
		decimals = e.recoverDecimals(ctx, mint, info, balanceInfo)
	}

	fact := Fact{Mint: mint, Amount: amount, Decimals: decimals}
	switch parsed.Type {
	case "transfer", "transferChecked":
		fact.Kind = KindTokenTransfer
		fact.From = parseAddress(info.Source)
		fact.To = parseAddress(info.Destination)
	case "mintTo", "mintToChecked":
		fact.Kind = KindTokenMint
		fact.Recipient = parseAddress(info.Account)
	case "burn", "burnChecked":
		fact.Kind = KindTokenBurn
		fact.Source = parseAddress(info.Account)
	default:
		return Fact{}, false
	}

	return fact, true
}

// amountAndDecimals reads the raw amount. Checked variants carry decimals
// inline; plain variants leave them unresolved for recovery.
func (e *Extractor) amountAndDecimals(info *tokenInstructionInfo) (decimal.Decimal, int32, bool) {
	if info.TokenAmount != nil {
		amount, err := decimal.NewFromString(info.TokenAmount.Amount)
		if err != nil {
			return decimal.Zero, 0, false
		}
		return amount, info.TokenAmount.Decimals, true
	}
	if info.Amount == "" {
		return decimal.Zero, 0, false
	}
	amount, err := decimal.NewFromString(info.Amount)
	if err != nil {
		return decimal.Zero, 0, false
	}
	return amount, DecimalsUnresolved, true
}

// resolveMint prefers the instruction's own mint field and falls back to
// the balance records of the token accounts it touches.
func resolveMint(mintField string, balanceInfo map[string]tokenAccountInfo, tokenAccounts ...string) Address {
	if mintField != "" {
		if pk, err := solana.PublicKeyFromBase58(mintField); err == nil {
			return pk
		}
	}
	for _, addr := range tokenAccounts {
		if addr == "" {
			continue
		}
		if rec, ok := balanceInfo[addr]; ok {
			return rec.mint
		}
	}
	return Address{}
}

// recoverDecimals looks up decimals from the balance records first, then
// from the shared cache, then from the resolver. Unresolvable decimals are
// tagged so the evaluator treats the fact as non-matching against numeric
// thresholds.
func (e *Extractor) recoverDecimals(ctx context.Context, mint Address, info tokenInstructionInfo, balanceInfo map[string]tokenAccountInfo) int32 {
	for _, addr := range []string{info.Account, info.Source, info.Destination} {
		if addr == "" {
			continue
		}
		if rec, ok := balanceInfo[addr]; ok && rec.mint == mint {
			e.decimals.Store(mint, rec.decimals)
			return rec.decimals
		}
	}

	if mint.IsZero() {
		return DecimalsUnresolved
	}
	if cached, ok := e.decimals.Load(mint); ok {
		return cached
	}
	if e.resolver == nil {
		return DecimalsUnresolved
	}

	supply, err := e.resolver.GetTokenSupply(ctx, mint.String())
	if err != nil {
		e.logger.WithError(err).WithField("mint", mint.String()).Debug("failed to resolve mint decimals")
		return DecimalsUnresolved
	}
	e.decimals.Store(mint, supply.Decimals)
	return supply.Decimals
}

func parseAddress(raw string) Address {
	pk, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return Address{}
	}
	return pk
}
