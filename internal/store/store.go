package store

import (
	"context"
	"io"
	"time"

	"github.com/shopspring/decimal"

	"github.com/solwatch/solana-filter-monitor/internal/facts"
)

// Record is one stored match artifact. Collections are append-only.
type Record struct {
	Timestamp time.Time       `json:"timestamp"`
	Slot      uint64          `json:"slot"`
	Signature string          `json:"signature"`
	MonitorID string          `json:"monitor_id"`
	Severity  string          `json:"severity"`
	Amount    decimal.Decimal `json:"amount"`
	Mint      string          `json:"mint,omitempty"`
	Facts     []facts.Fact    `json:"facts"`
}

// MatchStore appends match records to named collections. Appends must be
// durable before the enclosing slot's checkpoint advances.
type MatchStore interface {
	Append(ctx context.Context, collection string, rec *Record) error

	io.Closer
}

// MatchReader is the read side used by the API server.
type MatchReader interface {
	ReadCollection(ctx context.Context, collection string, limit int) ([]*Record, error)
	Collections(ctx context.Context) (map[string]int, error)
}
