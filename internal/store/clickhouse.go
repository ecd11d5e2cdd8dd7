package store

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/sirupsen/logrus"
)

// ClickHouseStore mirrors match records into a ClickHouse table for
// analytics. It is an optional sink next to the JSONL store; the agent
// binary queries the same table.
type ClickHouseStore struct {
	conn   driver.Conn
	logger *logrus.Logger
}

// ClickHouseConfig holds connection settings for the match sink.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	Logger   *logrus.Logger
}

func NewClickHouseStore(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseStore, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	cfg.Logger.WithField("addr", cfg.Addr).Info("connected to ClickHouse")

	return &ClickHouseStore{conn: conn, logger: cfg.Logger}, nil
}

func (c *ClickHouseStore) Append(ctx context.Context, collection string, rec *Record) error {
	if err := ValidateCollection(collection); err != nil {
		return err
	}

	query := `
		INSERT INTO matches (
			timestamp, slot, signature, monitor_id, severity,
			collection, mint, amount
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	amount, _ := rec.Amount.Float64()
	err := c.conn.Exec(ctx, query,
		rec.Timestamp,
		rec.Slot,
		rec.Signature,
		rec.MonitorID,
		rec.Severity,
		collection,
		rec.Mint,
		amount,
	)
	if err != nil {
		return fmt.Errorf("failed to insert match: %w", err)
	}
	return nil
}

func (c *ClickHouseStore) Close() error {
	return c.conn.Close()
}
