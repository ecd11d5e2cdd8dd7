package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/solwatch/solana-filter-monitor/internal/constants"
	"github.com/solwatch/solana-filter-monitor/internal/store"
)

// MatchCache keeps the most recent matches in Redis and publishes every
// match on the live Pub/Sub channels. Everything here is best-effort; a
// Redis outage never gates the checkpoint.
type MatchCache struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewMatchCache(addr string, logger *logrus.Logger) *MatchCache {
	if logger == nil {
		logger = logrus.New()
	}
	return &MatchCache{
		client: redis.NewClient(&redis.Options{Addr: addr, DB: 0}),
		logger: logger,
	}
}

func (c *MatchCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *MatchCache) Close() error {
	return c.client.Close()
}

// PublishMatch pushes the record onto the capped recent list and fans it
// out to the live channel plus the per-monitor channel.
func (c *MatchCache) PublishMatch(ctx context.Context, collection string, rec *store.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal match: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, constants.RedisKeyRecentMatches, data)
	pipe.LTrim(ctx, constants.RedisKeyRecentMatches, 0, constants.MaxRecentMatches-1)
	pipe.Publish(ctx, constants.PubSubChannelMatches, data)
	pipe.Publish(ctx, constants.RedisKeyMonitorPrefix+rec.MonitorID, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish match: %w", err)
	}
	return nil
}

// GetRecentMatches returns up to limit matches, newest first.
func (c *MatchCache) GetRecentMatches(ctx context.Context, limit int64) ([]*store.Record, error) {
	if limit <= 0 || limit > constants.MaxRecentMatches {
		limit = constants.MaxRecentMatches
	}

	vals, err := c.client.LRange(ctx, constants.RedisKeyRecentMatches, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read recent matches: %w", err)
	}

	out := make([]*store.Record, 0, len(vals))
	for _, val := range vals {
		var rec store.Record
		if err := json.Unmarshal([]byte(val), &rec); err != nil {
			c.logger.WithError(err).Warn("skipping corrupt cached match")
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}

// SubscribeMatches delivers live matches until the context ends.
func (c *MatchCache) SubscribeMatches(ctx context.Context, handler func(*store.Record)) error {
	pubsub := c.client.Subscribe(ctx, constants.PubSubChannelMatches)
	defer pubsub.Close()

	c.logger.WithField("channel", constants.PubSubChannelMatches).Info("subscribed to live matches")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var rec store.Record
			if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
				c.logger.WithError(err).Warn("skipping corrupt live match")
				continue
			}
			handler(&rec)
		}
	}
}
