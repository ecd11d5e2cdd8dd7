package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a slot has no block, e.g. a skipped leader.
// It is distinguishable from transport failures: callers treat it as an
// empty result, not an error.
var ErrNotFound = errors.New("slot not found")

// ErrEndpointExhausted is returned after the configured number of
// consecutive failures across all endpoints.
var ErrEndpointExhausted = errors.New("all RPC endpoints exhausted")

var errRateLimited = errors.New("rate limited")

type endpoint struct {
	url   string
	score float64
}

// Client is a JSON-RPC client over an ordered list of endpoints with
// retry, full-jitter backoff, and health-scored failover.
type Client struct {
	httpClient  *http.Client
	maxFailures int
	backoffBase time.Duration
	backoffCap  time.Duration
	logger      *logrus.Logger

	mu        sync.Mutex
	endpoints []*endpoint
	cursor    int

	// Global in-flight call budget, independent of slot parallelism.
	budget chan struct{}
}

// ClientConfig holds configuration for the failover RPC client
type ClientConfig struct {
	Endpoints   []string
	Timeout     time.Duration
	MaxFailures int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	CallBudget  int
	Logger      *logrus.Logger
}

// NewClient creates a failover RPC client. At least one endpoint is required.
func NewClient(cfg ClientConfig) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 250 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 8 * time.Second
	}
	if cfg.CallBudget <= 0 {
		cfg.CallBudget = 50
	}

	endpoints := make([]*endpoint, 0, len(cfg.Endpoints))
	for _, url := range cfg.Endpoints {
		endpoints = append(endpoints, &endpoint{url: url, score: 1.0})
	}

	cfg.Logger.WithField("endpoints", len(endpoints)).Info("initialized RPC client")

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		maxFailures: cfg.MaxFailures,
		backoffBase: cfg.BackoffBase,
		backoffCap:  cfg.BackoffCap,
		logger:      cfg.Logger,
		endpoints:   endpoints,
		budget:      make(chan struct{}, cfg.CallBudget),
	}, nil
}

// pick returns the endpoint with the highest health score, preferring the
// current cursor position on ties.
func (c *Client) pick() *endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()

	best := c.cursor
	for i := range c.endpoints {
		idx := (c.cursor + i) % len(c.endpoints)
		if c.endpoints[idx].score > c.endpoints[best].score {
			best = idx
		}
	}
	c.cursor = best
	return c.endpoints[best]
}

func (c *Client) rotate(from *endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ep := range c.endpoints {
		if ep == from {
			c.cursor = (i + 1) % len(c.endpoints)
			return
		}
	}
}

func (c *Client) penalize(ep *endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep.score -= 0.25
	if ep.score < 0 {
		ep.score = 0
	}
}

func (c *Client) reward(ep *endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep.score += 0.1
	if ep.score > 1 {
		ep.score = 1
	}
}

// HealthScores returns a snapshot of endpoint URLs to health scores.
func (c *Client) HealthScores() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(c.endpoints))
	for _, ep := range c.endpoints {
		out[ep.url] = ep.score
	}
	return out
}

// backoff sleeps for min(cap, base*2^n) scaled by uniform(0,1).
func (c *Client) backoff(ctx context.Context, attempt int) error {
	delay := c.backoffBase << uint(attempt)
	if delay > c.backoffCap || delay <= 0 {
		delay = c.backoffCap
	}
	jittered := time.Duration(rand.Float64() * float64(delay))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jittered):
		return nil
	}
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Call makes a JSON-RPC call with endpoint failover. A NotFound-family
// response short-circuits with ErrNotFound and does not count against any
// endpoint's health.
func (c *Client) Call(ctx context.Context, method string, params interface{}, result interface{}) error {
	body := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	attempts := make(map[string]int)

	for failures := 0; failures < c.maxFailures; failures++ {
		ep := c.pick()

		if n := attempts[ep.url]; n > 0 {
			c.logger.WithFields(logrus.Fields{
				"endpoint": ep.url,
				"attempt":  n,
				"method":   method,
			}).Debug("retrying RPC call")
			if err := c.backoff(ctx, n-1); err != nil {
				return err
			}
		}
		attempts[ep.url]++

		resp, err := c.doRequest(ctx, ep.url, data)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			c.penalize(ep)
			c.rotate(ep)
			if errors.Is(err, errRateLimited) {
				c.logger.WithFields(logrus.Fields{
					"endpoint": ep.url,
					"method":   method,
				}).Warn("RPC rate limit, rotating endpoint")
			} else {
				c.logger.WithError(err).WithFields(logrus.Fields{
					"endpoint": ep.url,
					"method":   method,
				}).Warn("RPC call failed, rotating endpoint")
			}
			continue
		}

		var envelope rpcResponse
		if err := json.Unmarshal(resp, &envelope); err != nil {
			lastErr = fmt.Errorf("failed to unmarshal response: %w", err)
			c.penalize(ep)
			c.rotate(ep)
			continue
		}

		if envelope.Error != nil {
			if envelope.Error.isNotFound() {
				c.reward(ep)
				return ErrNotFound
			}
			if envelope.Error.isRateLimit() {
				lastErr = fmt.Errorf("%w: %s", errRateLimited, envelope.Error.Message)
				c.penalize(ep)
				c.rotate(ep)
				continue
			}
			c.reward(ep)
			return envelope.Error
		}

		c.reward(ep)

		if result == nil {
			return nil
		}
		if len(envelope.Result) == 0 || bytes.Equal(envelope.Result, []byte("null")) {
			return ErrNotFound
		}
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("failed to unmarshal result: %w", err)
		}
		return nil
	}

	return fmt.Errorf("%w: %s: %v", ErrEndpointExhausted, method, lastErr)
}

func (c *Client) doRequest(ctx context.Context, url string, data []byte) ([]byte, error) {
	// Enforce the global call budget before any network activity.
	select {
	case c.budget <- struct{}{}:
		defer func() { <-c.budget }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: HTTP 429", errRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

// GetSlot fetches the current slot at the default commitment.
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	if err := c.Call(ctx, "getSlot", []interface{}{}, &slot); err != nil {
		return 0, err
	}
	return slot, nil
}

// GetBlock fetches the block at a slot with jsonParsed encoding and full
// transaction details. Returns ErrNotFound for skipped slots.
func (c *Client) GetBlock(ctx context.Context, slot uint64) (*Block, error) {
	params := []interface{}{
		slot,
		map[string]interface{}{
			"encoding":                       "jsonParsed",
			"transactionDetails":             "full",
			"rewards":                        false,
			"maxSupportedTransactionVersion": 0,
		},
	}

	var block Block
	if err := c.Call(ctx, "getBlock", params, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

// GetBlocks returns the confirmed slots in [start, end].
func (c *Client) GetBlocks(ctx context.Context, start, end uint64) ([]uint64, error) {
	var slots []uint64
	if err := c.Call(ctx, "getBlocks", []interface{}{start, end}, &slots); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return slots, nil
}

// GetSlotLeaders returns the leader schedule starting at a slot.
func (c *Client) GetSlotLeaders(ctx context.Context, start, limit uint64) ([]string, error) {
	var leaders []string
	if err := c.Call(ctx, "getSlotLeaders", []interface{}{start, limit}, &leaders); err != nil {
		return nil, err
	}
	return leaders, nil
}

// GetTokenSupply fetches mint supply metadata; used to resolve decimals.
func (c *Client) GetTokenSupply(ctx context.Context, mint string) (*TokenSupply, error) {
	var envelope tokenSupplyEnvelope
	if err := c.Call(ctx, "getTokenSupply", []interface{}{mint}, &envelope); err != nil {
		return nil, err
	}
	return &envelope.Value, nil
}
