package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// DropPolicy decides which message loses when a channel queue is full.
type DropPolicy string

const (
	DropOldest DropPolicy = "drop_oldest"
	DropNewest DropPolicy = "drop_newest"
)

// ChannelStats is a snapshot of one channel queue's counters.
type ChannelStats struct {
	Queued    int    `json:"queued"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

type channelQueue struct {
	name    string
	sender  Sender
	buf     chan *Message
	limiter *rate.Limiter
	policy  DropPolicy

	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// Queue is the in-process bounded notification queue: one buffer, one
// leaky bucket, and one delivery worker per channel. Enqueue never blocks
// the caller; delivery is fire-and-forget from the engine's standpoint.
type Queue struct {
	mu       sync.RWMutex
	channels map[string]*channelQueue
	logger   *logrus.Logger
	wg       sync.WaitGroup

	attempts int
	backoff  time.Duration
}

// QueueConfig tunes the queue. Zero values fall back to defaults.
type QueueConfig struct {
	Attempts int
	Backoff  time.Duration
	Logger   *logrus.Logger
}

func NewQueue(cfg QueueConfig) *Queue {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	return &Queue{
		channels: make(map[string]*channelQueue),
		logger:   cfg.Logger,
		attempts: cfg.Attempts,
		backoff:  cfg.Backoff,
	}
}

// Register adds a channel with its sender, buffer capacity, per-minute
// delivery limit, and drop policy.
func (q *Queue) Register(sender Sender, capacity, perMinute int, policy DropPolicy) {
	if capacity <= 0 {
		capacity = 1000
	}
	if perMinute <= 0 {
		perMinute = 60
	}
	if policy == "" {
		policy = DropOldest
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.channels[sender.Name()] = &channelQueue{
		name:    sender.Name(),
		sender:  sender,
		buf:     make(chan *Message, capacity),
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), 1),
		policy:  policy,
	}
}

// Enqueue queues a message for its channel, applying the drop policy when
// the buffer is full. Messages for unregistered channels are dropped with
// a warning.
func (q *Queue) Enqueue(msg *Message) {
	q.mu.RLock()
	cq := q.channels[msg.Channel]
	q.mu.RUnlock()

	if cq == nil {
		q.logger.WithField("channel", msg.Channel).Debug("no sender registered, dropping alert")
		return
	}

	select {
	case cq.buf <- msg:
		return
	default:
	}

	switch cq.policy {
	case DropNewest:
		cq.dropped.Add(1)
		q.logger.WithFields(logrus.Fields{
			"channel": cq.name,
			"monitor": msg.MonitorID,
		}).Warn("notification queue full, dropping newest")
	default: // DropOldest
		select {
		case <-cq.buf:
			cq.dropped.Add(1)
		default:
		}
		select {
		case cq.buf <- msg:
		default:
			cq.dropped.Add(1)
		}
		q.logger.WithField("channel", cq.name).Warn("notification queue full, dropped oldest")
	}
}

// Start launches one delivery worker per registered channel. Workers exit
// when the context is cancelled.
func (q *Queue) Start(ctx context.Context) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, cq := range q.channels {
		q.wg.Add(1)
		go q.worker(ctx, cq)
	}
}

// Wait blocks until all workers have exited.
func (q *Queue) Wait() {
	q.wg.Wait()
}

func (q *Queue) worker(ctx context.Context, cq *channelQueue) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-cq.buf:
			if err := cq.limiter.Wait(ctx); err != nil {
				return
			}
			q.deliver(ctx, cq, msg)
		}
	}
}

func (q *Queue) deliver(ctx context.Context, cq *channelQueue, msg *Message) {
	backoff := q.backoff
	var lastErr error

	for attempt := 0; attempt < q.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		if err := cq.sender.Send(ctx, msg); err != nil {
			lastErr = err
			continue
		}
		cq.delivered.Add(1)
		return
	}

	cq.failed.Add(1)
	q.logger.WithError(lastErr).WithFields(logrus.Fields{
		"channel": cq.name,
		"monitor": msg.MonitorID,
		"slot":    msg.Slot,
	}).Warn("notification delivery failed, dropping message")
}

// Stats returns a per-channel counter snapshot.
func (q *Queue) Stats() map[string]ChannelStats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make(map[string]ChannelStats, len(q.channels))
	for name, cq := range q.channels {
		out[name] = ChannelStats{
			Queued:    len(cq.buf),
			Delivered: cq.delivered.Load(),
			Dropped:   cq.dropped.Load(),
			Failed:    cq.failed.Load(),
		}
	}
	return out
}
