package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/sirupsen/logrus"
)

// SlotResult is one completed slot observation. Completion order is
// unspecified.
type SlotResult struct {
	Slot     uint64
	Matches  int
	Filtered bool // rejected by a pre-filter or the sampler
	Err      error
	Duration time.Duration
}

// ProcessFunc executes one slot end to end.
type ProcessFunc func(ctx context.Context, slot uint64) (matches int, filtered bool, err error)

// Processor is a bounded-parallel executor over slot numbers. At most
// Parallelism slots run at once; Submit blocks once the queue is full,
// which is the engine's backpressure.
type Processor struct {
	pool    pond.Pool
	process ProcessFunc
	results chan SlotResult
	logger  *logrus.Logger
	stopped atomic.Bool
}

func NewProcessor(parallelism int, process ProcessFunc, logger *logrus.Logger) *Processor {
	if parallelism <= 0 {
		parallelism = 20
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Processor{
		pool:    pond.NewPool(parallelism, pond.WithQueueSize(parallelism)),
		process: process,
		results: make(chan SlotResult, parallelism*2),
		logger:  logger,
	}
}

// Submit schedules one slot. Blocks while the pool's queue is full.
// Submissions after shutdown began are dropped.
func (p *Processor) Submit(ctx context.Context, slot uint64) {
	if p.stopped.Load() {
		return
	}
	p.pool.Submit(func() {
		start := time.Now()
		if err := ctx.Err(); err != nil {
			p.results <- SlotResult{Slot: slot, Err: err, Duration: time.Since(start)}
			return
		}
		matches, filtered, err := p.process(ctx, slot)
		p.results <- SlotResult{
			Slot:     slot,
			Matches:  matches,
			Filtered: filtered,
			Err:      err,
			Duration: time.Since(start),
		}
	})
}

// Results is the completion stream.
func (p *Processor) Results() <-chan SlotResult {
	return p.results
}

// StopAndWait drains in-flight slots and closes the result stream.
func (p *Processor) StopAndWait() {
	p.stopped.Store(true)
	p.pool.StopAndWait()
	close(p.results)
}
