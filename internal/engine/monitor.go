package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/solwatch/solana-filter-monitor/internal/facts"
	"github.com/solwatch/solana-filter-monitor/internal/filters"
	"github.com/solwatch/solana-filter-monitor/internal/notify"
	"github.com/solwatch/solana-filter-monitor/internal/rpc"
	"github.com/solwatch/solana-filter-monitor/internal/rules"
	"github.com/solwatch/solana-filter-monitor/internal/store"
)

// State names of the top-level machine.
const (
	StateStarting   = "starting"
	StateCatchingUp = "catching_up"
	StateLive       = "live"
	StateStopping   = "stopping"
)

// MonitorConfig tunes the state machine.
type MonitorConfig struct {
	CheckpointPath   string
	SkippedPath      string
	StartSlot        uint64
	Parallelism      int
	CatchupThreshold uint64
	CatchupBatch     uint64
	LiveThreshold    uint64
	LivePollInterval time.Duration
	MaxSlotRetries   int
}

func (c *MonitorConfig) applyDefaults() {
	if c.Parallelism <= 0 {
		c.Parallelism = 20
	}
	if c.CatchupThreshold == 0 {
		c.CatchupThreshold = 10
	}
	if c.CatchupBatch == 0 {
		c.CatchupBatch = 500
	}
	if c.LiveThreshold == 0 {
		c.LiveThreshold = 2
	}
	if c.LivePollInterval <= 0 {
		c.LivePollInterval = 500 * time.Millisecond
	}
	if c.MaxSlotRetries <= 0 {
		c.MaxSlotRetries = 3
	}
}

// Status is a snapshot of the engine for the API and for logs.
type Status struct {
	State               string  `json:"state"`
	Watermark           uint64  `json:"watermark"`
	ProcessedSlots      uint64  `json:"processed_slots"`
	FilteredSlots       uint64  `json:"filtered_slots"`
	SkippedSlots        uint64  `json:"skipped_slots"`
	MatchedTransactions uint64  `json:"matched_transactions"`
	MatchRate           float64 `json:"match_rate"`
}

// Monitor is the top-level state machine: it feeds slots into the
// concurrent processor, keeps the contiguous watermark, and persists the
// checkpoint through a single dedicated writer.
type Monitor struct {
	client     *rpc.Client
	rulesMgr   *rules.Manager
	extractor  *facts.Extractor
	selective  *filters.Selective
	dispatcher *notify.Dispatcher
	logger     *logrus.Logger
	cfg        MonitorConfig

	cursor  *Cursor
	skipped *store.SkippedSlots
	state   atomic.Value

	// Final-completion accounting for batch barriers.
	pendingMu   sync.Mutex
	pendingCond *sync.Cond
	outstanding int

	retryMu sync.Mutex
	retries map[uint64]int

	statsMu        sync.Mutex
	batchDurations []time.Duration
	batchFailures  int
	batchMatches   int

	processedSlots atomic.Uint64
	filteredSlots  atomic.Uint64
	skippedSlots   atomic.Uint64
	matchedTx      atomic.Uint64
}

// NewMonitor wires the engine together.
func NewMonitor(client *rpc.Client, rulesMgr *rules.Manager, extractor *facts.Extractor, selective *filters.Selective, dispatcher *notify.Dispatcher, cfg MonitorConfig, logger *logrus.Logger) *Monitor {
	if logger == nil {
		logger = logrus.New()
	}
	cfg.applyDefaults()

	m := &Monitor{
		client:     client,
		rulesMgr:   rulesMgr,
		extractor:  extractor,
		selective:  selective,
		dispatcher: dispatcher,
		logger:     logger,
		cfg:        cfg,
		skipped:    store.NewSkippedSlots(cfg.SkippedPath),
		retries:    make(map[uint64]int),
	}
	m.pendingCond = sync.NewCond(&m.pendingMu)
	m.state.Store(StateStarting)
	return m
}

// Status returns a point-in-time snapshot.
func (m *Monitor) Status() Status {
	var watermark uint64
	if m.cursor != nil {
		watermark = m.cursor.Watermark()
	}
	var rate float64
	if m.selective != nil {
		rate = m.selective.MatchRate()
	}
	state, _ := m.state.Load().(string)
	return Status{
		State:               state,
		Watermark:           watermark,
		ProcessedSlots:      m.processedSlots.Load(),
		FilteredSlots:       m.filteredSlots.Load(),
		SkippedSlots:        m.skippedSlots.Load(),
		MatchedTransactions: m.matchedTx.Load(),
		MatchRate:           rate,
	}
}

// evaluateBlock runs the filter chain and rule evaluation for one slot
// against a single ruleset snapshot. It performs no dispatch.
func (m *Monitor) evaluateBlock(ctx context.Context, slot uint64, rs *rules.RuleSet) ([]rules.Match, bool, error) {
	block, err := m.client.GetBlock(ctx, slot)
	if errors.Is(err, rpc.ErrNotFound) {
		// Skipped leader: an empty slot completes successfully.
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	sum := facts.Summarize(slot, block)

	if rs != nil {
		if rs.FocusMint != nil {
			if !filters.NewFocusedFilter(*rs.FocusMint).ShouldProcess(sum) {
				return nil, true, nil
			}
		} else {
			pre := filters.NewPreFilter(rs.PreFilter)
			if !pre.Empty() && !pre.ShouldProcess(sum) {
				return nil, true, nil
			}
		}
	}

	if m.selective != nil {
		targetInvocations := 0
		if rs != nil {
			for _, program := range rs.PreFilter.Programs {
				targetInvocations += sum.Programs[program]
			}
		}
		if !m.selective.ShouldProcess(slot, targetInvocations) {
			return nil, true, nil
		}
	}

	var all []rules.Match
	for _, tx := range m.extractor.ExtractBlock(ctx, slot, block) {
		all = append(all, rules.Evaluate(tx, rs)...)
	}
	return all, false, nil
}

// ProcessSlot executes one slot end to end: filter, extract, evaluate,
// dispatch. Matches within the slot emit in transaction order.
func (m *Monitor) ProcessSlot(ctx context.Context, slot uint64) (int, bool, error) {
	// One snapshot per slot: every transaction in it is evaluated
	// against exactly this ruleset.
	rs := m.rulesMgr.RuleSet()

	matches, filtered, err := m.evaluateBlock(ctx, slot, rs)
	if err != nil {
		return 0, false, err
	}
	if filtered {
		m.filteredSlots.Add(1)
		if m.selective != nil {
			m.selective.Observe(false)
		}
		return 0, true, nil
	}

	for i := range matches {
		if err := m.dispatcher.Dispatch(ctx, &matches[i], rs); err != nil {
			return 0, false, err
		}
	}

	m.processedSlots.Add(1)
	if len(matches) > 0 {
		m.matchedTx.Add(uint64(len(matches)))
		m.logger.WithFields(logrus.Fields{
			"slot":    slot,
			"matches": len(matches),
		}).Info("slot produced matches")
	}
	if m.selective != nil {
		m.selective.Observe(len(matches) > 0)
	}
	return len(matches), false, nil
}

// EvaluateSlot runs filters and evaluation for one slot without
// dispatching anything. Used by the test command.
func (m *Monitor) EvaluateSlot(ctx context.Context, slot uint64) ([]rules.Match, bool, error) {
	return m.evaluateBlock(ctx, slot, m.rulesMgr.RuleSet())
}

// ReplaySlots processes an explicit slot list with no checkpoint updates.
func (m *Monitor) ReplaySlots(ctx context.Context, slots []uint64) error {
	for _, slot := range slots {
		matches, filtered, err := m.ProcessSlot(ctx, slot)
		switch {
		case err != nil:
			m.logger.WithError(err).WithField("slot", slot).Error("slot replay failed")
		case filtered:
			m.logger.WithField("slot", slot).Info("slot filtered out")
		default:
			m.logger.WithFields(logrus.Fields{"slot": slot, "matches": matches}).Info("slot replayed")
		}
	}
	return nil
}

func (m *Monitor) addOutstanding(delta int) {
	m.pendingMu.Lock()
	m.outstanding += delta
	if m.outstanding <= 0 {
		m.pendingCond.Broadcast()
	}
	m.pendingMu.Unlock()
}

// waitIdle blocks until every submitted slot has finally completed or the
// context ends.
func (m *Monitor) waitIdle(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			m.pendingCond.Broadcast()
		case <-done:
		}
	}()
	defer close(done)

	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	for m.outstanding > 0 && ctx.Err() == nil {
		m.pendingCond.Wait()
	}
}

func (m *Monitor) submit(ctx context.Context, proc *Processor, slot uint64) {
	m.addOutstanding(1)
	proc.Submit(ctx, slot)
}

// consumeResults handles the unordered completion stream: retry
// accounting, the skipped-slots sidecar, watermark advance, and
// checkpoint kicks. It exits when the result channel closes.
func (m *Monitor) consumeResults(ctx context.Context, proc *Processor, kick chan<- struct{}) {
	for res := range proc.Results() {
		if res.Err != nil && errors.Is(res.Err, context.Canceled) {
			m.addOutstanding(-1)
			continue
		}

		if res.Err != nil {
			m.statsMu.Lock()
			m.batchFailures++
			m.statsMu.Unlock()

			m.retryMu.Lock()
			m.retries[res.Slot]++
			attempts := m.retries[res.Slot]
			m.retryMu.Unlock()

			if attempts <= m.cfg.MaxSlotRetries && ctx.Err() == nil {
				m.logger.WithError(res.Err).WithFields(logrus.Fields{
					"slot":    res.Slot,
					"attempt": attempts,
				}).Warn("slot failed, deferring for retry")
				// Resubmit off this goroutine so a full queue cannot
				// stall result consumption.
				go proc.Submit(ctx, res.Slot)
				continue
			}

			m.logger.WithError(res.Err).WithField("slot", res.Slot).Error("abandoning slot after retries")
			if err := m.skipped.Append(res.Slot, res.Err.Error()); err != nil {
				m.logger.WithError(err).Error("failed to record skipped slot")
			}
			m.skippedSlots.Add(1)
			m.retryMu.Lock()
			delete(m.retries, res.Slot)
			m.retryMu.Unlock()
		} else {
			m.retryMu.Lock()
			delete(m.retries, res.Slot)
			m.retryMu.Unlock()

			m.statsMu.Lock()
			// Bounded: live mode flushes these far less often than
			// catch-up batches do.
			if len(m.batchDurations) < 10_000 {
				m.batchDurations = append(m.batchDurations, res.Duration)
			}
			m.batchMatches += res.Matches
			m.statsMu.Unlock()
		}

		m.cursor.Complete(res.Slot)
		select {
		case kick <- struct{}{}:
		default:
		}
		m.addOutstanding(-1)
	}
}

// checkpointWriter is the single task that persists the watermark. Kicks
// coalesce; the writer always reads the latest value from the cursor.
func (m *Monitor) checkpointWriter(kick <-chan struct{}) {
	var lastWritten uint64
	for range kick {
		wm := m.cursor.Watermark()
		if wm == lastWritten {
			continue
		}
		cp := &store.Checkpoint{LastCompletedSlot: wm, LastUpdateTime: time.Now().UTC()}
		if err := store.SaveCheckpoint(m.cfg.CheckpointPath, cp); err != nil {
			m.logger.WithError(err).Error("failed to persist checkpoint")
			continue
		}
		lastWritten = wm
	}
}

func (m *Monitor) logBatchStats(batch uint64, elapsed time.Duration) {
	m.statsMu.Lock()
	durations := m.batchDurations
	failures := m.batchFailures
	matches := m.batchMatches
	m.batchDurations = nil
	m.batchFailures = 0
	m.batchMatches = 0
	m.statsMu.Unlock()

	if len(durations) == 0 {
		return
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	p := func(q int) time.Duration { return durations[len(durations)*q/100] }

	m.logger.WithFields(logrus.Fields{
		"slots":    batch,
		"failures": failures,
		"matches":  matches,
		"elapsed":  elapsed.Round(time.Millisecond),
		"rate":     fmt.Sprintf("%.1f slots/sec", float64(len(durations))/elapsed.Seconds()),
		"p50":      p(50).Round(time.Millisecond),
		"p95":      p(95).Round(time.Millisecond),
		"p99":      p(99).Round(time.Millisecond),
	}).Info("batch complete")
}

// Run drives the Starting → CatchingUp ↔ Live → Stopping machine until
// the context is cancelled or a fatal error occurs.
func (m *Monitor) Run(ctx context.Context) error {
	cp, err := store.LoadCheckpoint(m.cfg.CheckpointPath)
	if err != nil {
		return fmt.Errorf("fatal: %w", err)
	}

	var lastCompleted uint64
	switch {
	case cp != nil:
		lastCompleted = cp.LastCompletedSlot
		m.logger.WithField("slot", lastCompleted).Info("resuming from checkpoint")
	case m.cfg.StartSlot > 0:
		lastCompleted = m.cfg.StartSlot - 1
		m.logger.WithField("slot", m.cfg.StartSlot).Info("starting from configured slot")
	default:
		tip, err := m.client.GetSlot(ctx)
		if err != nil {
			return fmt.Errorf("fatal: failed to query tip: %w", err)
		}
		lastCompleted = tip - 1
		m.logger.WithField("slot", tip).Info("starting at current tip")
	}
	m.cursor = NewCursor(lastCompleted)

	proc := NewProcessor(m.cfg.Parallelism, m.ProcessSlot, m.logger)

	kick := make(chan struct{}, 1)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		m.checkpointWriter(kick)
	}()

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		m.consumeResults(ctx, proc, kick)
	}()

	runErr := m.runLoop(ctx, proc)

	// Stopping: no more intake, drain in-flight slots, flush, persist the
	// final checkpoint.
	m.state.Store(StateStopping)
	m.logger.Info("stopping: draining in-flight slots")
	proc.StopAndWait()
	<-consumerDone
	close(kick)
	<-writerDone

	final := &store.Checkpoint{LastCompletedSlot: m.cursor.Watermark(), LastUpdateTime: time.Now().UTC()}
	if err := store.SaveCheckpoint(m.cfg.CheckpointPath, final); err != nil {
		return fmt.Errorf("fatal: failed to persist final checkpoint: %w", err)
	}
	m.logger.WithField("slot", final.LastCompletedSlot).Info("final checkpoint persisted")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func (m *Monitor) runLoop(ctx context.Context, proc *Processor) error {
	// nextSlot is the intake pointer. It runs ahead of the watermark,
	// which only advances through completed prefixes.
	nextSlot := m.cursor.Watermark() + 1
	catchingUp := false

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		tip, err := m.client.GetSlot(ctx)
		if err != nil {
			if errors.Is(err, rpc.ErrEndpointExhausted) {
				return fmt.Errorf("fatal: no usable RPC endpoint: %w", err)
			}
			m.logger.WithError(err).Warn("failed to query tip, retrying")
			if !sleepCtx(ctx, m.cfg.LivePollInterval) {
				return ctx.Err()
			}
			continue
		}

		watermark := m.cursor.Watermark()
		var behind uint64
		if tip > watermark {
			behind = tip - watermark
		}

		// Hysteresis: catch-up starts past CatchupThreshold and hands
		// back to live only once within LiveThreshold of the tip.
		if behind > m.cfg.CatchupThreshold {
			catchingUp = true
		} else if behind <= m.cfg.LiveThreshold {
			catchingUp = false
		}

		if catchingUp {
			m.state.Store(StateCatchingUp)
			end := nextSlot + m.cfg.CatchupBatch - 1
			if end > tip {
				end = tip
			}
			m.logger.WithFields(logrus.Fields{
				"from":   nextSlot,
				"to":     end,
				"behind": behind,
			}).Info("catching up")

			start := time.Now()
			var submitted uint64
			for ; nextSlot <= end; nextSlot++ {
				if ctx.Err() != nil {
					break
				}
				m.submit(ctx, proc, nextSlot)
				submitted++
			}
			m.waitIdle(ctx)
			m.logBatchStats(submitted, time.Since(start))
			continue
		}

		m.state.Store(StateLive)
		if nextSlot > tip {
			if !sleepCtx(ctx, m.cfg.LivePollInterval) {
				return ctx.Err()
			}
			continue
		}
		for ; nextSlot <= tip; nextSlot++ {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.submit(ctx, proc, nextSlot)
		}
		if !sleepCtx(ctx, m.cfg.LivePollInterval) {
			return ctx.Err()
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
