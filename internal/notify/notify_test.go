package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solwatch/solana-filter-monitor/internal/facts"
	"github.com/solwatch/solana-filter-monitor/internal/rules"
	"github.com/solwatch/solana-filter-monitor/internal/store"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// fakeSender records deliveries and can fail a configurable number of times.
type fakeSender struct {
	name string

	mu        sync.Mutex
	failures  int
	delivered []*Message
}

func (f *fakeSender) Name() string { return f.name }

func (f *fakeSender) Send(ctx context.Context, msg *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("send failed")
	}
	f.delivered = append(f.delivered, msg)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

// fakeStore counts appends and can fail the first N of them.
type fakeStore struct {
	mu       sync.Mutex
	failures int
	appends  map[string][]*store.Record
}

func newFakeStore(failures int) *fakeStore {
	return &fakeStore{failures: failures, appends: make(map[string][]*store.Record)}
}

func (f *fakeStore) Append(ctx context.Context, collection string, rec *store.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("disk full")
	}
	f.appends[collection] = append(f.appends[collection], rec)
	return nil
}

func (f *fakeStore) Close() error { return nil }

func testMatch(actions ...rules.Action) *rules.Match {
	return &rules.Match{
		MonitorID:   "yuya_burn_10m",
		MonitorName: "YU Token Burn >= 10M",
		Severity:    rules.SeverityCritical,
		Actions:     actions,
		Tx: &facts.TransactionContext{
			Slot:      251432100,
			Signature: "testsig",
			FeePayer:  solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112"),
			Success:   true,
		},
		Amount:          decimal.NewFromInt(12_000_000),
		Mint:            solana.MustPublicKeyFromBase58("YUYAiJo8KVbnc6Fb6h3MnH2VGND4uGWDH4iLnw7DLEu"),
		FiredConditions: []string{"token_burn"},
	}
}

func emptyRuleSet() *rules.RuleSet {
	return &rules.RuleSet{Alerts: map[string]rules.AlertTemplate{}}
}

func TestRender(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Store: newFakeStore(0), Queue: NewQueue(QueueConfig{Logger: testLogger()}), Logger: testLogger()})

	vars := map[string]string{"slot": "100", "monitor": "m1"}
	out := d.Render("slot {{slot}} monitor {{ monitor }} missing {{nope}}", vars)
	assert.Equal(t, "slot 100 monitor m1 missing ", out)
	assert.Equal(t, uint64(1), d.UnknownTemplateKeys())
}

func TestDispatch_StorageGatesCheckpoint(t *testing.T) {
	fs := newFakeStore(10) // keeps failing past the single retry
	d := NewDispatcher(DispatcherConfig{Store: fs, Queue: NewQueue(QueueConfig{Logger: testLogger()}), Logger: testLogger()})

	err := d.Dispatch(context.Background(), testMatch(rules.Action{Type: "store", Collection: "large_burns"}), emptyRuleSet())
	assert.Error(t, err)
}

func TestDispatch_StorageRetriedOnce(t *testing.T) {
	fs := newFakeStore(1) // first append fails, retry succeeds
	d := NewDispatcher(DispatcherConfig{Store: fs, Queue: NewQueue(QueueConfig{Logger: testLogger()}), Logger: testLogger()})

	err := d.Dispatch(context.Background(), testMatch(rules.Action{Type: "store", Collection: "large_burns"}), emptyRuleSet())
	require.NoError(t, err)
	assert.Len(t, fs.appends["large_burns"], 1)
}

func TestDispatch_AlertFailureNeverGates(t *testing.T) {
	fs := newFakeStore(0)
	q := NewQueue(QueueConfig{Logger: testLogger()})
	// No channel registered: the alert is dropped, dispatch still succeeds.
	d := NewDispatcher(DispatcherConfig{Store: fs, Queue: q, Logger: testLogger()})

	err := d.Dispatch(context.Background(), testMatch(
		rules.Action{Type: "store", Collection: "large_burns"},
		rules.Action{Type: "alert", Channel: "telegram"},
	), emptyRuleSet())
	require.NoError(t, err)
	assert.Len(t, fs.appends["large_burns"], 1)
}

func TestDispatch_TemplateRendering(t *testing.T) {
	fs := newFakeStore(0)
	sender := &fakeSender{name: "telegram"}
	q := NewQueue(QueueConfig{Logger: testLogger(), Backoff: time.Millisecond})
	q.Register(sender, 10, 6000, DropOldest)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	d := NewDispatcher(DispatcherConfig{Store: fs, Queue: q, Logger: testLogger()})
	rs := &rules.RuleSet{Alerts: map[string]rules.AlertTemplate{
		"token_activity": {Channel: "telegram", Title: "{{name}}", Body: "{{monitor}} at {{slot}}: {{amount}}"},
	}}

	err := d.Dispatch(ctx, testMatch(
		rules.Action{Type: "alert", Channel: "telegram", Template: "token_activity"},
	), rs)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sender.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Equal(t, "YU Token Burn >= 10M", sender.delivered[0].Title)
	assert.Equal(t, "yuya_burn_10m at 251432100: 12000000", sender.delivered[0].Body)
}

func TestDispatch_DatabaseChannelStoresNotification(t *testing.T) {
	fs := newFakeStore(0)
	d := NewDispatcher(DispatcherConfig{Store: fs, Queue: NewQueue(QueueConfig{Logger: testLogger()}), Logger: testLogger()})

	err := d.Dispatch(context.Background(), testMatch(
		rules.Action{Type: "alert", Channel: "database"},
	), emptyRuleSet())
	require.NoError(t, err)
	assert.Len(t, fs.appends["notifications"], 1)
}

func TestQueue_DeliveryWithRetries(t *testing.T) {
	sender := &fakeSender{name: "slack", failures: 2}
	q := NewQueue(QueueConfig{Logger: testLogger(), Backoff: time.Millisecond})
	q.Register(sender, 10, 6000, DropOldest)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	q.Enqueue(&Message{Channel: "slack", Title: "t"})
	require.Eventually(t, func() bool { return sender.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	stats := q.Stats()
	assert.Equal(t, uint64(1), stats["slack"].Delivered)
	assert.Equal(t, uint64(0), stats["slack"].Failed)
}

func TestQueue_FailureAfterRetriesIsCounted(t *testing.T) {
	sender := &fakeSender{name: "slack", failures: 100}
	q := NewQueue(QueueConfig{Logger: testLogger(), Attempts: 3, Backoff: time.Millisecond})
	q.Register(sender, 10, 6000, DropOldest)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	q.Enqueue(&Message{Channel: "slack", Title: "t"})
	require.Eventually(t, func() bool { return q.Stats()["slack"].Failed == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(0), q.Stats()["slack"].Delivered)
}

func TestQueue_DropNewest(t *testing.T) {
	sender := &fakeSender{name: "discord"}
	q := NewQueue(QueueConfig{Logger: testLogger()})
	q.Register(sender, 2, 60, DropNewest)

	// Workers not started: the buffer fills and the newest messages lose.
	q.Enqueue(&Message{Channel: "discord", Title: "1"})
	q.Enqueue(&Message{Channel: "discord", Title: "2"})
	q.Enqueue(&Message{Channel: "discord", Title: "3"})

	stats := q.Stats()
	assert.Equal(t, 2, stats["discord"].Queued)
	assert.Equal(t, uint64(1), stats["discord"].Dropped)
}

func TestQueue_DropOldest(t *testing.T) {
	sender := &fakeSender{name: "discord"}
	q := NewQueue(QueueConfig{Logger: testLogger()})
	q.Register(sender, 2, 60, DropOldest)

	q.Enqueue(&Message{Channel: "discord", Title: "1"})
	q.Enqueue(&Message{Channel: "discord", Title: "2"})
	q.Enqueue(&Message{Channel: "discord", Title: "3"})

	stats := q.Stats()
	assert.Equal(t, 2, stats["discord"].Queued)
	assert.Equal(t, uint64(1), stats["discord"].Dropped)
}

func TestQueue_UnknownChannelIsDropped(t *testing.T) {
	q := NewQueue(QueueConfig{Logger: testLogger()})
	// Must not panic or block.
	q.Enqueue(&Message{Channel: "pager", Title: "t"})
}
