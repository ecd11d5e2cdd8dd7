package notify

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/solwatch/solana-filter-monitor/internal/rules"
	"github.com/solwatch/solana-filter-monitor/internal/store"
)

// Publisher mirrors a match record to a best-effort side channel, e.g.
// the Redis live feed.
type Publisher interface {
	PublishMatch(ctx context.Context, collection string, rec *store.Record) error
}

// Dispatcher routes matches: storage appends are mandatory and gate the
// slot's checkpoint; alerts and mirrors are best-effort.
type Dispatcher struct {
	store  store.MatchStore
	mirror store.MatchStore // optional analytics sink
	pub    Publisher        // optional live feed
	queue  *Queue
	logger *logrus.Logger

	unknownKeys atomic.Uint64
}

// DispatcherConfig wires the dispatcher's collaborators. Store and Queue
// are required; Mirror and Publisher are optional.
type DispatcherConfig struct {
	Store     store.MatchStore
	Mirror    store.MatchStore
	Publisher Publisher
	Queue     *Queue
	Logger    *logrus.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Dispatcher{
		store:  cfg.Store,
		mirror: cfg.Mirror,
		pub:    cfg.Publisher,
		queue:  cfg.Queue,
		logger: cfg.Logger,
	}
}

// UnknownTemplateKeys returns the count of template placeholders that had
// no substitution value.
func (d *Dispatcher) UnknownTemplateKeys() uint64 {
	return d.unknownKeys.Load()
}

func buildRecord(m *rules.Match) *store.Record {
	return &store.Record{
		Timestamp: time.Now().UTC(),
		Slot:      m.Tx.Slot,
		Signature: m.Tx.Signature,
		MonitorID: m.MonitorID,
		Severity:  string(m.Severity),
		Amount:    m.Amount,
		Mint:      mintString(m),
		Facts:     m.Tx.Facts,
	}
}

func mintString(m *rules.Match) string {
	if m.Mint.IsZero() {
		return ""
	}
	return m.Mint.String()
}

// Vars returns the substitution variables derived from a match.
func Vars(m *rules.Match) map[string]string {
	return map[string]string{
		"monitor":    m.MonitorID,
		"name":       m.MonitorName,
		"severity":   string(m.Severity),
		"signature":  m.Tx.Signature,
		"slot":       fmt.Sprintf("%d", m.Tx.Slot),
		"fee_payer":  m.Tx.FeePayer.String(),
		"amount":     m.Amount.String(),
		"mint":       mintString(m),
		"conditions": strings.Join(m.FiredConditions, ", "),
	}
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9._-]+)\s*\}\}`)

// Render substitutes {{key}} placeholders. Keys without a value render as
// empty and increment the unknown-key counter; rendering never fails.
func (d *Dispatcher) Render(template string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(ph string) string {
		key := strings.TrimSpace(strings.Trim(ph, "{}"))
		val, ok := vars[key]
		if !ok {
			d.unknownKeys.Add(1)
			return ""
		}
		return val
	})
}

// Dispatch executes a match's actions. A storage failure is retried once
// and then returned, which excludes the slot from checkpoint advance.
// Alert failures are absorbed.
func (d *Dispatcher) Dispatch(ctx context.Context, m *rules.Match, rs *rules.RuleSet) error {
	rec := buildRecord(m)

	for _, action := range m.Actions {
		if action.Type != "store" {
			continue
		}
		if err := d.appendDurable(ctx, action.Collection, rec); err != nil {
			return fmt.Errorf("storage failed for collection %s: %w", action.Collection, err)
		}
		if d.mirror != nil {
			if err := d.mirror.Append(ctx, action.Collection, rec); err != nil {
				d.logger.WithError(err).WithField("collection", action.Collection).Warn("analytics mirror append failed")
			}
		}
		if d.pub != nil {
			if err := d.pub.PublishMatch(ctx, action.Collection, rec); err != nil {
				d.logger.WithError(err).Debug("live feed publish failed")
			}
		}
	}

	vars := Vars(m)
	for _, action := range m.Actions {
		if action.Type != "alert" {
			continue
		}
		severity := action.Severity
		if severity == "" {
			severity = m.Severity
		}
		d.enqueueAlert(ctx, m, rs, action.Channel, action.Template, severity, vars, rec)
	}
	for _, alertID := range m.Alerts {
		tmpl, ok := rs.Alerts[alertID]
		if !ok {
			// Validation rejects unknown templates at load time.
			continue
		}
		d.enqueueAlert(ctx, m, rs, tmpl.Channel, alertID, m.Severity, vars, rec)
	}

	return nil
}

func (d *Dispatcher) appendDurable(ctx context.Context, collection string, rec *store.Record) error {
	err := d.store.Append(ctx, collection, rec)
	if err == nil {
		return nil
	}
	d.logger.WithError(err).WithField("collection", collection).Warn("storage append failed, retrying once")
	return d.store.Append(ctx, collection, rec)
}

func (d *Dispatcher) enqueueAlert(ctx context.Context, m *rules.Match, rs *rules.RuleSet, channel, templateID string, severity rules.Severity, vars map[string]string, rec *store.Record) {
	title := fmt.Sprintf("%s matched", m.MonitorID)
	body := fmt.Sprintf("transaction %s at slot %d", m.Tx.Signature, m.Tx.Slot)

	if tmpl, ok := rs.Alerts[templateID]; ok {
		if tmpl.Title != "" {
			title = d.Render(tmpl.Title, vars)
		}
		if tmpl.Body != "" {
			body = d.Render(tmpl.Body, vars)
		}
	}

	// The database channel is an internal sink, not a transport: the
	// rendered alert lands in the notifications collection, best-effort.
	if channel == "database" {
		notice := *rec
		if err := d.store.Append(ctx, "notifications", &notice); err != nil {
			d.logger.WithError(err).Warn("failed to record database alert")
		}
		return
	}

	d.queue.Enqueue(&Message{
		Channel:   channel,
		Title:     title,
		Body:      body,
		Severity:  string(severity),
		MonitorID: m.MonitorID,
		Signature: m.Tx.Signature,
		Slot:      m.Tx.Slot,
	})
}
