package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// optimizationFile mirrors optimization.json.
type optimizationFile struct {
	ProgramAllowlist   []string `json:"program_allowlist"`
	TokenAllowlist     []string `json:"token_allowlist"`
	MaxConcurrentSlots int      `json:"max_concurrent_slots"`
}

// focusFile mirrors optimization_yu_focused.json. Its presence enables the
// focused single-mint filter.
type focusFile struct {
	FocusMint string `json:"focus_mint"`
}

// Manager loads the monitor and alert catalog from a directory tree and
// publishes immutable RuleSet snapshots. Readers observe either the old or
// the new snapshot in full; a failed reload preserves the previous one.
type Manager struct {
	dir    string
	logger *logrus.Logger

	current atomic.Pointer[RuleSet]
	version atomic.Uint64

	mu       sync.Mutex // serializes reloads
	onReload func(*RuleSet)
}

func NewManager(dir string, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{dir: dir, logger: logger}
}

// RuleSet returns the current snapshot. Callers hold the returned pointer
// for the duration of one transaction's evaluation.
func (m *Manager) RuleSet() *RuleSet {
	return m.current.Load()
}

// OnReload registers a callback invoked with each successfully published
// snapshot, including the initial load.
func (m *Manager) OnReload(fn func(*RuleSet)) {
	m.onReload = fn
}

// Load reads the whole catalog and atomically publishes a new snapshot.
// Invalid files are skipped with an error log; they never take down the
// previously published snapshot.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	alerts, err := m.loadAlerts()
	if err != nil {
		return err
	}
	monitors, err := m.loadMonitors(alerts)
	if err != nil {
		return err
	}

	rs := newRuleSet(monitors, alerts, m.version.Add(1))

	if err := m.loadOptimization(rs); err != nil {
		m.logger.WithError(err).Warn("failed to load optimization config")
	}

	m.current.Store(rs)
	m.logger.WithFields(logrus.Fields{
		"monitors": len(rs.Monitors),
		"loaded":   rs.LoadedMonitors,
		"alerts":   len(rs.Alerts),
		"version":  rs.Version,
	}).Info("published ruleset")

	if m.onReload != nil {
		m.onReload(rs)
	}
	return nil
}

func (m *Manager) jsonFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func (m *Manager) loadAlerts() (map[string]AlertTemplate, error) {
	alertsDir := filepath.Join(m.dir, "alerts")
	alerts := make(map[string]AlertTemplate)

	files, err := m.jsonFiles(alertsDir)
	if os.IsNotExist(err) {
		return alerts, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read alerts directory: %w", err)
	}

	for _, path := range files {
		content, err := os.ReadFile(path)
		if err != nil {
			m.logger.WithError(err).WithField("file", path).Error("failed to read alert file")
			continue
		}
		var fileAlerts map[string]AlertTemplate
		if err := json.Unmarshal(content, &fileAlerts); err != nil {
			m.logger.WithError(err).WithField("file", path).Error("invalid alert file, skipping")
			continue
		}
		for id, tmpl := range fileAlerts {
			tmpl.ID = id
			if tmpl.Channel == "" {
				m.logger.WithField("alert", id).Error("alert template missing channel, skipping")
				continue
			}
			alerts[id] = tmpl
		}
		m.logger.WithFields(logrus.Fields{"file": filepath.Base(path), "count": len(fileAlerts)}).Debug("loaded alerts")
	}
	return alerts, nil
}

// loadMonitors loads and compiles every monitors/*.json file. A file is
// rejected wholesale when any of its monitors fails validation or
// references an unknown alert template; other files still load.
func (m *Manager) loadMonitors(alerts map[string]AlertTemplate) ([]*CompiledMonitor, error) {
	monitorsDir := filepath.Join(m.dir, "monitors")

	files, err := m.jsonFiles(monitorsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read monitors directory: %w", err)
	}

	var all []*CompiledMonitor
	for _, path := range files {
		compiled, err := m.loadMonitorFile(path, alerts)
		if err != nil {
			m.logger.WithError(err).WithField("file", path).Error("invalid monitor file, skipping")
			continue
		}
		all = append(all, compiled...)
		m.logger.WithFields(logrus.Fields{"file": filepath.Base(path), "count": len(compiled)}).Debug("loaded monitors")
	}
	return all, nil
}

func (m *Manager) loadMonitorFile(path string, alerts map[string]AlertTemplate) ([]*CompiledMonitor, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var monitors []Monitor
	if err := json.Unmarshal(content, &monitors); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	compiled := make([]*CompiledMonitor, 0, len(monitors))
	for _, mon := range monitors {
		cm, err := Compile(mon)
		if err != nil {
			return nil, err
		}
		for _, alertID := range mon.Alerts {
			if _, ok := alerts[alertID]; !ok {
				return nil, fmt.Errorf("monitor %s references unknown alert template %q", mon.ID, alertID)
			}
		}
		for _, a := range mon.Actions {
			if a.Type == "alert" && a.Template != "" {
				if _, ok := alerts[a.Template]; !ok {
					return nil, fmt.Errorf("monitor %s references unknown alert template %q", mon.ID, a.Template)
				}
			}
		}
		compiled = append(compiled, cm)
	}
	return compiled, nil
}

func (m *Manager) loadOptimization(rs *RuleSet) error {
	optPath := filepath.Join(m.dir, "optimization.json")
	if content, err := os.ReadFile(optPath); err == nil {
		var opt optimizationFile
		if err := json.Unmarshal(content, &opt); err != nil {
			return fmt.Errorf("parse %s: %w", optPath, err)
		}
		for _, raw := range opt.ProgramAllowlist {
			addr, err := parseCatalogAddress(raw)
			if err != nil {
				return err
			}
			rs.PreFilter.Programs = append(rs.PreFilter.Programs, addr)
		}
		for _, raw := range opt.TokenAllowlist {
			addr, err := parseCatalogAddress(raw)
			if err != nil {
				return err
			}
			rs.PreFilter.Tokens = append(rs.PreFilter.Tokens, addr)
		}
		rs.MaxConcurrentSlots = opt.MaxConcurrentSlots
	} else if !os.IsNotExist(err) {
		return err
	}

	focusPath := filepath.Join(m.dir, "optimization_yu_focused.json")
	if content, err := os.ReadFile(focusPath); err == nil {
		var focus focusFile
		if err := json.Unmarshal(content, &focus); err != nil {
			return fmt.Errorf("parse %s: %w", focusPath, err)
		}
		addr, err := parseCatalogAddress(focus.FocusMint)
		if err != nil {
			return err
		}
		rs.FocusMint = &addr
	} else if !os.IsNotExist(err) {
		return err
	}

	return nil
}

// Watch reloads the catalog when files under the config tree change.
// Events are debounced; a failed reload keeps the previous snapshot.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	for _, dir := range []string{m.dir, filepath.Join(m.dir, "monitors"), filepath.Join(m.dir, "alerts")} {
		if err := watcher.Add(dir); err != nil {
			m.logger.WithError(err).WithField("dir", dir).Warn("not watching directory")
		}
	}

	const debounce = 250 * time.Millisecond
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			if err := m.Load(); err != nil {
				m.logger.WithError(err).Error("config reload failed, keeping previous ruleset")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.WithError(err).Warn("config watcher error")
		}
	}
}
