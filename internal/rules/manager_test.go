package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func managerLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

const validMonitors = `[
  {
    "id": "yuya_burn_1m",
    "enabled": true,
    "conditions": [
      {"type": "token_burn", "mint": "YUYAiJo8KVbnc6Fb6h3MnH2VGND4uGWDH4iLnw7DLEu", "operator": "gte", "amount": 1000000}
    ],
    "actions": [{"type": "store", "collection": "medium_burns"}],
    "alerts": ["token_activity"],
    "severity": "high"
  }
]`

const validAlerts = `{
  "token_activity": {
    "channel": "telegram",
    "title": "{{name}}",
    "body": "{{monitor}} at {{slot}}"
  }
}`

func setupCatalog(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "monitors", "yu.json"), validMonitors)
	writeFile(t, filepath.Join(dir, "alerts", "alerts.json"), validAlerts)
	return dir
}

func TestManager_Load(t *testing.T) {
	dir := setupCatalog(t)
	mgr := NewManager(dir, managerLogger())
	require.NoError(t, mgr.Load())

	rs := mgr.RuleSet()
	require.NotNil(t, rs)
	require.Len(t, rs.Monitors, 1)
	assert.Equal(t, "yuya_burn_1m", rs.Monitors[0].ID)
	assert.Contains(t, rs.Alerts, "token_activity")
}

func TestManager_InvalidFileIsIsolated(t *testing.T) {
	dir := setupCatalog(t)
	writeFile(t, filepath.Join(dir, "monitors", "broken.json"), `{"this is": "not a monitor array"`)
	writeFile(t, filepath.Join(dir, "monitors", "unknown_condition.json"), `[
	  {"id": "x", "enabled": true, "conditions": [{"type": "martian_invasion"}]}
	]`)

	mgr := NewManager(dir, managerLogger())
	require.NoError(t, mgr.Load())

	// The valid file still loads; offenders are skipped.
	rs := mgr.RuleSet()
	require.Len(t, rs.Monitors, 1)
	assert.Equal(t, "yuya_burn_1m", rs.Monitors[0].ID)
}

func TestManager_UnknownTemplateIsFatalForFile(t *testing.T) {
	dir := setupCatalog(t)
	writeFile(t, filepath.Join(dir, "monitors", "dangling.json"), `[
	  {
	    "id": "dangling",
	    "enabled": true,
	    "conditions": [{"type": "program_invoked", "program": "JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4"}],
	    "alerts": ["no_such_template"]
	  }
	]`)

	mgr := NewManager(dir, managerLogger())
	require.NoError(t, mgr.Load())

	rs := mgr.RuleSet()
	require.Len(t, rs.Monitors, 1)
	assert.NotEqual(t, "dangling", rs.Monitors[0].ID)
}

func TestManager_OptimizationConfig(t *testing.T) {
	dir := setupCatalog(t)
	writeFile(t, filepath.Join(dir, "optimization.json"), `{
	  "program_allowlist": ["675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"],
	  "token_allowlist": ["YUYAiJo8KVbnc6Fb6h3MnH2VGND4uGWDH4iLnw7DLEu"],
	  "max_concurrent_slots": 8
	}`)
	writeFile(t, filepath.Join(dir, "optimization_yu_focused.json"), `{
	  "focus_mint": "YUYAiJo8KVbnc6Fb6h3MnH2VGND4uGWDH4iLnw7DLEu"
	}`)

	mgr := NewManager(dir, managerLogger())
	require.NoError(t, mgr.Load())

	rs := mgr.RuleSet()
	assert.Len(t, rs.PreFilter.Programs, 1)
	assert.Len(t, rs.PreFilter.Tokens, 1)
	assert.Equal(t, 8, rs.MaxConcurrentSlots)
	require.NotNil(t, rs.FocusMint)
	assert.Equal(t, "YUYAiJo8KVbnc6Fb6h3MnH2VGND4uGWDH4iLnw7DLEu", rs.FocusMint.String())
}

func TestManager_ReloadSwapsAtomically(t *testing.T) {
	dir := setupCatalog(t)
	mgr := NewManager(dir, managerLogger())
	require.NoError(t, mgr.Load())

	before := mgr.RuleSet()
	require.Len(t, before.Monitors, 1)

	// Edit the threshold and reload: readers holding the old snapshot
	// keep seeing the old catalog in full.
	writeFile(t, filepath.Join(dir, "monitors", "yu.json"), `[
	  {
	    "id": "yuya_burn_1m",
	    "enabled": true,
	    "conditions": [
	      {"type": "token_burn", "mint": "YUYAiJo8KVbnc6Fb6h3MnH2VGND4uGWDH4iLnw7DLEu", "operator": "gte", "amount": 5000000}
	    ],
	    "severity": "high"
	  }
	]`)
	require.NoError(t, mgr.Load())

	after := mgr.RuleSet()
	assert.NotSame(t, before, after)
	assert.Greater(t, after.Version, before.Version)
	assert.True(t, before.Monitors[0].conditions[0].amount.IntPart() == 1_000_000)
	assert.True(t, after.Monitors[0].conditions[0].amount.IntPart() == 5_000_000)
}

func TestManager_InvalidCatalogAddress(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "monitors", "bad_addr.json"), `[
	  {"id": "bad", "enabled": true, "conditions": [{"type": "program_invoked", "program": "not-an-address"}]}
	]`)

	mgr := NewManager(dir, managerLogger())
	require.NoError(t, mgr.Load())
	assert.Empty(t, mgr.RuleSet().Monitors)
}
