package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRaw(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func readRaw(path string) (string, error) {
	content, err := os.ReadFile(path)
	return string(content), err
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testRecord(slot uint64, monitor string) *Record {
	return &Record{
		Timestamp: time.Now().UTC(),
		Slot:      slot,
		Signature: "sig",
		MonitorID: monitor,
		Severity:  "high",
		Amount:    decimal.NewFromInt(12_000_000),
	}
}

func TestJSONLStore_AppendAndRead(t *testing.T) {
	s, err := NewJSONLStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Append(ctx, "large_burns", testRecord(100, "yuya_burn_10m")))
	require.NoError(t, s.Append(ctx, "large_burns", testRecord(101, "yuya_burn_10m")))
	require.NoError(t, s.Append(ctx, "medium_burns", testRecord(100, "yuya_burn_1m")))

	records, err := s.ReadCollection(ctx, "large_burns", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint64(100), records[0].Slot)
	assert.Equal(t, uint64(101), records[1].Slot)
	assert.True(t, records[0].Amount.Equal(decimal.NewFromInt(12_000_000)))

	collections, err := s.Collections(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"large_burns": 2, "medium_burns": 1}, collections)
}

func TestJSONLStore_ReadLimitKeepsNewest(t *testing.T) {
	s, err := NewJSONLStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	for slot := uint64(1); slot <= 10; slot++ {
		require.NoError(t, s.Append(ctx, "c", testRecord(slot, "m")))
	}

	records, err := s.ReadCollection(ctx, "c", 3)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, uint64(8), records[0].Slot)
	assert.Equal(t, uint64(10), records[2].Slot)
}

func TestJSONLStore_MissingCollection(t *testing.T) {
	s, err := NewJSONLStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	defer s.Close()

	records, err := s.ReadCollection(context.Background(), "nope", 0)
	require.NoError(t, err)
	assert.Nil(t, records)
}

func TestJSONLStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewJSONLStore(dir, testLogger())
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, "c", testRecord(1, "m")))
	require.NoError(t, s.Close())

	s2, err := NewJSONLStore(dir, testLogger())
	require.NoError(t, err)
	defer s2.Close()
	require.NoError(t, s2.Append(ctx, "c", testRecord(2, "m")))

	records, err := s2.ReadCollection(ctx, "c", 0)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestValidateCollection(t *testing.T) {
	assert.NoError(t, ValidateCollection("large_burns"))
	assert.NoError(t, ValidateCollection("a.b-c_d"))
	assert.Error(t, ValidateCollection(""))
	assert.Error(t, ValidateCollection("../escape"))
	assert.Error(t, ValidateCollection("has space"))
}

func TestCheckpoint_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slot_checkpoint.json")

	cp, err := LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Nil(t, cp)

	want := &Checkpoint{LastCompletedSlot: 251432100, LastUpdateTime: time.Now().UTC().Truncate(time.Second)}
	require.NoError(t, SaveCheckpoint(path, want))

	got, err := LoadCheckpoint(path)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.LastCompletedSlot, got.LastCompletedSlot)
	assert.True(t, want.LastUpdateTime.Equal(got.LastUpdateTime))
}

func TestCheckpoint_OverwriteIsAtomicRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "slot_checkpoint.json")

	require.NoError(t, SaveCheckpoint(path, &Checkpoint{LastCompletedSlot: 1, LastUpdateTime: time.Now()}))
	require.NoError(t, SaveCheckpoint(path, &Checkpoint{LastCompletedSlot: 2, LastUpdateTime: time.Now()}))

	got, err := LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.LastCompletedSlot)

	// No temp files left behind.
	entries, err := filepath.Glob(filepath.Join(dir, ".checkpoint-*"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCheckpoint_CorruptFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slot_checkpoint.json")
	require.NoError(t, writeRaw(path, "{nope"))

	_, err := LoadCheckpoint(path)
	assert.Error(t, err)
}

func TestSkippedSlots_Append(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skipped_slots.jsonl")
	s := NewSkippedSlots(path)

	require.NoError(t, s.Append(100, "rpc exhausted"))
	require.NoError(t, s.Append(105, "storage failed"))

	content, err := readRaw(path)
	require.NoError(t, err)
	assert.Contains(t, content, `"slot":100`)
	assert.Contains(t, content, `"slot":105`)
	assert.Contains(t, content, "storage failed")
}
