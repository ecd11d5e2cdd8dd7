package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Checkpoint is the persisted high-watermark: every slot at or below
// LastCompletedSlot has either succeeded or been recorded as skipped.
type Checkpoint struct {
	LastCompletedSlot uint64    `json:"last_completed_slot"`
	LastUpdateTime    time.Time `json:"last_update_time"`
}

// LoadCheckpoint reads a checkpoint file. A missing file returns (nil, nil).
func LoadCheckpoint(path string) (*Checkpoint, error) {
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(content, &cp); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint file %s: %w", path, err)
	}
	return &cp, nil
}

// SaveCheckpoint writes the checkpoint atomically: write a temp file in
// the same directory, sync, then rename over the target.
func SaveCheckpoint(path string, cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	return nil
}

// SkippedSlot records a slot abandoned after exhausting its retries.
type SkippedSlot struct {
	Slot      uint64    `json:"slot"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// SkippedSlots is the append-only sidecar next to the checkpoint.
type SkippedSlots struct {
	mu   sync.Mutex
	path string
}

func NewSkippedSlots(path string) *SkippedSlots {
	return &SkippedSlots{path: path}
}

func (s *SkippedSlots) Append(slot uint64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(SkippedSlot{Slot: slot, Reason: reason, Timestamp: time.Now().UTC()})
	if err != nil {
		return err
	}
	data = append(data, '\n')

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open skipped slots sidecar: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("failed to append skipped slot: %w", err)
	}
	return file.Sync()
}
