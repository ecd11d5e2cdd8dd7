package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCursor_ContiguousAdvance(t *testing.T) {
	c := NewCursor(100)
	assert.Equal(t, uint64(100), c.Watermark())

	// Out-of-order completions hold the watermark until the gap closes.
	assert.Equal(t, uint64(100), c.Complete(103))
	assert.Equal(t, uint64(100), c.Complete(102))
	assert.Equal(t, 2, c.Pending())

	assert.Equal(t, uint64(103), c.Complete(101))
	assert.Equal(t, 0, c.Pending())
}

func TestCursor_DuplicateAndStaleCompletions(t *testing.T) {
	c := NewCursor(10)
	assert.Equal(t, uint64(11), c.Complete(11))
	// Stale or duplicate completions change nothing.
	assert.Equal(t, uint64(11), c.Complete(11))
	assert.Equal(t, uint64(11), c.Complete(5))
}

func TestCursor_AbandonedSlotAdvancesWatermark(t *testing.T) {
	c := NewCursor(0)
	c.Complete(2)
	c.Complete(3)
	assert.Equal(t, uint64(0), c.Watermark())

	// An abandoned slot completes like any other, releasing the prefix.
	assert.Equal(t, uint64(3), c.Complete(1))
}
