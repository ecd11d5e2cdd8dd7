package engine

import "sync"

// Cursor tracks the contiguous high-watermark of completed slots. Slots
// complete out of order; the watermark only advances through a contiguous
// prefix, which is what the checkpoint writer persists.
type Cursor struct {
	mu        sync.Mutex
	watermark uint64
	pending   map[uint64]struct{}
}

// NewCursor starts the watermark at the last already-completed slot;
// processing resumes at watermark+1.
func NewCursor(lastCompleted uint64) *Cursor {
	return &Cursor{
		watermark: lastCompleted,
		pending:   make(map[uint64]struct{}),
	}
}

// Complete marks a slot finished (successfully or abandoned) and returns
// the watermark after any contiguous advance.
func (c *Cursor) Complete(slot uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if slot <= c.watermark {
		return c.watermark
	}
	c.pending[slot] = struct{}{}

	for {
		next := c.watermark + 1
		if _, ok := c.pending[next]; !ok {
			break
		}
		delete(c.pending, next)
		c.watermark = next
	}
	return c.watermark
}

// Watermark returns the current contiguous high-watermark.
func (c *Cursor) Watermark() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watermark
}

// Pending returns the number of completed slots stuck above the watermark.
func (c *Cursor) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
