package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessor_CompletesAllSlots(t *testing.T) {
	proc := NewProcessor(4, func(ctx context.Context, slot uint64) (int, bool, error) {
		return int(slot % 3), false, nil
	}, nil)

	ctx := context.Background()
	const n = 50

	var wg sync.WaitGroup
	wg.Add(1)
	seen := make(map[uint64]SlotResult, n)
	go func() {
		defer wg.Done()
		for res := range proc.Results() {
			seen[res.Slot] = res
		}
	}()

	for slot := uint64(1); slot <= n; slot++ {
		proc.Submit(ctx, slot)
	}
	proc.StopAndWait()
	wg.Wait()

	require.Len(t, seen, n)
	assert.Equal(t, 2, seen[5].Matches)
	assert.NoError(t, seen[5].Err)
}

func TestProcessor_BoundedParallelism(t *testing.T) {
	const parallelism = 3
	var inFlight, peak atomic.Int64

	proc := NewProcessor(parallelism, func(ctx context.Context, slot uint64) (int, bool, error) {
		cur := inFlight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return 0, false, nil
	}, nil)

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range proc.Results() {
		}
	}()

	for slot := uint64(1); slot <= 30; slot++ {
		proc.Submit(ctx, slot)
	}
	proc.StopAndWait()
	<-done

	assert.LessOrEqual(t, peak.Load(), int64(parallelism))
}
