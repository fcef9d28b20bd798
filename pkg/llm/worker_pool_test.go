package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestProcess_PreservesSubmissionOrder(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{MaxConcurrent: 3}, zap.NewNop())

	var items []WorkItem[int]
	for i := 0; i < 6; i++ {
		i := i
		items = append(items, WorkItem[int]{
			ID: fmt.Sprintf("batch-%d", i),
			Execute: func(ctx context.Context) (int, error) {
				// Later items finish first.
				time.Sleep(time.Duration(6-i) * 2 * time.Millisecond)
				return i * 10, nil
			},
		})
	}

	results := Process(context.Background(), pool, items, nil)

	require.Len(t, results, 6)
	for i, r := range results {
		assert.NoError(t, r.Err)
		assert.Equal(t, fmt.Sprintf("batch-%d", i), r.ID)
		assert.Equal(t, i*10, r.Result)
	}
}

func TestProcess_ContinuesAfterErrors(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{MaxConcurrent: 2}, zap.NewNop())
	expected := errors.New("batch failed")

	items := []WorkItem[string]{
		{ID: "a", Execute: func(ctx context.Context) (string, error) { return "a", nil }},
		{ID: "b", Execute: func(ctx context.Context) (string, error) { return "", expected }},
		{ID: "c", Execute: func(ctx context.Context) (string, error) { return "c", nil }},
	}

	results := Process(context.Background(), pool, items, nil)

	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, expected)
	assert.Equal(t, "c", results[2].Result)
}

func TestProcess_RespectsConcurrencyLimit(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{MaxConcurrent: 2}, zap.NewNop())

	var current, peak int32
	var items []WorkItem[struct{}]
	for i := 0; i < 8; i++ {
		items = append(items, WorkItem[struct{}]{
			ID: fmt.Sprintf("%d", i),
			Execute: func(ctx context.Context) (struct{}, error) {
				n := atomic.AddInt32(&current, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&current, -1)
				return struct{}{}, nil
			},
		})
	}

	var mu sync.Mutex
	var progress []int
	Process(context.Background(), pool, items, func(completed, total int) {
		mu.Lock()
		progress = append(progress, completed)
		mu.Unlock()
		assert.Equal(t, 8, total)
	})

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.Len(t, progress, 8)
}

func TestProcess_CancelledContext(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{MaxConcurrent: 1}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	items := []WorkItem[int]{
		{ID: "1", Execute: func(ctx context.Context) (int, error) { return 1, ctx.Err() }},
		{ID: "2", Execute: func(ctx context.Context) (int, error) { return 2, ctx.Err() }},
	}

	results := Process(ctx, pool, items, nil)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
}

func TestProcess_Empty(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{}, zap.NewNop())
	assert.Nil(t, Process[int](context.Background(), pool, nil, nil))
}
