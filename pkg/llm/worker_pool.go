package llm

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// WorkerPoolConfig configures the gateway worker pool.
type WorkerPoolConfig struct {
	MaxConcurrent int // Maximum concurrent gateway calls (default: 4)
}

// DefaultWorkerPoolConfig returns sensible defaults.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		MaxConcurrent: 4,
	}
}

// WorkerPool runs gateway calls with bounded parallelism.
type WorkerPool struct {
	config WorkerPoolConfig
	logger *zap.Logger
}

// NewWorkerPool creates a new gateway worker pool.
func NewWorkerPool(config WorkerPoolConfig, logger *zap.Logger) *WorkerPool {
	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = DefaultWorkerPoolConfig().MaxConcurrent
	}
	return &WorkerPool{
		config: config,
		logger: logger.Named("llm-worker-pool"),
	}
}

// WorkItem represents a unit of work to be processed.
type WorkItem[T any] struct {
	ID      string                               // For logging/tracking
	Execute func(ctx context.Context) (T, error) // The work to be executed
}

// WorkResult represents the result of a work item.
type WorkResult[T any] struct {
	ID     string
	Result T
	Err    error
}

// Process executes all work items with bounded parallelism and returns results in
// submission order, so results[i] belongs to items[i]. Every item runs even if
// others fail. onProgress, if set, is called after each completion.
func Process[T any](
	ctx context.Context,
	pool *WorkerPool,
	items []WorkItem[T],
	onProgress func(completed, total int),
) []WorkResult[T] {
	if len(items) == 0 {
		return nil
	}

	results := make([]WorkResult[T], len(items))
	sem := make(chan struct{}, pool.config.MaxConcurrent)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
	)

	for i, item := range items {
		wg.Add(1)
		go func(i int, item WorkItem[T]) {
			defer wg.Done()

			var res WorkResult[T]
			select {
			case sem <- struct{}{}:
				r, err := item.Execute(ctx)
				<-sem
				res = WorkResult[T]{ID: item.ID, Result: r, Err: err}
			case <-ctx.Done():
				res = WorkResult[T]{ID: item.ID, Err: ctx.Err()}
			}

			if res.Err != nil {
				pool.logger.Debug("Work item failed", zap.String("id", item.ID), zap.Error(res.Err))
			}

			mu.Lock()
			results[i] = res
			completed++
			done := completed
			mu.Unlock()

			if onProgress != nil {
				onProgress(done, len(items))
			}
		}(i, item)
	}

	wg.Wait()
	return results
}
