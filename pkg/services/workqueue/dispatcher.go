package workqueue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/urekai/urekai-engine/pkg/database"
	"github.com/urekai/urekai-engine/pkg/models"
)

// Config sizes the dispatcher.
type Config struct {
	Workers          int   // Concurrent worker loops (default: 5)
	ConcurrencyLimit int64 // Jobs allowed to run the pipeline at once, across all workers (default: 5)
	QueueSize        int   // Capacity of the in-process signal queue (default: 100)
}

// DefaultConfig returns the default dispatcher sizing.
func DefaultConfig() Config {
	return Config{
		Workers:          5,
		ConcurrencyLimit: 5,
		QueueSize:        100,
	}
}

// Dispatcher drains a bounded in-process queue of signals with a fixed number of
// workers. Each worker claims jobs under row lock and runs them through the handler
// while holding a slot of the global semaphore.
type Dispatcher struct {
	config  Config
	signals chan Signal
	sem     *semaphore.Weighted

	scopes  database.ScopeProvider
	claimer Claimer
	handler JobHandler
	logger  *zap.Logger
}

// NewDispatcher creates a dispatcher. Zero config values fall back to defaults.
func NewDispatcher(config Config, scopes database.ScopeProvider, claimer Claimer, handler JobHandler, logger *zap.Logger) *Dispatcher {
	defaults := DefaultConfig()
	if config.Workers < 1 {
		config.Workers = defaults.Workers
	}
	if config.ConcurrencyLimit < 1 {
		config.ConcurrencyLimit = defaults.ConcurrencyLimit
	}
	if config.QueueSize < 1 {
		config.QueueSize = defaults.QueueSize
	}

	return &Dispatcher{
		config:  config,
		signals: make(chan Signal, config.QueueSize),
		sem:     semaphore.NewWeighted(config.ConcurrencyLimit),
		scopes:  scopes,
		claimer: claimer,
		handler: handler,
		logger:  logger.Named("dispatcher"),
	}
}

var _ Submitter = (*Dispatcher)(nil)

// Submit queues a signal. It blocks while the queue is full.
func (d *Dispatcher) Submit(ctx context.Context, sig Signal) error {
	select {
	case d.signals <- sig:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued signals.
func (d *Dispatcher) Pending() int {
	return len(d.signals)
}

// Run starts the workers and blocks until ctx is cancelled and every in-flight job
// has finished.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Starting ingestion workers",
		zap.Int("workers", d.config.Workers),
		zap.Int64("concurrency_limit", d.config.ConcurrencyLimit),
		zap.Int("queue_size", d.config.QueueSize))

	var wg sync.WaitGroup
	for i := 0; i < d.config.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.worker(ctx, id)
		}(i + 1)
	}
	wg.Wait()

	d.logger.Info("Ingestion workers stopped")
	return nil
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	logger := d.logger.With(zap.Int("worker", id))
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-d.signals:
			d.drain(ctx, sig.Kind, logger)
		}
	}
}

// drain claims and runs jobs of one kind until none is pending. One signal may stand
// for many rows (reconnect scan, fallback poll).
func (d *Dispatcher) drain(ctx context.Context, kind models.FileKind, logger *zap.Logger) {
	for ctx.Err() == nil {
		claimed, err := d.claimAndRun(ctx, kind, logger)
		if err != nil {
			logger.Error("Failed to claim job", zap.String("kind", string(kind)), zap.Error(err))
			return
		}
		if !claimed {
			return
		}
	}
}

func (d *Dispatcher) claimAndRun(ctx context.Context, kind models.FileKind, logger *zap.Logger) (bool, error) {
	scopedCtx, cleanup, err := d.scopes.WithScope(ctx)
	if err != nil {
		return false, err
	}
	defer cleanup()

	job, err := d.claimer.ClaimNext(scopedCtx, kind)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	// A claimed job runs to completion even during shutdown; the row is already processing.
	jobCtx := context.WithoutCancel(scopedCtx)
	if err := d.sem.Acquire(jobCtx, 1); err != nil {
		return true, fmt.Errorf("acquire job slot: %w", err)
	}
	defer d.sem.Release(1)

	d.runJob(jobCtx, job, logger)
	return true, nil
}

func (d *Dispatcher) runJob(ctx context.Context, job *models.IngestionJob, logger *zap.Logger) {
	logger = logger.With(
		zap.String("kind", string(job.Kind)),
		zap.String("upload_id", job.UploadID.String()),
		zap.String("table_name", job.TableName))

	defer func() {
		if p := recover(); p != nil {
			logger.Error("Ingestion job panicked",
				zap.Any("panic", p),
				zap.String("stack", string(debug.Stack())))
			d.abort(ctx, job, logger)
		}
	}()

	logger.Info("Processing ingestion job")
	if err := d.handler.Handle(ctx, job); err != nil {
		logger.Error("Ingestion job failed", zap.Error(err))
		return
	}
	logger.Info("Ingestion job completed")
}

// abort hands a panicked job back to the handler so the row does not stay processing.
func (d *Dispatcher) abort(ctx context.Context, job *models.IngestionJob, logger *zap.Logger) {
	aborter, ok := d.handler.(JobAborter)
	if !ok {
		logger.Warn("Handler cannot abort jobs; row left processing")
		return
	}
	defer func() {
		if p := recover(); p != nil {
			logger.Error("Aborting panicked job panicked", zap.Any("panic", p))
		}
	}()
	aborter.Abort(ctx, job)
}
