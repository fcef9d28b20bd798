// Package workqueue turns queue notifications into claimed ingestion jobs and runs
// them on a fixed set of workers.
package workqueue

import (
	"context"

	"github.com/urekai/urekai-engine/pkg/models"
)

// Signal tells a worker that a queue may have pending work. It never identifies a
// specific row; the worker always claims the oldest pending job of the kind.
type Signal struct {
	Kind models.FileKind
}

// JobHandler runs the full ingestion pipeline for one claimed job.
type JobHandler interface {
	Handle(ctx context.Context, job *models.IngestionJob) error
}

// JobAborter is implemented by handlers that can release a job whose Handle panicked:
// mark the row failed and drop whatever the partial run created.
type JobAborter interface {
	Abort(ctx context.Context, job *models.IngestionJob)
}

// JobHandlerFunc adapts a function to JobHandler.
type JobHandlerFunc func(ctx context.Context, job *models.IngestionJob) error

// Handle implements JobHandler.
func (f JobHandlerFunc) Handle(ctx context.Context, job *models.IngestionJob) error {
	return f(ctx, job)
}

// Claimer claims the next pending job of a kind. Returns nil, nil when none is pending.
type Claimer interface {
	ClaimNext(ctx context.Context, kind models.FileKind) (*models.IngestionJob, error)
}

// PendingCounter reports how many jobs of a kind are waiting.
type PendingCounter interface {
	CountPending(ctx context.Context, kind models.FileKind) (int, error)
}

// Submitter accepts signals, blocking while the in-process queue is full.
type Submitter interface {
	Submit(ctx context.Context, sig Signal) error
}
