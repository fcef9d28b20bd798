package workqueue

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/urekai/urekai-engine/pkg/models"
)

type nopScopes struct{}

func (nopScopes) WithScope(ctx context.Context) (context.Context, func(), error) {
	return ctx, func() {}, nil
}

type fakeClaimer struct {
	mu   sync.Mutex
	jobs map[models.FileKind][]*models.IngestionJob
}

func newFakeClaimer(jobs ...*models.IngestionJob) *fakeClaimer {
	c := &fakeClaimer{jobs: map[models.FileKind][]*models.IngestionJob{}}
	for _, j := range jobs {
		c.jobs[j.Kind] = append(c.jobs[j.Kind], j)
	}
	return c
}

func (c *fakeClaimer) ClaimNext(_ context.Context, kind models.FileKind) (*models.IngestionJob, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	queue := c.jobs[kind]
	if len(queue) == 0 {
		return nil, nil
	}
	c.jobs[kind] = queue[1:]
	return queue[0], nil
}

func (c *fakeClaimer) CountPending(_ context.Context, kind models.FileKind) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs[kind]), nil
}

// abortingHandler runs handle and records every job passed to Abort.
type abortingHandler struct {
	handle  JobHandlerFunc
	aborted chan *models.IngestionJob
}

func (h *abortingHandler) Handle(ctx context.Context, job *models.IngestionJob) error {
	return h.handle(ctx, job)
}

func (h *abortingHandler) Abort(_ context.Context, job *models.IngestionJob) {
	h.aborted <- job
}

type recordingSubmitter struct {
	signals chan Signal
}

func newRecordingSubmitter() *recordingSubmitter {
	return &recordingSubmitter{signals: make(chan Signal, 16)}
}

func (s *recordingSubmitter) Submit(ctx context.Context, sig Signal) error {
	select {
	case s.signals <- sig:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fakeConn delivers notifications pushed on its channel and records executed SQL.
type fakeConn struct {
	mu            sync.Mutex
	executed      []string
	notifications chan *pgconn.Notification
	failWait      chan error
	closed        bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		notifications: make(chan *pgconn.Notification, 8),
		failWait:      make(chan error, 1),
	}
}

func (c *fakeConn) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executed = append(c.executed, sql)
	return pgconn.CommandTag{}, nil
}

func (c *fakeConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case n := <-c.notifications:
		return n, nil
	case err := <-c.failWait:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Executed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.executed...)
}

var errConnLost = errors.New("connection reset by peer")
