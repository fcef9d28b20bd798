package workqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/urekai/urekai-engine/pkg/database"
	"github.com/urekai/urekai-engine/pkg/models"
)

// ListenConn is the subset of *pgx.Conn the listener needs.
type ListenConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// ConnectFunc opens a dedicated connection for LISTEN.
type ConnectFunc func(ctx context.Context) (ListenConn, error)

// ListenerConfig tunes notification handling.
type ListenerConfig struct {
	Kinds          []models.FileKind
	IdlePing       time.Duration // Ping the connection after this long without a notification (default: 3m)
	ReconnectDelay time.Duration // Wait before re-establishing a failed connection (default: 5s)
	PollInterval   time.Duration // Fallback scan for pending jobs; 0 disables it
}

// Listener subscribes to every kind's channel and turns notifications into signals.
// On each (re)connect it scans the queues, so jobs enqueued while it was down are
// not stranded.
type Listener struct {
	config    ListenerConfig
	connect   ConnectFunc
	submitter Submitter
	scopes    database.ScopeProvider
	counter   PendingCounter
	logger    *zap.Logger
}

// NewListener creates a listener. Zero config values fall back to defaults.
func NewListener(config ListenerConfig, connect ConnectFunc, submitter Submitter, scopes database.ScopeProvider, counter PendingCounter, logger *zap.Logger) *Listener {
	if len(config.Kinds) == 0 {
		config.Kinds = models.AllFileKinds
	}
	if config.IdlePing <= 0 {
		config.IdlePing = 3 * time.Minute
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = 5 * time.Second
	}

	return &Listener{
		config:    config,
		connect:   connect,
		submitter: submitter,
		scopes:    scopes,
		counter:   counter,
		logger:    logger.Named("listener"),
	}
}

// PgxConnectFunc opens listener connections with pgx.
func PgxConnectFunc(url string) ConnectFunc {
	return func(ctx context.Context) (ListenConn, error) {
		return database.NewListenerConn(ctx, url)
	}
}

// Run listens until ctx is cancelled, reconnecting after any connection failure.
func (l *Listener) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	if l.config.PollInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.poll(ctx)
		}()
	}
	defer wg.Wait()

	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn("Listener connection lost, reconnecting",
			zap.Duration("delay", l.config.ReconnectDelay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.config.ReconnectDelay):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	for _, kind := range l.config.Kinds {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{kind.Channel()}.Sanitize()); err != nil {
			return fmt.Errorf("listen %s: %w", kind.Channel(), err)
		}
	}
	l.logger.Info("Listening for ingestion jobs", zap.Int("channels", len(l.config.Kinds)))

	l.scan(ctx)

	for {
		waitCtx, cancel := context.WithTimeout(ctx, l.config.IdlePing)
		n, err := conn.WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
				if _, err := conn.Exec(ctx, "SELECT 1"); err != nil {
					return fmt.Errorf("idle ping: %w", err)
				}
				l.logger.Debug("Listener idle ping ok")
				continue
			}
			return fmt.Errorf("wait for notification: %w", err)
		}

		l.handleNotification(ctx, n)
	}
}

func (l *Listener) handleNotification(ctx context.Context, n *pgconn.Notification) {
	kind, err := models.ParseFileKind(n.Payload)
	if err != nil {
		l.logger.Warn("Dropping notification with unknown payload",
			zap.String("channel", n.Channel),
			zap.String("payload", n.Payload))
		return
	}
	if err := l.submitter.Submit(ctx, Signal{Kind: kind}); err != nil {
		l.logger.Warn("Failed to submit signal", zap.String("kind", string(kind)), zap.Error(err))
	}
}

// scan submits one signal per kind that has pending rows.
func (l *Listener) scan(ctx context.Context) {
	if l.counter == nil || l.scopes == nil {
		return
	}

	scopedCtx, cleanup, err := l.scopes.WithScope(ctx)
	if err != nil {
		l.logger.Error("Failed to scan pending jobs", zap.Error(err))
		return
	}
	defer cleanup()

	for _, kind := range l.config.Kinds {
		n, err := l.counter.CountPending(scopedCtx, kind)
		if err != nil {
			l.logger.Error("Failed to count pending jobs", zap.String("kind", string(kind)), zap.Error(err))
			continue
		}
		if n == 0 {
			continue
		}
		l.logger.Info("Found pending jobs", zap.String("kind", string(kind)), zap.Int("count", n))
		if err := l.submitter.Submit(ctx, Signal{Kind: kind}); err != nil {
			return
		}
	}
}

func (l *Listener) poll(ctx context.Context) {
	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.scan(ctx)
		}
	}
}
