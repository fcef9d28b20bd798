package workqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/urekai/urekai-engine/pkg/models"
)

func receiveSignal(t *testing.T, s *recordingSubmitter) Signal {
	t.Helper()
	select {
	case sig := <-s.signals:
		return sig
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal")
		return Signal{}
	}
}

func assertNoSignal(t *testing.T, s *recordingSubmitter) {
	t.Helper()
	select {
	case sig := <-s.signals:
		t.Fatalf("unexpected signal %+v", sig)
	case <-time.After(50 * time.Millisecond):
	}
}

func runListener(t *testing.T, l *Listener) (context.CancelFunc, <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	return cancel, done
}

func TestListener_NotificationBecomesSignal(t *testing.T) {
	conn := newFakeConn()
	submitter := newRecordingSubmitter()
	connect := func(context.Context) (ListenConn, error) { return conn, nil }

	l := NewListener(ListenerConfig{IdlePing: time.Minute}, connect, submitter, nopScopes{}, newFakeClaimer(), zap.NewNop())
	cancel, done := runListener(t, l)
	defer func() { cancel(); <-done }()

	conn.notifications <- &pgconn.Notification{Channel: "excel_job", Payload: "excel"}
	assert.Equal(t, Signal{Kind: models.FileKindExcel}, receiveSignal(t, submitter))

	assert.Contains(t, conn.Executed(), `LISTEN "csv_job"`)
	assert.Contains(t, conn.Executed(), `LISTEN "excel_job"`)
}

func TestListener_UnknownPayloadDropped(t *testing.T) {
	conn := newFakeConn()
	submitter := newRecordingSubmitter()
	connect := func(context.Context) (ListenConn, error) { return conn, nil }

	l := NewListener(ListenerConfig{IdlePing: time.Minute}, connect, submitter, nopScopes{}, newFakeClaimer(), zap.NewNop())
	cancel, done := runListener(t, l)
	defer func() { cancel(); <-done }()

	conn.notifications <- &pgconn.Notification{Channel: "csv_job", Payload: "parquet"}
	assertNoSignal(t, submitter)

	conn.notifications <- &pgconn.Notification{Channel: "csv_job", Payload: "csv"}
	assert.Equal(t, Signal{Kind: models.FileKindCSV}, receiveSignal(t, submitter))
}

func TestListener_ScanOnConnect(t *testing.T) {
	conn := newFakeConn()
	submitter := newRecordingSubmitter()
	connect := func(context.Context) (ListenConn, error) { return conn, nil }
	claimer := newFakeClaimer(testJob(models.FileKindCSV), testJob(models.FileKindCSV))

	l := NewListener(ListenerConfig{IdlePing: time.Minute}, connect, submitter, nopScopes{}, claimer, zap.NewNop())
	cancel, done := runListener(t, l)
	defer func() { cancel(); <-done }()

	// One signal per kind with pending rows, not one per row.
	assert.Equal(t, Signal{Kind: models.FileKindCSV}, receiveSignal(t, submitter))
	assertNoSignal(t, submitter)
}

func TestListener_IdlePing(t *testing.T) {
	conn := newFakeConn()
	connect := func(context.Context) (ListenConn, error) { return conn, nil }

	l := NewListener(ListenerConfig{IdlePing: 10 * time.Millisecond}, connect, newRecordingSubmitter(), nopScopes{}, newFakeClaimer(), zap.NewNop())
	cancel, done := runListener(t, l)
	defer func() { cancel(); <-done }()

	require.Eventually(t, func() bool {
		for _, sql := range conn.Executed() {
			if sql == "SELECT 1" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestListener_ReconnectsAfterFailure(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	var attempts atomic.Int32
	connect := func(context.Context) (ListenConn, error) {
		switch attempts.Add(1) {
		case 1:
			return nil, errors.New("connection refused")
		case 2:
			return first, nil
		default:
			return second, nil
		}
	}
	submitter := newRecordingSubmitter()

	l := NewListener(ListenerConfig{IdlePing: time.Minute, ReconnectDelay: 10 * time.Millisecond}, connect, submitter, nopScopes{}, newFakeClaimer(), zap.NewNop())
	cancel, done := runListener(t, l)
	defer func() { cancel(); <-done }()

	require.Eventually(t, func() bool { return attempts.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	first.failWait <- errConnLost

	require.Eventually(t, func() bool { return attempts.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	second.notifications <- &pgconn.Notification{Channel: "csv_job", Payload: "csv"}
	assert.Equal(t, Signal{Kind: models.FileKindCSV}, receiveSignal(t, submitter))

	first.mu.Lock()
	assert.True(t, first.closed)
	first.mu.Unlock()
}

func TestListener_FallbackPoll(t *testing.T) {
	conn := newFakeConn()
	connect := func(context.Context) (ListenConn, error) { return conn, nil }
	claimer := newFakeClaimer()
	submitter := newRecordingSubmitter()

	l := NewListener(ListenerConfig{IdlePing: time.Minute, PollInterval: 20 * time.Millisecond}, connect, submitter, nopScopes{}, claimer, zap.NewNop())
	cancel, done := runListener(t, l)
	defer func() { cancel(); <-done }()

	// Enqueued without a notification reaching the listener.
	job := testJob(models.FileKindExcel)
	claimer.mu.Lock()
	claimer.jobs[models.FileKindExcel] = append(claimer.jobs[models.FileKindExcel], job)
	claimer.mu.Unlock()

	assert.Equal(t, Signal{Kind: models.FileKindExcel}, receiveSignal(t, submitter))
}
