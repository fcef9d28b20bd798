package retry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func fastConfig() *Config {
	return &Config{
		MaxAttempts:  3,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		MaxJitter:    time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxAttempts != 3 {
		t.Errorf("expected MaxAttempts=3, got %d", cfg.MaxAttempts)
	}
	if cfg.InitialDelay != time.Second {
		t.Errorf("expected InitialDelay=1s, got %v", cfg.InitialDelay)
	}
	if cfg.MaxDelay != 30*time.Second {
		t.Errorf("expected MaxDelay=30s, got %v", cfg.MaxDelay)
	}
	if cfg.MaxJitter != time.Second {
		t.Errorf("expected MaxJitter=1s, got %v", cfg.MaxJitter)
	}
}

func TestDo_Success(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), fastConfig(), "op", func(ctx context.Context) error {
		callCount++
		return nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), fastConfig(), "op", func(ctx context.Context) error {
		callCount++
		if callCount < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("expected 3 calls, got %d", callCount)
	}
}

func TestDo_ExhaustedNamesLastError(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), fastConfig(), "classify query", func(ctx context.Context) error {
		callCount++
		return errors.New("boom")
	})

	if callCount != 3 {
		t.Errorf("expected 3 calls, got %d", callCount)
	}

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %T", err)
	}
	if exhausted.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", exhausted.Attempts)
	}
	want := "classify query failed after 3 attempts. Last error: boom"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}

func TestDo_FatalStopsImmediately(t *testing.T) {
	callCount := 0
	sentinel := errors.New("bad request")
	err := Do(context.Background(), fastConfig(), "op", func(ctx context.Context) error {
		callCount++
		return MarkFatal(sentinel)
	})

	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("expected wrapped sentinel, got %v", err)
	}
}

func TestDo_ContextCancelledDuringWait(t *testing.T) {
	cfg := &Config{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 2}
	ctx, cancel := context.WithCancel(context.Background())

	callCount := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, cfg, "op", func(ctx context.Context) error {
			callCount++
			return errors.New("timeout")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
	if callCount != 1 {
		t.Errorf("expected 1 call before cancellation, got %d", callCount)
	}
}

func TestDoWithResult(t *testing.T) {
	callCount := 0
	result, err := DoWithResult(context.Background(), fastConfig(), "op", func(ctx context.Context) (string, error) {
		callCount++
		if callCount == 1 {
			return "", errors.New("503 service unavailable")
		}
		return "value", nil
	})

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result != "value" {
		t.Errorf("expected value, got %q", result)
	}
}

func TestBackoff_CappedAndMonotonicBase(t *testing.T) {
	cfg := &Config{
		MaxAttempts:  10,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		MaxJitter:    time.Second,
		Multiplier:   2.0,
	}

	tests := []struct {
		attempt int
		min     time.Duration
		max     time.Duration
	}{
		{attempt: 1, min: time.Second, max: 2 * time.Second},
		{attempt: 2, min: 2 * time.Second, max: 3 * time.Second},
		{attempt: 3, min: 4 * time.Second, max: 5 * time.Second},
		{attempt: 6, min: 30 * time.Second, max: 30 * time.Second},
	}

	for _, tt := range tests {
		for i := 0; i < 20; i++ {
			d := Backoff(cfg, tt.attempt)
			if d < tt.min || d > tt.max {
				t.Errorf("attempt %d: delay %v outside [%v, %v]", tt.attempt, d, tt.min, tt.max)
			}
		}
	}
}

type declaredError struct{ retryable bool }

func (e declaredError) Error() string     { return "declared" }
func (e declaredError) IsRetryable() bool { return e.retryable }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{name: "nil", err: nil, want: Ok},
		{name: "plain error", err: errors.New("x"), want: Retryable},
		{name: "marked fatal", err: MarkFatal(errors.New("x")), want: Fatal},
		{name: "declared non-retryable", err: declaredError{retryable: false}, want: Fatal},
		{name: "declared retryable", err: declaredError{retryable: true}, want: Retryable},
		{name: "canceled", err: context.Canceled, want: Fatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{err: nil, want: false},
		{err: errors.New("dial tcp: connection refused"), want: true},
		{err: errors.New("HTTP 429 too many requests"), want: true},
		{err: errors.New("syntax error at or near"), want: false},
		{err: declaredError{retryable: true}, want: true},
	}

	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = strings.ReplaceAll(tt.err.Error(), " ", "_")
		}
		t.Run(name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}
