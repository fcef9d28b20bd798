package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

// Config defines retry behavior with exponential backoff plus additive jitter.
type Config struct {
	MaxAttempts  int           // Total attempts including the first call
	InitialDelay time.Duration // Delay before the second attempt
	MaxDelay     time.Duration // Cap applied after jitter
	MaxJitter    time.Duration // Upper bound of the random delay added to each wait
	Multiplier   float64
}

// DefaultConfig returns the policy used for model gateway and database calls:
// 3 attempts, 1s initial delay doubling per attempt, up to 1s jitter, capped at 30s.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		MaxJitter:    time.Second,
		Multiplier:   2.0,
	}
}

// Outcome classifies the result of one attempt.
type Outcome int

const (
	// Ok means the attempt succeeded.
	Ok Outcome = iota
	// Retryable means the attempt failed with a transient error and may be repeated.
	Retryable
	// Fatal means the attempt failed and repeating it cannot help.
	Fatal
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case Ok:
		return "ok"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// fatalError marks an error as not worth retrying.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// IsRetryable implements RetryableError.
func (e *fatalError) IsRetryable() bool { return false }

// MarkFatal wraps err so that Classify reports Fatal for it.
func MarkFatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// RetryableError is an interface for errors that explicitly declare their retryability.
// LLM errors implement this interface to provide explicit retry behavior.
type RetryableError interface {
	error
	IsRetryable() bool
}

// Classify maps an attempt's error to an Outcome. It is a pure function of err:
// nil is Ok, context cancellation and errors declaring IsRetryable()==false are Fatal,
// everything else is Retryable.
func Classify(err error) Outcome {
	if err == nil {
		return Ok
	}
	if errors.Is(err, context.Canceled) {
		return Fatal
	}
	var r RetryableError
	if errors.As(err, &r) && !r.IsRetryable() {
		return Fatal
	}
	return Retryable
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Operation string
	Attempts  int
	Last      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts. Last error: %v", e.Operation, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Backoff returns the wait before attempt number attempt+1, where attempt starts at 1.
func Backoff(cfg *Config, attempt int) time.Duration {
	base := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	delay := time.Duration(base)
	if cfg.MaxJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(cfg.MaxJitter)))
	}
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}

// Do executes fn until it succeeds, fails fatally, or MaxAttempts is reached.
// Respects context cancellation during wait periods.
func Do(ctx context.Context, cfg *Config, operation string, fn func(ctx context.Context) error) error {
	_, err := DoWithResult(ctx, cfg, operation, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoWithResult executes fn and returns its result, retrying Retryable outcomes.
// A Fatal outcome is returned immediately without wrapping.
func DoWithResult[T any](ctx context.Context, cfg *Config, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var zero T
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := fn(ctx)
		switch Classify(err) {
		case Ok:
			return result, nil
		case Fatal:
			return zero, err
		}
		lastErr = err

		if attempt < attempts {
			select {
			case <-time.After(Backoff(cfg, attempt)):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
	}

	return zero, &ExhaustedError{Operation: operation, Attempts: attempts, Last: lastErr}
}

// IsRetryable determines if an error looks transient, for callers outside the Do loop
// that want to decide whether to surface an error or try again later.
//
// The function checks errors in this order:
// 1. If the error implements RetryableError interface, use its IsRetryable() method
// 2. Otherwise, pattern-match against known retryable error strings
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var r RetryableError
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		// Connection errors
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"timeout",
		"timed out",
		"temporary failure",
		"too many connections",
		"deadlock",
		"i/o timeout",
		"network is unreachable",
		// HTTP status codes
		"429",
		"500",
		"502",
		"503",
		"504",
		"rate limit",
		"service unavailable",
		"too many requests",
		"resource exhausted",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
