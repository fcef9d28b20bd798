package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState represents the current state of the circuit breaker.
type CircuitState int

const (
	// CircuitClosed means calls flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the gateway failed repeatedly and calls are rejected.
	CircuitOpen
	// CircuitHalfOpen means a single probe call is in flight.
	CircuitHalfOpen
)

// String returns a human-readable string for the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker.
type CircuitBreakerConfig struct {
	// Threshold is the number of consecutive failures before the circuit trips.
	Threshold int
	// ResetAfter is how long the circuit stays open before a probe is allowed.
	ResetAfter time.Duration
}

// DefaultCircuitBreakerConfig trips after 5 consecutive failures and probes after 30s.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Threshold:  5,
		ResetAfter: 30 * time.Second,
	}
}

// CircuitBreaker trips open after N consecutive gateway failures and resets after a timeout.
type CircuitBreaker struct {
	mu               sync.Mutex
	consecutiveFails int
	threshold        int
	resetAfter       time.Duration
	lastFailure      time.Time
	state            CircuitState
	now              func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.Threshold < 1 {
		config.Threshold = DefaultCircuitBreakerConfig().Threshold
	}
	return &CircuitBreaker{
		threshold:  config.Threshold,
		resetAfter: config.ResetAfter,
		state:      CircuitClosed,
		now:        time.Now,
	}
}

// Allow reports whether a call may proceed. An open circuit moves to half-open once
// ResetAfter has elapsed and lets exactly one probe through.
func (cb *CircuitBreaker) Allow() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true, nil
	case CircuitOpen:
		if cb.now().Sub(cb.lastFailure) > cb.resetAfter {
			cb.state = CircuitHalfOpen
			return true, nil
		}
		return false, fmt.Errorf("circuit breaker open: model gateway failed %d times, last failure %v ago",
			cb.consecutiveFails, cb.now().Sub(cb.lastFailure).Round(time.Second))
	case CircuitHalfOpen:
		return false, fmt.Errorf("circuit breaker half-open: probing model gateway")
	default:
		return false, fmt.Errorf("circuit breaker in unknown state: %v", cb.state)
	}
}

// RecordSuccess resets the failure count and closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFails = 0
	cb.state = CircuitClosed
}

// RecordFailure increments the failure count and trips the circuit if threshold is reached.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFails++
	cb.lastFailure = cb.now()

	if cb.state == CircuitHalfOpen || cb.consecutiveFails >= cb.threshold {
		cb.state = CircuitOpen
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GuardedGateway rejects calls while its circuit breaker is open.
type GuardedGateway struct {
	inner   Gateway
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewGuardedGateway wraps inner with breaker.
func NewGuardedGateway(inner Gateway, breaker *CircuitBreaker, logger *zap.Logger) *GuardedGateway {
	return &GuardedGateway{
		inner:   inner,
		breaker: breaker,
		logger:  logger.Named("llm-breaker"),
	}
}

// Complete implements Gateway.
func (g *GuardedGateway) Complete(ctx context.Context, systemInstruction string, userPrompt string) (string, error) {
	if ok, err := g.breaker.Allow(); !ok {
		return "", NewError(ErrorTypeEndpoint, "gateway unavailable", false, err)
	}

	text, err := g.inner.Complete(ctx, systemInstruction, userPrompt)
	if err != nil {
		// Caller cancellation says nothing about gateway health.
		if ctx.Err() == nil {
			g.breaker.RecordFailure()
			if g.breaker.State() == CircuitOpen {
				g.logger.Warn("Circuit breaker open", zap.String("model", g.inner.GetModel()), zap.Error(err))
			}
		}
		return "", err
	}

	g.breaker.RecordSuccess()
	return text, nil
}

// GetModel returns the wrapped gateway's model.
func (g *GuardedGateway) GetModel() string {
	return g.inner.GetModel()
}
