package llm

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Supported gateway providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// NewGateway creates the provider-specific client named by cfg.Provider and wraps it
// in a circuit breaker. An empty provider selects the OpenAI-compatible client.
func NewGateway(cfg *Config, breaker CircuitBreakerConfig, logger *zap.Logger) (Gateway, error) {
	var (
		inner Gateway
		err   error
	)

	switch strings.ToLower(cfg.Provider) {
	case "", ProviderOpenAI:
		inner, err = NewClient(cfg, logger)
	case ProviderAnthropic:
		inner, err = NewAnthropicClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", cfg.Provider, err)
	}

	return NewGuardedGateway(inner, NewCircuitBreaker(breaker), logger), nil
}
