package llm

import (
	"context"
	"sync"
)

// MockCall records one Complete invocation.
type MockCall struct {
	SystemInstruction string
	UserPrompt        string
}

// MockGateway is a configurable Gateway for tests.
// Set CompleteFunc to control behavior; calls are recorded in order.
type MockGateway struct {
	// CompleteFunc is called when Complete is invoked.
	// If nil, returns "{}" and nil error.
	CompleteFunc func(ctx context.Context, systemInstruction, userPrompt string) (string, error)

	// Model is returned by GetModel. Defaults to "mock-model".
	Model string

	mu    sync.Mutex
	calls []MockCall
}

// NewMockGateway creates a new mock with sensible defaults.
func NewMockGateway() *MockGateway {
	return &MockGateway{Model: "mock-model"}
}

// Complete implements Gateway.
func (m *MockGateway) Complete(ctx context.Context, systemInstruction string, userPrompt string) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{SystemInstruction: systemInstruction, UserPrompt: userPrompt})
	fn := m.CompleteFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, systemInstruction, userPrompt)
	}
	return "{}", nil
}

// GetModel implements Gateway.
func (m *MockGateway) GetModel() string {
	if m.Model == "" {
		return "mock-model"
	}
	return m.Model
}

// Calls returns a copy of the recorded calls.
func (m *MockGateway) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times Complete was invoked.
func (m *MockGateway) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
