// Package llm provides the language-model gateway used by schema inference and
// query analysis, plus helpers for turning free-form model output into JSON.
package llm

import (
	"context"
)

// Gateway is a single-turn text completion service. No conversation state is kept
// between calls; callers always ask for JSON and must parse the reply defensively.
type Gateway interface {
	// Complete sends a system instruction and a user prompt and returns the raw reply text.
	Complete(ctx context.Context, systemInstruction string, userPrompt string) (string, error)

	// GetModel returns the configured model name.
	GetModel() string
}

// JSONOnlyInstruction is appended to every system instruction.
const JSONOnlyInstruction = "IMPORTANT: Respond ONLY with valid JSON. Do not include any explanation or additional text."

// withJSONInstruction joins the caller's system instruction with JSONOnlyInstruction.
func withJSONInstruction(systemInstruction string) string {
	if systemInstruction == "" {
		return JSONOnlyInstruction
	}
	return systemInstruction + "\n\n" + JSONOnlyInstruction
}

// Ensure implementations satisfy Gateway at compile time.
var (
	_ Gateway = (*Client)(nil)
	_ Gateway = (*AnthropicClient)(nil)
	_ Gateway = (*GuardedGateway)(nil)
	_ Gateway = (*MockGateway)(nil)
)
