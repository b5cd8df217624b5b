// Package oracle abstracts the LLM used for retention decisions.
package oracle

import "context"

// Oracle produces raw model output for a system prompt and user prompt.
// Callers must treat the returned text as untrusted and parse defensively.
type Oracle interface {
	Evaluate(ctx context.Context, system, prompt string) (string, error)
}

// Func adapts a plain function to the Oracle interface. Useful in tests.
type Func func(ctx context.Context, system, prompt string) (string, error)

func (f Func) Evaluate(ctx context.Context, system, prompt string) (string, error) {
	return f(ctx, system, prompt)
}
