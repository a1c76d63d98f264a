// Package llm is the provider-neutral LLM invocation layer used by analyzer
// nodes. Provider adapters translate SDK responses and classify failures as
// transient or permanent so the caller's retry policy can act on them.
package llm

import (
	"context"
	"strings"

	"github.com/real2ai/contract-cli/internal/model"
)

// Provider names used for routing, circuit breaking and logging.
const (
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// Request is a single-turn completion request.
type Request struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature *float64
	// JSON asks the provider for a JSON object response where supported.
	JSON bool
}

// Response is a completed LLM call.
type Response struct {
	Text  string
	Model string
	Usage model.TokenUsage
}

// Invoker performs one LLM call. Implementations must return an error that
// resilience.IsTransient classifies correctly; they never retry themselves.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, req Request) (*Response, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// ProviderFor names the provider serving a model id, or "" if none does.
func ProviderFor(modelID string) string {
	switch {
	case strings.HasPrefix(modelID, "claude"):
		return ProviderAnthropic
	case strings.HasPrefix(modelID, "gemini"):
		return ProviderGemini
	default:
		return ""
	}
}
