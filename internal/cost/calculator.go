package cost

import (
	"strings"

	"github.com/real2ai/contract-cli/internal/model"
)

// Rates holds per-provider pricing configuration.
type Rates struct {
	Anthropic map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	Gemini    map[string]ModelRate `yaml:"gemini" mapstructure:"gemini"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Claude computes the cost for a Claude API call.
func (c *Calculator) Claude(modelID string, input, output, cacheWrite, cacheRead int) float64 {
	rate, ok := lookup(c.rates.Anthropic, modelID)
	if !ok {
		return 0
	}

	inCost := (float64(input) / 1e6) * rate.Input
	outCost := (float64(output) / 1e6) * rate.Output
	cwCost := (float64(cacheWrite) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(cacheRead) / 1e6) * rate.Input * rate.CacheReadMul

	return inCost + outCost + cwCost + crCost
}

// Gemini computes the cost for a Gemini API call. Cached tokens are a subset
// of input tokens and are billed at the cache read rate instead.
func (c *Calculator) Gemini(modelID string, input, output, cached int) float64 {
	rate, ok := lookup(c.rates.Gemini, modelID)
	if !ok {
		return 0
	}
	if cached > input {
		cached = input
	}

	inCost := (float64(input-cached) / 1e6) * rate.Input
	outCost := (float64(output) / 1e6) * rate.Output
	crCost := (float64(cached) / 1e6) * rate.Input * rate.CacheReadMul

	return inCost + outCost + crCost
}

// Usage prices one node's token usage, picking the provider from the model
// name. Unknown models cost 0.
func (c *Calculator) Usage(modelID string, u model.TokenUsage) float64 {
	switch {
	case strings.HasPrefix(modelID, "claude"):
		return c.Claude(modelID, u.InputTokens, u.OutputTokens, u.CacheCreationTokens, u.CacheReadTokens)
	case strings.HasPrefix(modelID, "gemini"):
		return c.Gemini(modelID, u.InputTokens, u.OutputTokens, u.CacheReadTokens)
	default:
		return 0
	}
}

// lookup matches the exact model id first, then the longest configured id
// that prefixes it ("gemini-2.5-flash" prices "gemini-2.5-flash-001").
func lookup(rates map[string]ModelRate, modelID string) (ModelRate, bool) {
	if r, ok := rates[modelID]; ok {
		return r, true
	}
	var (
		best    ModelRate
		bestLen int
	)
	for id, r := range rates {
		if len(id) > bestLen && strings.HasPrefix(modelID, id) {
			best, bestLen = r, len(id)
		}
	}
	return best, bestLen > 0
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {
				Input: 1.00, Output: 5.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-sonnet-4-5-20250929": {
				Input: 3.00, Output: 15.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-opus-4-6": {
				Input: 15.00, Output: 75.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
		Gemini: map[string]ModelRate{
			"gemini-2.5-flash": {
				Input: 0.30, Output: 2.50, CacheReadMul: 0.25,
			},
			"gemini-2.5-pro": {
				Input: 1.25, Output: 10.00, CacheReadMul: 0.25,
			},
		},
	}
}
