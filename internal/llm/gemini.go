package llm

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/real2ai/contract-cli/internal/model"
	"github.com/real2ai/contract-cli/internal/resilience"
	"github.com/real2ai/contract-cli/pkg/gemini"
)

// Gemini invokes Gemini models.
type Gemini struct {
	client gemini.Client
}

// NewGemini creates a Gemini invoker.
func NewGemini(client gemini.Client) *Gemini {
	return &Gemini{client: client}
}

// Invoke sends req as a single-turn generation. A safety block is returned
// as a PermanentError together with the response.
func (g *Gemini) Invoke(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	gr := gemini.GenerateRequest{
		Model:           req.Model,
		System:          req.System,
		Prompt:          req.Prompt,
		MaxOutputTokens: int32(maxTokens),
		JSON:            req.JSON,
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		gr.Temperature = &t
	}

	resp, err := g.client.GenerateContent(ctx, gr)
	if err != nil {
		return nil, resilience.ClassifyStatus(err, gemini.StatusCode(err))
	}

	out := &Response{
		Text:  resp.Text,
		Model: resp.Model,
		Usage: model.TokenUsage{
			InputTokens:     int(resp.Usage.PromptTokens),
			OutputTokens:    int(resp.Usage.OutputTokens),
			CacheReadTokens: int(resp.Usage.CachedTokens),
		},
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	if resp.Blocked() {
		reason := resp.BlockReason
		if reason == "" {
			reason = resp.FinishReason
		}
		return out, resilience.NewPermanentError(
			eris.Errorf("gemini: response blocked (%s)", reason), "content policy")
	}
	return out, nil
}
