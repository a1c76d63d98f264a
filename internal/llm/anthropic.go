package llm

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/real2ai/contract-cli/internal/model"
	"github.com/real2ai/contract-cli/internal/resilience"
	"github.com/real2ai/contract-cli/pkg/anthropic"
)

const defaultMaxTokens = 4096

// Anthropic invokes Claude models.
type Anthropic struct {
	client   anthropic.Client
	cacheTTL string
}

// NewAnthropic creates an Anthropic invoker. A non-empty cacheTTL marks the
// system prompt as cacheable ("5m" or "1h").
func NewAnthropic(client anthropic.Client, cacheTTL string) *Anthropic {
	return &Anthropic{client: client, cacheTTL: cacheTTL}
}

// Invoke sends req as a single user message. A refusal is returned as a
// PermanentError together with the response so its usage is still counted.
func (a *Anthropic) Invoke(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	mr := anthropic.MessageRequest{
		Model:       req.Model,
		MaxTokens:   int64(maxTokens),
		Messages:    []anthropic.Message{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
	}
	if req.System != "" {
		if a.cacheTTL != "" {
			mr.System = anthropic.BuildCachedSystemBlocks(req.System, a.cacheTTL)
		} else {
			mr.System = []anthropic.SystemBlock{{Text: req.System}}
		}
	}

	resp, err := a.client.CreateMessage(ctx, mr)
	if err != nil {
		return nil, resilience.ClassifyStatus(err, anthropic.StatusCode(err))
	}

	out := &Response{
		Text:  resp.Text(),
		Model: resp.Model,
		Usage: model.TokenUsage{
			InputTokens:         int(resp.Usage.InputTokens),
			OutputTokens:        int(resp.Usage.OutputTokens),
			CacheCreationTokens: int(resp.Usage.CacheCreationInputTokens),
			CacheReadTokens:     int(resp.Usage.CacheReadInputTokens),
		},
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	if resp.Refused() {
		return out, resilience.NewPermanentError(
			eris.Errorf("anthropic: model %s refused the request", out.Model), "content policy")
	}
	return out, nil
}
