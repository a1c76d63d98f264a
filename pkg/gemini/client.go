// Package gemini wraps google.golang.org/genai behind a small interface used
// by analyzer nodes that run on Gemini models.
package gemini

import (
	"context"
	"net/http"
	"regexp"
	"strconv"

	"github.com/rotisserie/eris"
	"google.golang.org/genai"
)

// Client defines the Gemini operations used by analyzer nodes.
type Client interface {
	GenerateContent(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
}

// GenerateRequest is a single-turn generation request.
type GenerateRequest struct {
	Model           string
	System          string
	Prompt          string
	MaxOutputTokens int32
	Temperature     *float32
	// JSON asks the model for an application/json response body.
	JSON bool
}

// GenerateResponse is our own response type for GenerateContent.
type GenerateResponse struct {
	Text         string
	Model        string
	FinishReason string
	BlockReason  string
	Usage        TokenUsage
}

// Blocked reports whether the prompt or the answer was stopped by a safety
// or policy filter.
func (r *GenerateResponse) Blocked() bool {
	if r.BlockReason != "" {
		return true
	}
	switch r.FinishReason {
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST", "SPII", "IMAGE_SAFETY":
		return true
	}
	return false
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	PromptTokens int32
	OutputTokens int32
	CachedTokens int32
}

// Config configures the SDK client. BaseURL and HTTPClient are for tests and
// proxies.
type Config struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

type sdkClient struct {
	client *genai.Client
}

// NewClient creates a Gemini API client.
func NewClient(ctx context.Context, cfg Config) (Client, error) {
	if cfg.APIKey == "" {
		return nil, eris.New("gemini: api key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: create client")
	}
	return &sdkClient{client: client}, nil
}

func (c *sdkClient) GenerateContent(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	gc := &genai.GenerateContentConfig{
		MaxOutputTokens: req.MaxOutputTokens,
		Temperature:     req.Temperature,
	}
	if req.System != "" {
		gc.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.JSON {
		gc.ResponseMIMEType = "application/json"
	}

	resp, err := c.client.Models.GenerateContent(ctx, req.Model, genai.Text(req.Prompt), gc)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: generate content")
	}
	return fromSDKResponse(req.Model, resp), nil
}

func fromSDKResponse(model string, resp *genai.GenerateContentResponse) *GenerateResponse {
	out := &GenerateResponse{
		Text:  resp.Text(),
		Model: model,
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		out.FinishReason = string(resp.Candidates[0].FinishReason)
	}
	if resp.PromptFeedback != nil {
		out.BlockReason = string(resp.PromptFeedback.BlockReason)
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = TokenUsage{
			PromptTokens: u.PromptTokenCount,
			OutputTokens: u.CandidatesTokenCount,
			CachedTokens: u.CachedContentTokenCount,
		}
	}
	return out
}

var statusPattern = regexp.MustCompile(`Error (\d{3}),`)

// StatusCode extracts the HTTP status from a Gemini API error message, or 0.
func StatusCode(err error) int {
	if err == nil {
		return 0
	}
	m := statusPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0
	}
	code, _ := strconv.Atoi(m[1])
	return code
}
