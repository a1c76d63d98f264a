package main

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/real2ai/contract-cli/internal/analyzer"
	"github.com/real2ai/contract-cli/internal/config"
	"github.com/real2ai/contract-cli/internal/cost"
	"github.com/real2ai/contract-cli/internal/llm"
	"github.com/real2ai/contract-cli/internal/pack"
	"github.com/real2ai/contract-cli/internal/resilience"
	"github.com/real2ai/contract-cli/internal/workflow"
	anthropicpkg "github.com/real2ai/contract-cli/pkg/anthropic"
	"github.com/real2ai/contract-cli/pkg/gemini"
)

// engine is a loaded pack wired to the LLM providers.
type engine struct {
	Pack         *pack.Pack
	Limiter      *llm.Limiter
	Orchestrator *workflow.Orchestrator
}

// newInvoker routes claude-* and gemini-* models to their providers behind a
// shared limiter. A provider without a key gets no route.
func newInvoker(ctx context.Context, c *config.Config) (*llm.Limiter, error) {
	router := llm.NewRouter()

	if c.Anthropic.Key != "" {
		var opts []option.RequestOption
		if c.Anthropic.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(c.Anthropic.BaseURL))
		}
		client := anthropicpkg.NewClient(c.Anthropic.Key, opts...)
		router.Handle("claude", llm.NewAnthropic(client, c.Anthropic.CacheTTL))
	}

	if c.Gemini.Key != "" {
		client, err := gemini.NewClient(ctx, gemini.Config{
			APIKey:  c.Gemini.Key,
			BaseURL: c.Gemini.BaseURL,
		})
		if err != nil {
			return nil, eris.Wrap(err, "init gemini")
		}
		router.Handle("gemini", llm.NewGemini(client))
	}

	breakers := resilience.NewServiceBreakers(
		resilience.FromCircuitConfig(c.LLM.CircuitThreshold, c.LLM.CircuitResetSecs))

	zap.L().Debug("llm providers configured", zap.Strings("prefixes", router.Prefixes()))

	return llm.NewLimiter(router, llm.LimiterConfig{
		MaxInFlight:       c.LLM.MaxInFlight,
		RequestsPerSecond: c.LLM.RequestsPerSecond,
		Burst:             c.LLM.Burst,
		Breakers:          breakers,
	}), nil
}

// analyzerOptions maps workflow and llm config onto per-node options.
func analyzerOptions(c *config.Config) analyzer.Options {
	return analyzer.Options{
		Retry: resilience.FromWorkflowConfig(
			c.Workflow.MaxRetries, c.Workflow.InitialBackoff, c.Workflow.MaxBackoff, c.Workflow.NodeTimeout),
		DefaultModel: c.LLM.DefaultModel,
		MaxTokens:    c.LLM.MaxTokens,
	}
}

// newEngine loads the pack (packDir overrides workflow.pack_dir) and builds
// the orchestrator. extra options are applied after the config-derived ones.
func newEngine(ctx context.Context, c *config.Config, packDir string, extra ...workflow.Option) (*engine, error) {
	if packDir == "" {
		packDir = c.Workflow.PackDir
	}
	p, err := pack.Open(packDir)
	if err != nil {
		return nil, err
	}

	limiter, err := newInvoker(ctx, c)
	if err != nil {
		return nil, err
	}

	opts := []workflow.Option{
		workflow.WithCostCalculator(cost.NewCalculator(c.Pricing)),
		workflow.WithMaxConcurrency(c.Workflow.MaxConcurrency),
		workflow.WithRunTimeout(c.Workflow.RunTimeout),
	}
	opts = append(opts, extra...)

	orch, err := p.Orchestrator(limiter, analyzerOptions(c), opts...)
	if err != nil {
		return nil, err
	}

	zap.L().Info("workflow pack loaded",
		zap.String("pack", p.Manifest.Name),
		zap.String("version", p.Manifest.Version),
		zap.Int("nodes", p.Graph.Len()),
		zap.Strings("models", p.Models(c.LLM.DefaultModel)),
	)
	return &engine{Pack: p, Limiter: limiter, Orchestrator: orch}, nil
}
