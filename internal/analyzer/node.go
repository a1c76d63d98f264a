package analyzer

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/real2ai/contract-cli/internal/llm"
	"github.com/real2ai/contract-cli/internal/model"
	"github.com/real2ai/contract-cli/internal/prompt"
	"github.com/real2ai/contract-cli/internal/resilience"
	"github.com/real2ai/contract-cli/internal/schema"
)

// DependenciesKey is the template variable holding every dependency output
// keyed by node id.
const DependenciesKey = "dependencies"

// Renderer resolves prompt templates. *prompt.Registry implements it.
type Renderer interface {
	Render(templateID string, vars map[string]any) (string, error)
	RenderSystem(templateID string) (string, error)
}

// Options are the run-wide settings applied to every node.
type Options struct {
	Retry        resilience.RetryPolicy
	DefaultModel string
	MaxTokens    int
}

// Result describes one Run call. Attempts, timing, model and usage are
// filled in even when Run returns an error.
type Result struct {
	NodeID    string
	Output    *model.AnalyzerOutput
	Attempts  int
	StartedAt time.Time
	EndedAt   time.Time
	Model     string
	Usage     model.TokenUsage
}

// Duration is the wall time of the run.
func (r Result) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// Node is a configured analyzer ready to run. A Node holds no per-run state
// and may be shared by concurrent runs.
type Node struct {
	spec    Spec
	prompts Renderer
	schema  *schema.Schema
	invoker llm.Invoker
	opts    Options
}

// NewNode binds a spec to its collaborators.
func NewNode(spec Spec, prompts Renderer, s *schema.Schema, inv llm.Invoker, opts Options) *Node {
	return &Node{spec: spec, prompts: prompts, schema: s, invoker: inv, opts: opts}
}

// Spec returns the node's declaration.
func (n *Node) Spec() Spec { return n.spec }

// ID returns the node id.
func (n *Node) ID() string { return n.spec.ID }

// Model returns the model the node calls.
func (n *Node) Model() string {
	if n.spec.Model != "" {
		return n.spec.Model
	}
	return n.opts.DefaultModel
}

// CheckTemplate fails with a *prompt.TemplateNotFoundError when the node's
// template is not registered.
func (n *Node) CheckTemplate() error {
	_, err := n.prompts.RenderSystem(n.spec.Template)
	return err
}

// Render produces the system and user prompts for actx and deps.
func (n *Node) Render(actx model.AnalysisContext, deps map[string]model.AnalyzerOutput) (system, user string, err error) {
	vars := actx.Vars()
	all := make(map[string]any, len(deps))
	for id, out := range deps {
		v := OutputVars(out)
		vars[id] = v
		all[id] = v
	}
	vars[DependenciesKey] = all

	system, err = n.prompts.RenderSystem(n.spec.Template)
	if err != nil {
		return "", "", err
	}
	user, err = n.prompts.Render(n.spec.Template, vars)
	if err != nil {
		return "", "", err
	}
	return system, user, nil
}

// OutputVars exposes an analyzer output to templates.
func OutputVars(out model.AnalyzerOutput) map[string]any {
	fields := out.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	return map[string]any{
		"node_id":        out.NodeID,
		"fields":         fields,
		"confidence":     out.Confidence,
		"risks":          out.Risks,
		"skipped_reason": out.SkippedReason,
		"degraded":       out.IsFallback(),
	}
}

// Run executes the node. deps must hold an output for every declared
// dependency; extra entries are passed to the template as well.
func (n *Node) Run(ctx context.Context, actx model.AnalysisContext, deps map[string]model.AnalyzerOutput) (Result, error) {
	res := Result{NodeID: n.spec.ID, StartedAt: time.Now(), Model: n.Model()}
	finish := func(err error) (Result, error) {
		res.EndedAt = time.Now()
		return res, err
	}

	if missing := n.missingDeps(deps); len(missing) > 0 {
		return finish(&Error{
			NodeID: n.spec.ID,
			Kind:   KindDependencyMissing,
			Err:    eris.Errorf("no output for dependencies %v", missing),
		})
	}

	system, user, err := n.Render(actx, deps)
	if err != nil {
		return finish(&Error{NodeID: n.spec.ID, Kind: KindConfiguration, Err: err})
	}

	req := llm.Request{
		Model:       res.Model,
		System:      system,
		Prompt:      user,
		MaxTokens:   n.spec.MaxTokens,
		Temperature: n.spec.Temperature,
		JSON:        true,
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = n.opts.MaxTokens
	}

	policy := n.opts.Retry
	policy.ShouldRetry = Retryable
	if policy.OnRetry == nil {
		policy.OnRetry = resilience.RetryLogger("llm", n.spec.ID)
	}

	out, attempts, err := resilience.DoVal(ctx, policy, func(attemptCtx context.Context, attempt int) (*model.AnalyzerOutput, error) {
		return n.attempt(attemptCtx, attempt, req, &res)
	})
	res.Attempts = attempts
	if err != nil {
		return finish(n.classify(ctx, attempts, err))
	}

	out.NodeID = n.spec.ID
	res.Output = out
	return finish(nil)
}

func (n *Node) attempt(ctx context.Context, attempt int, req llm.Request, res *Result) (*model.AnalyzerOutput, error) {
	ctx, span := StartSpan(ctx, "analyzer.attempt",
		attribute.String("analyzer.node", n.spec.ID),
		attribute.Int("analyzer.attempt", attempt+1),
		attribute.String("llm.model", req.Model),
	)

	resp, err := n.invoker.Invoke(ctx, req)
	if resp != nil {
		res.Usage.Add(resp.Usage)
		if resp.Model != "" {
			res.Model = resp.Model
		}
	}
	if err != nil {
		EndSpanWithError(span, err)
		return nil, err
	}

	out, err := schema.ValidateText(resp.Text, n.schema)
	if err != nil {
		zap.L().Debug("analyzer: response rejected",
			zap.String("node", n.spec.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	span.SetAttributes(
		attribute.Int("llm.input_tokens", res.Usage.InputTokens),
		attribute.Int("llm.output_tokens", res.Usage.OutputTokens),
	)
	EndSpanWithError(span, err)
	return out, err
}

func (n *Node) classify(ctx context.Context, attempts int, err error) error {
	switch {
	case attempts == 0 && ctx.Err() != nil:
		return &Error{NodeID: n.spec.ID, Kind: KindCancelled, Err: err}
	case Retryable(err) && ctx.Err() != nil:
		return &Error{NodeID: n.spec.ID, Kind: KindCancelled,
			Err: eris.Wrapf(err, "cancelled after %d attempts", attempts)}
	case Retryable(err):
		return &Error{NodeID: n.spec.ID, Kind: KindPermanent,
			Err: eris.Wrapf(err, "retries exhausted after %d attempts", attempts)}
	default:
		return &Error{NodeID: n.spec.ID, Kind: KindPermanent, Err: err}
	}
}

func (n *Node) missingDeps(deps map[string]model.AnalyzerOutput) []string {
	var missing []string
	for _, id := range n.spec.DependsOn {
		if _, ok := deps[id]; !ok {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	return missing
}

// Retryable reports whether a failed attempt should be retried: transient
// provider errors and responses that did not match the schema.
func Retryable(err error) bool {
	if prompt.IsConfiguration(err) {
		return false
	}
	var pe *resilience.PermanentError
	if errors.As(err, &pe) {
		return false
	}
	return errors.Is(err, schema.ErrSchemaMismatch) || resilience.IsTransient(err)
}
