// Package workflow runs an analysis graph phase by phase: bounded fan-out
// inside a phase, a barrier between phases, dependency gating, partial
// failure degradation and a final cross-section validation.
package workflow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/real2ai/contract-cli/internal/analyzer"
	"github.com/real2ai/contract-cli/internal/cost"
	"github.com/real2ai/contract-cli/internal/graph"
	"github.com/real2ai/contract-cli/internal/model"
	"github.com/real2ai/contract-cli/internal/validation"
)

const defaultMaxConcurrency = 5

// ResultStore persists runs. store.Store implements it.
type ResultStore interface {
	CreateRun(ctx context.Context, run model.Run) error
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	SaveResult(ctx context.Context, result *model.WorkflowResult) error
}

// Orchestrator executes one graph. It holds no per-run state, so a single
// Orchestrator serves concurrent runs.
type Orchestrator struct {
	graph     *graph.Graph
	nodes     map[string]*analyzer.Node
	validator *validation.Validator
	sink      Sink
	costs     *cost.Calculator
	store     ResultStore

	maxConcurrency int
	runTimeout     time.Duration
	newID          func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSink sets the progress sink.
func WithSink(s Sink) Option { return func(o *Orchestrator) { o.sink = s } }

// WithCostCalculator sets the pricing used for run cost.
func WithCostCalculator(c *cost.Calculator) Option { return func(o *Orchestrator) { o.costs = c } }

// WithStore persists every run as it starts and finishes.
func WithStore(s ResultStore) Option { return func(o *Orchestrator) { o.store = s } }

// WithMaxConcurrency bounds in-flight nodes within a parallel phase.
func WithMaxConcurrency(n int) Option { return func(o *Orchestrator) { o.maxConcurrency = n } }

// WithRunTimeout bounds a whole run. Zero means no limit.
func WithRunTimeout(d time.Duration) Option { return func(o *Orchestrator) { o.runTimeout = d } }

// WithIDGenerator overrides run id generation.
func WithIDGenerator(fn func() string) Option { return func(o *Orchestrator) { o.newID = fn } }

// New creates an Orchestrator. nodes must contain a node for every graph id.
func New(g *graph.Graph, nodes []*analyzer.Node, v *validation.Validator, opts ...Option) (*Orchestrator, error) {
	if g == nil {
		return nil, eris.New("workflow: nil graph")
	}
	if v == nil {
		return nil, eris.New("workflow: nil validator")
	}

	byID := make(map[string]*analyzer.Node, len(nodes))
	for _, n := range nodes {
		if _, ok := g.Spec(n.ID()); !ok {
			return nil, eris.Errorf("workflow: node %q is not in the graph", n.ID())
		}
		byID[n.ID()] = n
	}
	for _, id := range g.NodeIDs() {
		if _, ok := byID[id]; !ok {
			return nil, eris.Errorf("workflow: graph node %q has no analyzer", id)
		}
	}

	o := &Orchestrator{
		graph:          g,
		nodes:          byID,
		validator:      v,
		sink:           discardSink{},
		costs:          cost.NewCalculator(cost.DefaultRates()),
		maxConcurrency: defaultMaxConcurrency,
		newID:          func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.maxConcurrency <= 0 {
		o.maxConcurrency = defaultMaxConcurrency
	}
	if o.sink == nil {
		o.sink = discardSink{}
	}
	return o, nil
}

// Graph returns the graph the orchestrator runs.
func (o *Orchestrator) Graph() *graph.Graph { return o.graph }

// Execute runs the graph for actx under a freshly generated run id.
func (o *Orchestrator) Execute(ctx context.Context, actx model.AnalysisContext) (*model.WorkflowResult, error) {
	return o.Run(ctx, o.newID(), actx)
}

// Preflight validates actx and renders every node, so configuration errors
// surface before any LLM call. Dependency outputs are not known yet; nodes
// that need them render against fallback stand-ins.
func (o *Orchestrator) Preflight(actx model.AnalysisContext) error {
	if err := actx.Validate(); err != nil {
		return eris.Wrap(err, "workflow: invalid analysis context")
	}
	for _, id := range o.graph.NodeIDs() {
		n := o.nodes[id]
		if err := n.CheckTemplate(); err != nil {
			return eris.Wrapf(err, "workflow: preflight node %q", id)
		}
		if _, _, err := n.Render(actx, o.standIns(n.Spec())); err != nil {
			return eris.Wrapf(err, "workflow: preflight node %q", id)
		}
	}
	return nil
}

// standIns returns a fallback output for every node spec may be given at run
// time: its declared dependencies and, for consumes_all nodes, every node of
// an earlier phase.
func (o *Orchestrator) standIns(spec analyzer.Spec) map[string]model.AnalyzerOutput {
	deps := make(map[string]model.AnalyzerOutput, len(spec.DependsOn))
	for _, dep := range spec.DependsOn {
		deps[dep] = analyzer.Fallback(dep, "preflight")
	}
	if !spec.ConsumesAll {
		return deps
	}
	for _, id := range o.graph.NodeIDs() {
		if other, _ := o.graph.Spec(id); other.Phase < spec.Phase {
			deps[id] = analyzer.Fallback(id, "preflight")
		}
	}
	return deps
}

// Run executes the graph under runID. Configuration errors abort the run
// with a nil result. When ctx is cancelled or the run times out, nodes that
// have not started are skipped, validation still runs, and the partial
// result is returned together with an error wrapping the context error.
func (o *Orchestrator) Run(ctx context.Context, runID string, actx model.AnalysisContext) (*model.WorkflowResult, error) {
	log := zap.L().With(zap.String("run_id", runID), zap.String("document_id", actx.DocumentID))

	if err := o.Preflight(actx); err != nil {
		log.Error("workflow: preflight failed", zap.Error(err))
		return nil, err
	}

	state := model.NewWorkflowState(runID, actx)
	for _, id := range o.graph.NodeIDs() {
		spec, _ := o.graph.Spec(id)
		if err := state.Register(id, spec.Phase, spec.Critical); err != nil {
			return nil, eris.Wrap(err, "workflow: register nodes")
		}
	}

	if o.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.runTimeout)
		defer cancel()
	}
	ctx, span := analyzer.StartSpan(ctx, "workflow.run",
		attribute.String("workflow.run_id", runID),
		attribute.String("workflow.jurisdiction", string(actx.Jurisdiction)),
	)

	r := &run{o: o, state: state, log: log, started: time.Now()}
	result := &model.WorkflowResult{RunID: runID, State: state, StartedAt: r.started}

	if o.store != nil {
		if err := o.store.CreateRun(context.WithoutCancel(ctx), model.Run{
			ID:           runID,
			DocumentID:   actx.DocumentID,
			Jurisdiction: actx.Jurisdiction,
			Status:       model.RunStatusRunning,
			CreatedAt:    r.started,
			UpdatedAt:    r.started,
		}); err != nil {
			log.Warn("workflow: failed to create run record", zap.Error(err))
		}
	}

	log.Info("workflow: starting run", zap.Int("nodes", o.graph.Len()))
	for _, phase := range o.graph.Phases() {
		r.advance(model.StagePhaseRunning)
		r.runPhase(ctx, phase)
	}

	r.advance(model.StageValidating)
	result.Validation = o.validator.Validate(state)
	state.Seal()
	r.advance(model.StageCompleted)

	result.TotalDuration = time.Since(r.started)
	result.Usage = state.Usage()
	result.CostUSD = result.Usage.Cost
	result.Status = model.RunStatusCompleted

	var runErr error
	if err := ctx.Err(); err != nil {
		result.Status = model.RunStatusCancelled
		runErr = eris.Wrap(err, "workflow: run cancelled")
	}

	o.sink.Publish(model.ProgressEvent{
		RunID:    runID,
		Kind:     model.ProgressRunCompleted,
		Duration: result.TotalDuration,
		At:       time.Now(),
	})

	counts := state.CountByStatus()
	log.Info("workflow: run complete",
		zap.String("status", string(result.Status)),
		zap.Int("succeeded", counts[model.NodeStatusSuccess]),
		zap.Int("findings", len(result.Validation.Findings)),
		zap.Bool("coherent", result.Validation.OverallCoherence),
		zap.Float64("cost_usd", result.CostUSD),
		zap.Int64("duration_ms", result.TotalDuration.Milliseconds()),
	)

	if o.store != nil {
		bg := context.WithoutCancel(ctx)
		if err := o.Persist(bg, result); err != nil {
			log.Warn("workflow: failed to persist result", zap.Error(err))
			// The stored run would otherwise stay "running" forever.
			if err := o.store.UpdateRunStatus(bg, runID, model.RunStatusFailed); err != nil {
				log.Warn("workflow: failed to mark run failed", zap.Error(err))
			}
		}
	}
	analyzer.EndSpanWithError(span, runErr)
	return result, runErr
}

// Persist saves result to the configured store.
func (o *Orchestrator) Persist(ctx context.Context, result *model.WorkflowResult) error {
	if o.store == nil {
		return eris.New("workflow: no store configured")
	}
	if result == nil {
		return eris.New("workflow: nil result")
	}
	if err := o.store.SaveResult(ctx, result); err != nil {
		return eris.Wrapf(err, "workflow: persist run %s", result.RunID)
	}
	return nil
}

// run is the per-run execution state.
type run struct {
	o       *Orchestrator
	state   *model.WorkflowState
	log     *zap.Logger
	started time.Time
	stage   model.Stage
}

func (r *run) advance(to model.Stage) {
	if to < r.stage {
		r.log.Error("workflow: stage regression ignored",
			zap.Stringer("from", r.stage), zap.Stringer("to", to))
		return
	}
	if to != r.stage {
		r.log.Debug("workflow: stage", zap.Stringer("stage", to))
	}
	r.stage = to
}

func (r *run) runPhase(ctx context.Context, phase graph.Phase) {
	start := time.Now()
	r.o.sink.Publish(model.ProgressEvent{
		RunID: r.state.RunID,
		Kind:  model.ProgressPhaseStarted,
		Phase: phase.Number,
		At:    start,
	})

	switch phase.Mode {
	case graph.ModeSequential:
		var done []string
		for _, spec := range phase.Nodes {
			r.runNode(ctx, spec, done)
			done = append(done, spec.ID)
		}
	default:
		var g errgroup.Group
		g.SetLimit(r.o.maxConcurrency)
		for _, spec := range phase.Nodes {
			g.Go(func() error {
				r.runNode(ctx, spec, nil)
				return nil
			})
		}
		_ = g.Wait()
	}

	duration := time.Since(start)
	r.o.sink.Publish(model.ProgressEvent{
		RunID:    r.state.RunID,
		Kind:     model.ProgressPhaseCompleted,
		Phase:    phase.Number,
		Duration: duration,
		At:       time.Now(),
	})
	r.log.Info("workflow: phase complete",
		zap.Int("phase", phase.Number),
		zap.String("name", phase.Name),
		zap.Int64("duration_ms", duration.Milliseconds()),
	)
}

// runNode drives one node to a terminal status. samePhase lists nodes of
// the current sequential phase that have already finished.
func (r *run) runNode(ctx context.Context, spec analyzer.Spec, samePhase []string) {
	id := spec.ID
	log := r.log.With(zap.String("node", id), zap.Int("phase", spec.Phase))

	if err := ctx.Err(); err != nil {
		r.complete(log, id, model.NodeStatusSkippedCancelled, model.Completion{
			At:            time.Now(),
			ErrorKind:     model.ErrorKindCancelled,
			SkippedReason: "run cancelled before node started",
		})
		return
	}

	deps, reason, ok := r.gather(spec, samePhase)
	if !ok {
		c := model.Completion{At: time.Now(), SkippedReason: reason}
		if !spec.Critical {
			fb := analyzer.Fallback(id, reason)
			c.Output = &fb
		}
		r.complete(log, id, model.NodeStatusSkippedDependency, c)
		return
	}

	if err := r.state.Start(id, time.Now()); err != nil {
		log.Error("workflow: cannot start node", zap.Error(err))
		return
	}

	res, err := r.o.nodes[id].Run(ctx, r.state.Context, deps)
	usage := res.Usage
	usage.Cost = r.o.costs.Usage(res.Model, usage)
	c := model.Completion{
		At:       res.EndedAt,
		Attempts: res.Attempts,
		Model:    res.Model,
		Usage:    usage,
	}
	if c.At.IsZero() {
		c.At = time.Now()
	}

	if err == nil {
		c.Output = res.Output
		r.complete(log, id, model.NodeStatusSuccess, c)
		return
	}

	c.Err = err
	c.ErrorKind = analyzer.KindOf(err)
	if c.ErrorKind == "" {
		c.ErrorKind = model.ErrorKindPermanent
	}
	switch {
	case c.ErrorKind == model.ErrorKindCancelled:
		c.SkippedReason = "run cancelled"
		r.complete(log, id, model.NodeStatusSkippedCancelled, c)
	case spec.Critical:
		r.complete(log, id, model.NodeStatusFailed, c)
	default:
		c.SkippedReason = fmt.Sprintf("degraded: %s", c.ErrorKind)
		fb := analyzer.Fallback(id, c.SkippedReason)
		c.Output = &fb
		r.complete(log, id, model.NodeStatusSkippedError, c)
	}
}

// gather collects dependency outputs. A critical dependency without a
// successful output gates the node; a non-critical one contributes its
// fallback. Nodes that consume everything also see every usable output of
// earlier phases and of samePhase.
func (r *run) gather(spec analyzer.Spec, samePhase []string) (map[string]model.AnalyzerOutput, string, bool) {
	deps := make(map[string]model.AnalyzerOutput, len(spec.DependsOn))

	var blocked []string
	for _, depID := range spec.DependsOn {
		rec, _ := r.state.Record(depID)
		depSpec, _ := r.o.graph.Spec(depID)

		if rec.Status == model.NodeStatusSuccess && rec.Output != nil {
			deps[depID] = *rec.Output
			continue
		}
		if depSpec.Critical {
			blocked = append(blocked, fmt.Sprintf("%s (%s)", depID, rec.Status))
			continue
		}
		if out, ok := rec.UsableOutput(); ok {
			deps[depID] = out
		} else {
			deps[depID] = analyzer.Fallback(depID, fmt.Sprintf("dependency %s", rec.Status))
		}
	}
	if len(blocked) > 0 {
		sort.Strings(blocked)
		return nil, fmt.Sprintf("critical dependency not successful: %v", blocked), false
	}

	if spec.ConsumesAll {
		visible := make(map[string]bool, len(samePhase))
		for _, id := range samePhase {
			visible[id] = true
		}
		for _, id := range r.o.graph.NodeIDs() {
			if _, have := deps[id]; have || id == spec.ID {
				continue
			}
			// Records of the running phase may still be written by other
			// goroutines; only finished ones are read.
			if other, _ := r.o.graph.Spec(id); other.Phase >= spec.Phase && !visible[id] {
				continue
			}
			if out, ok := r.state.Output(id); ok {
				deps[id] = out
			}
		}
	}
	return deps, "", true
}

func (r *run) complete(log *zap.Logger, id string, status model.NodeStatus, c model.Completion) {
	if err := r.state.Complete(id, status, c); err != nil {
		log.Error("workflow: cannot complete node", zap.Error(err))
		return
	}
	rec, _ := r.state.Record(id)

	r.o.sink.Publish(model.ProgressEvent{
		RunID:    r.state.RunID,
		Kind:     model.ProgressNodeCompleted,
		NodeID:   id,
		Phase:    rec.Phase,
		Status:   status,
		Attempts: rec.Attempts,
		Duration: rec.Duration(),
		At:       time.Now(),
	})

	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.Int("attempts", rec.Attempts),
		zap.Int64("duration_ms", rec.Duration().Milliseconds()),
	}
	switch status {
	case model.NodeStatusSuccess:
		log.Info("workflow: node complete", append(fields,
			zap.String("model", rec.Model),
			zap.Int("input_tokens", rec.Usage.InputTokens),
			zap.Int("output_tokens", rec.Usage.OutputTokens),
		)...)
	case model.NodeStatusFailed:
		log.Error("workflow: node failed", append(fields, zap.String("error", rec.Error))...)
	default:
		log.Warn("workflow: node not completed", append(fields,
			zap.String("reason", rec.SkippedReason),
			zap.String("error", rec.Error),
		)...)
	}
}
