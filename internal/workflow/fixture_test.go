package workflow

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/real2ai/contract-cli/internal/analyzer"
	"github.com/real2ai/contract-cli/internal/graph"
	"github.com/real2ai/contract-cli/internal/llm"
	"github.com/real2ai/contract-cli/internal/model"
	"github.com/real2ai/contract-cli/internal/prompt"
	"github.com/real2ai/contract-cli/internal/resilience"
	"github.com/real2ai/contract-cli/internal/schema"
	"github.com/real2ai/contract-cli/internal/validation"
)

const okJSON = `{"confidence": 0.8, "settlement_date": "30/04/2026", "deposit": "$85,000"}`

func testPhases() []graph.PhaseDef {
	return []graph.PhaseDef{
		{Number: 1, Name: "foundation", Mode: graph.ModeParallel},
		{Number: 2, Name: "dependent", Mode: graph.ModeParallel},
		{Number: 3, Name: "synthesis", Mode: graph.ModeSequential},
		{Number: 4, Name: "report", Mode: graph.ModeSequential},
	}
}

func testSpecs() []analyzer.Spec {
	return []analyzer.Spec{
		{ID: "parties_property", Phase: 1, Critical: true},
		{ID: "financial_terms", Phase: 1, Critical: true},
		{ID: "special_conditions", Phase: 1, Critical: true},
		{ID: "warranties", Phase: 1},
		{ID: "default_termination", Phase: 1},
		{ID: "settlement_logistics", Phase: 2, Critical: true, DependsOn: []string{"financial_terms", "special_conditions"}},
		{ID: "title_encumbrances", Phase: 2, DependsOn: []string{"parties_property"}},
		{ID: "adjustments_outgoings", Phase: 2, DependsOn: []string{"financial_terms"}},
		{ID: "disclosure_compliance", Phase: 2, DependsOn: []string{"parties_property", "special_conditions"}},
		{ID: "special_risks", Phase: 2, DependsOn: []string{"special_conditions", "warranties"}},
		{ID: "risk_aggregation", Phase: 3, Critical: true, ConsumesAll: true, DependsOn: []string{"financial_terms", "special_conditions"}},
		{ID: "compliance_summary", Phase: 3, ConsumesAll: true, DependsOn: []string{"disclosure_compliance"}},
		{ID: "recommendations", Phase: 4, ConsumesAll: true, DependsOn: []string{"risk_aggregation"}},
		{ID: "buyer_report", Phase: 4, ConsumesAll: true, DependsOn: []string{"risk_aggregation"}},
	}
}

// templateBody starts with "NODE <id>" so the scripted invoker can tell
// which node is calling.
func templateBody(s analyzer.Spec) string {
	var b strings.Builder
	b.WriteString("NODE " + s.ID + "\n{{ .jurisdiction }}\n")
	for _, dep := range s.DependsOn {
		b.WriteString(dep + " degraded={{ ." + dep + ".degraded }}\n")
	}
	if s.ConsumesAll {
		b.WriteString("SEEN {{ range $id, $out := .dependencies }}{{ $id }},{{ end }}\n")
	}
	return b.String()
}

func testSchemas() *schema.Schema {
	return &schema.Schema{
		ID: "generic",
		Fields: []schema.Field{
			{Name: "settlement_date", Type: schema.TypeDate},
			{Name: "deposit", Type: schema.TypeNumber},
		},
	}
}

func testRules() []validation.Rule {
	return []validation.Rule{
		{
			ID: "settlement_date", Kind: validation.KindDate, ToleranceDays: 0,
			References: []string{"financial_terms.settlement_date", "settlement_logistics.settlement_date", "$context.dates.settlement"},
		},
		{
			ID: "deposit_amount", Kind: validation.KindAmount,
			References: []string{"financial_terms.deposit", "$context.amounts.deposit"},
		},
	}
}

func nswContext() model.AnalysisContext {
	return model.AnalysisContext{
		DocumentID:   "doc-nsw-1",
		DocumentText: "Contract for the sale and purchase of land 2022 edition.",
		Jurisdiction: model.StateNSW,
		Entities: model.ExtractedEntities{
			Parties: []model.Party{{Name: "A Vendor", Role: "vendor"}, {Name: "B Purchaser", Role: "purchaser"}},
			Dates:   []model.ContractDate{{Kind: "settlement", Date: "2026-04-30"}},
			Amounts: []model.MonetaryAmount{{Kind: "deposit", Amount: 85000}, {Kind: "purchase_price", Amount: 850000}},
			Property: model.PropertyDetails{
				Address: "1 Example St, Newtown NSW 2042", LotNumber: "1", PlanNumber: "DP123456",
			},
		},
		Classification: model.ContractClassification{ContractType: "purchase_agreement", PurchaseMethod: "private_treaty"},
	}
}

// scripted is an llm.Invoker whose answers are chosen per node.
type scripted struct {
	mu      sync.Mutex
	calls   map[string]int
	prompts map[string]string
	starts  map[string]time.Time
	ends    map[string]time.Time
	respond func(ctx context.Context, node string, call int) (*llm.Response, error)
}

func newScripted(respond func(ctx context.Context, node string, call int) (*llm.Response, error)) *scripted {
	if respond == nil {
		respond = func(context.Context, string, int) (*llm.Response, error) { return answer(okJSON), nil }
	}
	return &scripted{
		calls:   make(map[string]int),
		prompts: make(map[string]string),
		starts:  make(map[string]time.Time),
		ends:    make(map[string]time.Time),
		respond: respond,
	}
}

func answer(text string) *llm.Response {
	return &llm.Response{
		Text:  text,
		Model: "claude-sonnet-4-5-20250929",
		Usage: model.TokenUsage{InputTokens: 1000, OutputTokens: 200},
	}
}

func (s *scripted) Invoke(ctx context.Context, req llm.Request) (*llm.Response, error) {
	first, _, _ := strings.Cut(req.Prompt, "\n")
	node := strings.TrimPrefix(first, "NODE ")

	s.mu.Lock()
	s.calls[node]++
	call := s.calls[node]
	s.prompts[node] = req.Prompt
	if _, ok := s.starts[node]; !ok {
		s.starts[node] = time.Now()
	}
	s.mu.Unlock()

	resp, err := s.respond(ctx, node, call)

	s.mu.Lock()
	s.ends[node] = time.Now()
	s.mu.Unlock()
	return resp, err
}

func (s *scripted) callCount(node string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[node]
}

func (s *scripted) prompt(node string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompts[node]
}

func (s *scripted) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

// recordingSink keeps every published event.
type recordingSink struct {
	mu     sync.Mutex
	events []model.ProgressEvent
}

func (r *recordingSink) Publish(ev model.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) snapshot() []model.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.ProgressEvent, len(r.events))
	copy(out, r.events)
	return out
}

type buildOpts struct {
	specs        []analyzer.Spec
	skipTemplate string
	// bodies replaces the generated template body of the named nodes.
	bodies map[string]string
}

func build(t *testing.T, inv llm.Invoker, bo buildOpts, opts ...Option) *Orchestrator {
	t.Helper()
	specs := bo.specs
	if specs == nil {
		specs = testSpecs()
	}

	var defs []prompt.Def
	for i := range specs {
		specs[i].Template = specs[i].ID
		specs[i].Schema = "generic"
		if specs[i].ID == bo.skipTemplate {
			specs[i].Template = "step2_" + specs[i].ID
			continue
		}
		body := templateBody(specs[i])
		if b, ok := bo.bodies[specs[i].ID]; ok {
			body = b
		}
		defs = append(defs, prompt.Def{
			ID:     specs[i].ID,
			System: "You review Australian property contracts.",
			Body:   body,
		})
	}
	reg, err := prompt.NewRegistry(nil, defs)
	require.NoError(t, err)

	g, err := graph.New(testPhases(), specs)
	require.NoError(t, err)

	v, err := validation.New(testRules(), g.NodeIDs())
	require.NoError(t, err)

	retry := resilience.FromWorkflowConfig(2, time.Millisecond, 2*time.Millisecond, time.Second)
	retry.OnRetry = func(int, time.Duration, error) {}

	var nodes []*analyzer.Node
	for _, s := range specs {
		nodes = append(nodes, analyzer.NewNode(s, reg, testSchemas(), inv, analyzer.Options{
			Retry:        retry,
			DefaultModel: "claude-sonnet-4-5-20250929",
			MaxTokens:    1024,
		}))
	}

	o, err := New(g, nodes, v, opts...)
	require.NoError(t, err)
	return o
}
