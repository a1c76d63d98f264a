package pack

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/real2ai/contract-cli/internal/analyzer"
	"github.com/real2ai/contract-cli/internal/graph"
	"github.com/real2ai/contract-cli/internal/llm"
	"github.com/real2ai/contract-cli/internal/model"
	"github.com/real2ai/contract-cli/internal/prompt"
	"github.com/real2ai/contract-cli/internal/resilience"
	"github.com/real2ai/contract-cli/internal/schema"
	"github.com/real2ai/contract-cli/internal/workflow"
)

func defaultFiles(t *testing.T) fstest.MapFS {
	t.Helper()
	files := fstest.MapFS{}
	for _, name := range []string{ManifestFile, NodesFile, PromptsFile, SchemasFile, RulesFile} {
		data, err := defaultFS.ReadFile("default/" + name)
		require.NoError(t, err)
		files[name] = &fstest.MapFile{Data: data}
	}
	return files
}

func replace(t *testing.T, files fstest.MapFS, name, old, new string) {
	t.Helper()
	data := string(files[name].Data)
	require.Contains(t, data, old)
	files[name] = &fstest.MapFile{Data: []byte(strings.Replace(data, old, new, 1))}
}

func sampleContext() model.AnalysisContext {
	return model.AnalysisContext{
		DocumentID:   "doc-1",
		DocumentText: "CONTRACT FOR THE SALE AND PURCHASE OF LAND ...",
		Jurisdiction: model.StateNSW,
		Entities: model.ExtractedEntities{
			Parties:  []model.Party{{Name: "Jane Vendor", Role: "vendor"}, {Name: "Sam Buyer", Role: "purchaser"}},
			Property: model.PropertyDetails{Address: "12 Smith St, Marrickville NSW 2204", LotNumber: "4", PlanNumber: "DP1234"},
		},
		Classification: model.ContractClassification{ContractType: "purchase_agreement"},
	}
}

func TestDefault(t *testing.T) {
	p, err := Default()
	require.NoError(t, err)

	assert.Equal(t, "real2-contract", p.Manifest.Name)
	assert.Equal(t, 14, p.Graph.Len())

	phases := p.Graph.Phases()
	require.Len(t, phases, 4)
	assert.Equal(t, graph.ModeParallel, phases[0].Mode)
	assert.Equal(t, graph.ModeParallel, phases[1].Mode)
	assert.Equal(t, graph.ModeSequential, phases[2].Mode)
	assert.Equal(t, graph.ModeSequential, phases[3].Mode)
	assert.Equal(t, []string{"parties_property", "financial_terms", "special_conditions", "warranties", "default_termination"}, phases[0].IDs())
	assert.Equal(t, []string{"risk_aggregation", "compliance_summary"}, phases[2].IDs())
	assert.Equal(t, []string{"recommendations", "buyer_report"}, phases[3].IDs())

	for _, id := range p.Graph.NodeIDs() {
		spec, _ := p.Graph.Spec(id)
		assert.Equal(t, "step2_"+id, spec.Template)
		assert.True(t, p.Prompts.Has(spec.Template), id)
		assert.Contains(t, p.Schemas, spec.Schema, id)
		if spec.Phase >= 3 {
			assert.True(t, spec.ConsumesAll, id)
		}
	}

	require.Len(t, p.Validator.Rules(), 4)
	assert.Equal(t, "deposit_amount", p.Validator.Rules()[0].ID)

	assert.Equal(t, []string{
		"claude-haiku-4-5-20251001",
		"claude-opus-4-6",
		"claude-sonnet-4-5-20250929",
		"gemini-2.5-flash",
	}, p.Models(""))
}

func TestDefault_EveryTemplateRenders(t *testing.T) {
	p, err := Default()
	require.NoError(t, err)

	actx := sampleContext()
	for _, n := range p.Nodes(llm.InvokerFunc(nil), analyzer.Options{}) {
		deps := make(map[string]model.AnalyzerOutput)
		for _, dep := range n.Spec().DependsOn {
			deps[dep] = analyzer.Fallback(dep, "dependency skipped-error")
		}
		system, user, err := n.Render(actx, deps)
		require.NoError(t, err, n.ID())
		assert.Contains(t, system, "conveyancer", n.ID())
		assert.Contains(t, user, "Jurisdiction: NSW", n.ID())
	}
}

func TestNodes_ModelPrecedence(t *testing.T) {
	p, err := Default()
	require.NoError(t, err)

	models := make(map[string]string)
	for _, n := range p.Nodes(llm.InvokerFunc(nil), analyzer.Options{}) {
		models[n.ID()] = n.Model()
	}
	assert.Equal(t, "claude-sonnet-4-5-20250929", models["financial_terms"])
	assert.Equal(t, "claude-haiku-4-5-20251001", models["default_termination"])
	assert.Equal(t, "gemini-2.5-flash", models["adjustments_outgoings"])

	for _, n := range p.Nodes(llm.InvokerFunc(nil), analyzer.Options{DefaultModel: "claude-haiku-4-5-20251001"}) {
		if n.ID() == "financial_terms" {
			assert.Equal(t, "claude-haiku-4-5-20251001", n.Model())
		}
	}
}

// sample builds a minimal payload satisfying every required field.
func sample(fields []schema.Field) map[string]any {
	out := map[string]any{}
	for _, f := range fields {
		if !f.Required {
			continue
		}
		out[f.Name] = sampleValue(f)
	}
	return out
}

func sampleValue(f schema.Field) any {
	switch f.Type {
	case schema.TypeNumber, schema.TypeInteger:
		return 1
	case schema.TypeBoolean:
		return true
	case schema.TypeEnum:
		return f.Values[0]
	case schema.TypeDate:
		return "2026-04-30"
	case schema.TypeList:
		return []any{}
	case schema.TypeObject:
		return sample(f.Fields)
	default:
		return "text"
	}
}

func TestDefault_EndToEnd(t *testing.T) {
	p, err := Default()
	require.NoError(t, err)

	retry := resilience.FromWorkflowConfig(0, time.Millisecond, time.Millisecond, time.Second)
	var nodes []*analyzer.Node
	for _, id := range p.Graph.NodeIDs() {
		spec, _ := p.Graph.Spec(id)
		s := p.Schemas[spec.Schema]
		payload := sample(s.Fields)
		payload["confidence"] = 0.75
		body, err := json.Marshal(payload)
		require.NoError(t, err)

		inv := llm.InvokerFunc(func(_ context.Context, req llm.Request) (*llm.Response, error) {
			return &llm.Response{
				Text:  "```json\n" + string(body) + "\n```",
				Model: req.Model,
				Usage: model.TokenUsage{InputTokens: 500, OutputTokens: 100},
			}, nil
		})
		nodes = append(nodes, analyzer.NewNode(spec, p.Prompts, s, inv, analyzer.Options{
			Retry:        retry,
			DefaultModel: p.Manifest.DefaultModel,
		}))
	}

	o, err := workflow.New(p.Graph, nodes, p.Validator)
	require.NoError(t, err)

	res, err := o.Execute(context.Background(), sampleContext())
	require.NoError(t, err)
	for id, rec := range res.State.Records {
		assert.Equal(t, model.NodeStatusSuccess, rec.Status, "%s: %s", id, rec.Error)
	}
	assert.True(t, res.Validation.OverallCoherence)
	assert.Greater(t, res.CostUSD, 0.0)
}

func TestOrchestrator(t *testing.T) {
	p, err := Default()
	require.NoError(t, err)

	calls := 0
	inv := llm.InvokerFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		calls++
		return nil, resilience.NewPermanentError(errors.New("unused"), "test")
	})
	o, err := p.Orchestrator(inv, analyzer.Options{})
	require.NoError(t, err)
	require.NoError(t, o.Preflight(sampleContext()))
	assert.Zero(t, calls)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, files fstest.MapFS)
		is     error
		msg    string
	}{
		{
			name: "missing template",
			mutate: func(t *testing.T, files fstest.MapFS) {
				replace(t, files, PromptsFile, "id: step2_parties_property", "id: step1_parties_property")
			},
			is:  prompt.ErrTemplateNotFound,
			msg: "step2_parties_property",
		},
		{
			name: "unknown fragment",
			mutate: func(t *testing.T, files fstest.MapFS) {
				replace(t, files, PromptsFile, "fragments: [contract_header, document]", "fragments: [contract_header, appendix]")
			},
			msg: `unknown fragment "appendix"`,
		},
		{
			name: "node shadows context variable",
			mutate: func(t *testing.T, files fstest.MapFS) {
				replace(t, files, NodesFile, "- id: warranties", "- id: conditions")
			},
			msg: `node id "conditions" shadows a template variable`,
		},
		{
			name: "unknown schema",
			mutate: func(t *testing.T, files fstest.MapFS) {
				replace(t, files, NodesFile, "schema: warranties", "schema: warranty_list")
			},
			msg: `unknown schema "warranty_list"`,
		},
		{
			name: "dependency in same phase",
			mutate: func(t *testing.T, files fstest.MapFS) {
				replace(t, files, NodesFile, "depends_on: [disclosure_compliance]", "depends_on: [buyer_report]")
			},
			is: graph.ErrInvalidDependency,
		},
		{
			name: "rule references undeclared field",
			mutate: func(t *testing.T, files fstest.MapFS) {
				replace(t, files, RulesFile, "financial_terms.deposit.amount", "financial_terms.deposit.value")
			},
			msg: `"financial_terms.deposit.value"`,
		},
		{
			name: "rule references unknown node",
			mutate: func(t *testing.T, files fstest.MapFS) {
				replace(t, files, RulesFile, "adjustments_outgoings.purchase_price", "adjustments.purchase_price")
			},
			msg: "adjustments",
		},
		{
			name: "unknown yaml key",
			mutate: func(t *testing.T, files fstest.MapFS) {
				replace(t, files, NodesFile, "critical: true", "critcal: true")
			},
			msg: "parse nodes.yaml",
		},
		{
			name: "invalid schema",
			mutate: func(t *testing.T, files fstest.MapFS) {
				replace(t, files, SchemasFile, "type: enum\n        values: [house, unit, townhouse, land, rural, other]", "type: enum")
			},
			msg: "declares no values",
		},
		{
			name: "missing manifest",
			mutate: func(_ *testing.T, files fstest.MapFS) {
				delete(files, ManifestFile)
			},
			is: fs.ErrNotExist,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files := defaultFiles(t)
			tt.mutate(t, files)
			p, err := Load(files)
			require.Error(t, err)
			assert.Nil(t, p)
			if tt.is != nil {
				assert.True(t, errors.Is(err, tt.is), "got %v", err)
			}
			if tt.msg != "" {
				assert.Contains(t, err.Error(), tt.msg)
			}
		})
	}
}

func TestLoad_RulesOptional(t *testing.T) {
	files := defaultFiles(t)
	delete(files, RulesFile)

	p, err := Load(files)
	require.NoError(t, err)
	assert.Empty(t, p.Validator.Rules())
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	for name, f := range defaultFiles(t) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), f.Data, 0o644))
	}

	p, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 14, p.Graph.Len())

	_, err = LoadDir(filepath.Join(dir, "missing"))
	assert.Error(t, err)

	_, err = LoadDir(filepath.Join(dir, ManifestFile))
	assert.ErrorContains(t, err, "not a directory")

	p, err = Open("")
	require.NoError(t, err)
	assert.Equal(t, "real2-contract", p.Manifest.Name)
}
