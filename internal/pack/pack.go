// Package pack loads a workflow pack: the YAML bundle of phases, analyzer
// nodes, prompt templates, output schemas and cross-section rules that
// defines one analysis workflow.
package pack

import (
	"bytes"
	"embed"
	"errors"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/real2ai/contract-cli/internal/analyzer"
	"github.com/real2ai/contract-cli/internal/graph"
	"github.com/real2ai/contract-cli/internal/llm"
	"github.com/real2ai/contract-cli/internal/model"
	"github.com/real2ai/contract-cli/internal/prompt"
	"github.com/real2ai/contract-cli/internal/schema"
	"github.com/real2ai/contract-cli/internal/validation"
	"github.com/real2ai/contract-cli/internal/workflow"
)

// Pack file names.
const (
	ManifestFile = "pack.yaml"
	NodesFile    = "nodes.yaml"
	PromptsFile  = "prompts.yaml"
	SchemasFile  = "schemas.yaml"
	RulesFile    = "rules.yaml"
)

//go:embed default/*.yaml
var defaultFS embed.FS

// Manifest is the contents of pack.yaml.
type Manifest struct {
	Name         string           `yaml:"name"`
	Version      string           `yaml:"version"`
	Description  string           `yaml:"description,omitempty"`
	DefaultModel string           `yaml:"default_model,omitempty"`
	Phases       []graph.PhaseDef `yaml:"phases"`
}

type nodesFile struct {
	Nodes []analyzer.Spec `yaml:"nodes"`
}

type promptsFile struct {
	Fragments map[string]string `yaml:"fragments"`
	Templates []prompt.Def      `yaml:"templates"`
}

type schemasFile struct {
	Schemas []schema.Schema `yaml:"schemas"`
}

type rulesFile struct {
	Rules []validation.Rule `yaml:"rules"`
}

// Pack is a resolved, immutable workflow configuration.
type Pack struct {
	Manifest  Manifest
	Prompts   *prompt.Registry
	Graph     *graph.Graph
	Validator *validation.Validator
	Schemas   map[string]*schema.Schema
	Rules     []validation.Rule
}

// Default loads the embedded Real2 contract pack.
func Default() (*Pack, error) {
	sub, err := fs.Sub(defaultFS, "default")
	if err != nil {
		return nil, eris.Wrap(err, "pack: open embedded default pack")
	}
	return Load(sub)
}

// LoadDir loads a pack from a directory on disk.
func LoadDir(dir string) (*Pack, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "pack: open %s", dir)
	}
	if !info.IsDir() {
		return nil, eris.Errorf("pack: %s is not a directory", dir)
	}
	return Load(os.DirFS(dir))
}

// Open loads the pack in dir, or the default pack when dir is empty.
func Open(dir string) (*Pack, error) {
	if dir == "" {
		return Default()
	}
	return LoadDir(dir)
}

// Load reads and resolves every pack file in fsys. Every node must name a
// registered template and a declared schema, no node id may shadow a
// context template variable, and rule references must name fields declared
// by the referenced node's schema.
func Load(fsys fs.FS) (*Pack, error) {
	var (
		m  Manifest
		nf nodesFile
		pf promptsFile
		sf schemasFile
		rf rulesFile
	)
	if err := decode(fsys, ManifestFile, true, &m); err != nil {
		return nil, err
	}
	if err := decode(fsys, NodesFile, true, &nf); err != nil {
		return nil, err
	}
	if err := decode(fsys, PromptsFile, true, &pf); err != nil {
		return nil, err
	}
	if err := decode(fsys, SchemasFile, true, &sf); err != nil {
		return nil, err
	}
	if err := decode(fsys, RulesFile, false, &rf); err != nil {
		return nil, err
	}

	if m.Name == "" {
		return nil, eris.Errorf("pack: %s has no name", ManifestFile)
	}

	reg, err := prompt.NewRegistry(pf.Fragments, pf.Templates)
	if err != nil {
		return nil, eris.Wrapf(err, "pack %s: prompts", m.Name)
	}

	schemas := make(map[string]*schema.Schema, len(sf.Schemas))
	for i := range sf.Schemas {
		s := &sf.Schemas[i]
		if err := s.Check(); err != nil {
			return nil, eris.Wrapf(err, "pack %s: schemas", m.Name)
		}
		if _, dup := schemas[s.ID]; dup {
			return nil, eris.Errorf("pack %s: schema %q declared twice", m.Name, s.ID)
		}
		schemas[s.ID] = s
	}

	reserved := reservedNames()
	for _, spec := range nf.Nodes {
		if reserved[spec.ID] {
			return nil, eris.Errorf("pack %s: node id %q shadows a template variable", m.Name, spec.ID)
		}
		if !reg.Has(spec.Template) {
			return nil, eris.Wrapf(&prompt.TemplateNotFoundError{TemplateID: spec.Template},
				"pack %s: node %q", m.Name, spec.ID)
		}
		if _, ok := schemas[spec.Schema]; !ok {
			return nil, eris.Errorf("pack %s: node %q uses unknown schema %q", m.Name, spec.ID, spec.Schema)
		}
	}

	g, err := graph.New(m.Phases, nf.Nodes)
	if err != nil {
		return nil, eris.Wrapf(err, "pack %s: graph", m.Name)
	}

	v, err := validation.New(rf.Rules, g.NodeIDs())
	if err != nil {
		return nil, eris.Wrapf(err, "pack %s: rules", m.Name)
	}

	p := &Pack{
		Manifest:  m,
		Prompts:   reg,
		Graph:     g,
		Validator: v,
		Schemas:   schemas,
		Rules:     rf.Rules,
	}
	if err := p.checkRuleFields(); err != nil {
		return nil, err
	}
	return p, nil
}

func decode(fsys fs.FS, name string, required bool, out any) error {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		if !required && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return eris.Wrapf(err, "pack: read %s", name)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return eris.Wrapf(err, "pack: parse %s", name)
	}
	return nil
}

func (p *Pack) checkRuleFields() error {
	for _, r := range p.Rules {
		for _, raw := range r.References {
			ref, err := validation.ParseReference(raw)
			if err != nil {
				return eris.Wrapf(err, "pack %s: rule %q", p.Manifest.Name, r.ID)
			}
			if ref.IsContext() {
				continue
			}
			spec, _ := p.Graph.Spec(ref.NodeID)
			if !declares(p.Schemas[spec.Schema], ref.Path) {
				return eris.Errorf("pack %s: rule %q references %q, which schema %q does not declare",
					p.Manifest.Name, r.ID, raw, spec.Schema)
			}
		}
	}
	return nil
}

// declares reports whether a dotted path names a field of s, descending
// through object fields.
func declares(s *schema.Schema, path string) bool {
	fields := s.Fields
	parts := strings.Split(path, ".")
	for i, part := range parts {
		var found *schema.Field
		for j := range fields {
			if fields[j].Name == part {
				found = &fields[j]
				break
			}
		}
		if found == nil {
			return false
		}
		if i == len(parts)-1 {
			return true
		}
		if found.Type != schema.TypeObject {
			return false
		}
		fields = found.Fields
	}
	return false
}

func reservedNames() map[string]bool {
	names := map[string]bool{analyzer.DependenciesKey: true}
	for k := range (model.AnalysisContext{}).Vars() {
		names[k] = true
	}
	return names
}

// Nodes builds an analyzer node for every graph node. A node without its own
// model uses opts.DefaultModel, or the pack default when that is empty.
func (p *Pack) Nodes(inv llm.Invoker, opts analyzer.Options) []*analyzer.Node {
	if p.Manifest.DefaultModel != "" && opts.DefaultModel == "" {
		opts.DefaultModel = p.Manifest.DefaultModel
	}
	ids := p.Graph.NodeIDs()
	nodes := make([]*analyzer.Node, 0, len(ids))
	for _, id := range ids {
		spec, _ := p.Graph.Spec(id)
		nodes = append(nodes, analyzer.NewNode(spec, p.Prompts, p.Schemas[spec.Schema], inv, opts))
	}
	return nodes
}

// Orchestrator wires the pack into a workflow orchestrator.
func (p *Pack) Orchestrator(inv llm.Invoker, opts analyzer.Options, wopts ...workflow.Option) (*workflow.Orchestrator, error) {
	o, err := workflow.New(p.Graph, p.Nodes(inv, opts), p.Validator, wopts...)
	if err != nil {
		return nil, eris.Wrapf(err, "pack %s", p.Manifest.Name)
	}
	return o, nil
}

// Models returns the distinct models the pack's nodes call, sorted. Nodes
// without an explicit model report defaultModel, or the pack default.
func (p *Pack) Models(defaultModel string) []string {
	if defaultModel == "" {
		defaultModel = p.Manifest.DefaultModel
	}
	seen := make(map[string]bool)
	for _, id := range p.Graph.NodeIDs() {
		spec, _ := p.Graph.Spec(id)
		m := spec.Model
		if m == "" {
			m = defaultModel
		}
		if m != "" {
			seen[m] = true
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
