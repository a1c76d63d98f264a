// Package graph declares the static phase and dependency structure of an
// analysis workflow and rejects invalid structures before any run starts.
package graph

import (
	"fmt"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/real2ai/contract-cli/internal/analyzer"
)

// Mode says how the nodes of a phase are scheduled.
type Mode string

const (
	ModeParallel   Mode = "parallel"
	ModeSequential Mode = "sequential"
)

// PhaseDef declares one phase.
type PhaseDef struct {
	Number int    `yaml:"number"`
	Name   string `yaml:"name"`
	Mode   Mode   `yaml:"mode"`
}

// Phase is a validated phase with its nodes in declaration order.
type Phase struct {
	PhaseDef
	Nodes []analyzer.Spec
}

// IDs returns the phase's node ids in declaration order.
func (p Phase) IDs() []string {
	ids := make([]string, len(p.Nodes))
	for i, n := range p.Nodes {
		ids[i] = n.ID
	}
	return ids
}

// ErrInvalidDependency matches any *InvalidDependencyError.
var ErrInvalidDependency = eris.New("graph: cyclic or invalid dependency")

// InvalidDependencyError reports a structural problem with a node.
type InvalidDependencyError struct {
	NodeID     string
	Dependency string
	Reason     string
}

func (e *InvalidDependencyError) Error() string {
	if e.Dependency == "" {
		return fmt.Sprintf("graph: node %q: %s", e.NodeID, e.Reason)
	}
	return fmt.Sprintf("graph: node %q dependency %q: %s", e.NodeID, e.Dependency, e.Reason)
}

// Is lets errors.Is match ErrInvalidDependency.
func (e *InvalidDependencyError) Is(target error) bool {
	return target == ErrInvalidDependency
}

// Graph is an immutable, validated workflow structure.
type Graph struct {
	phases     []Phase
	specs      map[string]analyzer.Spec
	order      []string
	dependents map[string][]string
}

// New validates phases and specs. Node ids must be unique, every node must
// belong to a declared phase, and every dependency must name a known node in
// a strictly earlier phase, which also rules out cycles.
func New(phases []PhaseDef, specs []analyzer.Spec) (*Graph, error) {
	if len(phases) == 0 {
		return nil, eris.New("graph: no phases declared")
	}

	defs := make([]PhaseDef, len(phases))
	copy(defs, phases)
	sort.SliceStable(defs, func(i, j int) bool { return defs[i].Number < defs[j].Number })

	index := make(map[int]int, len(defs))
	for i, d := range defs {
		if _, dup := index[d.Number]; dup {
			return nil, eris.Errorf("graph: duplicate phase %d", d.Number)
		}
		switch d.Mode {
		case "":
			defs[i].Mode = ModeParallel
		case ModeParallel, ModeSequential:
		default:
			return nil, eris.Errorf("graph: phase %d: unknown mode %q", d.Number, d.Mode)
		}
		index[d.Number] = i
	}

	g := &Graph{
		phases:     make([]Phase, len(defs)),
		specs:      make(map[string]analyzer.Spec, len(specs)),
		dependents: make(map[string][]string),
	}
	for i, d := range defs {
		g.phases[i] = Phase{PhaseDef: d}
	}

	for _, s := range specs {
		if s.ID == "" {
			return nil, &InvalidDependencyError{Reason: "empty node id"}
		}
		if _, dup := g.specs[s.ID]; dup {
			return nil, &InvalidDependencyError{NodeID: s.ID, Reason: "duplicate node id"}
		}
		pi, ok := index[s.Phase]
		if !ok {
			return nil, &InvalidDependencyError{NodeID: s.ID, Reason: fmt.Sprintf("unknown phase %d", s.Phase)}
		}
		g.specs[s.ID] = s
		g.order = append(g.order, s.ID)
		g.phases[pi].Nodes = append(g.phases[pi].Nodes, s)
	}

	for _, id := range g.order {
		s := g.specs[id]
		seen := make(map[string]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return nil, &InvalidDependencyError{NodeID: s.ID, Dependency: dep, Reason: "node depends on itself"}
			}
			if seen[dep] {
				return nil, &InvalidDependencyError{NodeID: s.ID, Dependency: dep, Reason: "declared twice"}
			}
			seen[dep] = true
			ds, ok := g.specs[dep]
			if !ok {
				return nil, &InvalidDependencyError{NodeID: s.ID, Dependency: dep, Reason: "unknown node"}
			}
			if ds.Phase >= s.Phase {
				return nil, &InvalidDependencyError{
					NodeID: s.ID, Dependency: dep,
					Reason: fmt.Sprintf("dependency runs in phase %d, not before phase %d", ds.Phase, s.Phase),
				}
			}
			g.dependents[dep] = append(g.dependents[dep], s.ID)
		}
	}
	return g, nil
}

// Phases returns the phases in execution order.
func (g *Graph) Phases() []Phase {
	out := make([]Phase, len(g.phases))
	copy(out, g.phases)
	return out
}

// Spec returns a node's declaration.
func (g *Graph) Spec(id string) (analyzer.Spec, bool) {
	s, ok := g.specs[id]
	return s, ok
}

// NodeIDs returns every node id in declaration order.
func (g *Graph) NodeIDs() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Len is the number of nodes.
func (g *Graph) Len() int { return len(g.order) }

// Roots returns the nodes with no declared dependencies, in declaration order.
func (g *Graph) Roots() []analyzer.Spec {
	var out []analyzer.Spec
	for _, id := range g.order {
		if s := g.specs[id]; len(s.DependsOn) == 0 {
			out = append(out, s)
		}
	}
	return out
}

// Dependents returns the nodes that directly declare id as a dependency.
func (g *Graph) Dependents(id string) []string {
	out := make([]string, len(g.dependents[id]))
	copy(out, g.dependents[id])
	return out
}

// Upstream returns every transitive dependency of id, sorted.
func (g *Graph) Upstream(id string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(n string) {
		for _, dep := range g.specs[n].DependsOn {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(id)

	out := make([]string, 0, len(seen))
	for dep := range seen {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}
