// Package validation checks analyzer outputs against each other once every
// phase has finished and reports gaps left by failed or skipped nodes.
package validation

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/real2ai/contract-cli/internal/model"
)

// RuleKind selects how a rule compares its referenced values.
type RuleKind string

const (
	// KindDate requires every referenced date to agree within ToleranceDays.
	KindDate RuleKind = "date"
	// KindAmount requires every referenced amount to match to the cent.
	KindAmount RuleKind = "amount"
)

// ContextPrefix marks a reference resolved against the analysis context
// rather than a node output, e.g. "$context.dates.settlement".
const ContextPrefix = "$context."

// Rule is one cross-section consistency check.
type Rule struct {
	ID            string         `yaml:"id"`
	Kind          RuleKind       `yaml:"kind"`
	Description   string         `yaml:"description,omitempty"`
	References    []string       `yaml:"references"`
	ToleranceDays int            `yaml:"tolerance_days,omitempty"`
	Severity      model.Severity `yaml:"severity,omitempty"`
}

// Reference is a parsed rule reference.
type Reference struct {
	Raw    string
	NodeID string // empty for context references
	Path   string
}

// IsContext reports whether the reference points into the analysis context.
func (r Reference) IsContext() bool { return r.NodeID == "" }

// ParseReference splits "node.field.path" or "$context.dates.kind".
func ParseReference(raw string) (Reference, error) {
	if rest, ok := strings.CutPrefix(raw, ContextPrefix); ok {
		group, kind, found := strings.Cut(rest, ".")
		if !found || kind == "" || (group != "dates" && group != "amounts") {
			return Reference{}, eris.Errorf("validation: context reference %q must be $context.dates.<kind> or $context.amounts.<kind>", raw)
		}
		return Reference{Raw: raw, Path: rest}, nil
	}
	node, path, found := strings.Cut(raw, ".")
	if !found || node == "" || path == "" {
		return Reference{}, eris.Errorf("validation: reference %q must be node.field", raw)
	}
	return Reference{Raw: raw, NodeID: node, Path: path}, nil
}

type compiledRule struct {
	Rule
	refs []Reference
}

// Validator evaluates a fixed rule set. It is immutable and safe to share.
type Validator struct {
	rules []compiledRule
}

// New checks the rules and orders them by id. When knownNodes is non-nil,
// node references must name one of them.
func New(rules []Rule, knownNodes []string) (*Validator, error) {
	var known map[string]bool
	if knownNodes != nil {
		known = make(map[string]bool, len(knownNodes))
		for _, id := range knownNodes {
			known[id] = true
		}
	}

	seen := make(map[string]bool, len(rules))
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if r.ID == "" {
			return nil, eris.New("validation: rule with empty id")
		}
		if seen[r.ID] {
			return nil, eris.Errorf("validation: duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true

		switch r.Kind {
		case KindDate, KindAmount:
		default:
			return nil, eris.Errorf("validation: rule %q: unknown kind %q", r.ID, r.Kind)
		}
		if r.ToleranceDays < 0 {
			return nil, eris.Errorf("validation: rule %q: negative tolerance", r.ID)
		}
		if len(r.References) < 2 {
			return nil, eris.Errorf("validation: rule %q needs at least two references", r.ID)
		}

		if r.Severity == "" {
			r.Severity = model.SeverityMedium
		}
		sev, ok := model.ParseSeverity(string(r.Severity))
		if !ok {
			return nil, eris.Errorf("validation: rule %q: unknown severity %q", r.ID, r.Severity)
		}
		r.Severity = sev

		cr := compiledRule{Rule: r}
		for _, raw := range r.References {
			ref, err := ParseReference(raw)
			if err != nil {
				return nil, eris.Wrapf(err, "validation: rule %q", r.ID)
			}
			if known != nil && !ref.IsContext() && !known[ref.NodeID] {
				return nil, eris.Errorf("validation: rule %q references unknown node %q", r.ID, ref.NodeID)
			}
			cr.refs = append(cr.refs, ref)
		}
		out = append(out, cr)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return &Validator{rules: out}, nil
}

// Rules returns the rules in evaluation order.
func (v *Validator) Rules() []Rule {
	out := make([]Rule, len(v.rules))
	for i, r := range v.rules {
		out[i] = r.Rule
	}
	return out
}
