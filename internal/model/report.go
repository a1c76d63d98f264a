package model

// FindingCategory groups cross-section validation findings.
type FindingCategory string

const (
	FindingDateMismatch      FindingCategory = "date_mismatch"
	FindingAmountMismatch    FindingCategory = "amount_mismatch"
	FindingMissingDependency FindingCategory = "missing_dependency"
	FindingNodeFailed        FindingCategory = "node_failed"
	FindingCancelled         FindingCategory = "cancelled"
	FindingDegraded          FindingCategory = "degraded"
)

// Finding is a single inconsistency or gap found across node outputs.
type Finding struct {
	Category    FindingCategory `json:"category"`
	RuleID      string          `json:"rule_id,omitempty"`
	Description string          `json:"description"`
	Severity    Severity        `json:"severity"`
	NodeIDs     []string        `json:"node_ids"`
}

// ValidationReport is the output of cross-section validation.
type ValidationReport struct {
	Findings         []Finding `json:"findings"`
	OverallCoherence bool      `json:"overall_coherence"`
	RulesEvaluated   int       `json:"rules_evaluated"`
}

// Gaps returns the findings naming nodes that could not be computed.
func (r ValidationReport) Gaps() []Finding {
	var gaps []Finding
	for _, f := range r.Findings {
		switch f.Category {
		case FindingMissingDependency, FindingCancelled, FindingNodeFailed:
			gaps = append(gaps, f)
		}
	}
	return gaps
}

// ByCategory filters findings by category.
func (r ValidationReport) ByCategory(c FindingCategory) []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Category == c {
			out = append(out, f)
		}
	}
	return out
}
