package model

import "strings"

// Severity grades a risk indicator or validation finding.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// ParseSeverity accepts any casing and surrounding whitespace.
func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	_, ok := severityRank[sev]
	return sev, ok
}

// Rank orders severities; unknown values rank 0.
func (s Severity) Rank() int {
	return severityRank[s]
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// RiskIndicator is a single risk raised by an analyzer.
type RiskIndicator struct {
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Evidence    string   `json:"evidence,omitempty"`
}

// AnalyzerOutput is the validated, structured result of one analyzer node.
type AnalyzerOutput struct {
	NodeID        string          `json:"node_id"`
	Fields        map[string]any  `json:"fields"`
	Confidence    float64         `json:"confidence"`
	Risks         []RiskIndicator `json:"risks,omitempty"`
	SkippedReason string          `json:"skipped_reason,omitempty"`
}

// IsFallback reports whether the output is a degraded substitute.
func (o AnalyzerOutput) IsFallback() bool {
	return o.SkippedReason != ""
}

// Field resolves a dotted path ("deposit.amount") through nested objects.
func (o AnalyzerOutput) Field(path string) (any, bool) {
	var cur any = o.Fields
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// MaxSeverity returns the highest risk severity, or "" when there are none.
func (o AnalyzerOutput) MaxSeverity() Severity {
	var max Severity
	for _, r := range o.Risks {
		if r.Severity.Rank() > max.Rank() {
			max = r.Severity
		}
	}
	return max
}
