package validation

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/real2ai/contract-cli/internal/model"
	"github.com/real2ai/contract-cli/internal/schema"
)

const dateLayout = "2006-01-02"

type resolved struct {
	ref   Reference
	value any
}

// Validate evaluates every rule against the usable outputs in state and adds
// a gap finding for each node that did not produce a real output. The report
// depends only on state, so repeated calls return identical reports.
func (v *Validator) Validate(state *model.WorkflowState) model.ValidationReport {
	report := model.ValidationReport{Findings: []model.Finding{}}

	for _, r := range v.rules {
		values := resolveAll(state, r.refs)
		if len(values) < 2 {
			continue
		}
		report.RulesEvaluated++

		var f *model.Finding
		switch r.Kind {
		case KindDate:
			f = checkDates(r, values)
		case KindAmount:
			f = checkAmounts(r, values)
		}
		if f != nil {
			report.Findings = append(report.Findings, *f)
		}
	}

	report.Findings = append(report.Findings, gaps(state)...)
	sortFindings(report.Findings)

	report.OverallCoherence = true
	for _, f := range report.Findings {
		if f.Severity.AtLeast(model.SeverityMedium) {
			report.OverallCoherence = false
			break
		}
	}
	return report
}

func resolveAll(state *model.WorkflowState, refs []Reference) []resolved {
	var out []resolved
	for _, ref := range refs {
		var (
			val any
			ok  bool
		)
		if ref.IsContext() {
			val, ok = state.Context.Lookup(ref.Path)
		} else if o, usable := state.Output(ref.NodeID); usable {
			val, ok = o.Field(ref.Path)
		}
		if ok {
			out = append(out, resolved{ref: ref, value: val})
		}
	}
	return out
}

func checkDates(r compiledRule, values []resolved) *model.Finding {
	var (
		parsed           []resolved
		earliest, latest time.Time
	)
	for _, rv := range values {
		t, ok := toDate(rv.value)
		if !ok {
			zap.L().Debug("validation: unparseable date",
				zap.String("rule", r.ID),
				zap.String("reference", rv.ref.Raw),
				zap.Any("value", rv.value),
			)
			continue
		}
		if len(parsed) == 0 || t.Before(earliest) {
			earliest = t
		}
		if len(parsed) == 0 || t.After(latest) {
			latest = t
		}
		parsed = append(parsed, resolved{ref: rv.ref, value: t.Format(dateLayout)})
	}
	if len(parsed) < 2 {
		return nil
	}

	spread := int(latest.Sub(earliest).Hours() / 24)
	if spread <= r.ToleranceDays {
		return nil
	}
	return &model.Finding{
		Category: model.FindingDateMismatch,
		RuleID:   r.ID,
		Description: fmt.Sprintf("%s: dates differ by %d days (tolerance %d): %s",
			r.label(), spread, r.ToleranceDays, describe(parsed)),
		Severity: r.Severity,
		NodeIDs:  nodeIDs(parsed),
	}
}

func checkAmounts(r compiledRule, values []resolved) *model.Finding {
	var (
		parsed []resolved
		cents  = make(map[int64]bool)
	)
	for _, rv := range values {
		f, ok := schema.ParseAmount(rv.value)
		if !ok {
			zap.L().Debug("validation: unparseable amount",
				zap.String("rule", r.ID),
				zap.String("reference", rv.ref.Raw),
				zap.Any("value", rv.value),
			)
			continue
		}
		cents[int64(math.Round(f*100))] = true
		parsed = append(parsed, resolved{ref: rv.ref, value: strconv.FormatFloat(f, 'f', 2, 64)})
	}
	if len(parsed) < 2 || len(cents) == 1 {
		return nil
	}
	return &model.Finding{
		Category:    model.FindingAmountMismatch,
		RuleID:      r.ID,
		Description: fmt.Sprintf("%s: amounts disagree: %s", r.label(), describe(parsed)),
		Severity:    r.Severity,
		NodeIDs:     nodeIDs(parsed),
	}
}

func (r compiledRule) label() string {
	if r.Description != "" {
		return r.Description
	}
	return r.ID
}

// gaps names every node that has no real output.
func gaps(state *model.WorkflowState) []model.Finding {
	var out []model.Finding
	for _, id := range state.NodeIDs() {
		rec, _ := state.Record(id)
		reason := rec.SkippedReason
		if reason == "" {
			reason = rec.Error
		}

		var (
			cat model.FindingCategory
			sev model.Severity
		)
		switch rec.Status {
		case model.NodeStatusSkippedDependency:
			cat, sev = model.FindingMissingDependency, model.SeverityHigh
		case model.NodeStatusSkippedCancelled:
			cat, sev = model.FindingCancelled, model.SeverityHigh
		case model.NodeStatusFailed:
			cat, sev = model.FindingNodeFailed, model.SeverityHigh
		case model.NodeStatusSkippedError:
			cat, sev = model.FindingDegraded, model.SeverityLow
		default:
			continue
		}

		desc := fmt.Sprintf("%s: %s", id, rec.Status)
		if reason != "" {
			desc += ": " + reason
		}
		out = append(out, model.Finding{
			Category:    cat,
			Description: desc,
			Severity:    sev,
			NodeIDs:     []string{id},
		})
	}
	return out
}

func sortFindings(fs []model.Finding) {
	sort.SliceStable(fs, func(i, j int) bool {
		a, b := fs[i], fs[j]
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		if a.RuleID != b.RuleID {
			return a.RuleID < b.RuleID
		}
		if ka, kb := strings.Join(a.NodeIDs, ","), strings.Join(b.NodeIDs, ","); ka != kb {
			return ka < kb
		}
		return a.Description < b.Description
	})
}

func describe(values []resolved) string {
	parts := make([]string, len(values))
	for i, rv := range values {
		parts[i] = fmt.Sprintf("%s=%v", rv.ref.Raw, rv.value)
	}
	return strings.Join(parts, ", ")
}

func nodeIDs(values []resolved) []string {
	seen := make(map[string]bool)
	ids := []string{}
	for _, rv := range values {
		if rv.ref.IsContext() || seen[rv.ref.NodeID] {
			continue
		}
		seen[rv.ref.NodeID] = true
		ids = append(ids, rv.ref.NodeID)
	}
	sort.Strings(ids)
	return ids
}

func toDate(v any) (time.Time, bool) {
	switch d := v.(type) {
	case time.Time:
		return d.UTC().Truncate(24 * time.Hour), true
	case string:
		s := strings.TrimSpace(d)
		if len(s) > len(dateLayout) {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
			}
		}
		t, err := time.Parse(dateLayout, s)
		return t, err == nil
	default:
		return time.Time{}, false
	}
}

