package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/real2ai/contract-cli/internal/model"
	"github.com/real2ai/contract-cli/internal/resilience"
	"github.com/real2ai/contract-cli/internal/store"
)

// MetricsSnapshot holds a point-in-time view of workflow health.
type MetricsSnapshot struct {
	// Run metrics (within lookback window).
	RunsTotal       int     `json:"runs_total"`
	RunsCompleted   int     `json:"runs_completed"`
	RunsFailed      int     `json:"runs_failed"`
	RunsCancelled   int     `json:"runs_cancelled"`
	RunsRunning     int     `json:"runs_running"`
	FailRate        float64 `json:"fail_rate"`
	Incoherent      int     `json:"incoherent"`
	IncoherenceRate float64 `json:"incoherence_rate"`
	CostUSD         float64 `json:"cost_usd"`
	AvgDurationMs   int64   `json:"avg_duration_ms"`

	// Node outcomes summed across runs.
	NodeCounts map[model.NodeStatus]int `json:"node_counts"`

	// Provider circuit breakers that are not closed.
	OpenBreakers []string `json:"open_breakers,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLister is the store subset the collector reads.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
}

// BreakerSource reports provider circuit breakers. llm.Limiter implements it.
type BreakerSource interface {
	Breakers() []resilience.BreakerStatus
}

// Collector gathers metrics from the run store and the LLM breakers.
type Collector struct {
	store    RunLister
	breakers BreakerSource
}

// NewCollector creates a new metrics collector. breakers may be nil.
func NewCollector(st RunLister, breakers BreakerSource) *Collector {
	return &Collector{store: st, breakers: breakers}
}

// Collect gathers a snapshot of run metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		NodeCounts:    make(map[model.NodeStatus]int),
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	runs, err := c.store.ListRuns(ctx, store.RunFilter{
		CreatedAfter: cutoff,
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap.RunsTotal = len(runs)
	var totalDur int64
	var finished int
	for _, r := range runs {
		switch r.Status {
		case model.RunStatusCompleted:
			snap.RunsCompleted++
			if !r.Coherent {
				snap.Incoherent++
			}
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusCancelled:
			snap.RunsCancelled++
		case model.RunStatusRunning:
			snap.RunsRunning++
			continue
		}
		finished++
		totalDur += r.DurationMs
		snap.CostUSD += r.CostUSD
		for status, n := range r.NodeCounts {
			snap.NodeCounts[status] += n
		}
	}

	if finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
		snap.AvgDurationMs = totalDur / int64(finished)
	}
	if snap.RunsCompleted > 0 {
		snap.IncoherenceRate = float64(snap.Incoherent) / float64(snap.RunsCompleted)
	}

	if c.breakers != nil {
		for _, b := range c.breakers.Breakers() {
			if b.State != resilience.CircuitClosed.String() {
				snap.OpenBreakers = append(snap.OpenBreakers, b.Service)
			}
		}
	}

	return snap, nil
}
