package model

import (
	"fmt"
	"time"
)

// RunStatus is the persisted status of an analysis run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusFailed    RunStatus = "failed"
)

// Stage is the orchestrator's position in the per-run state machine:
// NotStarted -> PhaseRunning(1..N) -> Validating -> Completed.
type Stage int

const (
	StageNotStarted Stage = iota
	StagePhaseRunning
	StageValidating
	StageCompleted
)

func (s Stage) String() string {
	switch s {
	case StageNotStarted:
		return "not_started"
	case StagePhaseRunning:
		return "phase_running"
	case StageValidating:
		return "validating"
	case StageCompleted:
		return "completed"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// WorkflowResult is the aggregate output of one run.
type WorkflowResult struct {
	RunID         string           `json:"run_id"`
	Status        RunStatus        `json:"status"`
	State         *WorkflowState   `json:"state"`
	Validation    ValidationReport `json:"validation"`
	StartedAt     time.Time        `json:"started_at"`
	TotalDuration time.Duration    `json:"total_duration_ns"`
	Usage         TokenUsage       `json:"usage"`
	CostUSD       float64          `json:"cost_usd"`
}

// Incomplete lists node ids that produced no real output, with the reason.
func (r *WorkflowResult) Incomplete() map[string]string {
	out := make(map[string]string)
	if r.State == nil {
		return out
	}
	for _, id := range r.State.NodeIDs() {
		rec := r.State.Records[id]
		if rec.Status == NodeStatusSuccess {
			continue
		}
		reason := rec.SkippedReason
		if reason == "" {
			reason = rec.Error
		}
		if reason == "" {
			reason = string(rec.Status)
		}
		out[id] = reason
	}
	return out
}

// Run is the persisted summary of an analysis run.
type Run struct {
	ID           string             `json:"id"`
	DocumentID   string             `json:"document_id"`
	Jurisdiction State              `json:"jurisdiction"`
	Status       RunStatus          `json:"status"`
	Coherent     bool               `json:"coherent"`
	NodeCounts   map[NodeStatus]int `json:"node_counts,omitempty"`
	CostUSD      float64            `json:"cost_usd"`
	DurationMs   int64              `json:"duration_ms"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Summarize derives the persisted run summary from a result.
func (r *WorkflowResult) Summarize() Run {
	run := Run{
		ID:         r.RunID,
		Status:     r.Status,
		Coherent:   r.Validation.OverallCoherence,
		CostUSD:    r.CostUSD,
		DurationMs: r.TotalDuration.Milliseconds(),
		CreatedAt:  r.StartedAt,
		UpdatedAt:  r.StartedAt.Add(r.TotalDuration),
	}
	if r.State != nil {
		run.DocumentID = r.State.Context.DocumentID
		run.Jurisdiction = r.State.Context.Jurisdiction
		run.NodeCounts = r.State.CountByStatus()
	}
	return run
}

// ProgressKind identifies a progress event.
type ProgressKind string

const (
	ProgressPhaseStarted   ProgressKind = "phase_started"
	ProgressNodeCompleted  ProgressKind = "node_completed"
	ProgressPhaseCompleted ProgressKind = "phase_completed"
	ProgressRunCompleted   ProgressKind = "run_completed"
)

// ProgressEvent is emitted to observers while a run executes.
type ProgressEvent struct {
	RunID    string        `json:"run_id"`
	Kind     ProgressKind  `json:"kind"`
	NodeID   string        `json:"node_id,omitempty"`
	Phase    int           `json:"phase,omitempty"`
	Status   NodeStatus    `json:"status,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
	Duration time.Duration `json:"duration_ns,omitempty"`
	At       time.Time     `json:"at"`
}
