package model

import "time"

// NodeStatus is the lifecycle state of one analyzer node within a run.
type NodeStatus string

const (
	NodeStatusPending           NodeStatus = "pending"
	NodeStatusRunning           NodeStatus = "running"
	NodeStatusSuccess           NodeStatus = "success"
	NodeStatusFailed            NodeStatus = "failed"
	NodeStatusSkippedDependency NodeStatus = "skipped-dependency"
	NodeStatusSkippedError      NodeStatus = "skipped-error"
	NodeStatusSkippedCancelled  NodeStatus = "skipped-cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case NodeStatusSuccess, NodeStatusFailed,
		NodeStatusSkippedDependency, NodeStatusSkippedError, NodeStatusSkippedCancelled:
		return true
	default:
		return false
	}
}

// IsSkipped reports whether s is one of the skipped-* statuses.
func (s NodeStatus) IsSkipped() bool {
	switch s {
	case NodeStatusSkippedDependency, NodeStatusSkippedError, NodeStatusSkippedCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether s -> to is a legal forward move.
//
//	pending -> running | skipped-dependency | skipped-cancelled
//	running -> success | failed | skipped-error | skipped-cancelled
func (s NodeStatus) CanTransition(to NodeStatus) bool {
	switch s {
	case NodeStatusPending:
		return to == NodeStatusRunning ||
			to == NodeStatusSkippedDependency ||
			to == NodeStatusSkippedCancelled
	case NodeStatusRunning:
		return to == NodeStatusSuccess ||
			to == NodeStatusFailed ||
			to == NodeStatusSkippedError ||
			to == NodeStatusSkippedCancelled
	default:
		return false
	}
}

// ErrorKind classifies why a node did not succeed.
type ErrorKind string

const (
	ErrorKindPermanent         ErrorKind = "permanent"
	ErrorKindDependencyMissing ErrorKind = "dependency_missing"
	ErrorKindConfiguration     ErrorKind = "configuration"
	ErrorKindCancelled         ErrorKind = "cancelled"
)

// NodeExecutionRecord is the bookkeeping for one node invocation.
type NodeExecutionRecord struct {
	NodeID        string          `json:"node_id"`
	Phase         int             `json:"phase"`
	Critical      bool            `json:"critical"`
	Status        NodeStatus      `json:"status"`
	StartedAt     time.Time       `json:"started_at,omitzero"`
	EndedAt       time.Time       `json:"ended_at,omitzero"`
	Attempts      int             `json:"attempts"`
	Model         string          `json:"model,omitempty"`
	Usage         TokenUsage      `json:"usage"`
	Output        *AnalyzerOutput `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	ErrorKind     ErrorKind       `json:"error_kind,omitempty"`
	SkippedReason string          `json:"skipped_reason,omitempty"`
}

// Duration is the wall time between start and end, zero if either is unset.
func (r NodeExecutionRecord) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// UsableOutput returns the output dependents may consume: the real output on
// success, or the fallback output of a degraded node.
func (r NodeExecutionRecord) UsableOutput() (AnalyzerOutput, bool) {
	if r.Output == nil {
		return AnalyzerOutput{}, false
	}
	switch r.Status {
	case NodeStatusSuccess, NodeStatusSkippedError:
		return *r.Output, true
	case NodeStatusSkippedDependency:
		// Non-critical nodes skipped upstream carry a fallback too.
		if r.Output.IsFallback() {
			return *r.Output, true
		}
	}
	return AnalyzerOutput{}, false
}
