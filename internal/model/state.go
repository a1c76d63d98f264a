package model

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
)

var (
	// ErrStateSealed is returned when a completed run's state is modified.
	ErrStateSealed = eris.New("model: workflow state is sealed")
	// ErrUnknownNode is returned for a node id that was never registered.
	ErrUnknownNode = eris.New("model: unknown node")
	// ErrIllegalTransition is returned when a status change would regress.
	ErrIllegalTransition = eris.New("model: illegal node status transition")
)

// WorkflowState accumulates node records for a single run. Records are
// registered up front, before any node runs; afterwards the map is only read,
// and each node goroutine writes exclusively to its own record.
type WorkflowState struct {
	RunID   string                          `json:"run_id"`
	Context AnalysisContext                 `json:"context"`
	Records map[string]*NodeExecutionRecord `json:"records"`

	sealed atomic.Bool
}

// NewWorkflowState creates an empty state for a run.
func NewWorkflowState(runID string, actx AnalysisContext) *WorkflowState {
	return &WorkflowState{
		RunID:   runID,
		Context: actx,
		Records: make(map[string]*NodeExecutionRecord),
	}
}

// Register adds a pending record. Each node id may be registered once.
func (s *WorkflowState) Register(nodeID string, phase int, critical bool) error {
	if s.sealed.Load() {
		return ErrStateSealed
	}
	if _, ok := s.Records[nodeID]; ok {
		return eris.Errorf("model: node %q already registered", nodeID)
	}
	s.Records[nodeID] = &NodeExecutionRecord{
		NodeID:   nodeID,
		Phase:    phase,
		Critical: critical,
		Status:   NodeStatusPending,
	}
	return nil
}

// Start moves a node to running.
func (s *WorkflowState) Start(nodeID string, at time.Time) error {
	rec, err := s.advance(nodeID, NodeStatusRunning)
	if err != nil {
		return err
	}
	rec.StartedAt = at
	return nil
}

// Completion carries everything known about a node when it reaches a
// terminal status.
type Completion struct {
	At            time.Time
	Attempts      int
	Model         string
	Usage         TokenUsage
	Output        *AnalyzerOutput
	Err           error
	ErrorKind     ErrorKind
	SkippedReason string
}

// Complete moves a node to a terminal status.
func (s *WorkflowState) Complete(nodeID string, status NodeStatus, c Completion) error {
	if !status.IsTerminal() {
		return eris.Wrapf(ErrIllegalTransition, "model: %s is not terminal", status)
	}
	rec, err := s.advance(nodeID, status)
	if err != nil {
		return err
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = c.At
	}
	rec.EndedAt = c.At
	rec.Attempts = c.Attempts
	rec.Model = c.Model
	rec.Usage = c.Usage
	rec.Output = c.Output
	rec.ErrorKind = c.ErrorKind
	rec.SkippedReason = c.SkippedReason
	if c.Err != nil {
		rec.Error = c.Err.Error()
	}
	return nil
}

func (s *WorkflowState) advance(nodeID string, to NodeStatus) (*NodeExecutionRecord, error) {
	if s.sealed.Load() {
		return nil, ErrStateSealed
	}
	rec, ok := s.Records[nodeID]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownNode, "model: node %q", nodeID)
	}
	if !rec.Status.CanTransition(to) {
		return nil, eris.Wrapf(ErrIllegalTransition, "model: node %q %s -> %s", nodeID, rec.Status, to)
	}
	rec.Status = to
	return rec, nil
}

// Record returns a copy of a node's record.
func (s *WorkflowState) Record(nodeID string) (NodeExecutionRecord, bool) {
	rec, ok := s.Records[nodeID]
	if !ok {
		return NodeExecutionRecord{}, false
	}
	return *rec, true
}

// Status returns a node's current status, or "" if unknown.
func (s *WorkflowState) Status(nodeID string) NodeStatus {
	if rec, ok := s.Records[nodeID]; ok {
		return rec.Status
	}
	return ""
}

// Output returns the output dependents may consume for nodeID.
func (s *WorkflowState) Output(nodeID string) (AnalyzerOutput, bool) {
	rec, ok := s.Records[nodeID]
	if !ok {
		return AnalyzerOutput{}, false
	}
	return rec.UsableOutput()
}

// NodeIDs returns all registered ids in sorted order.
func (s *WorkflowState) NodeIDs() []string {
	ids := make([]string, 0, len(s.Records))
	for id := range s.Records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CountByStatus tallies records by status.
func (s *WorkflowState) CountByStatus() map[NodeStatus]int {
	counts := make(map[NodeStatus]int)
	for _, rec := range s.Records {
		counts[rec.Status]++
	}
	return counts
}

// Usage sums token usage over all records.
func (s *WorkflowState) Usage() TokenUsage {
	var total TokenUsage
	for _, id := range s.NodeIDs() {
		total.Add(s.Records[id].Usage)
	}
	return total
}

// Seal freezes the state; later transitions fail with ErrStateSealed.
func (s *WorkflowState) Seal() {
	s.sealed.Store(true)
}

// Sealed reports whether the state has been frozen.
func (s *WorkflowState) Sealed() bool {
	return s.sealed.Load()
}
