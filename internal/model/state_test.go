package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestState(t *testing.T) *WorkflowState {
	t.Helper()
	s := NewWorkflowState("run-1", AnalysisContext{DocumentID: "doc-1"})
	require.NoError(t, s.Register("financial_terms", 1, true))
	require.NoError(t, s.Register("warranties", 1, false))
	return s
}

func TestWorkflowState_RegisterTwice(t *testing.T) {
	s := newTestState(t)
	err := s.Register("financial_terms", 1, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestWorkflowState_Lifecycle(t *testing.T) {
	s := newTestState(t)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.Start("financial_terms", start))
	assert.Equal(t, NodeStatusRunning, s.Status("financial_terms"))

	out := &AnalyzerOutput{NodeID: "financial_terms", Confidence: 0.9, Fields: map[string]any{"purchase_price": 850000.0}}
	require.NoError(t, s.Complete("financial_terms", NodeStatusSuccess, Completion{
		At:       start.Add(2 * time.Second),
		Attempts: 1,
		Usage:    TokenUsage{InputTokens: 100, OutputTokens: 20},
		Output:   out,
	}))

	rec, ok := s.Record("financial_terms")
	require.True(t, ok)
	assert.Equal(t, NodeStatusSuccess, rec.Status)
	assert.Equal(t, 2*time.Second, rec.Duration())
	assert.Equal(t, 1, rec.Attempts)

	got, ok := s.Output("financial_terms")
	require.True(t, ok)
	assert.InDelta(t, 0.9, got.Confidence, 1e-9)
}

func TestWorkflowState_NoRegression(t *testing.T) {
	s := newTestState(t)
	now := time.Now()
	require.NoError(t, s.Start("warranties", now))
	require.NoError(t, s.Complete("warranties", NodeStatusSuccess, Completion{At: now}))

	err := s.Start("warranties", now)
	assert.True(t, errors.Is(err, ErrIllegalTransition))

	err = s.Complete("warranties", NodeStatusFailed, Completion{At: now})
	assert.True(t, errors.Is(err, ErrIllegalTransition))
}

func TestWorkflowState_PendingSkipsDirectly(t *testing.T) {
	s := newTestState(t)
	require.NoError(t, s.Complete("warranties", NodeStatusSkippedDependency, Completion{
		At:            time.Now(),
		SkippedReason: "dependency financial_terms failed",
	}))
	rec, _ := s.Record("warranties")
	assert.Equal(t, 0, rec.Attempts)
	assert.Equal(t, "dependency financial_terms failed", rec.SkippedReason)
	_, ok := s.Output("warranties")
	assert.False(t, ok)
}

func TestWorkflowState_Sealed(t *testing.T) {
	s := newTestState(t)
	s.Seal()
	assert.True(t, s.Sealed())
	assert.ErrorIs(t, s.Start("financial_terms", time.Now()), ErrStateSealed)
	assert.ErrorIs(t, s.Register("new_node", 2, false), ErrStateSealed)
}

func TestWorkflowState_UnknownNode(t *testing.T) {
	s := newTestState(t)
	assert.ErrorIs(t, s.Start("nope", time.Now()), ErrUnknownNode)
	assert.Equal(t, NodeStatus(""), s.Status("nope"))
}

func TestWorkflowState_CompleteRequiresTerminal(t *testing.T) {
	s := newTestState(t)
	err := s.Complete("warranties", NodeStatusRunning, Completion{})
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestWorkflowState_NodeIDsSorted(t *testing.T) {
	s := newTestState(t)
	assert.Equal(t, []string{"financial_terms", "warranties"}, s.NodeIDs())
	counts := s.CountByStatus()
	assert.Equal(t, 2, counts[NodeStatusPending])
}

func TestNodeStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to NodeStatus
		want     bool
	}{
		{NodeStatusPending, NodeStatusRunning, true},
		{NodeStatusPending, NodeStatusSkippedDependency, true},
		{NodeStatusPending, NodeStatusSkippedCancelled, true},
		{NodeStatusPending, NodeStatusSuccess, false},
		{NodeStatusRunning, NodeStatusSuccess, true},
		{NodeStatusRunning, NodeStatusFailed, true},
		{NodeStatusRunning, NodeStatusSkippedError, true},
		{NodeStatusRunning, NodeStatusSkippedCancelled, true},
		{NodeStatusRunning, NodeStatusSkippedDependency, false},
		{NodeStatusRunning, NodeStatusPending, false},
		{NodeStatusSuccess, NodeStatusFailed, false},
		{NodeStatusFailed, NodeStatusRunning, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}
