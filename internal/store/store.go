package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/real2ai/contract-cli/internal/model"
)

// ErrNotFound is returned when a run or its result does not exist.
var ErrNotFound = eris.New("store: not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       model.RunStatus `json:"status,omitempty"`
	DocumentID   string          `json:"document_id,omitempty"`
	CreatedAfter time.Time       `json:"created_after,omitzero"`
	Limit        int             `json:"limit,omitempty"`
	Offset       int             `json:"offset,omitempty"`
}

const defaultListLimit = 100

func (f RunFilter) limit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}

// Store persists analysis runs and their results.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run model.Run) error
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Results
	SaveResult(ctx context.Context, result *model.WorkflowResult) error
	GetResult(ctx context.Context, runID string) (*model.WorkflowResult, error)
	ListNodeRecords(ctx context.Context, runID string) ([]model.NodeExecutionRecord, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// nodeColumns is the column order of node_records rows.
var nodeColumns = []string{
	"run_id", "node_id", "phase", "critical", "status", "attempts", "model",
	"input_tokens", "output_tokens", "cost_usd", "output", "error", "error_kind",
	"skipped_reason", "started_at", "ended_at",
}

// nodeRows flattens a result's records into node_records rows, sorted by node id.
func nodeRows(result *model.WorkflowResult) ([][]any, error) {
	if result.State == nil {
		return nil, nil
	}
	ids := result.State.NodeIDs()
	rows := make([][]any, 0, len(ids))
	for _, id := range ids {
		rec := result.State.Records[id]
		var output any
		if rec.Output != nil {
			b, err := json.Marshal(rec.Output)
			if err != nil {
				return nil, eris.Wrapf(err, "store: marshal output of %s", id)
			}
			output = string(b)
		}
		rows = append(rows, []any{
			result.RunID, rec.NodeID, rec.Phase, rec.Critical, string(rec.Status), rec.Attempts, rec.Model,
			rec.Usage.InputTokens, rec.Usage.OutputTokens, rec.Usage.Cost, output, rec.Error, string(rec.ErrorKind),
			rec.SkippedReason, nullTime(rec.StartedAt), nullTime(rec.EndedAt),
		})
	}
	return rows, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// decodeResult restores a stored result. The state is sealed again since it
// was terminal when saved.
func decodeResult(data []byte) (*model.WorkflowResult, error) {
	var res model.WorkflowResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal result")
	}
	if res.State != nil {
		if res.State.Records == nil {
			res.State.Records = make(map[string]*model.NodeExecutionRecord)
		}
		res.State.Seal()
	}
	return &res, nil
}

func decodeCounts(data []byte) (map[model.NodeStatus]int, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var counts map[model.NodeStatus]int
	if err := json.Unmarshal(data, &counts); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal node counts")
	}
	return counts, nil
}

func decodeOutput(data []byte) (*model.AnalyzerOutput, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out model.AnalyzerOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal node output")
	}
	return &out, nil
}
