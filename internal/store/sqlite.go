package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/real2ai/contract-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	document_id  TEXT NOT NULL DEFAULT '',
	jurisdiction TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'running',
	coherent     INTEGER NOT NULL DEFAULT 0,
	node_counts  TEXT,
	cost_usd     REAL NOT NULL DEFAULT 0,
	duration_ms  INTEGER NOT NULL DEFAULT 0,
	result       TEXT,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS node_records (
	run_id         TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	node_id        TEXT NOT NULL,
	phase          INTEGER NOT NULL,
	critical       INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL,
	attempts       INTEGER NOT NULL DEFAULT 0,
	model          TEXT NOT NULL DEFAULT '',
	input_tokens   INTEGER NOT NULL DEFAULT 0,
	output_tokens  INTEGER NOT NULL DEFAULT 0,
	cost_usd       REAL NOT NULL DEFAULT 0,
	output         TEXT,
	error          TEXT NOT NULL DEFAULT '',
	error_kind     TEXT NOT NULL DEFAULT '',
	skipped_reason TEXT NOT NULL DEFAULT '',
	started_at     DATETIME,
	ended_at       DATETIME,
	PRIMARY KEY (run_id, node_id)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_document ON runs(document_id);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
CREATE INDEX IF NOT EXISTS idx_node_records_status ON node_records(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run model.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.CreatedAt
	}
	if run.Status == "" {
		run.Status = model.RunStatusRunning
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, document_id, jurisdiction, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.DocumentID, string(run.Jurisdiction), string(run.Status), run.CreatedAt.UTC(), run.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert run %s", run.ID)
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

// SaveResult upserts the run summary and replaces its node records in one
// transaction. Saving the same result twice leaves the same rows.
func (s *SQLiteStore) SaveResult(ctx context.Context, result *model.WorkflowResult) error {
	if result == nil {
		return eris.New("sqlite: nil result")
	}
	run := result.Summarize()

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}
	countsJSON, err := json.Marshal(run.NodeCounts)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal node counts")
	}
	rows, err := nodeRows(result)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, document_id, jurisdiction, status, coherent, node_counts, cost_usd, duration_ms, result, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			document_id = excluded.document_id,
			jurisdiction = excluded.jurisdiction,
			status = excluded.status,
			coherent = excluded.coherent,
			node_counts = excluded.node_counts,
			cost_usd = excluded.cost_usd,
			duration_ms = excluded.duration_ms,
			result = excluded.result,
			updated_at = excluded.updated_at`,
		run.ID, run.DocumentID, string(run.Jurisdiction), string(run.Status), run.Coherent, string(countsJSON),
		run.CostUSD, run.DurationMs, string(resultJSON), run.CreatedAt.UTC(), run.UpdatedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert run %s", run.ID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM node_records WHERE run_id = ?`, run.ID); err != nil {
		return eris.Wrapf(err, "sqlite: clear node records %s", run.ID)
	}

	if len(rows) > 0 {
		insert := `INSERT INTO node_records (` + strings.Join(nodeColumns, ", ") + `) VALUES (` +
			strings.TrimSuffix(strings.Repeat("?, ", len(nodeColumns)), ", ") + `)`
		stmt, err := tx.PrepareContext(ctx, insert)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare node record insert")
		}
		defer stmt.Close() //nolint:errcheck
		for _, row := range rows {
			if _, err := stmt.ExecContext(ctx, row...); err != nil {
				return eris.Wrapf(err, "sqlite: insert node record %v", row[1])
			}
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit result")
}

const sqliteRunColumns = `id, document_id, jurisdiction, status, coherent, node_counts, cost_usd, duration_ms, created_at, updated_at`

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRunColumns+` FROM runs WHERE id = ?`,
		runID,
	)
	r, err := scanRun(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return r, nil
}

func (s *SQLiteStore) GetResult(ctx context.Context, runID string) (*model.WorkflowResult, error) {
	var data sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT result FROM runs WHERE id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !data.Valid) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: result for run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get result %s", runID)
	}
	return decodeResult([]byte(data.String))
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + sqliteRunColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.DocumentID != "" {
		query += ` AND document_id = ?`
		args = append(args, filter.DocumentID)
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.CreatedAfter.UTC())
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, filter.limit())

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: list runs")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) ListNodeRecords(ctx context.Context, runID string) ([]model.NodeExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+strings.Join(nodeColumns[1:], ", ")+` FROM node_records WHERE run_id = ? ORDER BY phase, node_id`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list node records %s", runID)
	}
	defer rows.Close()

	var out []model.NodeExecutionRecord
	for rows.Next() {
		var (
			rec            model.NodeExecutionRecord
			status, kind   string
			output         sql.NullString
			started, ended sql.NullTime
		)
		if err := rows.Scan(&rec.NodeID, &rec.Phase, &rec.Critical, &status, &rec.Attempts, &rec.Model,
			&rec.Usage.InputTokens, &rec.Usage.OutputTokens, &rec.Usage.Cost, &output, &rec.Error, &kind,
			&rec.SkippedReason, &started, &ended); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan node record")
		}
		rec.Status = model.NodeStatus(status)
		rec.ErrorKind = model.ErrorKind(kind)
		rec.StartedAt = started.Time
		rec.EndedAt = ended.Time
		if output.Valid {
			if rec.Output, err = decodeOutput([]byte(output.String)); err != nil {
				return nil, err
			}
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list node records iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var (
		r            model.Run
		jurisdiction string
		status       string
		counts       sql.NullString
	)
	err := row.Scan(&r.ID, &r.DocumentID, &jurisdiction, &status, &r.Coherent, &counts,
		&r.CostUSD, &r.DurationMs, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan run")
	}
	r.Jurisdiction = model.State(jurisdiction)
	r.Status = model.RunStatus(status)
	if counts.Valid {
		if r.NodeCounts, err = decodeCounts([]byte(counts.String)); err != nil {
			return nil, err
		}
	}
	return &r, nil
}
