package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/real2ai/contract-cli/internal/db"
	"github.com/real2ai/contract-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection.
var preparedStatements = map[string]string{
	"insert_run":        `INSERT INTO runs (id, document_id, jurisdiction, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
	"update_run_status": `UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`,
	"get_run":           `SELECT ` + pgRunColumns + ` FROM runs WHERE id = $1`,
	"get_result":        `SELECT result FROM runs WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	document_id  TEXT NOT NULL DEFAULT '',
	jurisdiction TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'running',
	coherent     BOOLEAN NOT NULL DEFAULT false,
	node_counts  JSONB,
	cost_usd     DOUBLE PRECISION NOT NULL DEFAULT 0,
	duration_ms  BIGINT NOT NULL DEFAULT 0,
	result       JSONB,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS node_records (
	run_id         TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	node_id        TEXT NOT NULL,
	phase          INTEGER NOT NULL,
	critical       BOOLEAN NOT NULL DEFAULT false,
	status         TEXT NOT NULL,
	attempts       INTEGER NOT NULL DEFAULT 0,
	model          TEXT NOT NULL DEFAULT '',
	input_tokens   INTEGER NOT NULL DEFAULT 0,
	output_tokens  INTEGER NOT NULL DEFAULT 0,
	cost_usd       DOUBLE PRECISION NOT NULL DEFAULT 0,
	output         JSONB,
	error          TEXT NOT NULL DEFAULT '',
	error_kind     TEXT NOT NULL DEFAULT '',
	skipped_reason TEXT NOT NULL DEFAULT '',
	started_at     TIMESTAMPTZ,
	ended_at       TIMESTAMPTZ,
	PRIMARY KEY (run_id, node_id)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_document ON runs(document_id);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
CREATE INDEX IF NOT EXISTS idx_node_records_status ON node_records(status);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run model.Run) error {
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

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, document_id, jurisdiction, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.DocumentID, string(run.Jurisdiction), string(run.Status), run.CreatedAt, run.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert run %s", run.ID)
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

// SaveResult upserts the run summary and its node records in one
// transaction. Node records go through a temp-table bulk upsert.
func (s *PostgresStore) SaveResult(ctx context.Context, result *model.WorkflowResult) error {
	if result == nil {
		return eris.New("postgres: nil result")
	}
	run := result.Summarize()

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}
	countsJSON, err := json.Marshal(run.NodeCounts)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal node counts")
	}
	rows, err := nodeRows(result)
	if err != nil {
		return err
	}

	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO runs (id, document_id, jurisdiction, status, coherent, node_counts, cost_usd, duration_ms, result, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 ON CONFLICT (id) DO UPDATE SET
				document_id = EXCLUDED.document_id,
				jurisdiction = EXCLUDED.jurisdiction,
				status = EXCLUDED.status,
				coherent = EXCLUDED.coherent,
				node_counts = EXCLUDED.node_counts,
				cost_usd = EXCLUDED.cost_usd,
				duration_ms = EXCLUDED.duration_ms,
				result = EXCLUDED.result,
				updated_at = EXCLUDED.updated_at`,
			run.ID, run.DocumentID, string(run.Jurisdiction), string(run.Status), run.Coherent, countsJSON,
			run.CostUSD, run.DurationMs, resultJSON, run.CreatedAt, run.UpdatedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: upsert run %s", run.ID)
		}

		_, err = db.BulkUpsert(ctx, tx, db.UpsertConfig{
			Table:        "node_records",
			Columns:      nodeColumns,
			ConflictKeys: []string{"run_id", "node_id"},
		}, rows)
		return eris.Wrapf(err, "postgres: upsert node records %s", run.ID)
	})
}

const pgRunColumns = `id, document_id, jurisdiction, status, coherent, node_counts, cost_usd, duration_ms, created_at, updated_at`

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	r, err := scanPgRun(s.pool.QueryRow(ctx,
		`SELECT `+pgRunColumns+` FROM runs WHERE id = $1`,
		runID,
	))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) GetResult(ctx context.Context, runID string) (*model.WorkflowResult, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT result FROM runs WHERE id = $1`, runID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && len(data) == 0) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: result for run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get result %s", runID)
	}
	return decodeResult(data)
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + pgRunColumns + ` FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.DocumentID != "" {
		query += fmt.Sprintf(` AND document_id = $%d`, argIdx)
		args = append(args, filter.DocumentID)
		argIdx++
	}
	if !filter.CreatedAfter.IsZero() {
		query += fmt.Sprintf(` AND created_at >= $%d`, argIdx)
		args = append(args, filter.CreatedAfter.UTC())
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d`, argIdx)
	args = append(args, filter.limit())
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: list runs")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) ListNodeRecords(ctx context.Context, runID string) ([]model.NodeExecutionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT node_id, phase, critical, status, attempts, model, input_tokens, output_tokens, cost_usd,
			output, error, error_kind, skipped_reason, started_at, ended_at
		 FROM node_records WHERE run_id = $1 ORDER BY phase, node_id`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list node records %s", runID)
	}
	defer rows.Close()

	var out []model.NodeExecutionRecord
	for rows.Next() {
		var (
			rec            model.NodeExecutionRecord
			status, kind   string
			output         []byte
			started, ended *time.Time
		)
		if err := rows.Scan(&rec.NodeID, &rec.Phase, &rec.Critical, &status, &rec.Attempts, &rec.Model,
			&rec.Usage.InputTokens, &rec.Usage.OutputTokens, &rec.Usage.Cost, &output, &rec.Error, &kind,
			&rec.SkippedReason, &started, &ended); err != nil {
			return nil, eris.Wrap(err, "postgres: scan node record")
		}
		rec.Status = model.NodeStatus(status)
		rec.ErrorKind = model.ErrorKind(kind)
		if started != nil {
			rec.StartedAt = *started
		}
		if ended != nil {
			rec.EndedAt = *ended
		}
		if rec.Output, err = decodeOutput(output); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list node records iterate")
}

func scanPgRun(row pgx.Row) (*model.Run, error) {
	var (
		r            model.Run
		jurisdiction string
		status       string
		counts       []byte
	)
	err := row.Scan(&r.ID, &r.DocumentID, &jurisdiction, &status, &r.Coherent, &counts,
		&r.CostUSD, &r.DurationMs, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan run")
	}
	r.Jurisdiction = model.State(jurisdiction)
	r.Status = model.RunStatus(status)
	if r.NodeCounts, err = decodeCounts(counts); err != nil {
		return nil, err
	}
	return &r, nil
}
