package runlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
)

// Pool is the subset of pgxpool.Pool the run log uses. pgxmock satisfies it,
// so the Postgres backend is testable without a server.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresLog implements Log using a pgx connection pool.
type PostgresLog struct {
	pool Pool
}

// NewPostgres creates a PostgresLog with its own connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresLog, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: parse postgres config")
	}
	pgxCfg.MaxConns = 4
	pgxCfg.MinConns = 1
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "runlog: ping postgres")
	}
	return &PostgresLog{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool without taking ownership
// semantics beyond Close.
func NewPostgresFromPool(pool Pool) *PostgresLog {
	return &PostgresLog{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
	id           TEXT PRIMARY KEY,
	stage        TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	rows_out     BIGINT NOT NULL DEFAULT 0,
	error        TEXT,
	metadata     JSONB
);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_stage ON pipeline_runs(stage);
CREATE INDEX IF NOT EXISTS idx_pipeline_runs_started_at ON pipeline_runs(started_at DESC);
`

func (p *PostgresLog) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "runlog: migrate postgres")
}

func (p *PostgresLog) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresLog) Start(ctx context.Context, stage string) (string, error) {
	id := uuid.New().String()
	_, err := p.pool.Exec(ctx,
		`INSERT INTO pipeline_runs (id, stage, status, started_at) VALUES ($1, $2, $3, $4)`,
		id, stage, StatusRunning, time.Now().UTC(),
	)
	if err != nil {
		return "", eris.Wrapf(err, "runlog: start %s run", stage)
	}
	return id, nil
}

func (p *PostgresLog) Complete(ctx context.Context, id string, result *Result) error {
	metaJSON, rows, err := encodeResult(result)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE pipeline_runs SET status = $1, completed_at = $2, rows_out = $3, metadata = $4 WHERE id = $5`,
		StatusComplete, time.Now().UTC(), rows, metaJSON, id,
	)
	if err != nil {
		return eris.Wrapf(err, "runlog: complete run %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("runlog: run not found: %s", id)
	}
	return nil
}

func (p *PostgresLog) Fail(ctx context.Context, id string, errMsg string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE pipeline_runs SET status = $1, completed_at = $2, error = $3 WHERE id = $4`,
		StatusFailed, time.Now().UTC(), errMsg, id,
	)
	if err != nil {
		return eris.Wrapf(err, "runlog: fail run %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("runlog: run not found: %s", id)
	}
	return nil
}

func (p *PostgresLog) List(ctx context.Context, filter Filter) ([]Entry, error) {
	query := `SELECT id, stage, status, started_at, completed_at, rows_out, error, metadata
	 FROM pipeline_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Stage != "" {
		query += fmt.Sprintf(` AND stage = $%d`, argIdx)
		args = append(args, filter.Stage)
		argIdx++
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: list runs")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var completedAt *time.Time
		var errStr *string
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.Stage, &e.Status, &e.StartedAt, &completedAt, &e.Rows, &errStr, &metaJSON); err != nil {
			return nil, eris.Wrap(err, "runlog: scan run")
		}
		e.CompletedAt = completedAt
		if errStr != nil {
			e.Error = *errStr
		}
		if metaJSON != nil {
			_ = json.Unmarshal(metaJSON, &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "runlog: list runs iterate")
}
