// Package postgres provides the Postgres-backed job store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/dsl-png-renderer/internal/jobs"
	"github.com/JakeFAU/dsl-png-renderer/internal/render"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const uniqueViolation = "23505"

// Config controls the Postgres connection pool used for job rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// JobStore persists render jobs in a single table:
//
//	CREATE TABLE render_jobs (
//	    id           text PRIMARY KEY,
//	    status       text NOT NULL,
//	    progress     integer NOT NULL DEFAULT 0,
//	    stage        text NOT NULL,
//	    content_hash text NOT NULL DEFAULT '',
//	    attempts     integer NOT NULL DEFAULT 0,
//	    created_at   timestamptz NOT NULL,
//	    updated_at   timestamptz NOT NULL,
//	    result       jsonb,
//	    error        jsonb,
//	    warnings     jsonb,
//	    request      jsonb
//	);
type JobStore struct {
	pool  dbPool
	table string
}

// NewJobStore creates a Postgres-backed JobStore using the provided config.
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewJobStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(pool dbPool, table string) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "render_jobs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &JobStore{pool: pool, table: table}, nil
}

// Close releases the pool.
func (s *JobStore) Close() {
	s.pool.Close()
}

// Create inserts a new job row.
func (s *JobStore) Create(ctx context.Context, job jobs.Job) error {
	cols, err := encode(job)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s
		(id, status, progress, stage, content_hash, attempts, created_at, updated_at, result, error, warnings, request)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`, s.table)
	_, err = s.pool.Exec(ctx, query,
		job.ID,
		string(job.Status),
		job.Progress,
		string(job.Stage),
		job.ContentHash,
		job.Attempts,
		job.CreatedAt,
		job.UpdatedAt,
		cols.result,
		cols.errInfo,
		cols.warnings,
		cols.request,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("create %s: %w", job.ID, jobs.ErrExists)
	}
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get loads a job row.
func (s *JobStore) Get(ctx context.Context, id string) (jobs.Job, error) {
	query := fmt.Sprintf(`SELECT id, status, progress, stage, content_hash, attempts, created_at, updated_at,
		result, error, warnings, request
		FROM %s WHERE id = $1`, s.table)
	var job jobs.Job
	var status, stage string
	var result, errInfo, warnings, request []byte
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&job.ID,
		&status,
		&job.Progress,
		&stage,
		&job.ContentHash,
		&job.Attempts,
		&job.CreatedAt,
		&job.UpdatedAt,
		&result,
		&errInfo,
		&warnings,
		&request,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return jobs.Job{}, fmt.Errorf("get %s: %w", id, jobs.ErrNotFound)
	}
	if err != nil {
		return jobs.Job{}, fmt.Errorf("select job: %w", err)
	}
	job.Status = jobs.Status(status)
	job.Stage = jobs.Stage(stage)
	if len(result) > 0 {
		job.Result = &render.Result{}
		if err := json.Unmarshal(result, job.Result); err != nil {
			return jobs.Job{}, fmt.Errorf("decode result: %w", err)
		}
	}
	if len(errInfo) > 0 {
		job.Error = &jobs.ErrorInfo{}
		if err := json.Unmarshal(errInfo, job.Error); err != nil {
			return jobs.Job{}, fmt.Errorf("decode error: %w", err)
		}
	}
	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &job.Warnings); err != nil {
			return jobs.Job{}, fmt.Errorf("decode warnings: %w", err)
		}
	}
	if len(request) > 0 {
		if err := json.Unmarshal(request, &job.Request); err != nil {
			return jobs.Job{}, fmt.Errorf("decode request: %w", err)
		}
	}
	return job, nil
}

// Save updates the mutable columns, conditionally on the stored status.
func (s *JobStore) Save(ctx context.Context, job jobs.Job, expect ...jobs.Status) error {
	cols, err := encode(job)
	if err != nil {
		return err
	}
	args := []any{
		job.ID,
		string(job.Status),
		job.Progress,
		string(job.Stage),
		job.ContentHash,
		job.Attempts,
		job.UpdatedAt,
		cols.result,
		cols.errInfo,
		cols.warnings,
	}
	query := fmt.Sprintf(`UPDATE %s
		SET status = $2, progress = $3, stage = $4, content_hash = $5, attempts = $6,
			updated_at = $7, result = $8, error = $9, warnings = $10
		WHERE id = $1`, s.table)
	if len(expect) > 0 {
		query += " AND status = ANY($11)"
		args = append(args, statusStrings(expect))
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var current string
	err = s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT status FROM %s WHERE id = $1`, s.table), job.ID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("save %s: %w", job.ID, jobs.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("select job status: %w", err)
	}
	return fmt.Errorf("save %s from %s: %w", job.ID, current, jobs.ErrConflict)
}

// DeleteFinishedBefore removes terminal jobs last updated before cutoff.
func (s *JobStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE status = ANY($1) AND updated_at < $2`, s.table)
	tag, err := s.pool.Exec(ctx, query, statusStrings(jobs.TerminalStatuses), cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

type encoded struct {
	result, errInfo, warnings, request []byte
}

func encode(job jobs.Job) (encoded, error) {
	var out encoded
	var err error
	if job.Result != nil {
		if out.result, err = json.Marshal(job.Result); err != nil {
			return encoded{}, fmt.Errorf("encode result: %w", err)
		}
	}
	if job.Error != nil {
		if out.errInfo, err = json.Marshal(job.Error); err != nil {
			return encoded{}, fmt.Errorf("encode error: %w", err)
		}
	}
	if len(job.Warnings) > 0 {
		if out.warnings, err = json.Marshal(job.Warnings); err != nil {
			return encoded{}, fmt.Errorf("encode warnings: %w", err)
		}
	}
	if out.request, err = json.Marshal(job.Request); err != nil {
		return encoded{}, fmt.Errorf("encode request: %w", err)
	}
	return out, nil
}

func statusStrings(statuses []jobs.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
