// Package postgres provides a Postgres-backed regional job registry.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/regional-access/internal/analyst"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for regional jobs.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// JobRegistry stores regional jobs in a Postgres table.
type JobRegistry struct {
	pool  pool
	table string
}

// NewJobRegistry connects to Postgres using cfg.
func NewJobRegistry(ctx context.Context, cfg Config) (*JobRegistry, error) {
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	reg, err := NewJobRegistryWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return reg, nil
}

// NewJobRegistryWithPool constructs a registry from an existing pool (primarily for testing).
func NewJobRegistryWithPool(p pool, table string) (*JobRegistry, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "regional_jobs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &JobRegistry{pool: p, table: table}, nil
}

// Ping checks connectivity for readiness probes.
func (r *JobRegistry) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the pool.
func (r *JobRegistry) Close() {
	r.pool.Close()
}

// CreateJob inserts a pending job.
func (r *JobRegistry) CreateJob(ctx context.Context, job analyst.RegionalJob) error {
	query := fmt.Sprintf(`INSERT INTO %s
		(id, grid, zoom, west, north, width, height, n_samples, received, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9)`, r.table)
	_, err := r.pool.Exec(ctx, query,
		job.ID, job.Grid, job.Zoom, job.West, job.North, job.Width, job.Height, job.NSamples,
		string(analyst.JobStatusPending),
	)
	if err != nil {
		return fmt.Errorf("insert regional job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob loads a job by ID.
func (r *JobRegistry) GetJob(ctx context.Context, jobID string) (analyst.RegionalJob, error) {
	query := fmt.Sprintf(`SELECT id, grid, zoom, west, north, width, height, n_samples, received, status,
		COALESCE(result_uri, ''), COALESCE(failure, '') FROM %s WHERE id = $1`, r.table)
	var (
		job    analyst.RegionalJob
		status string
	)
	err := r.pool.QueryRow(ctx, query, jobID).Scan(
		&job.ID, &job.Grid, &job.Zoom, &job.West, &job.North, &job.Width, &job.Height,
		&job.NSamples, &job.Received, &status, &job.ResultURI, &job.Failure,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return analyst.RegionalJob{}, fmt.Errorf("%w: %s", analyst.ErrJobNotFound, jobID)
		}
		return analyst.RegionalJob{}, fmt.Errorf("select regional job %s: %w", jobID, err)
	}
	job.Status = analyst.JobStatus(status)
	return job, nil
}

// UpdateProgress records how many origins have been collated.
func (r *JobRegistry) UpdateProgress(ctx context.Context, jobID string, received int) error {
	query := fmt.Sprintf(`UPDATE %s SET received = $1 WHERE id = $2`, r.table)
	return r.execOne(ctx, jobID, query, received, jobID)
}

// CompleteJob marks the job complete with the location of its access grid.
func (r *JobRegistry) CompleteJob(ctx context.Context, jobID string, resultURI string) error {
	query := fmt.Sprintf(`UPDATE %s SET status = $1, result_uri = $2, received = width * height
		WHERE id = $3`, r.table)
	return r.execOne(ctx, jobID, query, string(analyst.JobStatusComplete), resultURI, jobID)
}

// FailJob marks a job that has not completed as failed with reason.
func (r *JobRegistry) FailJob(ctx context.Context, jobID string, reason string) error {
	query := fmt.Sprintf(`UPDATE %s SET status = $1, failure = $2 WHERE id = $3 AND status <> $4`, r.table)
	tag, err := r.pool.Exec(ctx, query, string(analyst.JobStatusFailed), reason, jobID, string(analyst.JobStatusComplete))
	if err != nil {
		return fmt.Errorf("fail regional job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		// Either unknown or already complete; only the former is an error.
		if _, err := r.GetJob(ctx, jobID); err != nil {
			return err
		}
	}
	return nil
}

func (r *JobRegistry) execOne(ctx context.Context, jobID, query string, args ...any) error {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update regional job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", analyst.ErrJobNotFound, jobID)
	}
	return nil
}
