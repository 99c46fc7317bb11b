// Package pgqueue uses a PostgreSQL table as the job queue. Workers claim
// rows with SKIP LOCKED so concurrent workers never receive the same job.
package pgqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/lib/pq"

	"github.com/backbeatmedia/nexrender/internal/worker/domain"
)

// DefaultTable is used when no table is configured
const DefaultTable = "render_jobs"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Store is the part of the PostgreSQL client the source needs
type Store interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (int64, error)
}

// Options configures a Source
type Options struct {
	Table    string
	Executor string // written to the executor column of claimed rows
}

// Source is a job source backed by a PostgreSQL table
type Source struct {
	store    Store
	executor string
	logger   *slog.Logger

	claimQuery  string
	reportQuery string
	rejectQuery string
}

// jobRow is one row of the jobs table
type jobRow struct {
	UID            string         `db:"uid"`
	Type           string         `db:"type"`
	State          string         `db:"state"`
	Tags           pq.StringArray `db:"tags"`
	Priority       int            `db:"priority"`
	Payload        []byte         `db:"payload"`
	RenderProgress float64        `db:"render_progress"`
	Errors         pq.StringArray `db:"errors"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
	Creator        string         `db:"creator"`
	Executor       string         `db:"executor"`
}

// New creates a new Source instance
func New(store Store, opts Options, logger *slog.Logger) (*Source, error) {
	table := opts.Table
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid jobs table name: %q", table)
	}

	return &Source{
		store:       store,
		executor:    opts.Executor,
		logger:      logger,
		claimQuery:  fmt.Sprintf(claimQuery, table),
		reportQuery: fmt.Sprintf(reportQuery, table),
		rejectQuery: fmt.Sprintf(rejectQuery, table),
	}, nil
}

// Schema returns the DDL for a jobs table the source can work with
func Schema(table string) string {
	return fmt.Sprintf(schema, table)
}

const schema = `
	CREATE TABLE IF NOT EXISTS %[1]s (
		uid             TEXT PRIMARY KEY,
		type            TEXT NOT NULL DEFAULT '',
		state           TEXT NOT NULL DEFAULT 'queued',
		tags            TEXT[] NOT NULL DEFAULT '{}',
		priority        INTEGER NOT NULL DEFAULT 0,
		payload         JSONB NOT NULL DEFAULT '{}',
		render_progress DOUBLE PRECISION NOT NULL DEFAULT 0,
		errors          TEXT[] NOT NULL DEFAULT '{}',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at      TIMESTAMPTZ,
		finished_at     TIMESTAMPTZ,
		error_at        TIMESTAMPTZ,
		creator         TEXT NOT NULL DEFAULT '',
		executor        TEXT NOT NULL DEFAULT ''
	)
`

const claimQuery = `
	UPDATE %[1]s
	SET state = 'picked',
	    executor = $2,
	    updated_at = NOW()
	WHERE uid = (
		SELECT uid FROM %[1]s
		WHERE state = 'queued'
		  AND tags @> $1
		ORDER BY priority DESC, created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	)
	RETURNING uid, type, state, tags, priority, payload, render_progress, errors,
	          created_at, updated_at, creator, executor
`

const reportQuery = `
	INSERT INTO %[1]s AS t (
		uid, type, state, tags, render_progress, errors,
		created_at, updated_at, started_at, finished_at, error_at, creator, executor
	)
	VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()), COALESCE($8, NOW()), $9, $10, $11, $12, $13)
	ON CONFLICT (uid) DO UPDATE
	SET state = EXCLUDED.state,
	    render_progress = EXCLUDED.render_progress,
	    errors = EXCLUDED.errors,
	    updated_at = EXCLUDED.updated_at,
	    started_at = COALESCE(EXCLUDED.started_at, t.started_at),
	    finished_at = COALESCE(EXCLUDED.finished_at, t.finished_at),
	    error_at = COALESCE(EXCLUDED.error_at, t.error_at),
	    executor = COALESCE(NULLIF(EXCLUDED.executor, ''), t.executor)
`

const rejectQuery = `
	UPDATE %[1]s
	SET state = 'error',
	    errors = array_append(errors, $2),
	    error_at = NOW(),
	    updated_at = NOW()
	WHERE uid = $1
`

// Claim marks the highest priority queued job carrying every selector tag as picked
func (s *Source) Claim(ctx context.Context, selector domain.TagSelector) (*domain.Job, error) {
	tags := pq.StringArray(selector)
	if tags == nil {
		tags = pq.StringArray{}
	}

	var row jobRow
	if err := s.store.GetContext(ctx, &row, s.claimQuery, tags, s.executor); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	job, err := row.toJob()
	if err != nil {
		// The row is already picked; without this it would never be handed out again
		if _, rejectErr := s.store.ExecContext(ctx, s.rejectQuery, row.UID, err.Error()); rejectErr != nil {
			s.logger.Error("Failed to mark undecodable job as errored",
				slog.String("job_uid", row.UID),
				slog.String("error", rejectErr.Error()),
			)
			return nil, errors.Join(err, fmt.Errorf("failed to mark job %s as errored: %w", row.UID, rejectErr))
		}
		return nil, err
	}

	s.logger.Debug("Claimed job row",
		slog.String("job_uid", job.UID),
		slog.Int("priority", job.Priority),
	)

	return job, nil
}

// Report upserts status into the jobs table
func (s *Source) Report(ctx context.Context, uid string, status *domain.Status) error {
	if uid == "" {
		return domain.ErrMissingUID
	}

	if _, err := s.store.ExecContext(ctx, s.reportQuery, reportArgs(uid, status)...); err != nil {
		return fmt.Errorf("failed to update job %s: %w", uid, err)
	}

	return nil
}

func reportArgs(uid string, status *domain.Status) []any {
	tags := pq.StringArray(status.Tags)
	if tags == nil {
		tags = pq.StringArray{}
	}
	errs := pq.StringArray(status.Error)
	if errs == nil {
		errs = pq.StringArray{}
	}

	return []any{
		uid,
		status.Type,
		string(status.State),
		tags,
		status.RenderProgress,
		errs,
		status.CreatedAt,
		status.UpdatedAt,
		status.StartedAt,
		status.FinishedAt,
		status.ErrorAt,
		status.Creator,
		status.Executor,
	}
}

// toJob decodes the stored job document and lays the row's columns over it
func (r jobRow) toJob() (*domain.Job, error) {
	var job domain.Job
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &job); err != nil {
			return nil, fmt.Errorf("failed to decode payload of job %s: %w", r.UID, err)
		}
	}

	createdAt, updatedAt := r.CreatedAt, r.UpdatedAt

	job.UID = r.UID
	job.Type = r.Type
	job.State = domain.State(r.State)
	job.Tags = domain.Tags(r.Tags)
	job.Priority = r.Priority
	job.RenderProgress = r.RenderProgress
	job.Error = []string(r.Errors)
	job.CreatedAt = &createdAt
	job.UpdatedAt = &updatedAt
	job.Creator = r.Creator
	job.Executor = r.Executor

	if len(job.Tags) == 0 {
		job.Tags = nil
	}
	if len(job.Error) == 0 {
		job.Error = nil
	}

	return &job, nil
}
