package pgqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backbeatmedia/nexrender/internal/worker/domain"
	"github.com/backbeatmedia/nexrender/shared/logger"
)

type call struct {
	query string
	args  []any
}

type fakeStore struct {
	row     *jobRow
	getErr  error
	execErr error
	gets    []call
	execs   []call
}

func (f *fakeStore) GetContext(ctx context.Context, dest any, query string, args ...any) error {
	f.gets = append(f.gets, call{query: query, args: args})
	if f.getErr != nil {
		return f.getErr
	}
	*dest.(*jobRow) = *f.row
	return nil
}

func (f *fakeStore) ExecContext(ctx context.Context, query string, args ...any) (int64, error) {
	f.execs = append(f.execs, call{query: query, args: args})
	if f.execErr != nil {
		return 0, f.execErr
	}
	return 1, nil
}

func newSource(t *testing.T, store *fakeStore) *Source {
	t.Helper()
	source, err := New(store, Options{Executor: "node-1"}, logger.NewDiscard().Logger)
	require.NoError(t, err)
	return source
}

func TestNew_TableName(t *testing.T) {
	tests := []struct {
		table   string
		wantErr bool
	}{
		{table: ""},
		{table: "render_jobs"},
		{table: "farm.render_jobs"},
		{table: "jobs; DROP TABLE users", wantErr: true},
		{table: "1jobs", wantErr: true},
		{table: `"quoted"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.table, func(t *testing.T) {
			source, err := New(&fakeStore{}, Options{Table: tt.table}, logger.NewDiscard().Logger)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "invalid jobs table name")
				return
			}
			require.NoError(t, err)
			want := tt.table
			if want == "" {
				want = DefaultTable
			}
			assert.Contains(t, source.claimQuery, "UPDATE "+want)
			assert.Contains(t, source.reportQuery, "INSERT INTO "+want)
		})
	}
}

func TestSource_Claim(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	store := &fakeStore{row: &jobRow{
		UID:       "a",
		Type:      "default",
		State:     "picked",
		Tags:      pq.StringArray{"gpu", "fast"},
		Priority:  5,
		Payload:   []byte(`{"uid":"ignored","template":{"src":"x.aep","composition":"main"},"actions":{"postrender":[]}}`),
		Errors:    pq.StringArray{},
		CreatedAt: created,
		UpdatedAt: created.Add(time.Minute),
		Creator:   "api",
		Executor:  "node-1",
	}}
	source := newSource(t, store)

	job, err := source.Claim(context.Background(), domain.TagSelector{"gpu"})

	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "a", job.UID)
	assert.Equal(t, domain.StatePicked, job.State)
	assert.Equal(t, domain.Tags{"gpu", "fast"}, job.Tags)
	assert.Equal(t, 5, job.Priority)
	assert.Equal(t, "node-1", job.Executor)
	assert.Nil(t, job.Error)
	assert.Equal(t, created, *job.CreatedAt)
	assert.JSONEq(t, `{"src":"x.aep","composition":"main"}`, string(job.Template))

	require.Len(t, store.gets, 1)
	assert.Contains(t, store.gets[0].query, "FOR UPDATE SKIP LOCKED")
	assert.Equal(t, []any{pq.StringArray{"gpu"}, "node-1"}, store.gets[0].args)
}

func TestSource_ClaimWithoutSelector(t *testing.T) {
	store := &fakeStore{row: &jobRow{UID: "b", State: "picked"}}
	source := newSource(t, store)

	job, err := source.Claim(context.Background(), nil)

	require.NoError(t, err)
	assert.Equal(t, "b", job.UID)
	assert.Equal(t, pq.StringArray{}, store.gets[0].args[0], "empty array matches every row")
}

func TestSource_ClaimEmptyAndErrors(t *testing.T) {
	t.Run("no rows is an empty queue", func(t *testing.T) {
		source := newSource(t, &fakeStore{getErr: fmt.Errorf("failed to get row: %w", sql.ErrNoRows)})

		job, err := source.Claim(context.Background(), nil)

		require.NoError(t, err)
		assert.Nil(t, job)
	})

	t.Run("database error", func(t *testing.T) {
		source := newSource(t, &fakeStore{getErr: errors.New("connection reset by peer")})

		_, err := source.Claim(context.Background(), nil)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to claim job")
	})

	t.Run("corrupt payload marks the row errored", func(t *testing.T) {
		store := &fakeStore{row: &jobRow{UID: "c", Payload: []byte(`[1,2`)}}
		source := newSource(t, store)

		job, err := source.Claim(context.Background(), nil)

		require.Error(t, err)
		assert.Nil(t, job)
		assert.Contains(t, err.Error(), "failed to decode payload of job c")

		require.Len(t, store.execs, 1)
		assert.Contains(t, store.execs[0].query, "SET state = 'error'")
		assert.Contains(t, store.execs[0].query, "array_append(errors, $2)")
		assert.Equal(t, "c", store.execs[0].args[0])
		assert.Contains(t, store.execs[0].args[1], "failed to decode payload of job c")
	})

	t.Run("corrupt payload and marking fails", func(t *testing.T) {
		store := &fakeStore{
			row:     &jobRow{UID: "c", Payload: []byte(`[1,2`)},
			execErr: errors.New("connection reset by peer"),
		}
		source := newSource(t, store)

		_, err := source.Claim(context.Background(), nil)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to decode payload of job c")
		assert.Contains(t, err.Error(), "failed to mark job c as errored")
	})
}

func TestSource_Report(t *testing.T) {
	store := &fakeStore{}
	source := newSource(t, store)

	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	status := &domain.Status{
		UID:            "a",
		State:          domain.StateError,
		Tags:           domain.Tags{"gpu"},
		RenderProgress: 40,
		Error:          []string{"disk full"},
		StartedAt:      &started,
		Executor:       "node-1",
	}

	require.NoError(t, source.Report(context.Background(), "a", status))

	require.Len(t, store.execs, 1)
	q := store.execs[0].query
	assert.Contains(t, q, "ON CONFLICT (uid) DO UPDATE")
	assert.Contains(t, q, "COALESCE(EXCLUDED.finished_at, t.finished_at)")

	args := store.execs[0].args
	require.Len(t, args, 13)
	assert.Equal(t, "a", args[0])
	assert.Equal(t, "error", args[2])
	assert.Equal(t, pq.StringArray{"gpu"}, args[3])
	assert.Equal(t, float64(40), args[4])
	assert.Equal(t, pq.StringArray{"disk full"}, args[5])
	assert.Equal(t, &started, args[8])
	assert.Nil(t, args[9].(*time.Time), "unset finishedAt leaves the stored value")
	assert.Equal(t, "node-1", args[12])
}

func TestSource_ReportErrors(t *testing.T) {
	source := newSource(t, &fakeStore{execErr: errors.New("deadlock detected")})

	assert.ErrorIs(t, source.Report(context.Background(), "", &domain.Status{}), domain.ErrMissingUID)

	err := source.Report(context.Background(), "a", &domain.Status{UID: "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to update job a")
}

func TestReportArgs_EmptyArraysAreNotNull(t *testing.T) {
	args := reportArgs("a", &domain.Status{UID: "a", State: domain.StateStarted})

	assert.Equal(t, pq.StringArray{}, args[3])
	assert.Equal(t, pq.StringArray{}, args[5])
}

func TestSchema(t *testing.T) {
	ddl := Schema("render_jobs")
	assert.True(t, strings.Contains(ddl, "CREATE TABLE IF NOT EXISTS render_jobs"))
	assert.Contains(t, ddl, "uid             TEXT PRIMARY KEY")
}
