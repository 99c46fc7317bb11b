package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/backbeatmedia/nexrender/internal/render"
	"github.com/backbeatmedia/nexrender/internal/worker/domain"
)

// JobSource is the queue the worker claims jobs from and reports them to
type JobSource interface {
	// Claim returns one unclaimed job matching selector, or nil when none is available
	Claim(ctx context.Context, selector domain.TagSelector) (*domain.Job, error)
	// Report upserts the status of job uid
	Report(ctx context.Context, uid string, status *domain.Status) error
}

// Exit describes why Run returned
type Exit string

const (
	// ExitDeactivated means the queue stayed empty past the tolerated number of claims
	ExitDeactivated Exit = "deactivated"
	// ExitCanceled means the run context was canceled
	ExitCanceled Exit = "canceled"
	// ExitFailed means a failure was fatal under stop-on-error
	ExitFailed Exit = "failed"
)

// WaitFunc blocks for d or until ctx is done
type WaitFunc func(ctx context.Context, d time.Duration) error

// Config holds worker configuration
type Config struct {
	Logger   *slog.Logger
	Source   JobSource
	Renderer render.Renderer
	Settings Settings

	// Optional, for tests
	Wait WaitFunc
	Now  func() time.Time
}

// Worker claims render jobs one at a time and drives them to a terminal state
type Worker struct {
	logger   *slog.Logger
	source   JobSource
	renderer render.Renderer
	settings Settings
	wait     WaitFunc
	now      func() time.Time
	stats    *stats
}

// runState is owned by a single Run call
type runState struct {
	active       bool
	emptyReturns int
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:   cfg.Logger,
		source:   cfg.Source,
		renderer: cfg.Renderer,
		settings: cfg.Settings,
		wait:     cfg.Wait,
		now:      cfg.Now,
		stats:    newStats(cfg.Settings),
	}

	if w.wait == nil {
		w.wait = sleep
	}
	if w.now == nil {
		w.now = time.Now
	}

	return w
}

// Settings returns the settings the worker runs with
func (w *Worker) Settings() Settings {
	return w.settings
}

// Stats returns a snapshot of the worker's progress
func (w *Worker) Stats() StatsSnapshot {
	return w.stats.snapshot()
}

// Run claims and processes jobs until the worker deactivates, ctx is canceled,
// or a failure is fatal. A job that is in flight when ctx is canceled is still
// driven to its terminal report before Run returns.
func (w *Worker) Run(ctx context.Context) (Exit, error) {
	w.logger.Info("Starting worker",
		slog.String("worker", w.settings.Name),
		slog.String("tag_selector", w.settings.TagSelector.String()),
		slog.Duration("polling", w.settings.Polling),
		slog.Int("tolerate_empty_queues", w.settings.TolerateEmptyQueues),
		slog.Bool("exit_on_empty_queue", w.settings.ExitOnEmptyQueue),
		slog.Bool("stop_on_error", w.settings.StopOnError),
	)

	state := &runState{active: true}

	for state.active {
		if ctx.Err() != nil {
			return w.stop(ExitCanceled, nil)
		}

		job, err := w.nextJob(ctx, state)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return w.stop(ExitCanceled, nil)
			}
			return w.stop(ExitFailed, err)
		}

		if !state.active || job == nil {
			break
		}

		if err := w.processJob(context.WithoutCancel(ctx), job); err != nil {
			return w.stop(ExitFailed, err)
		}
	}

	return w.stop(ExitDeactivated, nil)
}

func (w *Worker) stop(exit Exit, err error) (Exit, error) {
	w.stats.update(func(snap *StatsSnapshot) {
		snap.Active = false
	})

	attrs := []any{slog.String("exit", string(exit))}
	if err != nil {
		w.stats.recordError(err)
		attrs = append(attrs, slog.String("error", err.Error()))
		w.logger.Error("Worker stopped", attrs...)
	} else {
		w.logger.Info("Worker stopped", attrs...)
	}

	return exit, err
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
