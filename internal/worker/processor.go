package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/backbeatmedia/nexrender/internal/render"
	"github.com/backbeatmedia/nexrender/internal/worker/domain"
	"github.com/backbeatmedia/nexrender/shared/logger"
)

// processJob drives one claimed job from started to a terminal report.
// A non-nil return is fatal for the worker; every absorbed failure is logged here.
func (w *Worker) processJob(ctx context.Context, job *domain.Job) error {
	log := logger.ForJob(w.logger, job.UID)

	// Step 1: Mark the job started and tell the server. The server owns the
	// job, so if this fails the job is dropped and may be handed out again.
	if job.State == domain.StateStarted || job.State.IsRendering() || job.State.IsTerminal() {
		log.Warn("Restarting job claimed in a later state",
			slog.String("state", job.State.String()),
		)
	}
	job.Executor = w.settings.Name
	job.Start(w.now())

	if err := w.source.Report(ctx, job.UID, job.RenderingStatus()); err != nil {
		log.Error("Failed to report job start, abandoning job",
			slog.String("state", job.State.String()),
			slog.String("error", err.Error()),
		)
		w.stats.jobAbandoned(err)
		return nil
	}

	log.Info("Rendering job")

	// Step 2: Render with hooks forwarding progress and collecting errors
	rendered, err := w.renderer.Render(ctx, job, w.hooks(ctx, log))
	if rendered != nil {
		job = rendered
	}
	if err != nil {
		return w.failJob(ctx, log, job, err)
	}

	// Step 3: Finished
	if err := job.Finish(w.now()); err != nil {
		return w.failJob(ctx, log, job, err)
	}

	if err := w.source.Report(ctx, job.UID, job.RenderingStatus()); err != nil {
		return w.failJob(ctx, log, job, fmt.Errorf("failed to report finished job: %w", err))
	}

	attrs := []any{}
	if job.StartedAt != nil {
		attrs = append(attrs, slog.Duration("duration", job.FinishedAt.Sub(*job.StartedAt)))
	}
	log.Info("Job finished", attrs...)
	w.stats.jobFinished()

	return nil
}

// failJob records cause on the job, reports the error state, and applies
// stop-on-error to the reporting fault and to cause independently.
func (w *Worker) failJob(ctx context.Context, log *slog.Logger, job *domain.Job, cause error) error {
	log.Error("Job failed",
		slog.String("state", job.State.String()),
		slog.String("error", domain.DescribeError(cause)),
	)
	w.stats.jobFailed(cause)

	fail := job.Fail
	if job.State == domain.StateFinished {
		// Finished locally but the server never heard of it
		fail = job.FailReport
	}
	if err := fail(cause, w.now()); err != nil {
		// Already terminal; keep the original outcome and record only
		job.AppendError(cause)
	}

	reportErr := w.source.Report(ctx, job.UID, job.RenderingStatus())
	if reportErr != nil {
		log.Error("Failed to report job error",
			slog.String("error", reportErr.Error()),
		)
		if w.settings.StopOnError {
			return domain.NewJobFailure(job.UID, cause, reportErr)
		}
	}

	if w.settings.StopOnError {
		return domain.NewJobFailure(job.UID, cause, nil)
	}

	log.Info("Continuing to next job")
	return nil
}

// hooks builds the callbacks the renderer drives while the job is in flight
func (w *Worker) hooks(ctx context.Context, log *slog.Logger) render.Hooks {
	return render.Hooks{
		OnProgress: func(job *domain.Job) error {
			err := w.source.Report(ctx, job.UID, job.RenderingStatus())
			if err == nil {
				log.Debug("Render progress reported",
					slog.String("state", job.State.String()),
					slog.Float64("progress", job.RenderProgress),
				)
				return nil
			}

			if w.settings.StopOnError {
				return fmt.Errorf("failed to report render progress: %w", err)
			}
			w.stats.recordError(err)
			log.Warn("Failed to report render progress, continuing render",
				slog.String("state", job.State.String()),
				slog.String("error", err.Error()),
			)
			return nil
		},
		OnError: func(job *domain.Job, err error) {
			job.AppendError(err)
			log.Warn("Render error",
				slog.String("error", domain.DescribeError(err)),
			)
		},
	}
}
