package worker

import (
	"context"
	"log/slog"

	"github.com/backbeatmedia/nexrender/internal/worker/domain"
)

// nextJob polls the source until it hands out a job or the worker deactivates.
// It returns nil, nil on deactivation, a claim error only under stop-on-error,
// and the context error when canceled.
func (w *Worker) nextJob(ctx context.Context, state *runState) (*domain.Job, error) {
	for state.active {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		job, err := w.source.Claim(ctx, w.settings.TagSelector)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if w.settings.StopOnError {
				return nil, err
			}
			w.stats.recordError(err)
			w.logger.Error("Failed to claim job, continuing to poll",
				slog.String("error", err.Error()),
			)

		case job != nil && job.UID != "":
			state.emptyReturns = 0
			w.stats.setRunState(state.active, state.emptyReturns)
			w.stats.jobClaimed(job.UID, w.now())
			w.logger.Info("Job claimed",
				slog.String("job_uid", job.UID),
				slog.String("tags", job.Tags.String()),
			)
			return job, nil

		default:
			state.emptyReturns++
			if w.settings.ExitOnEmptyQueue && state.emptyReturns > w.settings.TolerateEmptyQueues {
				state.active = false
			}
			w.stats.setRunState(state.active, state.emptyReturns)
			w.logger.Debug("Queue empty",
				slog.Int("empty_returns", state.emptyReturns),
				slog.Bool("active", state.active),
			)
		}

		if !state.active {
			w.logger.Info("Queue stayed empty, deactivating worker",
				slog.Int("empty_returns", state.emptyReturns),
				slog.Int("tolerate_empty_queues", w.settings.TolerateEmptyQueues),
			)
			break
		}

		if err := w.wait(ctx, w.settings.Polling); err != nil {
			return nil, err
		}
	}

	return nil, nil
}
