package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backbeatmedia/nexrender/internal/render"
	"github.com/backbeatmedia/nexrender/internal/worker/domain"
	"github.com/backbeatmedia/nexrender/shared/logger"
)

type claimResult struct {
	job *domain.Job
	err error
}

type report struct {
	uid    string
	status *domain.Status
	ctxErr error
}

// fakeSource replays scripted claims and then reports an empty queue forever
type fakeSource struct {
	mu         sync.Mutex
	claims     []claimResult
	claimCalls int
	selectors  []domain.TagSelector
	reports    []report
	reportErr  func(status *domain.Status) error
}

func (f *fakeSource) Claim(ctx context.Context, selector domain.TagSelector) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.claimCalls++
	f.selectors = append(f.selectors, selector)
	if len(f.claims) == 0 {
		return nil, nil
	}
	next := f.claims[0]
	f.claims = f.claims[1:]
	return next.job, next.err
}

func (f *fakeSource) Report(ctx context.Context, uid string, status *domain.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.reportErr != nil {
		if err := f.reportErr(status); err != nil {
			return err
		}
	}
	f.reports = append(f.reports, report{uid: uid, status: status, ctxErr: ctx.Err()})
	return nil
}

func (f *fakeSource) states() []domain.State {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]domain.State, 0, len(f.reports))
	for _, r := range f.reports {
		out = append(out, r.status.State)
	}
	return out
}

func (f *fakeSource) last() *domain.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reports[len(f.reports)-1].status
}

func withJob(uid string) claimResult {
	return claimResult{job: &domain.Job{UID: uid, State: domain.StatePicked}}
}

func empty() claimResult {
	return claimResult{}
}

func claimFailure(msg string) claimResult {
	return claimResult{err: errors.New(msg)}
}

type waitRecorder struct {
	calls []time.Duration
	fn    func(ctx context.Context) error
}

func (r *waitRecorder) wait(ctx context.Context, d time.Duration) error {
	r.calls = append(r.calls, d)
	if r.fn != nil {
		return r.fn(ctx)
	}
	return ctx.Err()
}

func stepClock() func() time.Time {
	t := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

var succeed = render.RendererFunc(func(ctx context.Context, job *domain.Job, hooks render.Hooks) (*domain.Job, error) {
	return job, nil
})

func failWith(msg string) render.Renderer {
	return render.RendererFunc(func(ctx context.Context, job *domain.Job, hooks render.Hooks) (*domain.Job, error) {
		return job, errors.New(msg)
	})
}

// drainSettings stop the loop at the first empty claim once the script runs out
func drainSettings() Settings {
	return Settings{
		Name:             "test-worker",
		Polling:          time.Second,
		ExitOnEmptyQueue: true,
	}
}

func newTestWorker(src JobSource, renderer render.Renderer, settings Settings) (*Worker, *waitRecorder) {
	waits := &waitRecorder{}
	w := NewWorker(&Config{
		Logger:   logger.NewDiscard().Logger,
		Source:   src,
		Renderer: renderer,
		Settings: settings,
		Wait:     waits.wait,
		Now:      stepClock(),
	})
	return w, waits
}

func TestWorker_DeactivatesAfterToleratedEmptyClaims(t *testing.T) {
	for _, tolerate := range []int{0, 1, 2, 5} {
		t.Run(fmt.Sprintf("tolerate %d", tolerate), func(t *testing.T) {
			src := &fakeSource{}
			settings := drainSettings()
			settings.TolerateEmptyQueues = tolerate

			w, waits := newTestWorker(src, succeed, settings)
			exit, err := w.Run(context.Background())

			require.NoError(t, err)
			assert.Equal(t, ExitDeactivated, exit)
			assert.Equal(t, tolerate+1, src.claimCalls)
			assert.Len(t, waits.calls, tolerate, "no wait after the deactivating claim")
			assert.Empty(t, src.reports)
		})
	}
}

func TestWorker_ThreeEmptyClaimsWithToleranceTwo(t *testing.T) {
	// A job without a uid counts as empty
	src := &fakeSource{claims: []claimResult{empty(), {job: &domain.Job{}}, empty(), withJob("never")}}
	settings := drainSettings()
	settings.TolerateEmptyQueues = 2

	w, _ := newTestWorker(src, succeed, settings)
	exit, err := w.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, ExitDeactivated, exit)
	assert.Equal(t, 3, src.claimCalls)
	assert.Empty(t, src.reports, "no job processed")
}

func TestWorker_EmptyReturnsResetOnClaim(t *testing.T) {
	// With tolerance 1 two consecutive empties deactivate; the job in between resets the count
	src := &fakeSource{claims: []claimResult{empty(), withJob("a"), empty(), empty()}}
	settings := drainSettings()
	settings.TolerateEmptyQueues = 1

	w, waits := newTestWorker(src, succeed, settings)
	exit, err := w.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, ExitDeactivated, exit)
	assert.Equal(t, 4, src.claimCalls)
	assert.Len(t, waits.calls, 2)
	assert.Equal(t, 2, w.Stats().EmptyReturns)
}

func TestWorker_NoExitOnEmptyQueuePollsUntilCanceled(t *testing.T) {
	src := &fakeSource{}
	settings := drainSettings()
	settings.ExitOnEmptyQueue = false
	settings.Polling = 250 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, waits := newTestWorker(src, succeed, settings)
	waits.fn = func(ctx context.Context) error {
		if len(waits.calls) == 10 {
			cancel()
		}
		return ctx.Err()
	}

	exit, err := w.Run(ctx)

	require.NoError(t, err)
	assert.Equal(t, ExitCanceled, exit)
	assert.Equal(t, 10, src.claimCalls)
	for _, d := range waits.calls {
		assert.Equal(t, 250*time.Millisecond, d)
	}
	assert.False(t, w.Stats().Active)
	assert.Equal(t, 10, w.Stats().EmptyReturns)
}

func TestWorker_SuccessfulJobReportsStartedThenFinished(t *testing.T) {
	src := &fakeSource{claims: []claimResult{withJob("a")}}

	w, waits := newTestWorker(src, succeed, drainSettings())
	exit, err := w.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, ExitDeactivated, exit)
	require.Equal(t, []domain.State{domain.StateStarted, domain.StateFinished}, src.states())

	started, finished := src.reports[0].status, src.reports[1].status
	assert.Equal(t, "a", src.reports[0].uid)
	require.NotNil(t, started.StartedAt)
	require.NotNil(t, finished.FinishedAt)
	assert.True(t, finished.FinishedAt.After(*started.StartedAt))
	assert.Equal(t, "test-worker", finished.Executor)
	assert.Empty(t, finished.Error)
	assert.Empty(t, waits.calls, "next claim follows a job immediately")

	stats := w.Stats()
	assert.Equal(t, int64(1), stats.Claimed)
	assert.Equal(t, int64(1), stats.Finished)
	assert.Empty(t, stats.CurrentJob)
}

func TestWorker_RenderFailureAbsorbed(t *testing.T) {
	src := &fakeSource{claims: []claimResult{withJob("b")}}

	w, _ := newTestWorker(src, failWith("disk full"), drainSettings())
	exit, err := w.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, ExitDeactivated, exit)
	assert.Equal(t, []domain.State{domain.StateStarted, domain.StateError}, src.states())

	last := src.last()
	assert.Equal(t, []string{"disk full"}, last.Error)
	assert.NotNil(t, last.ErrorAt)
	assert.Nil(t, last.FinishedAt)
	assert.Equal(t, 2, src.claimCalls, "loop claims again after the failure")
	assert.Equal(t, int64(1), w.Stats().Failed)
	assert.Equal(t, "disk full", w.Stats().LastError)
}

func TestWorker_RenderFailureFatalUnderStopOnError(t *testing.T) {
	src := &fakeSource{claims: []claimResult{withJob("b"), withJob("c")}}
	settings := drainSettings()
	settings.StopOnError = true

	w, _ := newTestWorker(src, failWith("disk full"), settings)
	exit, err := w.Run(context.Background())

	assert.Equal(t, ExitFailed, exit)
	require.Error(t, err)
	var failure *domain.JobFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "b", failure.UID)
	assert.EqualError(t, failure.Cause, "disk full")
	assert.NoError(t, failure.ReportErr)
	assert.Equal(t, 1, src.claimCalls, "no further acquisition")
	assert.Equal(t, domain.StateError, src.last().State)
}

func TestWorker_ClaimFailure(t *testing.T) {
	t.Run("absorbed and retried after polling", func(t *testing.T) {
		src := &fakeSource{claims: []claimResult{claimFailure("connection refused"), withJob("a")}}

		w, waits := newTestWorker(src, succeed, drainSettings())
		exit, err := w.Run(context.Background())

		require.NoError(t, err)
		assert.Equal(t, ExitDeactivated, exit)
		assert.Equal(t, 3, src.claimCalls)
		assert.Len(t, waits.calls, 1)
		assert.Equal(t, []domain.State{domain.StateStarted, domain.StateFinished}, src.states())
	})

	t.Run("claim failure does not count as empty", func(t *testing.T) {
		src := &fakeSource{claims: []claimResult{claimFailure("timeout"), claimFailure("timeout")}}

		w, _ := newTestWorker(src, succeed, drainSettings())
		exit, err := w.Run(context.Background())

		require.NoError(t, err)
		assert.Equal(t, ExitDeactivated, exit)
		assert.Equal(t, 3, src.claimCalls)
	})

	t.Run("fatal under stop on error", func(t *testing.T) {
		src := &fakeSource{claims: []claimResult{claimFailure("connection refused"), withJob("a")}}
		settings := drainSettings()
		settings.StopOnError = true

		w, waits := newTestWorker(src, succeed, settings)
		exit, err := w.Run(context.Background())

		assert.Equal(t, ExitFailed, exit)
		assert.EqualError(t, err, "connection refused")
		assert.Equal(t, 1, src.claimCalls)
		assert.Empty(t, waits.calls)
	})
}

func TestWorker_InitialReportFailureAbandonsJob(t *testing.T) {
	for _, stopOnError := range []bool{false, true} {
		src := &fakeSource{
			claims: []claimResult{withJob("a"), withJob("b")},
			reportErr: func(status *domain.Status) error {
				if status.UID == "a" {
					return errors.New("server unavailable")
				}
				return nil
			},
		}
		rendered := 0
		renderer := render.RendererFunc(func(ctx context.Context, job *domain.Job, hooks render.Hooks) (*domain.Job, error) {
			rendered++
			return job, nil
		})
		settings := drainSettings()
		settings.StopOnError = stopOnError

		w, _ := newTestWorker(src, renderer, settings)
		exit, err := w.Run(context.Background())

		require.NoError(t, err)
		assert.Equal(t, ExitDeactivated, exit)
		assert.Equal(t, 1, rendered, "abandoned job is never rendered")
		assert.Equal(t, 3, src.claimCalls)
		assert.Equal(t, int64(1), w.Stats().Abandoned)
		for _, r := range src.reports {
			assert.Equal(t, "b", r.uid)
		}
	}
}

func TestWorker_RestartsJobClaimedInLaterState(t *testing.T) {
	for _, state := range []domain.State{domain.StateStarted, domain.StateRenderDorender, domain.StateError} {
		t.Run(state.String(), func(t *testing.T) {
			src := &fakeSource{claims: []claimResult{{job: &domain.Job{UID: "x", State: state}}}}

			w, _ := newTestWorker(src, succeed, drainSettings())
			exit, err := w.Run(context.Background())

			require.NoError(t, err)
			assert.Equal(t, ExitDeactivated, exit)
			assert.Equal(t, []domain.State{domain.StateStarted, domain.StateFinished}, src.states())
			assert.Nil(t, src.last().ErrorAt)
			assert.Equal(t, int64(0), w.Stats().Abandoned)
			assert.Equal(t, int64(1), w.Stats().Finished)
		})
	}
}

func TestWorker_ProgressReporting(t *testing.T) {
	progressRenderer := func(errs *[]error) render.Renderer {
		return render.RendererFunc(func(ctx context.Context, job *domain.Job, hooks render.Hooks) (*domain.Job, error) {
			for _, state := range []domain.State{domain.StateRenderSetup, domain.StateRenderDorender} {
				if err := job.Advance(state); err != nil {
					return job, err
				}
				if err := hooks.Progress(job); err != nil {
					*errs = append(*errs, err)
					return job, err
				}
			}
			return job, nil
		})
	}

	t.Run("progress is forwarded", func(t *testing.T) {
		src := &fakeSource{claims: []claimResult{withJob("a")}}
		var errs []error

		w, _ := newTestWorker(src, progressRenderer(&errs), drainSettings())
		_, err := w.Run(context.Background())

		require.NoError(t, err)
		assert.Equal(t, []domain.State{
			domain.StateStarted,
			domain.StateRenderSetup,
			domain.StateRenderDorender,
			domain.StateFinished,
		}, src.states())
	})

	t.Run("progress report failure absorbed", func(t *testing.T) {
		src := &fakeSource{
			claims: []claimResult{withJob("a")},
			reportErr: func(status *domain.Status) error {
				if status.State.IsRendering() {
					return errors.New("gateway timeout")
				}
				return nil
			},
		}
		var errs []error

		w, _ := newTestWorker(src, progressRenderer(&errs), drainSettings())
		exit, err := w.Run(context.Background())

		require.NoError(t, err)
		assert.Equal(t, ExitDeactivated, exit)
		assert.Empty(t, errs, "render never sees the report failure")
		assert.Equal(t, []domain.State{domain.StateStarted, domain.StateFinished}, src.states())
		assert.Empty(t, src.last().Error)
	})

	t.Run("progress report failure fatal under stop on error", func(t *testing.T) {
		src := &fakeSource{
			claims: []claimResult{withJob("a")},
			reportErr: func(status *domain.Status) error {
				if status.State.IsRendering() {
					return errors.New("gateway timeout")
				}
				return nil
			},
		}
		var errs []error
		settings := drainSettings()
		settings.StopOnError = true

		w, _ := newTestWorker(src, progressRenderer(&errs), settings)
		exit, err := w.Run(context.Background())

		assert.Equal(t, ExitFailed, exit)
		require.Len(t, errs, 1)
		assert.ErrorContains(t, err, "gateway timeout")
		assert.Equal(t, []domain.State{domain.StateStarted, domain.StateError}, src.states())
		assert.Equal(t, []string{"failed to report render progress: gateway timeout"}, src.last().Error)
	})
}

func TestWorker_TerminalReportFailure(t *testing.T) {
	failTerminal := func(status *domain.Status) error {
		if status.State.IsTerminal() {
			return errors.New("server unavailable")
		}
		return nil
	}

	t.Run("error report failure absorbed", func(t *testing.T) {
		src := &fakeSource{claims: []claimResult{withJob("a"), withJob("b")}, reportErr: failTerminal}

		w, _ := newTestWorker(src, failWith("disk full"), drainSettings())
		exit, err := w.Run(context.Background())

		require.NoError(t, err)
		assert.Equal(t, ExitDeactivated, exit)
		assert.Equal(t, 3, src.claimCalls)
	})

	t.Run("error report failure carried with cause", func(t *testing.T) {
		src := &fakeSource{claims: []claimResult{withJob("a")}, reportErr: failTerminal}
		settings := drainSettings()
		settings.StopOnError = true

		w, _ := newTestWorker(src, failWith("disk full"), settings)
		exit, err := w.Run(context.Background())

		assert.Equal(t, ExitFailed, exit)
		var failure *domain.JobFailure
		require.ErrorAs(t, err, &failure)
		assert.EqualError(t, failure.Cause, "disk full")
		assert.EqualError(t, failure.ReportErr, "server unavailable")
		assert.Contains(t, err.Error(), "reporting failure also failed")
	})

	t.Run("finished report failure reported as error", func(t *testing.T) {
		failFinished := func(status *domain.Status) error {
			if status.State == domain.StateFinished {
				return errors.New("server unavailable")
			}
			return nil
		}
		src := &fakeSource{claims: []claimResult{withJob("a"), withJob("b")}, reportErr: failFinished}

		w, _ := newTestWorker(src, succeed, drainSettings())
		exit, err := w.Run(context.Background())

		require.NoError(t, err)
		assert.Equal(t, ExitDeactivated, exit)
		assert.Equal(t, 3, src.claimCalls)
		assert.Equal(t, int64(2), w.Stats().Failed)
		assert.Equal(t, []domain.State{
			domain.StateStarted, domain.StateError,
			domain.StateStarted, domain.StateError,
		}, src.states())

		last := src.last()
		assert.Equal(t, "b", last.UID)
		assert.Equal(t, []string{"failed to report finished job: server unavailable"}, last.Error)
		require.NotNil(t, last.ErrorAt)
		require.NotNil(t, last.FinishedAt)
		assert.True(t, last.ErrorAt.After(*last.FinishedAt))
	})

	t.Run("finished report failure fatal under stop on error", func(t *testing.T) {
		src := &fakeSource{claims: []claimResult{withJob("a"), withJob("b")}, reportErr: failTerminal}
		settings := drainSettings()
		settings.StopOnError = true

		w, _ := newTestWorker(src, succeed, settings)
		exit, err := w.Run(context.Background())

		assert.Equal(t, ExitFailed, exit)
		assert.ErrorContains(t, err, "failed to report finished job")
		var failure *domain.JobFailure
		require.ErrorAs(t, err, &failure)
		assert.EqualError(t, failure.ReportErr, "server unavailable")
		assert.Equal(t, 1, src.claimCalls)
	})
}

func TestWorker_ErrorListIsAppendOnly(t *testing.T) {
	src := &fakeSource{claims: []claimResult{withJob("a")}}
	renderer := render.RendererFunc(func(ctx context.Context, job *domain.Job, hooks render.Hooks) (*domain.Job, error) {
		hooks.Error(job, errors.New("missing font"))
		require.NoError(t, job.Advance(domain.StateRenderDorender))
		require.NoError(t, hooks.Progress(job))
		hooks.Error(job, errors.New("  "))
		require.NoError(t, hooks.Progress(job))
		return job, errors.New("disk full")
	})

	w, _ := newTestWorker(src, renderer, drainSettings())
	_, err := w.Run(context.Background())
	require.NoError(t, err)

	var prev []string
	for _, r := range src.reports {
		require.GreaterOrEqual(t, len(r.status.Error), len(prev))
		if len(prev) > 0 {
			assert.Equal(t, prev, r.status.Error[:len(prev)])
		}
		prev = r.status.Error
	}
	assert.Equal(t, []string{"missing font", "unknown error", "disk full"}, src.last().Error)
	assert.Equal(t, domain.StateError, src.last().State)
}

func TestWorker_PassesSanitizedSelector(t *testing.T) {
	src := &fakeSource{}
	settings := drainSettings()
	settings.TagSelector = domain.ParseTagSelector("gpu,<script>fast")

	w, _ := newTestWorker(src, succeed, settings)
	_, err := w.Run(context.Background())

	require.NoError(t, err)
	require.Len(t, src.selectors, 1)
	assert.Equal(t, domain.TagSelector{"gpu", "scriptfast"}, src.selectors[0])
}

func TestWorker_InFlightJobCompletesAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &fakeSource{claims: []claimResult{withJob("a"), withJob("b")}}
	renderer := render.RendererFunc(func(rctx context.Context, job *domain.Job, hooks render.Hooks) (*domain.Job, error) {
		cancel()
		assert.NoError(t, rctx.Err(), "render context is detached from cancellation")
		return job, nil
	})

	w, _ := newTestWorker(src, renderer, drainSettings())
	exit, err := w.Run(ctx)

	require.NoError(t, err)
	assert.Equal(t, ExitCanceled, exit)
	assert.Equal(t, 1, src.claimCalls)
	assert.Equal(t, []domain.State{domain.StateStarted, domain.StateFinished}, src.states())
	for _, r := range src.reports {
		assert.NoError(t, r.ctxErr)
	}
}

func TestWorker_CanceledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := &fakeSource{}
	w, _ := newTestWorker(src, succeed, drainSettings())
	exit, err := w.Run(ctx)

	require.NoError(t, err)
	assert.Equal(t, ExitCanceled, exit)
	assert.Zero(t, src.claimCalls)
}

func TestWorker_RendererReturnedJobIsReported(t *testing.T) {
	src := &fakeSource{claims: []claimResult{withJob("a")}}
	renderer := render.RendererFunc(func(ctx context.Context, job *domain.Job, hooks render.Hooks) (*domain.Job, error) {
		out := *job
		out.RenderProgress = 100
		return &out, nil
	})

	w, _ := newTestWorker(src, renderer, drainSettings())
	_, err := w.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, float64(100), src.last().RenderProgress)
	assert.Equal(t, domain.StateFinished, src.last().State)
}
