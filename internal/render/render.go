// Package render defines the boundary between the worker loop and the
// external engine that turns a job description into rendered output.
package render

import (
	"context"

	"github.com/backbeatmedia/nexrender/internal/worker/domain"
)

// ProgressFunc is called every time the engine reports progress on a job.
// A non-nil return tells the renderer to stop and return that error.
type ProgressFunc func(job *domain.Job) error

// ErrorFunc is called for every non-fatal error the engine reports while rendering.
// It only records; it never changes the renderer's control flow.
type ErrorFunc func(job *domain.Job, err error)

// Hooks are installed by the worker for the duration of one Render call.
// Both are invoked synchronously from the goroutine calling Render, before it returns.
type Hooks struct {
	OnProgress ProgressFunc
	OnError    ErrorFunc
}

// Progress invokes OnProgress if set
func (h Hooks) Progress(job *domain.Job) error {
	if h.OnProgress == nil {
		return nil
	}
	return h.OnProgress(job)
}

// Error invokes OnError if set
func (h Hooks) Error(job *domain.Job, err error) {
	if h.OnError != nil {
		h.OnError(job, err)
	}
}

// Renderer performs the actual rendering of a job.
// It returns the updated job, which may be the same value it was given.
type Renderer interface {
	Render(ctx context.Context, job *domain.Job, hooks Hooks) (*domain.Job, error)
}

// RendererFunc adapts a plain function to the Renderer interface
type RendererFunc func(ctx context.Context, job *domain.Job, hooks Hooks) (*domain.Job, error)

func (f RendererFunc) Render(ctx context.Context, job *domain.Job, hooks Hooks) (*domain.Job, error) {
	return f(ctx, job, hooks)
}
