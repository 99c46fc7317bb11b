package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Job is a render job as exchanged with the queue server.
// Fields the worker does not interpret are kept raw so they reach the renderer untouched.
type Job struct {
	UID      string `json:"uid"`
	Type     string `json:"type,omitempty"`
	State    State  `json:"state,omitempty"`
	Tags     Tags   `json:"tags,omitempty"`
	Priority int    `json:"priority,omitempty"`

	Template         json.RawMessage `json:"template,omitempty"`
	Assets           json.RawMessage `json:"assets,omitempty"`
	Actions          json.RawMessage `json:"actions,omitempty"`
	OnChange         json.RawMessage `json:"onChange,omitempty"`
	OnRenderProgress json.RawMessage `json:"onRenderProgress,omitempty"`
	OnRenderError    json.RawMessage `json:"onRenderError,omitempty"`

	RenderProgress float64  `json:"renderProgress,omitempty"`
	Error          []string `json:"error,omitempty"`

	CreatedAt  *time.Time `json:"createdAt,omitempty"`
	UpdatedAt  *time.Time `json:"updatedAt,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	ErrorAt    *time.Time `json:"errorAt,omitempty"`

	Creator  string `json:"creator,omitempty"`
	Executor string `json:"executor,omitempty"`
}

// Status is the subset of a job that is reported back to the queue server
type Status struct {
	UID            string     `json:"uid"`
	Type           string     `json:"type,omitempty"`
	State          State      `json:"state"`
	Tags           Tags       `json:"tags,omitempty"`
	RenderProgress float64    `json:"renderProgress"`
	Error          []string   `json:"error,omitempty"`
	CreatedAt      *time.Time `json:"createdAt,omitempty"`
	UpdatedAt      *time.Time `json:"updatedAt,omitempty"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
	ErrorAt        *time.Time `json:"errorAt,omitempty"`
	Creator        string     `json:"creator,omitempty"`
	Executor       string     `json:"executor,omitempty"`
}

// Start begins a new attempt on a claimed job and stamps startedAt.
// The server decides what is handed out, so any prior state is replaced,
// including the terminal stamps of an earlier attempt.
func (j *Job) Start(now time.Time) {
	j.State = StateStarted
	j.StartedAt = stamp(now)
	j.UpdatedAt = stamp(now)
	j.FinishedAt = nil
	j.ErrorAt = nil
}

// Advance records a rendering progress state. Repeating the current state is allowed.
func (j *Job) Advance(state State) error {
	if !state.IsRendering() || j.State.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, state)
	}
	if stateRank[state] < stateRank[j.State] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, state)
	}
	j.State = state
	return nil
}

// Finish marks a started job as finished and stamps finishedAt
func (j *Job) Finish(now time.Time) error {
	if j.State != StateStarted && !j.State.IsRendering() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, StateFinished)
	}
	j.State = StateFinished
	j.FinishedAt = stamp(now)
	j.UpdatedAt = stamp(now)
	return nil
}

// Fail records cause, stamps errorAt and marks the job as errored
func (j *Job) Fail(cause error, now time.Time) error {
	if j.State.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, StateError)
	}
	j.AppendError(cause)
	j.State = StateError
	j.ErrorAt = stamp(now)
	j.UpdatedAt = stamp(now)
	return nil
}

// FailReport moves a finished job to error when its finished report never
// reached the server. finishedAt is kept.
func (j *Job) FailReport(cause error, now time.Time) error {
	if j.State != StateFinished {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, StateError)
	}
	j.AppendError(cause)
	j.State = StateError
	j.ErrorAt = stamp(now)
	j.UpdatedAt = stamp(now)
	return nil
}

// AppendError adds err to the job's error list. Existing entries are never touched.
func (j *Job) AppendError(err error) {
	j.Error = append(j.Error, DescribeError(err))
}

// Errors returns a copy of the job's error list
func (j *Job) Errors() []string {
	out := make([]string, len(j.Error))
	copy(out, j.Error)
	return out
}

// RenderingStatus projects the job onto the fields meaningful to the queue server
func (j *Job) RenderingStatus() *Status {
	return &Status{
		UID:            j.UID,
		Type:           j.Type,
		State:          j.State,
		Tags:           j.Tags,
		RenderProgress: j.RenderProgress,
		Error:          j.Errors(),
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
		StartedAt:      j.StartedAt,
		FinishedAt:     j.FinishedAt,
		ErrorAt:        j.ErrorAt,
		Creator:        j.Creator,
		Executor:       j.Executor,
	}
}

func stamp(now time.Time) *time.Time {
	t := now
	return &t
}
