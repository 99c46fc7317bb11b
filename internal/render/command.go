package render

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/backbeatmedia/nexrender/internal/worker/domain"
)

const (
	maxEventLine = 4 * 1024 * 1024
	stderrTail   = 4 * 1024
	waitDelay    = 5 * time.Second
)

// Event types the engine writes to stdout, one JSON object per line
const (
	EventProgress = "progress"
	EventError    = "error"
	EventResult   = "result"
)

// CommandConfig describes how to invoke the external render engine
type CommandConfig struct {
	Command string
	Args    []string
	WorkDir string
	Env     []string // KEY=VALUE pairs added to the worker's environment
}

// CommandRenderer runs an external engine process per job. The job JSON is
// written to the engine's stdin and progress is read back as JSON lines.
type CommandRenderer struct {
	config CommandConfig
	logger *slog.Logger
}

// ExitError is returned when the engine exits with a non-zero status
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("render engine exited with code %d", e.Code)
	}
	return fmt.Sprintf("render engine exited with code %d: %s", e.Code, e.Stderr)
}

type engineEvent struct {
	Event    string          `json:"event"`
	State    domain.State    `json:"state,omitempty"`
	Progress *float64        `json:"progress,omitempty"`
	Message  string          `json:"message,omitempty"`
	Job      json.RawMessage `json:"job,omitempty"`
}

// NewCommandRenderer creates a new CommandRenderer instance
func NewCommandRenderer(config CommandConfig, logger *slog.Logger) *CommandRenderer {
	return &CommandRenderer{
		config: config,
		logger: logger,
	}
}

// Render runs the engine for job and blocks until it exits
func (r *CommandRenderer) Render(ctx context.Context, job *domain.Job, hooks Hooks) (*domain.Job, error) {
	input, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job for render engine: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.config.Command, r.config.Args...)
	cmd.Dir = r.config.WorkDir
	cmd.Env = append(os.Environ(), r.config.Env...)
	cmd.Stdin = bytes.NewReader(input)
	// Engine children may keep the pipes open after the engine itself exits
	cmd.WaitDelay = waitDelay

	stderr := &tailBuffer{limit: stderrTail}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open render engine stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start render engine: %w", err)
	}

	r.logger.Info("Render engine started",
		slog.String("job_uid", job.UID),
		slog.String("command", r.config.Command),
		slog.Int("pid", cmd.Process.Pid),
	)

	hookErr, scanErr := r.readEvents(stdout, job, hooks)
	if hookErr != nil || scanErr != nil {
		_ = cmd.Process.Kill()
	}

	waitErr := cmd.Wait()

	if tail := stderr.String(); tail != "" {
		r.logger.Debug("Render engine stderr",
			slog.String("job_uid", job.UID),
			slog.String("stderr", tail),
		)
	}

	switch {
	case hookErr != nil:
		return job, hookErr
	case scanErr != nil:
		return job, fmt.Errorf("failed to read render engine output: %w", scanErr)
	case waitErr != nil:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return job, &ExitError{Code: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		return job, fmt.Errorf("render engine failed: %w", waitErr)
	}

	r.logger.Info("Render engine finished",
		slog.String("job_uid", job.UID),
	)

	return job, nil
}

// readEvents consumes the engine's stdout until EOF or until a progress hook asks to stop
func (r *CommandRenderer) readEvents(stdout io.Reader, job *domain.Job, hooks Hooks) (hookErr, scanErr error) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxEventLine)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var ev engineEvent
		if err := json.Unmarshal(line, &ev); err != nil || ev.Event == "" {
			r.logger.Debug("Render engine output",
				slog.String("job_uid", job.UID),
				slog.String("line", string(line)),
			)
			continue
		}

		switch ev.Event {
		case EventProgress:
			if ev.State != "" {
				if err := job.Advance(ev.State); err != nil {
					r.logger.Warn("Ignoring render state",
						slog.String("job_uid", job.UID),
						slog.String("error", err.Error()),
					)
				}
			}
			if ev.Progress != nil {
				job.RenderProgress = *ev.Progress
			}
			if err := hooks.Progress(job); err != nil {
				return err, nil
			}

		case EventError:
			msg := ev.Message
			if msg == "" {
				msg = "render engine reported an error"
			}
			hooks.Error(job, errors.New(msg))

		case EventResult:
			if err := mergeResult(job, ev.Job); err != nil {
				r.logger.Warn("Ignoring render result",
					slog.String("job_uid", job.UID),
					slog.String("error", err.Error()),
				)
			}

		default:
			r.logger.Debug("Unknown render event",
				slog.String("job_uid", job.UID),
				slog.String("event", ev.Event),
			)
		}
	}

	return nil, scanner.Err()
}

// mergeResult copies the engine-owned parts of a result job onto job.
// Lifecycle fields stay under the worker's control.
func mergeResult(job *domain.Job, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}

	var result domain.Job
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("failed to decode result job: %w", err)
	}

	if result.UID != "" && result.UID != job.UID {
		return fmt.Errorf("result job uid %q does not match %q", result.UID, job.UID)
	}
	if len(result.Template) > 0 {
		job.Template = result.Template
	}
	if len(result.Assets) > 0 {
		job.Assets = result.Assets
	}
	if len(result.Actions) > 0 {
		job.Actions = result.Actions
	}
	if result.RenderProgress > job.RenderProgress {
		job.RenderProgress = result.RenderProgress
	}
	return nil
}

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}
