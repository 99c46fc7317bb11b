package worker

import (
	"time"

	"github.com/google/uuid"

	"github.com/backbeatmedia/nexrender/internal/config"
	"github.com/backbeatmedia/nexrender/internal/worker/domain"
)

// Settings are the loop settings, fixed for the lifetime of a Worker
type Settings struct {
	Name                string
	Polling             time.Duration
	TagSelector         domain.TagSelector
	TolerateEmptyQueues int
	ExitOnEmptyQueue    bool
	StopOnError         bool
	ShutdownOnExit      bool
}

// NormalizeSettings turns the worker section of the configuration into Settings.
// The tag selector is sanitized, and missing or invalid values fall back to defaults.
func NormalizeSettings(cfg config.WorkerConfig) Settings {
	s := Settings{
		Name:             cfg.Name,
		Polling:          cfg.Polling,
		TagSelector:      domain.ParseTagSelector(cfg.TagSelector),
		ExitOnEmptyQueue: cfg.ExitOnEmptyQueue,
		StopOnError:      cfg.StopOnError,
		ShutdownOnExit:   cfg.ShutdownOnExit,
	}

	if s.Name == "" {
		s.Name = uuid.NewString()
	}

	if s.Polling <= 0 {
		s.Polling = config.DefaultPolling
	}

	if cfg.TolerateEmptyQueues != nil && *cfg.TolerateEmptyQueues > 0 {
		s.TolerateEmptyQueues = *cfg.TolerateEmptyQueues
	}

	return s
}
