package worker

import (
	"sync"
	"time"

	"github.com/backbeatmedia/nexrender/internal/worker/domain"
)

// StatsSnapshot is a point-in-time copy of what the worker has been doing
type StatsSnapshot struct {
	Worker       string     `json:"worker"`
	TagSelector  string     `json:"tag_selector,omitempty"`
	Active       bool       `json:"active"`
	EmptyReturns int        `json:"empty_returns"`
	CurrentJob   string     `json:"current_job,omitempty"`
	Claimed      int64      `json:"claimed"`
	Finished     int64      `json:"finished"`
	Failed       int64      `json:"failed"`
	Abandoned    int64      `json:"abandoned"`
	LastClaimAt  *time.Time `json:"last_claim_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// stats mirrors loop progress for readers on other goroutines.
// The loop never reads it back.
type stats struct {
	mu   sync.RWMutex
	snap StatsSnapshot
}

func newStats(settings Settings) *stats {
	return &stats{snap: StatsSnapshot{
		Worker:      settings.Name,
		TagSelector: settings.TagSelector.String(),
		Active:      true,
	}}
}

func (s *stats) update(fn func(*StatsSnapshot)) {
	s.mu.Lock()
	fn(&s.snap)
	s.mu.Unlock()
}

func (s *stats) setRunState(active bool, emptyReturns int) {
	s.update(func(snap *StatsSnapshot) {
		snap.Active = active
		snap.EmptyReturns = emptyReturns
	})
}

func (s *stats) jobClaimed(uid string, at time.Time) {
	s.update(func(snap *StatsSnapshot) {
		snap.Claimed++
		snap.CurrentJob = uid
		snap.LastClaimAt = &at
	})
}

func (s *stats) jobFinished() {
	s.update(func(snap *StatsSnapshot) {
		snap.Finished++
		snap.CurrentJob = ""
	})
}

func (s *stats) jobFailed(err error) {
	s.update(func(snap *StatsSnapshot) {
		snap.Failed++
		snap.CurrentJob = ""
		snap.LastError = domain.DescribeError(err)
	})
}

func (s *stats) jobAbandoned(err error) {
	s.update(func(snap *StatsSnapshot) {
		snap.Abandoned++
		snap.CurrentJob = ""
		snap.LastError = domain.DescribeError(err)
	})
}

func (s *stats) recordError(err error) {
	s.update(func(snap *StatsSnapshot) {
		snap.LastError = domain.DescribeError(err)
	})
}

func (s *stats) snapshot() StatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.snap
	if s.snap.LastClaimAt != nil {
		t := *s.snap.LastClaimAt
		out.LastClaimAt = &t
	}
	return out
}
