package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	robcron "github.com/robfig/cron/v3"

	"github.com/PipeOpsHQ/course-builder-go/state"
)

// SweepRun records one pass of the sweeper.
type SweepRun struct {
	At         time.Time `json:"at"`
	DurationMS int64     `json:"durationMs"`
	Trigger    string    `json:"trigger"`
	Resumed    []string  `json:"resumed,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Sweeper periodically resumes sessions that are parked at a gate and
// already have feedback deposited for it.
type Sweeper struct {
	mu      sync.Mutex
	manager *Manager
	cron    *robcron.Cron
	entryID robcron.EntryID
	runs    []SweepRun
	started bool
	maxRuns int
}

func NewSweeper(manager *Manager, spec string) (*Sweeper, error) {
	if manager == nil {
		return nil, fmt.Errorf("manager is required")
	}
	s := &Sweeper{
		manager: manager,
		cron:    robcron.New(),
		maxRuns: 100,
	}
	entryID, err := s.cron.AddFunc(spec, func() {
		_, _ = s.runAndRecord(context.Background(), "schedule")
	})
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	s.entryID = entryID
	return s, nil
}

// Trigger runs a sweep immediately and returns the resumed session ids.
func (s *Sweeper) Trigger(ctx context.Context) ([]string, error) {
	return s.runAndRecord(ctx, "manual")
}

// Sweep resumes every eligible session once.
func (m *Manager) Sweep(ctx context.Context) ([]string, error) {
	var (
		resumed []string
		errs    []error
	)
	for _, snap := range m.List() {
		if snap.Status != StatusRunning || snap.AwaitingFeedback == "" {
			continue
		}
		_, err := m.store.PeekFeedback(ctx, snap.RunID, snap.AwaitingFeedback)
		if errors.Is(err, state.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", snap.SessionID, err))
			continue
		}
		if _, err := m.Resume(ctx, snap.SessionID); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			errs = append(errs, fmt.Errorf("session %s: %w", snap.SessionID, err))
			continue
		}
		resumed = append(resumed, snap.SessionID)
	}
	return resumed, errors.Join(errs...)
}

func (s *Sweeper) runAndRecord(ctx context.Context, trigger string) ([]string, error) {
	started := time.Now()
	resumed, err := s.manager.Sweep(ctx)
	finished := time.Now()

	run := SweepRun{
		At:         finished,
		DurationMS: finished.Sub(started).Milliseconds(),
		Trigger:    trigger,
		Resumed:    resumed,
	}
	if err != nil {
		run.Error = err.Error()
		log.Printf("[sweeper] sweep failed (%s): %v", trigger, err)
	} else if len(resumed) > 0 {
		log.Printf("[sweeper] resumed %d session(s) (%s)", len(resumed), trigger)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	if s.maxRuns > 0 && len(s.runs) > s.maxRuns {
		s.runs = s.runs[len(s.runs)-s.maxRuns:]
	}
	return resumed, err
}

// History returns recent sweeps, newest first.
func (s *Sweeper) History(limit int) []SweepRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.runs) {
		limit = len(s.runs)
	}
	out := make([]SweepRun, 0, limit)
	for i := len(s.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.runs[i])
	}
	return out
}

func (s *Sweeper) NextRun() time.Time {
	return s.cron.Entry(s.entryID).Next
}

// Start begins the schedule. Non-blocking.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.cron.Start()
		s.started = true
	}
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}
