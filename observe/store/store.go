// Package store persists observe events as the session interaction log.
package store

import (
	"context"
	"time"

	"github.com/PipeOpsHQ/course-builder-go/observe"
)

type ListQuery struct {
	Limit  int
	Offset int
	// Kinds narrows the listing to these event kinds; empty means all.
	Kinds []observe.Kind
}

func (q ListQuery) matches(event observe.Event) bool {
	if len(q.Kinds) == 0 {
		return true
	}
	for _, kind := range q.Kinds {
		if event.Kind == kind {
			return true
		}
	}
	return false
}

type MetricsQuery struct {
	Since *time.Time
}

type MetricsSummary struct {
	SessionsCreated  int64 `json:"sessionsCreated"`
	RunsStarted      int64 `json:"runsStarted"`
	RunsPaused       int64 `json:"runsPaused"`
	RunsCompleted    int64 `json:"runsCompleted"`
	RunsFailed       int64 `json:"runsFailed"`
	StagesCompleted  int64 `json:"stagesCompleted"`
	StagesFailed     int64 `json:"stagesFailed"`
	GatesInterrupted int64 `json:"gatesInterrupted"`
}

// Store is append-only. Lists return events in the order they were saved.
type Store interface {
	SaveEvent(ctx context.Context, event observe.Event) error
	ListEventsByRun(ctx context.Context, runID string, query ListQuery) ([]observe.Event, error)
	ListEventsBySession(ctx context.Context, sessionID string, query ListQuery) ([]observe.Event, error)
	AggregateMetrics(ctx context.Context, query MetricsQuery) (MetricsSummary, error)
	Close() error
}

// Sink adapts a Store to observe.Sink.
func Sink(s Store) observe.Sink {
	return observe.SinkFunc(func(ctx context.Context, event observe.Event) error {
		return s.SaveEvent(ctx, event)
	})
}

// Add counts n occurrences of events shaped like event.
func (m *MetricsSummary) Add(event observe.Event, n int64) {
	switch event.Kind {
	case observe.KindSession:
		if event.Name == "created" {
			m.SessionsCreated += n
		}
	case observe.KindRun:
		switch event.Status {
		case observe.StatusStarted:
			m.RunsStarted += n
		case observe.StatusPaused:
			m.RunsPaused += n
		case observe.StatusCompleted:
			m.RunsCompleted += n
		case observe.StatusFailed:
			m.RunsFailed += n
		}
	case observe.KindStage:
		switch event.Status {
		case observe.StatusCompleted:
			m.StagesCompleted += n
		case observe.StatusFailed:
			m.StagesFailed += n
		}
	case observe.KindGate:
		if event.Status == observe.StatusPaused {
			m.GatesInterrupted += n
		}
	}
}
