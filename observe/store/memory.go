package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/course-builder-go/observe"
)

const defaultLimit = 200

type MemoryStore struct {
	mu     sync.RWMutex
	events []observe.Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) SaveEvent(ctx context.Context, event observe.Event) error {
	_ = ctx
	event.Normalize()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *MemoryStore) ListEventsByRun(ctx context.Context, runID string, query ListQuery) ([]observe.Event, error) {
	if runID == "" {
		return nil, fmt.Errorf("runID is required")
	}
	return s.list(ctx, func(e observe.Event) bool { return e.RunID == runID }, query), nil
}

func (s *MemoryStore) ListEventsBySession(ctx context.Context, sessionID string, query ListQuery) ([]observe.Event, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("sessionID is required")
	}
	return s.list(ctx, func(e observe.Event) bool { return e.SessionID == sessionID }, query), nil
}

func (s *MemoryStore) list(ctx context.Context, match func(observe.Event) bool, query ListQuery) []observe.Event {
	_ = ctx
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	skip := query.Offset

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]observe.Event, 0)
	for _, e := range s.events {
		if !match(e) || !query.matches(e) {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out
}

func (s *MemoryStore) AggregateMetrics(ctx context.Context, query MetricsQuery) (MetricsSummary, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var m MetricsSummary
	for _, e := range s.events {
		if query.Since != nil && e.Timestamp.Before(*query.Since) {
			continue
		}
		m.Add(e, 1)
	}
	return m, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
