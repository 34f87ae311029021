// Package memory is an in-process state.Store used for tests and
// single-process deployments that do not need durability.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/PipeOpsHQ/course-builder-go/state"
)

type artifactKey struct {
	runID string
	step  string
}

type Store struct {
	mu          sync.RWMutex
	runs        map[string]state.RunRecord
	checkpoints map[string][]state.CheckpointRecord
	artifacts   map[artifactKey]state.ArtifactRecord
	progress    map[string][]state.ProgressEntry
	feedback    map[artifactKey]state.FeedbackRecord
	locks       map[string]lockEntry
}

type lockEntry struct {
	owner   string
	expires time.Time
}

func New() *Store {
	return &Store{
		runs:        map[string]state.RunRecord{},
		checkpoints: map[string][]state.CheckpointRecord{},
		artifacts:   map[artifactKey]state.ArtifactRecord{},
		progress:    map[string][]state.ProgressEntry{},
		feedback:    map[artifactKey]state.FeedbackRecord{},
		locks:       map[string]lockEntry{},
	}
}

func (s *Store) SaveRun(ctx context.Context, run state.RunRecord) error {
	_ = ctx
	if run.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	now := time.Now().UTC()
	if run.CreatedAt == nil {
		run.CreatedAt = &now
	}
	if run.UpdatedAt == nil {
		run.UpdatedAt = &now
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.runs[run.RunID]; ok && prev.CreatedAt != nil {
		run.CreatedAt = prev.CreatedAt
	}
	s.runs[run.RunID] = run
	return nil
}

func (s *Store) LoadRun(ctx context.Context, runID string) (state.RunRecord, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return state.RunRecord{}, state.ErrNotFound
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, query state.ListRunsQuery) ([]state.RunRecord, error) {
	_ = ctx
	s.mu.RLock()
	out := make([]state.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		if query.SessionID != "" && run.SessionID != query.SessionID {
			continue
		}
		if query.Status != "" && run.Status != query.Status {
			continue
		}
		out = append(out, run)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(*out[j].CreatedAt)
	})
	if query.Offset > 0 {
		if query.Offset >= len(out) {
			return []state.RunRecord{}, nil
		}
		out = out[query.Offset:]
	}
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint state.CheckpointRecord) error {
	_ = ctx
	if checkpoint.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.checkpoints[checkpoint.RunID]
	for _, c := range existing {
		if c.Seq == checkpoint.Seq {
			return state.ErrConflict
		}
	}
	s.checkpoints[checkpoint.RunID] = append(existing, checkpoint)
	return nil
}

func (s *Store) LoadLatestCheckpoint(ctx context.Context, runID string) (state.CheckpointRecord, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := s.checkpoints[runID]
	if len(items) == 0 {
		return state.CheckpointRecord{}, state.ErrNotFound
	}
	latest := items[0]
	for _, c := range items[1:] {
		if c.Seq > latest.Seq {
			latest = c
		}
	}
	return latest, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, runID string, limit int) ([]state.CheckpointRecord, error) {
	_ = ctx
	s.mu.RLock()
	items := append([]state.CheckpointRecord(nil), s.checkpoints[runID]...)
	s.mu.RUnlock()
	sort.Slice(items, func(i, j int) bool { return items[i].Seq > items[j].Seq })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *Store) SaveArtifact(ctx context.Context, artifact state.ArtifactRecord) error {
	_ = ctx
	if artifact.RunID == "" || artifact.StepName == "" {
		return fmt.Errorf("run_id and step_name are required")
	}
	if artifact.Timestamp.IsZero() {
		artifact.Timestamp = time.Now().UTC()
	}
	artifact.Data = copyMap(artifact.Data)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[artifactKey{artifact.RunID, artifact.StepName}] = artifact
	return nil
}

func (s *Store) LoadArtifact(ctx context.Context, runID, stepName string) (state.ArtifactRecord, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	artifact, ok := s.artifacts[artifactKey{runID, stepName}]
	if !ok {
		return state.ArtifactRecord{}, state.ErrNotFound
	}
	artifact.Data = copyMap(artifact.Data)
	return artifact, nil
}

func (s *Store) ListArtifacts(ctx context.Context, runID string) ([]state.ArtifactRecord, error) {
	_ = ctx
	s.mu.RLock()
	out := make([]state.ArtifactRecord, 0)
	for key, artifact := range s.artifacts {
		if key.runID == runID {
			artifact.Data = copyMap(artifact.Data)
			out = append(out, artifact)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StepName < out[j].StepName })
	return out, nil
}

func (s *Store) DeleteArtifact(ctx context.Context, runID, stepName string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.artifacts, artifactKey{runID, stepName})
	return nil
}

func (s *Store) AppendProgress(ctx context.Context, entry state.ProgressEntry) (state.ProgressEntry, error) {
	_ = ctx
	if entry.RunID == "" {
		return state.ProgressEntry{}, fmt.Errorf("run_id is required")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Seq = len(s.progress[entry.RunID]) + 1
	s.progress[entry.RunID] = append(s.progress[entry.RunID], entry)
	return entry, nil
}

func (s *Store) ListProgress(ctx context.Context, runID string) ([]state.ProgressEntry, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]state.ProgressEntry{}, s.progress[runID]...), nil
}

func (s *Store) DepositFeedback(ctx context.Context, feedback state.FeedbackRecord) error {
	_ = ctx
	if feedback.RunID == "" || feedback.Gate == "" {
		return fmt.Errorf("run_id and gate are required")
	}
	if feedback.CreatedAt.IsZero() {
		feedback.CreatedAt = time.Now().UTC()
	}
	feedback.Payload = copyValue(feedback.Payload)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback[artifactKey{feedback.RunID, feedback.Gate}] = feedback
	return nil
}

func (s *Store) PeekFeedback(ctx context.Context, runID, gate string) (state.FeedbackRecord, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	feedback, ok := s.feedback[artifactKey{runID, gate}]
	if !ok {
		return state.FeedbackRecord{}, state.ErrNotFound
	}
	feedback.Payload = copyValue(feedback.Payload)
	return feedback, nil
}

func (s *Store) DeleteFeedback(ctx context.Context, runID, gate string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.feedback, artifactKey{runID, gate})
	return nil
}

func (s *Store) AcquireRunLock(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	_ = ctx
	if runID == "" || owner == "" {
		return false, fmt.Errorf("run_id and owner are required")
	}
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.locks[runID]; ok && now.Before(held.expires) {
		return false, nil
	}
	s.locks[runID] = lockEntry{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *Store) ReleaseRunLock(ctx context.Context, runID, owner string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.locks[runID]; ok && held.owner == owner {
		delete(s.locks, runID)
	}
	return nil
}

func (s *Store) Close() error { return nil }

// copyMap deep-copies the JSON-shaped values records carry so callers never
// share state with the store.
func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

var (
	_ state.Store     = (*Store)(nil)
	_ state.RunLocker = (*Store)(nil)
)
