package hybrid

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/PipeOpsHQ/course-builder-go/state"
)

// HybridStore writes through to a durable store and an optional cache.
// Reads prefer the cache and backfill it on a miss. Cache failures are
// logged and never surface to callers. Progress entries are only kept in
// the durable store so sequence numbers have a single authority.
type HybridStore struct {
	durable state.Store
	cache   state.Store
}

func New(durable state.Store, cache state.Store) (*HybridStore, error) {
	if durable == nil {
		return nil, fmt.Errorf("durable store is required")
	}
	return &HybridStore{
		durable: durable,
		cache:   cache,
	}, nil
}

func (h *HybridStore) SaveRun(ctx context.Context, run state.RunRecord) error {
	if err := h.durable.SaveRun(ctx, run); err != nil {
		return err
	}
	if h.cache != nil {
		if err := h.cache.SaveRun(ctx, run); err != nil {
			log.Printf("[hybrid] cache SaveRun failed: %v", err)
		}
	}
	return nil
}

func (h *HybridStore) LoadRun(ctx context.Context, runID string) (state.RunRecord, error) {
	if h.cache != nil {
		run, err := h.cache.LoadRun(ctx, runID)
		if err == nil {
			return run, nil
		}
		if !errors.Is(err, state.ErrNotFound) {
			log.Printf("[hybrid] cache LoadRun failed: %v", err)
		}
	}

	run, err := h.durable.LoadRun(ctx, runID)
	if err != nil {
		return state.RunRecord{}, err
	}
	if h.cache != nil {
		if err := h.cache.SaveRun(ctx, run); err != nil {
			log.Printf("[hybrid] cache backfill SaveRun failed: %v", err)
		}
	}
	return run, nil
}

func (h *HybridStore) ListRuns(ctx context.Context, query state.ListRunsQuery) ([]state.RunRecord, error) {
	return h.durable.ListRuns(ctx, query)
}

func (h *HybridStore) SaveCheckpoint(ctx context.Context, checkpoint state.CheckpointRecord) error {
	if err := h.durable.SaveCheckpoint(ctx, checkpoint); err != nil {
		return err
	}
	if h.cache != nil {
		if err := h.cache.SaveCheckpoint(ctx, checkpoint); err != nil && !errors.Is(err, state.ErrConflict) {
			log.Printf("[hybrid] cache SaveCheckpoint failed: %v", err)
		}
	}
	return nil
}

func (h *HybridStore) LoadLatestCheckpoint(ctx context.Context, runID string) (state.CheckpointRecord, error) {
	if h.cache != nil {
		checkpoint, err := h.cache.LoadLatestCheckpoint(ctx, runID)
		if err == nil {
			return checkpoint, nil
		}
		if !errors.Is(err, state.ErrNotFound) {
			log.Printf("[hybrid] cache LoadLatestCheckpoint failed: %v", err)
		}
	}

	checkpoint, err := h.durable.LoadLatestCheckpoint(ctx, runID)
	if err != nil {
		return state.CheckpointRecord{}, err
	}
	if h.cache != nil {
		if err := h.cache.SaveCheckpoint(ctx, checkpoint); err != nil && !errors.Is(err, state.ErrConflict) {
			log.Printf("[hybrid] cache backfill SaveCheckpoint failed: %v", err)
		}
	}
	return checkpoint, nil
}

func (h *HybridStore) ListCheckpoints(ctx context.Context, runID string, limit int) ([]state.CheckpointRecord, error) {
	return h.durable.ListCheckpoints(ctx, runID, limit)
}

func (h *HybridStore) SaveArtifact(ctx context.Context, artifact state.ArtifactRecord) error {
	if err := h.durable.SaveArtifact(ctx, artifact); err != nil {
		return err
	}
	if h.cache != nil {
		if err := h.cache.SaveArtifact(ctx, artifact); err != nil {
			log.Printf("[hybrid] cache SaveArtifact failed: %v", err)
		}
	}
	return nil
}

func (h *HybridStore) LoadArtifact(ctx context.Context, runID, stepName string) (state.ArtifactRecord, error) {
	if h.cache != nil {
		artifact, err := h.cache.LoadArtifact(ctx, runID, stepName)
		if err == nil {
			return artifact, nil
		}
		if !errors.Is(err, state.ErrNotFound) {
			log.Printf("[hybrid] cache LoadArtifact failed: %v", err)
		}
	}
	artifact, err := h.durable.LoadArtifact(ctx, runID, stepName)
	if err != nil {
		return state.ArtifactRecord{}, err
	}
	if h.cache != nil {
		if err := h.cache.SaveArtifact(ctx, artifact); err != nil {
			log.Printf("[hybrid] cache backfill SaveArtifact failed: %v", err)
		}
	}
	return artifact, nil
}

func (h *HybridStore) ListArtifacts(ctx context.Context, runID string) ([]state.ArtifactRecord, error) {
	return h.durable.ListArtifacts(ctx, runID)
}

func (h *HybridStore) DeleteArtifact(ctx context.Context, runID, stepName string) error {
	if err := h.durable.DeleteArtifact(ctx, runID, stepName); err != nil {
		return err
	}
	if h.cache != nil {
		if err := h.cache.DeleteArtifact(ctx, runID, stepName); err != nil {
			log.Printf("[hybrid] cache DeleteArtifact failed: %v", err)
		}
	}
	return nil
}

func (h *HybridStore) AppendProgress(ctx context.Context, entry state.ProgressEntry) (state.ProgressEntry, error) {
	return h.durable.AppendProgress(ctx, entry)
}

func (h *HybridStore) ListProgress(ctx context.Context, runID string) ([]state.ProgressEntry, error) {
	return h.durable.ListProgress(ctx, runID)
}

func (h *HybridStore) DepositFeedback(ctx context.Context, feedback state.FeedbackRecord) error {
	if err := h.durable.DepositFeedback(ctx, feedback); err != nil {
		return err
	}
	if h.cache != nil {
		if err := h.cache.DepositFeedback(ctx, feedback); err != nil {
			log.Printf("[hybrid] cache DepositFeedback failed: %v", err)
		}
	}
	return nil
}

// PeekFeedback reads the durable copy; a stale cache entry must never
// resolve a gate twice.
func (h *HybridStore) PeekFeedback(ctx context.Context, runID, gate string) (state.FeedbackRecord, error) {
	return h.durable.PeekFeedback(ctx, runID, gate)
}

func (h *HybridStore) DeleteFeedback(ctx context.Context, runID, gate string) error {
	if err := h.durable.DeleteFeedback(ctx, runID, gate); err != nil {
		return err
	}
	if h.cache != nil {
		if err := h.cache.DeleteFeedback(ctx, runID, gate); err != nil {
			log.Printf("[hybrid] cache DeleteFeedback failed: %v", err)
		}
	}
	return nil
}

// AcquireRunLock uses the cache when it can lock (shared across
// processes), then the durable store, and otherwise always grants.
func (h *HybridStore) AcquireRunLock(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	if locker := h.locker(); locker != nil {
		return locker.AcquireRunLock(ctx, runID, owner, ttl)
	}
	return true, nil
}

func (h *HybridStore) ReleaseRunLock(ctx context.Context, runID, owner string) error {
	if locker := h.locker(); locker != nil {
		return locker.ReleaseRunLock(ctx, runID, owner)
	}
	return nil
}

func (h *HybridStore) locker() state.RunLocker {
	if locker, ok := h.cache.(state.RunLocker); ok && h.cache != nil {
		return locker
	}
	if locker, ok := h.durable.(state.RunLocker); ok {
		return locker
	}
	return nil
}

func (h *HybridStore) Close() error {
	var firstErr error
	if h.cache != nil {
		if err := h.cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if h.durable != nil {
		if err := h.durable.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var (
	_ state.Store     = (*HybridStore)(nil)
	_ state.RunLocker = (*HybridStore)(nil)
)
