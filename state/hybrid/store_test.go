package hybrid

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/PipeOpsHQ/course-builder-go/state"
	"github.com/PipeOpsHQ/course-builder-go/state/memory"
	"github.com/PipeOpsHQ/course-builder-go/state/statetest"
)

var errWriteFailed = errors.New("write failed")

// failingStore wraps the memory store and rejects every write.
type failingStore struct {
	*memory.Store
}

func (f failingStore) SaveRun(context.Context, state.RunRecord) error { return errWriteFailed }

func (f failingStore) SaveArtifact(context.Context, state.ArtifactRecord) error {
	return errWriteFailed
}

func (f failingStore) DepositFeedback(context.Context, state.FeedbackRecord) error {
	return errWriteFailed
}

func TestHybridStore(t *testing.T) {
	statetest.Run(t, func(t *testing.T) state.Store {
		h, err := New(memory.New(), memory.New())
		if err != nil {
			t.Fatalf("failed to create hybrid store: %v", err)
		}
		return h
	})
}

func TestHybridStore_WriteUsesDurableAsSourceOfTruth(t *testing.T) {
	durable := memory.New()
	h, err := New(durable, failingStore{memory.New()})
	if err != nil {
		t.Fatalf("failed to create hybrid store: %v", err)
	}
	ctx := context.Background()

	now := time.Now().UTC()
	if err := h.SaveRun(ctx, state.RunRecord{RunID: "run-1", SessionID: "sess-1", Status: state.RunStatusRunning, CreatedAt: &now}); err != nil {
		t.Fatalf("SaveRun should succeed when cache fails: %v", err)
	}
	if err := h.SaveArtifact(ctx, state.ArtifactRecord{RunID: "run-1", StepName: "research", Data: map[string]any{}}); err != nil {
		t.Fatalf("SaveArtifact should succeed when cache fails: %v", err)
	}
	if _, err := durable.LoadRun(ctx, "run-1"); err != nil {
		t.Fatalf("durable store should contain run: %v", err)
	}
	if _, err := durable.LoadArtifact(ctx, "run-1", "research"); err != nil {
		t.Fatalf("durable store should contain artifact: %v", err)
	}
}

func TestHybridStore_ReadFallbackAndBackfill(t *testing.T) {
	durable := memory.New()
	cache := memory.New()
	h, err := New(durable, cache)
	if err != nil {
		t.Fatalf("failed to create hybrid store: %v", err)
	}
	ctx := context.Background()

	if err := durable.SaveRun(ctx, state.RunRecord{RunID: "run-2", Status: state.RunStatusPaused}); err != nil {
		t.Fatalf("durable SaveRun failed: %v", err)
	}
	if err := durable.SaveArtifact(ctx, state.ArtifactRecord{RunID: "run-2", StepName: "quizzes", Data: map[string]any{"n": 2}}); err != nil {
		t.Fatalf("durable SaveArtifact failed: %v", err)
	}

	got, err := h.LoadRun(ctx, "run-2")
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if got.Status != state.RunStatusPaused {
		t.Fatalf("unexpected run: %#v", got)
	}
	if _, err := cache.LoadRun(ctx, "run-2"); err != nil {
		t.Fatalf("expected run backfill into cache, got err: %v", err)
	}
	if _, err := h.LoadArtifact(ctx, "run-2", "quizzes"); err != nil {
		t.Fatalf("LoadArtifact failed: %v", err)
	}
	if _, err := cache.LoadArtifact(ctx, "run-2", "quizzes"); err != nil {
		t.Fatalf("expected artifact backfill into cache, got err: %v", err)
	}
}

func TestHybridStore_FailsWhenDurableFails(t *testing.T) {
	h, err := New(failingStore{memory.New()}, memory.New())
	if err != nil {
		t.Fatalf("failed to create hybrid store: %v", err)
	}
	err = h.DepositFeedback(context.Background(), state.FeedbackRecord{RunID: "run-3", Gate: "review_structure", Payload: "approve"})
	if !errors.Is(err, errWriteFailed) {
		t.Fatalf("expected durable failure to surface, got %v", err)
	}
}

func TestHybridStore_FeedbackDeleteClearsBothTiers(t *testing.T) {
	durable := memory.New()
	cache := memory.New()
	h, err := New(durable, cache)
	if err != nil {
		t.Fatalf("failed to create hybrid store: %v", err)
	}
	ctx := context.Background()
	fb := state.FeedbackRecord{RunID: "run-4", Gate: "review_quizzes", Payload: "approve"}
	if err := h.DepositFeedback(ctx, fb); err != nil {
		t.Fatalf("DepositFeedback failed: %v", err)
	}
	if err := h.DeleteFeedback(ctx, "run-4", "review_quizzes"); err != nil {
		t.Fatalf("DeleteFeedback failed: %v", err)
	}
	for name, s := range map[string]state.Store{"durable": durable, "cache": cache} {
		if _, err := s.PeekFeedback(ctx, "run-4", "review_quizzes"); !errors.Is(err, state.ErrNotFound) {
			t.Fatalf("%s still holds feedback: %v", name, err)
		}
	}
}

func TestHybridStore_RequiresDurable(t *testing.T) {
	if _, err := New(nil, memory.New()); err == nil {
		t.Fatalf("expected error without durable store")
	}
}
