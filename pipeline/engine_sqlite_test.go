package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/course-builder-go/state"
	"github.com/PipeOpsHQ/course-builder-go/state/sqlite"
)

func newSQLiteEngine(t *testing.T, reg *Registry, opts ...Option) (*Engine, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	engine, err := NewEngine(reg, append([]Option{WithStore(store)}, opts...)...)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return engine, store
}

func TestEngine_CancelMidStageKeepsStageWorkOnSQLite(t *testing.T) {
	c := newStageCounter()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := func(stageCtx context.Context, pc Context) (Context, error) {
		cancel()
		return c.stage("a")(stageCtx, pc)
	}
	reg := NewRegistry("cancel-durable").
		AddStage("a", first).
		AddStage("b", c.stage("b")).
		Then("a", "b")
	engine, store := newSQLiteEngine(t, reg)

	res := engine.Run(ctx, NewContext("r1"))
	if res.Status != StatusFailed || !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("expected cancellation, got %s %v", res.Status, res.Err)
	}
	if errors.Is(res.Err, ErrRunFailed) {
		t.Fatalf("cancellation must not be reported as a run failure: %v", res.Err)
	}

	bg := context.Background()
	if diff := cmp.Diff([]string{"a:started", "a:completed"}, progressTrail(t, store, "r1")); diff != "" {
		t.Fatalf("progress mismatch (-want +got):\n%s", diff)
	}
	if _, err := store.LoadArtifact(bg, "r1", "a"); err != nil {
		t.Fatalf("stage a output should be persisted: %v", err)
	}
	run, err := store.LoadRun(bg, "r1")
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if run.Status != state.RunStatusCanceled {
		t.Fatalf("expected canceled run record, got %q", run.Status)
	}

	res = engine.Resume(bg, "r1")
	if res.Status != StatusCompleted {
		t.Fatalf("expected canceled run to resume, got %s (%v)", res.Status, res.Err)
	}
	if c.count("a") != 1 || c.count("b") != 1 {
		t.Fatalf("unexpected stage counts a=%d b=%d", c.count("a"), c.count("b"))
	}
}

func TestEngine_GateRoundTripOnSQLite(t *testing.T) {
	c := newStageCounter()
	engine, store := newSQLiteEngine(t, reviewRegistry(c, nil))
	ctx := context.Background()

	res := engine.Run(ctx, NewContext("r2"))
	if res.Status != StatusPaused || res.Gate != "review_b" {
		t.Fatalf("expected pause at review_b, got %s gate=%q err=%v", res.Status, res.Gate, res.Err)
	}
	if res = engine.Resume(ctx, "r2"); res.Status != StatusPaused {
		t.Fatalf("resume without feedback should stay paused, got %s", res.Status)
	}

	deposit(t, store, "r2", "review_b", "reject")
	res = engine.Resume(ctx, "r2")
	if res.Status != StatusPaused || res.Gate != "review_b" {
		t.Fatalf("expected pause after regeneration, got %s gate=%q err=%v", res.Status, res.Gate, res.Err)
	}
	if c.count("b") != 2 {
		t.Fatalf("expected b to regenerate once, ran %d times", c.count("b"))
	}

	deposit(t, store, "r2", "review_b", map[string]any{"approved": true, "comment": "ship it"})
	res = engine.Resume(ctx, "r2")
	if res.Status != StatusCompleted {
		t.Fatalf("expected completion, got %s (%v)", res.Status, res.Err)
	}
	if res.Context.Rejections["review_b"] != 1 {
		t.Fatalf("expected one recorded rejection, got %d", res.Context.Rejections["review_b"])
	}
	if _, err := store.PeekFeedback(ctx, "r2", "review_b"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("feedback should be consumed, got %v", err)
	}
	if _, err := store.LoadArtifact(ctx, "r2", state.InterruptKey("review_b")); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("interrupt record should be cleared, got %v", err)
	}

	res = engine.Resume(ctx, "r2")
	if res.Status != StatusCompleted || c.count("c") != 1 {
		t.Fatalf("resuming a completed run must not execute stages: %s c=%d", res.Status, c.count("c"))
	}
}
