// Package statetest holds behavioral checks shared by every state.Store
// backend. Backend packages call Run from their own tests.
package statetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/PipeOpsHQ/course-builder-go/state"
)

// Factory returns a fresh, empty store. Cleanup is the caller's job.
type Factory func(t *testing.T) state.Store

func Run(t *testing.T, newStore Factory) {
	t.Run("Runs", func(t *testing.T) { testRuns(t, newStore(t)) })
	t.Run("Checkpoints", func(t *testing.T) { testCheckpoints(t, newStore(t)) })
	t.Run("Artifacts", func(t *testing.T) { testArtifacts(t, newStore(t)) })
	t.Run("ArtifactLastWriteWins", func(t *testing.T) { testArtifactLastWriteWins(t, newStore(t)) })
	t.Run("Progress", func(t *testing.T) { testProgress(t, newStore(t)) })
	t.Run("ConcurrentProgress", func(t *testing.T) { testConcurrentProgress(t, newStore(t)) })
	t.Run("Feedback", func(t *testing.T) { testFeedback(t, newStore(t)) })
	t.Run("RunIsolation", func(t *testing.T) { testRunIsolation(t, newStore(t)) })
	t.Run("RecordsAreCopies", func(t *testing.T) { testRecordsAreCopies(t, newStore(t)) })
}

func testRuns(t *testing.T, s state.Store) {
	ctx := context.Background()
	if _, err := s.LoadRun(ctx, "missing"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	now := time.Now().UTC()
	run := state.RunRecord{
		RunID:        "run-1",
		SessionID:    "sess-1",
		Pipeline:     "course",
		Status:       state.RunStatusRunning,
		CurrentStage: "research",
		Metadata:     map[string]any{"source": "test"},
		CreatedAt:    &now,
		UpdatedAt:    &now,
	}
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	run.Status = state.RunStatusPaused
	run.PausedAt = "review_structure"
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun update failed: %v", err)
	}

	got, err := s.LoadRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if got.Status != state.RunStatusPaused || got.PausedAt != "review_structure" {
		t.Fatalf("unexpected run: %#v", got)
	}

	runs, err := s.ListRuns(ctx, state.ListRunsQuery{SessionID: "sess-1", Limit: 10})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	paused, err := s.ListRuns(ctx, state.ListRunsQuery{Status: state.RunStatusPaused, Limit: 10})
	if err != nil {
		t.Fatalf("ListRuns by status failed: %v", err)
	}
	if len(paused) != 1 || paused[0].RunID != "run-1" {
		t.Fatalf("unexpected paused runs: %#v", paused)
	}
}

func testCheckpoints(t *testing.T, s state.Store) {
	ctx := context.Background()
	if _, err := s.LoadLatestCheckpoint(ctx, "run-1"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	for seq := 1; seq <= 3; seq++ {
		err := s.SaveCheckpoint(ctx, state.CheckpointRecord{
			RunID: "run-1",
			Seq:   seq,
			Stage: fmt.Sprintf("stage-%d", seq),
			State: map[string]any{"seq": seq},
		})
		if err != nil {
			t.Fatalf("SaveCheckpoint(%d) failed: %v", seq, err)
		}
	}
	err := s.SaveCheckpoint(ctx, state.CheckpointRecord{RunID: "run-1", Seq: 2, Stage: "dup"})
	if !errors.Is(err, state.ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate seq, got %v", err)
	}

	latest, err := s.LoadLatestCheckpoint(ctx, "run-1")
	if err != nil {
		t.Fatalf("LoadLatestCheckpoint failed: %v", err)
	}
	if latest.Seq != 3 || latest.Stage != "stage-3" {
		t.Fatalf("unexpected latest checkpoint: %#v", latest)
	}

	list, err := s.ListCheckpoints(ctx, "run-1", 2)
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(list) != 2 || list[0].Seq != 3 {
		t.Fatalf("unexpected checkpoint list: %#v", list)
	}
}

func testArtifacts(t *testing.T, s state.Store) {
	ctx := context.Background()
	if _, err := s.LoadArtifact(ctx, "run-1", "research"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	records := []state.ArtifactRecord{
		{RunID: "run-1", StepName: "research", Data: map[string]any{"findings": "a"}},
		{RunID: "run-1", StepName: state.InterruptKey("review_structure"), Data: map[string]any{"requires_feedback": true}},
	}
	for _, rec := range records {
		if err := s.SaveArtifact(ctx, rec); err != nil {
			t.Fatalf("SaveArtifact failed: %v", err)
		}
	}

	got, err := s.LoadArtifact(ctx, "run-1", "research")
	if err != nil {
		t.Fatalf("LoadArtifact failed: %v", err)
	}
	if got.Data["findings"] != "a" || got.Timestamp.IsZero() {
		t.Fatalf("unexpected artifact: %#v", got)
	}

	all, err := s.ListArtifacts(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListArtifacts failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(all))
	}
	interrupts := 0
	for _, a := range all {
		if a.IsInterrupt() {
			interrupts++
		}
	}
	if interrupts != 1 {
		t.Fatalf("expected 1 interrupt record, got %d", interrupts)
	}

	if err := s.DeleteArtifact(ctx, "run-1", state.InterruptKey("review_structure")); err != nil {
		t.Fatalf("DeleteArtifact failed: %v", err)
	}
	if _, err := s.LoadArtifact(ctx, "run-1", state.InterruptKey("review_structure")); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected deleted interrupt to be gone, got %v", err)
	}
	if err := s.DeleteArtifact(ctx, "run-1", "never-written"); err != nil {
		t.Fatalf("DeleteArtifact of missing key should be a no-op: %v", err)
	}
}

// For any sequence of writes to one (run, step) key, a read returns the
// last write.
func testArtifactLastWriteWins(t *testing.T, s state.Store) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	round := 0
	properties.Property("read returns the last write", prop.ForAll(
		func(values []string) bool {
			ctx := context.Background()
			round++
			runID := fmt.Sprintf("lww-%d", round)
			for _, v := range values {
				if err := s.SaveArtifact(ctx, state.ArtifactRecord{
					RunID:    runID,
					StepName: "quizzes",
					Data:     map[string]any{"value": v},
				}); err != nil {
					return false
				}
			}
			got, err := s.LoadArtifact(ctx, runID, "quizzes")
			if err != nil {
				return false
			}
			return got.Data["value"] == values[len(values)-1]
		},
		gen.SliceOf(gen.AlphaString()).SuchThat(func(v []string) bool { return len(v) > 0 }),
	))
	properties.TestingRun(t)
}

func testProgress(t *testing.T, s state.Store) {
	ctx := context.Background()
	entries, err := s.ListProgress(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListProgress on empty run failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(entries))
	}

	steps := []struct{ stage, status string }{
		{"research", state.ProgressStarted},
		{"research", state.ProgressCompleted},
		{"module_structure", state.ProgressStarted},
		{"module_structure", state.ProgressError},
	}
	for i, step := range steps {
		got, err := s.AppendProgress(ctx, state.ProgressEntry{
			RunID:   "run-1",
			Stage:   step.stage,
			Status:  step.status,
			Details: map[string]any{"i": i},
		})
		if err != nil {
			t.Fatalf("AppendProgress failed: %v", err)
		}
		if got.Seq != i+1 {
			t.Fatalf("expected seq %d, got %d", i+1, got.Seq)
		}
	}

	entries, err = s.ListProgress(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListProgress failed: %v", err)
	}
	if len(entries) != len(steps) {
		t.Fatalf("expected %d entries, got %d", len(steps), len(entries))
	}
	for i, e := range entries {
		if e.Seq != i+1 || e.Stage != steps[i].stage || e.Status != steps[i].status {
			t.Fatalf("entry %d out of order: %#v", i, e)
		}
	}
}

func testConcurrentProgress(t *testing.T, s state.Store) {
	ctx := context.Background()
	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.AppendProgress(ctx, state.ProgressEntry{
				RunID:  fmt.Sprintf("run-%d", i%2),
				Stage:  fmt.Sprintf("stage-%d", i),
				Status: state.ProgressCompleted,
			})
		}(i)
	}
	wg.Wait()

	total := 0
	for _, runID := range []string{"run-0", "run-1"} {
		entries, err := s.ListProgress(ctx, runID)
		if err != nil {
			t.Fatalf("ListProgress failed: %v", err)
		}
		seen := map[int]bool{}
		for _, e := range entries {
			if e.RunID != runID {
				t.Fatalf("entry leaked across runs: %#v", e)
			}
			if seen[e.Seq] {
				t.Fatalf("duplicate seq %d in %s", e.Seq, runID)
			}
			seen[e.Seq] = true
		}
		total += len(entries)
	}
	if total != writers {
		t.Fatalf("expected %d entries, got %d", writers, total)
	}
}

func testFeedback(t *testing.T, s state.Store) {
	ctx := context.Background()
	if _, err := s.PeekFeedback(ctx, "run-1", "review_structure"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.DepositFeedback(ctx, state.FeedbackRecord{RunID: "run-1", Gate: "review_structure", Payload: "reject"}); err != nil {
		t.Fatalf("DepositFeedback failed: %v", err)
	}
	if err := s.DepositFeedback(ctx, state.FeedbackRecord{
		RunID:   "run-1",
		Gate:    "review_structure",
		Payload: map[string]any{"approved": true, "comment": "looks good"},
	}); err != nil {
		t.Fatalf("DepositFeedback overwrite failed: %v", err)
	}

	got, err := s.PeekFeedback(ctx, "run-1", "review_structure")
	if err != nil {
		t.Fatalf("PeekFeedback failed: %v", err)
	}
	payload, ok := got.Payload.(map[string]any)
	if !ok || payload["approved"] != true {
		t.Fatalf("unexpected feedback payload: %#v", got.Payload)
	}
	if _, err := s.PeekFeedback(ctx, "run-1", "review_structure"); err != nil {
		t.Fatalf("peek must not consume feedback: %v", err)
	}

	if err := s.DeleteFeedback(ctx, "run-1", "review_structure"); err != nil {
		t.Fatalf("DeleteFeedback failed: %v", err)
	}
	if _, err := s.PeekFeedback(ctx, "run-1", "review_structure"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected feedback to be consumed, got %v", err)
	}
}

func testRunIsolation(t *testing.T, s state.Store) {
	ctx := context.Background()
	for _, runID := range []string{"run-a", "run-b"} {
		if err := s.SaveArtifact(ctx, state.ArtifactRecord{
			RunID:    runID,
			StepName: "module_structure",
			Data:     map[string]any{"owner": runID},
		}); err != nil {
			t.Fatalf("SaveArtifact failed: %v", err)
		}
	}
	for _, runID := range []string{"run-a", "run-b"} {
		got, err := s.LoadArtifact(ctx, runID, "module_structure")
		if err != nil {
			t.Fatalf("LoadArtifact failed: %v", err)
		}
		if got.Data["owner"] != runID {
			t.Fatalf("run %s read %v", runID, got.Data["owner"])
		}
	}
}

func testRecordsAreCopies(t *testing.T, s state.Store) {
	ctx := context.Background()
	data := map[string]any{"title": "Intro", "modules": []any{map[string]any{"name": "m1"}}}
	if err := s.SaveArtifact(ctx, state.ArtifactRecord{RunID: "run-copy", StepName: "module_structure", Data: data}); err != nil {
		t.Fatalf("SaveArtifact failed: %v", err)
	}
	data["title"] = "changed after save"

	got, err := s.LoadArtifact(ctx, "run-copy", "module_structure")
	if err != nil {
		t.Fatalf("LoadArtifact failed: %v", err)
	}
	got.Data["title"] = "changed after load"
	got.Data["modules"].([]any)[0].(map[string]any)["name"] = "changed"

	again, err := s.LoadArtifact(ctx, "run-copy", "module_structure")
	if err != nil {
		t.Fatalf("LoadArtifact failed: %v", err)
	}
	if again.Data["title"] != "Intro" {
		t.Fatalf("stored artifact was mutated through a caller's map: %v", again.Data["title"])
	}
	if name := again.Data["modules"].([]any)[0].(map[string]any)["name"]; name != "m1" {
		t.Fatalf("stored nested artifact data was mutated: %v", name)
	}

	payload := map[string]any{"approved": false, "comment": "tighten module 2"}
	if err := s.DepositFeedback(ctx, state.FeedbackRecord{RunID: "run-copy", Gate: "review_structure", Payload: payload}); err != nil {
		t.Fatalf("DepositFeedback failed: %v", err)
	}
	payload["comment"] = "changed after deposit"
	fb, err := s.PeekFeedback(ctx, "run-copy", "review_structure")
	if err != nil {
		t.Fatalf("PeekFeedback failed: %v", err)
	}
	fb.Payload.(map[string]any)["comment"] = "changed after peek"
	fb, err = s.PeekFeedback(ctx, "run-copy", "review_structure")
	if err != nil {
		t.Fatalf("PeekFeedback failed: %v", err)
	}
	if got := fb.Payload.(map[string]any)["comment"]; got != "tighten module 2" {
		t.Fatalf("stored feedback was mutated: %v", got)
	}
}
