package pipeline

import (
	"errors"
	"testing"
)

func TestContextInputsAreImmutable(t *testing.T) {
	pc := NewContext("")
	if len(pc.RunID) != 8 {
		t.Fatalf("expected 8 character run id, got %q", pc.RunID)
	}
	if err := pc.SetInputs(map[string]any{"topic": "go"}); err != nil {
		t.Fatalf("first SetInputs failed: %v", err)
	}
	if err := pc.SetInputs(map[string]any{"topic": "rust"}); !errors.Is(err, ErrInputsLocked) {
		t.Fatalf("expected ErrInputsLocked, got %v", err)
	}
	if v, _ := pc.Input("topic"); v != "go" {
		t.Fatalf("inputs changed: %v", v)
	}
}

func TestContextCloneIsDeep(t *testing.T) {
	pc := NewContext("r1")
	pc.SetOutput("outline", map[string]any{"modules": []any{"intro"}})
	pc.SetApproval("review", Bool(false))
	pc.SetApproval("other", nil)
	pc.AddError("first %d", 1)

	clone, err := pc.Clone()
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	clone.Outputs["outline"].(map[string]any)["modules"] = []any{}
	clone.AddError("second")
	*clone.Approval["review"] = true

	modules := pc.Outputs["outline"].(map[string]any)["modules"].([]any)
	if len(modules) != 1 {
		t.Fatalf("clone shares outputs with original")
	}
	if len(pc.Errors) != 1 {
		t.Fatalf("clone shares errors with original")
	}
	if *pc.ApprovalOf("review") {
		t.Fatalf("clone shares approval pointers with original")
	}
	if _, ok := clone.Approval["other"]; !ok || clone.ApprovalOf("other") != nil {
		t.Fatalf("undecided approval lost in clone: %v", clone.Approval)
	}
}

func TestContextOutputMissing(t *testing.T) {
	pc := NewContext("r")
	pc.SetOutput("quizzes", nil)
	if _, ok := pc.Output("quizzes"); ok {
		t.Fatalf("nil output must read as absent")
	}
	pc.MarkFailed("quizzes", errors.New("timeout"))
	if pc.CurrentStage != "quizzes_failed" || len(pc.Errors) != 1 {
		t.Fatalf("unexpected failure marker state: %q %v", pc.CurrentStage, pc.Errors)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	pc := NewContext("r")
	pc.PausedAt = "review"
	raw, err := pc.snapshot("", "paused")
	if err != nil {
		t.Fatal(err)
	}
	snap, err := restoreSnapshot(raw)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != "paused" || snap.Context.PausedAt != "review" || snap.Context.RunID != "r" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if _, err := restoreSnapshot(nil); err == nil {
		t.Fatalf("expected error for empty snapshot")
	}
}
