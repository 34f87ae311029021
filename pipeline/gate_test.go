package pipeline

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/course-builder-go/state"
)

func TestParseFeedback(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		want    Decision
		wantErr bool
	}{
		{name: "approve", payload: "approve", want: Decision{Approved: Bool(true), Comment: "approve"}},
		{name: "lgtm mixed case", payload: " LGTM ", want: Decision{Approved: Bool(true), Comment: "LGTM"}},
		{name: "reject", payload: "rejected", want: Decision{Approved: Bool(false), Comment: "rejected"}},
		{name: "no", payload: "no", want: Decision{Approved: Bool(false), Comment: "no"}},
		{name: "free text", payload: "add a lab on sockets", want: Decision{Comment: "add a lab on sockets"}},
		{name: "bool", payload: false, want: Decision{Approved: Bool(false)}},
		{
			name:    "object with comment",
			payload: map[string]any{"approved": false, "comment": "too shallow"},
			want:    Decision{Approved: Bool(false), Comment: "too shallow"},
		},
		{
			name:    "object with feedback",
			payload: map[string]any{"feedback": "split module 2"},
			want:    Decision{Comment: "split module 2"},
		},
		{name: "object approved word", payload: map[string]any{"approved": "yes"}, want: Decision{Approved: Bool(true)}},
		{name: "empty string", payload: "  ", wantErr: true},
		{name: "nil", payload: nil, wantErr: true},
		{name: "empty object", payload: map[string]any{}, wantErr: true},
		{name: "number", payload: 42, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFeedback(tt.payload)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("decision mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestApplyFeedback(t *testing.T) {
	pc := NewContext("r")
	ApplyFeedback(&pc, "review", Decision{Approved: Bool(false), Comment: "again"})
	ApplyFeedback(&pc, "review", Decision{Approved: Bool(false)})
	if pc.Rejections["review"] != 2 {
		t.Fatalf("expected 2 rejections, got %d", pc.Rejections["review"])
	}
	if pc.Feedback["review"] != "again" {
		t.Fatalf("empty comment must not erase feedback, got %q", pc.Feedback["review"])
	}
	ApplyFeedback(&pc, "review", Decision{Comment: "fine"})
	if pc.ApprovalOf("review") != nil {
		t.Fatalf("free text must leave approval undecided")
	}
}

func TestEngine_GateStatusTransitions(t *testing.T) {
	c := newStageCounter()
	engine, store := newTestEngine(t, reviewRegistry(c, nil))
	ctx := context.Background()

	expect := func(want GateStatus) {
		t.Helper()
		got, err := engine.GateStatus(ctx, "run-status", "review_b")
		if err != nil {
			t.Fatalf("GateStatus failed: %v", err)
		}
		if got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}

	expect(GatePending)
	engine.Run(ctx, NewContext("run-status"))
	expect(GatePaused)
	deposit(t, store, "run-status", "review_b", "approve")
	expect(GateResuming)
	engine.Resume(ctx, "run-status")
	expect(GateResolved)
}

func TestEngine_PendingGate(t *testing.T) {
	c := newStageCounter()
	engine, _ := newTestEngine(t, reviewRegistry(c, nil))
	ctx := context.Background()

	engine.Run(ctx, NewContext("run-pending"))
	gate, err := engine.PendingGate(ctx, "run-pending")
	if err != nil {
		t.Fatalf("PendingGate failed: %v", err)
	}
	if gate != "review_b" {
		t.Fatalf("expected review_b, got %q", gate)
	}
}

func TestEngine_PendingGateScansLatestInterrupt(t *testing.T) {
	c := newStageCounter()
	reg := NewRegistry("two-gates").
		AddStage("outline", c.stage("outline")).
		AddStage("review_outline", Passthrough, Interrupt()).
		AddStage("quiz", c.stage("quiz")).
		AddStage("review_quiz", Passthrough, Interrupt()).
		Then("outline", "review_outline", "quiz", "review_quiz")
	engine, store := newTestEngine(t, reg)
	ctx := context.Background()

	pc := NewContext("run-scan")
	snapshot, err := pc.snapshot("", state.RunStatusPaused)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SaveCheckpoint(ctx, state.CheckpointRecord{RunID: "run-scan", Seq: 1, Stage: "review_quiz", State: snapshot}); err != nil {
		t.Fatal(err)
	}
	for _, gate := range []string{"review_outline", "review_quiz"} {
		err := store.SaveArtifact(ctx, state.ArtifactRecord{
			RunID:    "run-scan",
			StepName: state.InterruptKey(gate),
			Data:     map[string]any{"gate": gate, "requires_feedback": true},
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	gate, err := engine.PendingGate(ctx, "run-scan")
	if err != nil {
		t.Fatalf("PendingGate failed: %v", err)
	}
	if gate != "review_quiz" {
		t.Fatalf("expected latest gate review_quiz, got %q", gate)
	}

	deposit(t, store, "run-scan", "review_quiz", "approve")
	res := engine.Resume(ctx, "run-scan")
	if res.Status != StatusCompleted {
		t.Fatalf("expected completion after scanned gate approval, got %s (%v)", res.Status, res.Err)
	}
}
