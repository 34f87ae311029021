package course

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/course-builder-go/pipeline"
	"github.com/PipeOpsHQ/course-builder-go/state"
	"github.com/PipeOpsHQ/course-builder-go/state/memory"
)

func TestValidateAppliesDefaults(t *testing.T) {
	req, normalized, err := Validate(map[string]any{"course_subject": "  distributed systems "})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	want := DefaultRequirements()
	want.CourseSubject = "distributed systems"
	if diff := cmp.Diff(want, req); diff != "" {
		t.Fatalf("requirements mismatch (-want +got):\n%s", diff)
	}
	if normalized["number_of_modules"] != float64(4) {
		t.Fatalf("expected normalized module count, got %#v", normalized["number_of_modules"])
	}
}

func TestValidateRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
		want string
	}{
		{name: "missing subject", raw: map[string]any{"number_of_modules": 3}, want: "course_subject"},
		{name: "blank subject", raw: map[string]any{"course_subject": "   "}, want: "course_subject"},
		{name: "too many modules", raw: map[string]any{"course_subject": "go", "number_of_modules": 21}, want: "number_of_modules"},
		{name: "zero modules", raw: map[string]any{"course_subject": "go", "number_of_modules": 0}, want: "number_of_modules"},
		{name: "fractional modules", raw: map[string]any{"course_subject": "go", "number_of_modules": 2.5}, want: "number_of_modules"},
		{name: "unknown level", raw: map[string]any{"course_subject": "go", "learner_level": "expert"}, want: "learner_level"},
		{name: "negative quizzes", raw: map[string]any{"course_subject": "go", "graded_quizzes_per_module": -1}, want: "graded_quizzes_per_module"},
		{name: "nil", raw: nil, want: "course_subject"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Validate(tt.raw)
			if !errors.Is(err, ErrInvalidRequirements) {
				t.Fatalf("expected ErrInvalidRequirements, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestSchemaDescribesRequirements(t *testing.T) {
	raw, err := SchemaJSON()
	if err != nil {
		t.Fatalf("SchemaJSON failed: %v", err)
	}
	var doc struct {
		Required   []string                  `json:"required"`
		Properties map[string]map[string]any `json:"properties"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	if diff := cmp.Diff([]string{"course_subject"}, doc.Required); diff != "" {
		t.Fatalf("required mismatch:\n%s", diff)
	}
	if doc.Properties["number_of_modules"]["maximum"] != float64(20) {
		t.Fatalf("expected module maximum 20, got %v", doc.Properties["number_of_modules"])
	}
}

func newCourseEngine(t *testing.T) (*pipeline.Engine, *memory.Store) {
	t.Helper()
	store := memory.New()
	engine, err := pipeline.NewEngine(NewRegistry(OutlineGenerator{}), pipeline.WithStore(store))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return engine, store
}

func startContext(t *testing.T, runID string, raw map[string]any) pipeline.Context {
	t.Helper()
	_, normalized, err := Validate(raw)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	pc := pipeline.NewContext(runID)
	if err := pc.SetInputs(normalized); err != nil {
		t.Fatal(err)
	}
	return pc
}

func approve(t *testing.T, store state.Store, runID, gate string, payload any) {
	t.Helper()
	if err := store.DepositFeedback(context.Background(), state.FeedbackRecord{RunID: runID, Gate: gate, Payload: payload}); err != nil {
		t.Fatal(err)
	}
}

func TestCoursePipelineEndToEnd(t *testing.T) {
	engine, store := newCourseEngine(t)
	ctx := context.Background()

	res := engine.Run(ctx, startContext(t, "course-1", map[string]any{"course_subject": "kubernetes", "number_of_modules": 3}))
	if res.Status != pipeline.StatusPaused || res.Gate != GateReviewStructure {
		t.Fatalf("expected pause at %s, got %s %q %v", GateReviewStructure, res.Status, res.Gate, res.Err)
	}
	if _, err := store.LoadArtifact(ctx, "course-1", OutputResearch); err != nil {
		t.Fatalf("expected research artifact: %v", err)
	}

	approve(t, store, "course-1", GateReviewStructure, "approve")
	res = engine.Resume(ctx, "course-1")
	if res.Status != pipeline.StatusPaused || res.Gate != GateReviewQuizzes {
		t.Fatalf("expected pause at %s, got %s %q %v", GateReviewQuizzes, res.Status, res.Gate, res.Err)
	}

	approve(t, store, "course-1", GateReviewQuizzes, map[string]any{"approved": true})
	res = engine.Resume(ctx, "course-1")
	if res.Status != pipeline.StatusCompleted {
		t.Fatalf("expected completion, got %s %v", res.Status, res.Err)
	}
	if _, err := store.LoadArtifact(ctx, "course-1", OutputFinalCourse); err != nil {
		t.Fatalf("expected final course artifact: %v", err)
	}

	summary := Summarize(res.Context)
	for key, want := range map[string]int{"modules": 3, "lessons": 9, "quizzes": 9, "content_blocks": 9} {
		if summary[key] != want {
			t.Fatalf("summary[%s] = %v, want %d (summary=%v)", key, summary[key], want, summary)
		}
	}
	meta, _ := summary["course_metadata"].(map[string]any)
	if meta["course_subject"] != "kubernetes" {
		t.Fatalf("unexpected course metadata %v", meta)
	}
}

func TestCoursePipelineStructureRejection(t *testing.T) {
	engine, store := newCourseEngine(t)
	ctx := context.Background()

	engine.Run(ctx, startContext(t, "course-2", map[string]any{"course_subject": "rust", "number_of_modules": 2}))
	approve(t, store, "course-2", GateReviewStructure, map[string]any{"approved": false, "comment": "add ownership"})
	res := engine.Resume(ctx, "course-2")
	if res.Status != pipeline.StatusPaused || res.Gate != GateReviewStructure {
		t.Fatalf("expected second structure review, got %s %q", res.Status, res.Gate)
	}
	artifact, err := store.LoadArtifact(ctx, "course-2", StageModuleStructure)
	if err != nil {
		t.Fatal(err)
	}
	if artifact.Data["revision_notes"] != "add ownership" {
		t.Fatalf("expected regenerated structure to carry feedback, got %v", artifact.Data["revision_notes"])
	}
}

func TestCoursePipelineInvalidInputsEndEarly(t *testing.T) {
	engine, store := newCourseEngine(t)
	ctx := context.Background()

	res := engine.Run(ctx, pipeline.NewContext("course-3"))
	if res.Status != pipeline.StatusCompleted {
		t.Fatalf("expected run to end, got %s %v", res.Status, res.Err)
	}
	if res.Context.CurrentStage != pipeline.FailedMarker(StageCollect) {
		t.Fatalf("expected collect failure marker, got %q", res.Context.CurrentStage)
	}
	if _, err := store.LoadArtifact(ctx, "course-3", OutputResearch); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("research must not run, got %v", err)
	}
}

func TestClarifyingPrompt(t *testing.T) {
	prompt := ClarifyingPrompt(nil, []string{"I want a course subject about Go", "maybe 5 for number of modules"})
	if strings.Contains(prompt, "What subject") || strings.Contains(prompt, "How many modules") {
		t.Fatalf("mentioned fields should not be asked again: %q", prompt)
	}
	if !strings.Contains(prompt, "learner level") || !strings.Contains(prompt, "How long") {
		t.Fatalf("missing fields should be asked: %q", prompt)
	}
	if got := ClarifyingPrompt(map[string]any{"course_subject": "go"}, nil); !strings.Contains(got, "ready") {
		t.Fatalf("known requirements should produce ready notice, got %q", got)
	}
}
