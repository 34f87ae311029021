package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PipeOpsHQ/course-builder-go/course"
	eventstore "github.com/PipeOpsHQ/course-builder-go/observe/store"
	"github.com/PipeOpsHQ/course-builder-go/pipeline"
	"github.com/PipeOpsHQ/course-builder-go/state"
	"github.com/PipeOpsHQ/course-builder-go/state/memory"
	"github.com/PipeOpsHQ/course-builder-go/state/sqlite"
	"github.com/PipeOpsHQ/course-builder-go/types"
)

// blockingGenerator parks every research call until release is closed.
type blockingGenerator struct {
	course.OutlineGenerator
	entered chan string
	release chan struct{}
	calls   atomic.Int32
}

func newBlockingGenerator() *blockingGenerator {
	return &blockingGenerator{entered: make(chan string, 16), release: make(chan struct{})}
}

func (g *blockingGenerator) Research(ctx context.Context, req course.Requirements) (map[string]any, error) {
	g.calls.Add(1)
	g.entered <- req.CourseSubject
	<-g.release
	return g.OutlineGenerator.Research(ctx, req)
}

func (g *blockingGenerator) researchCalls() int { return int(g.calls.Load()) }

type failingContentGenerator struct {
	course.OutlineGenerator
}

func (failingContentGenerator) CourseContent(context.Context, course.Requirements, map[string]any, map[string]any) ([]any, error) {
	return nil, errors.New("content model unavailable")
}

func newTestManager(t *testing.T, gen course.Generator, workers int) (*Manager, *eventstore.MemoryStore) {
	t.Helper()
	return newTestManagerWithStore(t, gen, workers, memory.New())
}

func newSQLiteStore(t *testing.T) state.Store {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestManagerWithStore(t *testing.T, gen course.Generator, workers int, store state.Store) (*Manager, *eventstore.MemoryStore) {
	t.Helper()
	engine, err := pipeline.NewEngine(course.NewRegistry(gen), pipeline.WithStore(store))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	logStore := eventstore.NewMemoryStore()
	m, err := New(Config{
		Engine:       engine,
		Log:          logStore,
		Workers:      workers,
		Validate:     course.ValidateMap,
		Summarize:    course.Summarize,
		Clarify:      course.ClarifyingPrompt,
		ArtifactKeys: course.ArtifactKeys,
		SystemPrompt: "You help design courses.",
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m, logStore
}

func requirements(subject string) map[string]any {
	return map[string]any{"course_subject": subject, "number_of_modules": 3}
}

func waitFor(t *testing.T, m *Manager, id string) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Wait(ctx, id); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	got, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return got
}

func lastAssistant(s State) string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == types.RoleAssistant {
			return s.Messages[i].Content
		}
	}
	return ""
}

func approve(t *testing.T, m *Manager, id string) State {
	t.Helper()
	ctx := context.Background()
	if _, err := m.DepositFeedback(ctx, id, "", "approve"); err != nil {
		t.Fatalf("DepositFeedback failed: %v", err)
	}
	if _, err := m.Resume(ctx, id); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	return waitFor(t, m, id)
}

func TestSessionLifecycle(t *testing.T) {
	m, logStore := newTestManager(t, course.OutlineGenerator{}, 2)
	ctx := context.Background()

	s := m.CreateSession(ctx, "  Intro to Go ")
	if s.Title != "Intro to Go" || s.Status != StatusAwaitingRequirements {
		t.Fatalf("unexpected new session: %+v", s)
	}
	if len(s.Messages) != 1 || s.Messages[0].Role != types.RoleSystem {
		t.Fatalf("expected seeded system message, got %+v", s.Messages)
	}
	if s.RunID == "" || s.SessionID == "" {
		t.Fatalf("expected ids, got %+v", s)
	}

	if _, err := m.Submit(ctx, s.SessionID, requirements("go concurrency")); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	got := waitFor(t, m, s.SessionID)
	if got.Status != StatusRunning || got.AwaitingFeedback != course.GateReviewStructure {
		t.Fatalf("expected pause at structure review, got %s / %q", got.Status, got.AwaitingFeedback)
	}
	if !strings.Contains(lastAssistant(got), course.GateReviewStructure) {
		t.Fatalf("expected review notice, got %q", lastAssistant(got))
	}

	artifacts, err := m.Artifacts(ctx, s.SessionID)
	if err != nil {
		t.Fatalf("Artifacts failed: %v", err)
	}
	for _, key := range []string{course.StageModuleStructure, course.OutputResearch, state.InterruptKey(course.GateReviewStructure)} {
		if _, ok := artifacts[key]; !ok {
			t.Fatalf("expected artifact %s, got keys %v", key, keys(artifacts))
		}
	}

	got = approve(t, m, s.SessionID)
	if got.AwaitingFeedback != course.GateReviewQuizzes {
		t.Fatalf("expected pause at quiz review, got %+v", got)
	}
	got = approve(t, m, s.SessionID)
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", got.Status, got.LastError)
	}
	if got.Summary["modules"] != 3 || got.Summary["lessons"] != 9 {
		t.Fatalf("unexpected summary: %#v", got.Summary)
	}
	if !strings.Contains(lastAssistant(got), "finished") {
		t.Fatalf("expected completion notice, got %q", lastAssistant(got))
	}

	artifacts, err = m.Artifacts(ctx, s.SessionID)
	if err != nil {
		t.Fatalf("Artifacts failed: %v", err)
	}
	if _, ok := artifacts[course.OutputFinalCourse]; !ok {
		t.Fatalf("expected final course, got keys %v", keys(artifacts))
	}
	for _, gate := range []string{course.GateReviewStructure, course.GateReviewQuizzes} {
		if _, ok := artifacts[state.InterruptKey(gate)]; ok {
			t.Fatalf("interrupt for %s should be cleared", gate)
		}
	}

	progress, err := m.Progress(ctx, s.SessionID)
	if err != nil {
		t.Fatalf("Progress failed: %v", err)
	}
	if progress.Total == 0 || progress.Completed == 0 || progress.Last == nil {
		t.Fatalf("unexpected progress: %+v", progress)
	}
	if progress.Last.Stage != course.StageFinalize {
		t.Fatalf("expected last step %s, got %s", course.StageFinalize, progress.Last.Stage)
	}

	history, err := m.History(ctx, s.SessionID, 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) == 0 || history[0].EventType() != string(types.EventSessionCreated) {
		t.Fatalf("expected history to start with session.created, got %d events", len(history))
	}
	summary, err := logStore.AggregateMetrics(ctx, eventstore.MetricsQuery{})
	if err != nil {
		t.Fatalf("AggregateMetrics failed: %v", err)
	}
	if summary.SessionsCreated != 1 {
		t.Fatalf("expected one session created, got %+v", summary)
	}
}

func TestSubmitConflicts(t *testing.T) {
	gen := newBlockingGenerator()
	m, _ := newTestManager(t, gen, 2)
	ctx := context.Background()
	s := m.CreateSession(ctx, "conflict")

	if _, err := m.Submit(ctx, s.SessionID, requirements("rust")); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-gen.entered
	if _, err := m.Submit(ctx, s.SessionID, requirements("rust")); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict while active, got %v", err)
	}
	if _, err := m.Resume(ctx, s.SessionID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected resume conflict while active, got %v", err)
	}
	close(gen.release)
	waitFor(t, m, s.SessionID)

	if _, err := m.Submit(ctx, s.SessionID, requirements("rust")); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict after run started, got %v", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	m, _ := newTestManager(t, course.OutlineGenerator{}, 1)
	ctx := context.Background()
	s := m.CreateSession(ctx, "")
	if s.Title != "Untitled Course" {
		t.Fatalf("expected default title, got %q", s.Title)
	}

	tests := []struct {
		name string
		req  map[string]any
	}{
		{name: "nil", req: nil},
		{name: "missing subject", req: map[string]any{"number_of_modules": 2}},
		{name: "too many modules", req: map[string]any{"course_subject": "x", "number_of_modules": 40}},
		{name: "bad level", req: map[string]any{"course_subject": "x", "learner_level": "expert"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := m.Submit(ctx, s.SessionID, tc.req); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	got, _ := m.Get(s.SessionID)
	if got.Status != StatusAwaitingRequirements {
		t.Fatalf("status changed after invalid submit: %s", got.Status)
	}
	if _, err := m.Submit(ctx, "missing", requirements("x")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFatalStageErrorKeepsArtifacts(t *testing.T) {
	m, _ := newTestManager(t, failingContentGenerator{}, 1)
	ctx := context.Background()
	s := m.CreateSession(ctx, "fails")
	if _, err := m.Submit(ctx, s.SessionID, requirements("networking")); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitFor(t, m, s.SessionID)

	got := approve(t, m, s.SessionID)
	if got.Status != StatusError {
		t.Fatalf("expected error status, got %s", got.Status)
	}
	if !strings.Contains(got.LastError, "content model unavailable") {
		t.Fatalf("unexpected last error: %q", got.LastError)
	}
	if got.AwaitingFeedback != "" {
		t.Fatalf("awaiting feedback should be cleared, got %q", got.AwaitingFeedback)
	}
	artifacts, err := m.Artifacts(ctx, s.SessionID)
	if err != nil {
		t.Fatalf("Artifacts failed: %v", err)
	}
	if _, ok := artifacts[course.StageModuleStructure]; !ok {
		t.Fatalf("expected module structure to survive the failure, got %v", keys(artifacts))
	}
	if _, err := m.Resume(ctx, s.SessionID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected resume of failed session to conflict, got %v", err)
	}
}

func TestCancelAndResume(t *testing.T) {
	backends := map[string]func(t *testing.T) state.Store{
		"memory": func(*testing.T) state.Store { return memory.New() },
		"sqlite": newSQLiteStore,
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			gen := newBlockingGenerator()
			store := open(t)
			m, logStore := newTestManagerWithStore(t, gen, 1, store)
			ctx := context.Background()
			s := m.CreateSession(ctx, "cancel")

			if _, err := m.Cancel(ctx, s.SessionID); !errors.Is(err, ErrConflict) {
				t.Fatalf("expected conflict without active run, got %v", err)
			}
			if _, err := m.Submit(ctx, s.SessionID, requirements("kubernetes")); err != nil {
				t.Fatalf("Submit failed: %v", err)
			}
			<-gen.entered
			if _, err := m.Cancel(ctx, s.SessionID); err != nil {
				t.Fatalf("Cancel failed: %v", err)
			}
			close(gen.release)

			got := waitFor(t, m, s.SessionID)
			if got.Status != StatusCanceled {
				t.Fatalf("expected canceled, got %s (%s)", got.Status, got.LastError)
			}
			if _, err := store.LoadArtifact(ctx, got.RunID, course.OutputResearch); err != nil {
				t.Fatalf("research finished before the cancel took effect and should be kept: %v", err)
			}
			run, err := store.LoadRun(ctx, got.RunID)
			if err != nil || run.Status != state.RunStatusCanceled {
				t.Fatalf("expected canceled run record, got %+v err=%v", run, err)
			}

			if _, err := m.Resume(ctx, s.SessionID); err != nil {
				t.Fatalf("Resume failed: %v", err)
			}
			got = waitFor(t, m, s.SessionID)
			if got.AwaitingFeedback != course.GateReviewStructure {
				t.Fatalf("expected resumed run to reach the structure review, got %+v", got)
			}
			if n := gen.researchCalls(); n != 1 {
				t.Fatalf("research should not rerun after resume, ran %d times", n)
			}

			history, err := logStore.ListEventsBySession(ctx, s.SessionID, eventstore.ListQuery{})
			if err != nil {
				t.Fatalf("ListEventsBySession failed: %v", err)
			}
			found := false
			for _, e := range history {
				if e.EventType() == string(types.EventCancelRequested) {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected %s in history", types.EventCancelRequested)
			}
		})
	}
}

func TestGateRoundTripOnSQLite(t *testing.T) {
	m, _ := newTestManagerWithStore(t, course.OutlineGenerator{}, 2, newSQLiteStore(t))
	ctx := context.Background()
	s := m.CreateSession(ctx, "durable")

	if _, err := m.Submit(ctx, s.SessionID, requirements("sqlite internals")); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	got := waitFor(t, m, s.SessionID)
	if got.AwaitingFeedback != course.GateReviewStructure {
		t.Fatalf("expected pause at structure review, got %+v", got)
	}
	got = approve(t, m, s.SessionID)
	if got.AwaitingFeedback != course.GateReviewQuizzes {
		t.Fatalf("expected pause at quiz review, got %+v", got)
	}
	got = approve(t, m, s.SessionID)
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", got.Status, got.LastError)
	}
	artifacts, err := m.Artifacts(ctx, s.SessionID)
	if err != nil {
		t.Fatalf("Artifacts failed: %v", err)
	}
	if _, ok := artifacts[course.OutputFinalCourse]; !ok {
		t.Fatalf("expected final course, got keys %v", keys(artifacts))
	}
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	gen := newBlockingGenerator()
	m, _ := newTestManager(t, gen, 1)
	ctx := context.Background()

	first := m.CreateSession(ctx, "first")
	second := m.CreateSession(ctx, "second")
	if _, err := m.Submit(ctx, first.SessionID, requirements("first")); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-gen.entered
	if _, err := m.Submit(ctx, second.SessionID, requirements("second")); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	select {
	case subject := <-gen.entered:
		t.Fatalf("second run %q started while the only worker was busy", subject)
	case <-time.After(100 * time.Millisecond):
	}
	close(gen.release)
	<-gen.entered

	for _, id := range []string{first.SessionID, second.SessionID} {
		if got := waitFor(t, m, id); got.AwaitingFeedback != course.GateReviewStructure {
			t.Fatalf("session %s did not reach review: %+v", id, got)
		}
	}
}

func TestConcurrentSessionsAreIsolated(t *testing.T) {
	m, _ := newTestManager(t, course.OutlineGenerator{}, 3)
	ctx := context.Background()

	const n = 6
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := m.CreateSession(ctx, fmt.Sprintf("course %d", i))
			ids[i] = s.SessionID
			if _, err := m.Submit(ctx, s.SessionID, requirements(fmt.Sprintf("subject %d", i))); err != nil {
				t.Errorf("Submit %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	for i, id := range ids {
		waitFor(t, m, id)
		approve(t, m, id)
		got := approve(t, m, id)
		if got.Status != StatusCompleted {
			t.Fatalf("session %d: expected completed, got %s", i, got.Status)
		}
		meta, _ := got.Summary["course_metadata"].(map[string]any)
		if want := fmt.Sprintf("subject %d", i); meta["course_subject"] != want {
			t.Fatalf("session %d leaked state: course_subject=%v", i, meta["course_subject"])
		}
	}
	if len(m.List()) != n {
		t.Fatalf("expected %d sessions, got %d", n, len(m.List()))
	}
}

func TestDepositFeedbackValidation(t *testing.T) {
	m, _ := newTestManager(t, course.OutlineGenerator{}, 1)
	ctx := context.Background()
	s := m.CreateSession(ctx, "feedback")

	if _, err := m.DepositFeedback(ctx, s.SessionID, "", "approve"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error without a pending gate, got %v", err)
	}
	if _, err := m.Submit(ctx, s.SessionID, requirements("sql")); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitFor(t, m, s.SessionID)

	if _, err := m.DepositFeedback(ctx, s.SessionID, "review_everything", "approve"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected unknown gate error, got %v", err)
	}
	if _, err := m.DepositFeedback(ctx, s.SessionID, "", "   "); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected empty payload error, got %v", err)
	}
	if _, err := m.DepositFeedback(ctx, "nope", "", "approve"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	payload := map[string]any{"approved": false, "comment": "split module 2"}
	got, err := m.DepositFeedback(ctx, s.SessionID, course.GateReviewStructure, payload)
	if err != nil {
		t.Fatalf("DepositFeedback failed: %v", err)
	}
	last := got.Messages[len(got.Messages)-1]
	if last.Role != types.RoleUser || !strings.Contains(last.Content, "rejected") {
		t.Fatalf("expected rejection to be recorded, got %+v", last)
	}
	if _, err := m.Resume(ctx, s.SessionID); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	got = waitFor(t, m, s.SessionID)
	if got.AwaitingFeedback != course.GateReviewStructure {
		t.Fatalf("rejection should route back to the structure review, got %+v", got)
	}
	artifacts, _ := m.Artifacts(ctx, s.SessionID)
	structure, _ := artifacts[course.StageModuleStructure].(map[string]any)
	if structure["revision_notes"] != "split module 2" {
		t.Fatalf("expected revised structure, got %#v", structure)
	}
}

func TestPostMessage(t *testing.T) {
	m, _ := newTestManager(t, course.OutlineGenerator{}, 1)
	ctx := context.Background()
	s := m.CreateSession(ctx, "chat")

	got, err := m.PostMessage(ctx, s.SessionID, Message{Message: "I want a course about learner level basics"})
	if err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}
	reply := lastAssistant(got)
	if !strings.Contains(reply, "What subject") || strings.Contains(reply, "learner level?") {
		t.Fatalf("unexpected clarifying reply: %q", reply)
	}

	if _, err := m.PostMessage(ctx, s.SessionID, Message{Message: "go", Action: "generate"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error without requirements, got %v", err)
	}

	got, err = m.PostMessage(ctx, s.SessionID, Message{
		Message:      "build it",
		Action:       "generate_course",
		Requirements: requirements("distributed systems"),
	})
	if err != nil {
		t.Fatalf("PostMessage generate failed: %v", err)
	}
	if got.Status != StatusRunning {
		t.Fatalf("expected running, got %s", got.Status)
	}
	if !strings.Contains(lastAssistant(got), "pipeline") {
		t.Fatalf("expected launch notice, got %q", lastAssistant(got))
	}
	if got.Requirements["learner_level"] != "intermediate" {
		t.Fatalf("expected defaults to be merged, got %#v", got.Requirements)
	}
	waitFor(t, m, s.SessionID)
}

func TestCloseRejectsNewRuns(t *testing.T) {
	m, _ := newTestManager(t, course.OutlineGenerator{}, 1)
	ctx := context.Background()
	s := m.CreateSession(ctx, "closed")
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := m.Submit(ctx, s.SessionID, requirements("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
