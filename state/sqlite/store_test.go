package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/PipeOpsHQ/course-builder-go/state"
	"github.com/PipeOpsHQ/course-builder-go/state/statetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestSQLiteStore(t *testing.T) {
	statetest.Run(t, func(t *testing.T) state.Store {
		return newTestStore(t)
	})
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "state.db")
	ctx := context.Background()

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.SaveArtifact(ctx, state.ArtifactRecord{
		RunID:    "run-1",
		StepName: "module_structure",
		Data:     map[string]any{"modules": []any{"intro"}},
	}); err != nil {
		t.Fatalf("SaveArtifact failed: %v", err)
	}
	if _, err := s.AppendProgress(ctx, state.ProgressEntry{RunID: "run-1", Stage: "module_structure", Status: state.ProgressCompleted}); err != nil {
		t.Fatalf("AppendProgress failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := New(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.LoadArtifact(ctx, "run-1", "module_structure")
	if err != nil {
		t.Fatalf("LoadArtifact after reopen failed: %v", err)
	}
	modules, ok := got.Data["modules"].([]any)
	if !ok || len(modules) != 1 || modules[0] != "intro" {
		t.Fatalf("unexpected artifact data: %#v", got.Data)
	}

	entry, err := reopened.AppendProgress(ctx, state.ProgressEntry{RunID: "run-1", Stage: "xdp_content", Status: state.ProgressStarted})
	if err != nil {
		t.Fatalf("AppendProgress after reopen failed: %v", err)
	}
	if entry.Seq != 2 {
		t.Fatalf("expected seq to continue at 2, got %d", entry.Seq)
	}
}

func TestSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
