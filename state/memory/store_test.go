package memory

import (
	"context"
	"testing"
	"time"

	"github.com/PipeOpsHQ/course-builder-go/state"
	"github.com/PipeOpsHQ/course-builder-go/state/statetest"
)

func TestMemoryStore(t *testing.T) {
	statetest.Run(t, func(t *testing.T) state.Store {
		return New()
	})
}

func TestMemoryStore_RunLock(t *testing.T) {
	s := New()
	ctx := context.Background()

	ok, err := s.AcquireRunLock(ctx, "run-1", "worker-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed, ok=%v err=%v", ok, err)
	}
	ok, err = s.AcquireRunLock(ctx, "run-1", "worker-b", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected second acquire to fail, ok=%v err=%v", ok, err)
	}
	if err := s.ReleaseRunLock(ctx, "run-1", "worker-b"); err != nil {
		t.Fatalf("release by non-owner errored: %v", err)
	}
	if ok, _ := s.AcquireRunLock(ctx, "run-1", "worker-b", time.Minute); ok {
		t.Fatalf("non-owner release must not free the lock")
	}
	if err := s.ReleaseRunLock(ctx, "run-1", "worker-a"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if ok, _ := s.AcquireRunLock(ctx, "run-1", "worker-b", time.Minute); !ok {
		t.Fatalf("expected acquire after release to succeed")
	}
}
