package state

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("state: not found")
	ErrConflict = errors.New("state: conflict")
)

type ListRunsQuery struct {
	SessionID string
	Limit     int
	Offset    int
	Status    string
}

// RunStore persists one status record per pipeline run.
type RunStore interface {
	SaveRun(ctx context.Context, run RunRecord) error
	LoadRun(ctx context.Context, runID string) (RunRecord, error)
	ListRuns(ctx context.Context, query ListRunsQuery) ([]RunRecord, error)
}

// CheckpointStore keeps seq-numbered context snapshots. Saving an existing
// (run, seq) pair returns ErrConflict.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, checkpoint CheckpointRecord) error
	LoadLatestCheckpoint(ctx context.Context, runID string) (CheckpointRecord, error)
	ListCheckpoints(ctx context.Context, runID string, limit int) ([]CheckpointRecord, error)
}

// ArtifactStore keeps one record per (run, step); a save replaces any
// earlier record for the same key.
type ArtifactStore interface {
	SaveArtifact(ctx context.Context, artifact ArtifactRecord) error
	LoadArtifact(ctx context.Context, runID, stepName string) (ArtifactRecord, error)
	ListArtifacts(ctx context.Context, runID string) ([]ArtifactRecord, error)
	DeleteArtifact(ctx context.Context, runID, stepName string) error
}

// ProgressLog is append-only. AppendProgress assigns the next per-run
// sequence number and returns the stored entry.
type ProgressLog interface {
	AppendProgress(ctx context.Context, entry ProgressEntry) (ProgressEntry, error)
	ListProgress(ctx context.Context, runID string) ([]ProgressEntry, error)
}

// FeedbackChannel holds at most one pending feedback record per (run, gate).
type FeedbackChannel interface {
	DepositFeedback(ctx context.Context, feedback FeedbackRecord) error
	PeekFeedback(ctx context.Context, runID, gate string) (FeedbackRecord, error)
	DeleteFeedback(ctx context.Context, runID, gate string) error
}

// RunLocker fences workers on one run across processes. Stores that
// cannot lock simply do not implement it.
type RunLocker interface {
	AcquireRunLock(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error)
	ReleaseRunLock(ctx context.Context, runID, owner string) error
}

type Store interface {
	RunStore
	CheckpointStore
	ArtifactStore
	ProgressLog
	FeedbackChannel

	Close() error
}
