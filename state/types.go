package state

import (
	"strings"
	"time"
)

const (
	RunStatusRunning   = "running"
	RunStatusPaused    = "paused"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCanceled  = "canceled"
)

const (
	ProgressStarted   = "started"
	ProgressCompleted = "completed"
	ProgressError     = "error"
)

// InterruptPrefix marks artifacts written when a run halts at a gate.
const InterruptPrefix = "interrupt_"

type RunRecord struct {
	RunID        string         `json:"runId"`
	SessionID    string         `json:"sessionId,omitempty"`
	Pipeline     string         `json:"pipeline,omitempty"`
	Status       string         `json:"status"`
	CurrentStage string         `json:"currentStage,omitempty"`
	PausedAt     string         `json:"pausedAt,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Error        string         `json:"error,omitempty"`
	CreatedAt    *time.Time     `json:"createdAt,omitempty"`
	UpdatedAt    *time.Time     `json:"updatedAt,omitempty"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
}

type CheckpointRecord struct {
	RunID     string         `json:"runId"`
	Seq       int            `json:"seq"`
	Stage     string         `json:"stage"`
	State     map[string]any `json:"state,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// ArtifactRecord is the persisted output of one stage, or an interrupt
// record when StepName carries InterruptPrefix.
type ArtifactRecord struct {
	StepName  string         `json:"step_name"`
	RunID     string         `json:"thread_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

func (a ArtifactRecord) IsInterrupt() bool {
	return strings.HasPrefix(a.StepName, InterruptPrefix)
}

type ProgressEntry struct {
	RunID     string         `json:"thread_id"`
	Seq       int            `json:"seq"`
	Stage     string         `json:"step"`
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// FeedbackRecord is a reviewer decision waiting to be consumed on resume.
// Payload is either a plain string or a JSON object.
type FeedbackRecord struct {
	RunID     string    `json:"runId"`
	Gate      string    `json:"gate"`
	Payload   any       `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
}

func InterruptKey(gate string) string {
	return InterruptPrefix + gate
}
