package session

import (
	"errors"
	"time"

	"github.com/PipeOpsHQ/course-builder-go/state"
	"github.com/PipeOpsHQ/course-builder-go/types"
)

var (
	ErrNotFound   = errors.New("session: not found")
	ErrConflict   = errors.New("session: conflict")
	ErrValidation = errors.New("session: validation failed")
	ErrClosed     = errors.New("session: manager closed")
)

const (
	StatusAwaitingRequirements = "awaiting_requirements"
	StatusRunning              = "running_workflow"
	StatusCompleted            = "completed"
	StatusError                = "error"
	StatusCanceled             = "canceled"
)

const (
	ActionChat     = "chat"
	ActionGenerate = "generate"
)

// State is a point-in-time copy of a session.
type State struct {
	SessionID        string          `json:"session_id"`
	RunID            string          `json:"run_id"`
	Title            string          `json:"title"`
	Status           string          `json:"status"`
	Messages         []types.Message `json:"messages"`
	LastError        string          `json:"last_error,omitempty"`
	Summary          map[string]any  `json:"summary"`
	AwaitingFeedback string          `json:"awaiting_feedback,omitempty"`
	Requirements     map[string]any  `json:"requirements,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (s State) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusError
}

// Message is a caller request posted to a session.
type Message struct {
	Message      string         `json:"message"`
	Action       string         `json:"action,omitempty"`
	Requirements map[string]any `json:"course_config,omitempty"`
}

type Progress struct {
	Steps     []state.ProgressEntry `json:"steps"`
	Total     int                   `json:"total_steps"`
	Completed int                   `json:"completed_steps"`
	Last      *state.ProgressEntry  `json:"last_step"`
}
