package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrInputsLocked = errors.New("pipeline: inputs already set")

// Context is the record threaded through every stage of a run. Stages
// receive a deep copy and return the updated value; the engine keeps the
// only live instance for a run.
type Context struct {
	RunID        string            `json:"run_id"`
	SessionID    string            `json:"session_id,omitempty"`
	Inputs       map[string]any    `json:"inputs,omitempty"`
	Outputs      map[string]any    `json:"outputs,omitempty"`
	CurrentStage string            `json:"current_stage,omitempty"`
	Errors       []string          `json:"errors,omitempty"`
	Approval     map[string]*bool  `json:"approval_status,omitempty"`
	Feedback     map[string]string `json:"feedback,omitempty"`
	PausedAt     string            `json:"paused_at,omitempty"`
	Rejections   map[string]int    `json:"rejections,omitempty"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// NewRunID returns a short opaque run identifier.
func NewRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func NewContext(runID string) Context {
	if runID == "" {
		runID = NewRunID()
	}
	now := time.Now().UTC()
	pc := Context{RunID: runID, StartedAt: now, UpdatedAt: now}
	pc.ensure()
	return pc
}

func (c *Context) ensure() {
	if c.Inputs == nil {
		c.Inputs = map[string]any{}
	}
	if c.Outputs == nil {
		c.Outputs = map[string]any{}
	}
	if c.Approval == nil {
		c.Approval = map[string]*bool{}
	}
	if c.Feedback == nil {
		c.Feedback = map[string]string{}
	}
	if c.Rejections == nil {
		c.Rejections = map[string]int{}
	}
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	if c.Errors == nil {
		c.Errors = []string{}
	}
}

// SetInputs records the run inputs. Inputs can only be set once.
func (c *Context) SetInputs(inputs map[string]any) error {
	c.ensure()
	if len(c.Inputs) > 0 {
		return ErrInputsLocked
	}
	for k, v := range inputs {
		c.Inputs[k] = v
	}
	return nil
}

func (c Context) Input(key string) (any, bool) {
	v, ok := c.Inputs[key]
	return v, ok
}

func (c *Context) SetOutput(stage string, value any) {
	c.ensure()
	c.Outputs[stage] = value
}

func (c Context) Output(stage string) (any, bool) {
	v, ok := c.Outputs[stage]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func (c *Context) AddError(format string, args ...any) {
	c.ensure()
	c.Errors = append(c.Errors, fmt.Sprintf(format, args...))
}

// MarkFailed points CurrentStage at the recoverable failure marker for
// stage and records the reason.
func (c *Context) MarkFailed(stage string, reason error) {
	c.CurrentStage = FailedMarker(stage)
	if reason != nil {
		c.AddError("%s: %v", stage, reason)
	}
}

func (c *Context) SetApproval(gate string, approved *bool) {
	c.ensure()
	c.Approval[gate] = approved
}

// ApprovalOf returns the recorded decision for gate; nil means undecided.
func (c Context) ApprovalOf(gate string) *bool {
	return c.Approval[gate]
}

// Clone returns a deep copy made through the JSON encoding, so values in
// Inputs and Outputs come back as their JSON-decoded types.
func (c Context) Clone() (Context, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return Context{}, fmt.Errorf("failed to marshal context: %w", err)
	}
	var out Context
	if err := json.Unmarshal(raw, &out); err != nil {
		return Context{}, fmt.Errorf("failed to decode context: %w", err)
	}
	out.ensure()
	return out, nil
}

// Map renders the context as a generic JSON object.
func (c Context) Map() (map[string]any, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal context: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode context map: %w", err)
	}
	return out, nil
}

func FailedMarker(stage string) string {
	return stage + "_failed"
}

func Bool(v bool) *bool { return &v }

type checkpointSnapshot struct {
	Context   Context `json:"context"`
	NextStage string  `json:"nextStage,omitempty"`
	Status    string  `json:"status"`
}

func (c Context) snapshot(nextStage, status string) (map[string]any, error) {
	raw, err := json.Marshal(checkpointSnapshot{Context: c, NextStage: nextStage, Status: status})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint snapshot: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint snapshot map: %w", err)
	}
	return out, nil
}

func restoreSnapshot(raw map[string]any) (checkpointSnapshot, error) {
	if len(raw) == 0 {
		return checkpointSnapshot{}, fmt.Errorf("checkpoint state is empty")
	}
	payload, err := json.Marshal(raw)
	if err != nil {
		return checkpointSnapshot{}, fmt.Errorf("failed to marshal checkpoint state: %w", err)
	}
	var snap checkpointSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return checkpointSnapshot{}, fmt.Errorf("failed to decode checkpoint state: %w", err)
	}
	snap.Context.ensure()
	return snap, nil
}
