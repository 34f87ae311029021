package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PipeOpsHQ/course-builder-go/state"
)

type GateStatus string

const (
	GatePending  GateStatus = "pending"
	GateRunning  GateStatus = "running"
	GatePaused   GateStatus = "paused"
	GateResuming GateStatus = "resuming"
	GateResolved GateStatus = "resolved"
)

// Decision is a parsed reviewer response for one gate. Approved is nil
// for free-text feedback that neither approves nor rejects.
type Decision struct {
	Approved *bool  `json:"approved,omitempty"`
	Comment  string `json:"comment,omitempty"`
}

func (d Decision) Rejected() bool {
	return d.Approved != nil && !*d.Approved
}

var (
	approveWords = map[string]bool{"approve": true, "approved": true, "yes": true, "lgtm": true}
	rejectWords  = map[string]bool{"reject": true, "rejected": true, "no": true}
)

// ParseFeedback accepts a plain string, a bool, or an object carrying
// "approved" and "comment" (or "feedback") fields.
func ParseFeedback(payload any) (Decision, error) {
	switch v := payload.(type) {
	case nil:
		return Decision{}, fmt.Errorf("feedback payload is empty")
	case bool:
		return Decision{Approved: Bool(v)}, nil
	case string:
		text := strings.TrimSpace(v)
		if text == "" {
			return Decision{}, fmt.Errorf("feedback payload is empty")
		}
		word := strings.ToLower(text)
		switch {
		case approveWords[word]:
			return Decision{Approved: Bool(true), Comment: text}, nil
		case rejectWords[word]:
			return Decision{Approved: Bool(false), Comment: text}, nil
		}
		return Decision{Comment: text}, nil
	case Decision:
		return v, nil
	case map[string]any:
		var d Decision
		switch a := v["approved"].(type) {
		case nil:
		case bool:
			d.Approved = Bool(a)
		case string:
			parsed, err := ParseFeedback(a)
			if err != nil {
				return Decision{}, err
			}
			d.Approved = parsed.Approved
		default:
			return Decision{}, fmt.Errorf("feedback field approved has unsupported type %T", a)
		}
		for _, key := range []string{"comment", "feedback"} {
			if s, ok := v[key].(string); ok && strings.TrimSpace(s) != "" {
				d.Comment = strings.TrimSpace(s)
				break
			}
		}
		if d.Approved == nil && d.Comment == "" {
			return Decision{}, fmt.Errorf("feedback object has neither approved nor comment")
		}
		return d, nil
	default:
		return Decision{}, fmt.Errorf("unsupported feedback payload type %T", payload)
	}
}

// ApplyFeedback merges a decision for gate into pc.
func ApplyFeedback(pc *Context, gate string, d Decision) {
	pc.ensure()
	if d.Comment != "" {
		pc.Feedback[gate] = d.Comment
	}
	pc.Approval[gate] = d.Approved
	if d.Rejected() {
		pc.Rejections[gate]++
	}
}

// PendingGate returns the gate a run is paused at, or the empty string.
// The checkpointed pointer is authoritative; interrupt records are only
// scanned when the checkpoint does not carry one, latest gate first.
func (e *Engine) PendingGate(ctx context.Context, runID string) (string, error) {
	cp, err := e.store.LoadLatestCheckpoint(ctx, runID)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return "", err
	}
	if err == nil {
		snap, err := restoreSnapshot(cp.State)
		if err != nil {
			return "", err
		}
		if snap.Status != state.RunStatusPaused {
			return "", nil
		}
		if snap.Context.PausedAt != "" {
			return snap.Context.PausedAt, nil
		}
	}
	return e.scanInterrupts(ctx, runID)
}

func (e *Engine) scanInterrupts(ctx context.Context, runID string) (string, error) {
	gates := e.registry.Gates()
	for i := len(gates) - 1; i >= 0; i-- {
		_, err := e.store.LoadArtifact(ctx, runID, state.InterruptKey(gates[i]))
		if err == nil {
			return gates[i], nil
		}
		if !errors.Is(err, state.ErrNotFound) {
			return "", err
		}
	}
	return "", nil
}

// GateStatus reports where gate stands for runID.
func (e *Engine) GateStatus(ctx context.Context, runID, gate string) (GateStatus, error) {
	cp, err := e.store.LoadLatestCheckpoint(ctx, runID)
	if errors.Is(err, state.ErrNotFound) {
		return GatePending, nil
	}
	if err != nil {
		return "", err
	}
	snap, err := restoreSnapshot(cp.State)
	if err != nil {
		return "", err
	}
	pc := snap.Context
	switch {
	case snap.Status == state.RunStatusPaused && pc.PausedAt == gate:
		_, err := e.store.PeekFeedback(ctx, runID, gate)
		if errors.Is(err, state.ErrNotFound) {
			return GatePaused, nil
		}
		if err != nil {
			return "", err
		}
		return GateResuming, nil
	case snap.Status == state.RunStatusRunning && snap.NextStage == gate:
		return GateRunning, nil
	}
	if _, ok := pc.Approval[gate]; ok {
		return GateResolved, nil
	}
	return GatePending, nil
}
