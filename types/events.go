package types

import "time"

type EventType string

const (
	EventSessionCreated    EventType = "session.created"
	EventMessageReceived   EventType = "session.message_received"
	EventFeedbackDeposited EventType = "session.feedback_deposited"
	EventSessionStatus     EventType = "session.status_changed"
	EventCancelRequested   EventType = "session.cancel_requested"
	EventWorkflowStarted   EventType = "workflow.started"
	EventWorkflowResumed   EventType = "workflow.resumed"
	EventWorkflowPaused    EventType = "workflow.paused"
	EventWorkflowCompleted EventType = "workflow.completed"
	EventWorkflowFailed    EventType = "workflow.failed"
	EventWorkflowCanceled  EventType = "workflow.canceled"
	EventStageStarted      EventType = "stage.started"
	EventStageCompleted    EventType = "stage.completed"
	EventStageFailed       EventType = "stage.failed"
	EventGateInterrupted   EventType = "gate.interrupted"
	EventFeedbackReceived  EventType = "gate.feedback_received"
	EventGateResolved      EventType = "gate.resolved"
)

// Event is a domain event raised by the engine or the session manager.
// Observers convert it with observe.FromRuntimeEvent.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"runId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	Gate      string         `json:"gate,omitempty"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}
