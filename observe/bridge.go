package observe

import (
	"fmt"
	"strings"

	"github.com/PipeOpsHQ/course-builder-go/types"
)

func FromRuntimeEvent(in types.Event) Event {
	e := Event{
		Timestamp: in.Timestamp,
		RunID:     in.RunID,
		SessionID: in.SessionID,
		Stage:     in.Stage,
		Gate:      in.Gate,
		Message:   in.Message,
		Error:     in.Error,
		Attributes: map[string]any{
			"eventType": string(in.Type),
		},
	}
	for k, v := range in.Payload {
		e.Attributes[k] = v
	}
	if ms, ok := in.Payload["durationMs"].(int64); ok {
		e.DurationMs = ms
	}

	eventType := string(in.Type)
	prefix, action, _ := strings.Cut(eventType, ".")
	switch prefix {
	case "session":
		e.Kind = KindSession
	case "workflow":
		e.Kind = KindRun
	case "stage":
		e.Kind = KindStage
	case "gate":
		e.Kind = KindGate
	default:
		e.Kind = KindCustom
	}
	e.Name = action
	if e.Name == "" {
		e.Name = eventType
	}

	switch action {
	case "started", "resumed":
		e.Status = StatusStarted
	case "paused", "interrupted":
		e.Status = StatusPaused
	case "failed", "canceled":
		e.Status = StatusFailed
	default:
		e.Status = StatusCompleted
	}

	e.SpanID = spanIDForRuntimeEvent(in)
	e.ParentSpanID = parentSpanIDForRuntimeEvent(in)
	e.Normalize()
	return e
}

func spanIDForRuntimeEvent(in types.Event) string {
	if in.RunID == "" {
		return ""
	}
	if in.Gate != "" {
		return fmt.Sprintf("%s:gate:%s", in.RunID, in.Gate)
	}
	if in.Stage != "" {
		return fmt.Sprintf("%s:stage:%s", in.RunID, in.Stage)
	}
	return in.RunID
}

func parentSpanIDForRuntimeEvent(in types.Event) string {
	if in.RunID == "" {
		return ""
	}
	if in.Gate != "" || in.Stage != "" {
		return in.RunID
	}
	return ""
}
