package otel

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/PipeOpsHQ/course-builder-go/observe"
	"github.com/PipeOpsHQ/course-builder-go/types"
)

func newTestSink(t *testing.T) (*Sink, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	sink, err := NewSink(tp)
	if err != nil {
		t.Fatalf("NewSink failed: %v", err)
	}
	return sink, exporter
}

func TestSinkEmitsSpans(t *testing.T) {
	sink, exporter := newTestSink(t)

	err := sink.Emit(context.Background(), observe.Event{
		Kind:       observe.KindRun,
		RunID:      "run-123",
		SessionID:  "sess-456",
		Status:     observe.StatusCompleted,
		Timestamp:  time.Now(),
		DurationMs: 150,
	})
	if err != nil {
		t.Fatal(err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != "course.run" {
		t.Errorf("expected span name 'course.run', got %q", span.Name)
	}
	attrMap := attrToMap(span.Attributes)
	if attrMap["course.run.id"] != "run-123" {
		t.Errorf("missing or wrong course.run.id: %v", attrMap)
	}
	if attrMap["course.session.id"] != "sess-456" {
		t.Errorf("missing or wrong course.session.id: %v", attrMap)
	}
	if got := span.EndTime.Sub(span.StartTime); got != 150*time.Millisecond {
		t.Errorf("expected 150ms span, got %s", got)
	}
}

func TestSpanNaming(t *testing.T) {
	sink, exporter := newTestSink(t)
	now := time.Now()

	tests := []struct {
		event    observe.Event
		wantName string
	}{
		{observe.Event{Kind: observe.KindSession, Timestamp: now}, "course.session"},
		{observe.Event{Kind: observe.KindStage, Stage: "research", Timestamp: now}, "course.stage.research"},
		{observe.Event{Kind: observe.KindGate, Gate: "review_quizzes", Timestamp: now}, "course.gate.review_quizzes"},
		{observe.Event{Kind: observe.KindCheckpoint, Timestamp: now}, "course.checkpoint"},
		{observe.Event{Kind: observe.KindCustom, Name: "custom_event", Timestamp: now}, "course.custom_event"},
	}

	for _, tt := range tests {
		exporter.Reset()
		_ = sink.Emit(context.Background(), tt.event)
		spans := exporter.GetSpans()
		if len(spans) != 1 {
			t.Errorf("expected 1 span for %s, got %d", tt.wantName, len(spans))
			continue
		}
		if spans[0].Name != tt.wantName {
			t.Errorf("expected span name %q, got %q", tt.wantName, spans[0].Name)
		}
	}
}

func TestSinkErrorStatus(t *testing.T) {
	sink, exporter := newTestSink(t)
	_ = sink.Emit(context.Background(), observe.FromRuntimeEvent(types.Event{
		Type:  types.EventStageFailed,
		RunID: "r1",
		Stage: "quizzes",
		Error: "generator exploded",
	}))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected error event recorded on span")
	}
	if spans[0].Status.Description != "generator exploded" {
		t.Errorf("unexpected status: %+v", spans[0].Status)
	}
}

func TestNilProviders(t *testing.T) {
	sink, err := NewSink(nil, WithMeterProvider(nil))
	if err != nil {
		t.Fatalf("NewSink failed: %v", err)
	}
	err = sink.Emit(context.Background(), observe.Event{
		Kind:       observe.KindStage,
		Stage:      "research",
		Status:     observe.StatusCompleted,
		DurationMs: 12,
	})
	if err != nil {
		t.Errorf("expected no error with nil providers, got: %v", err)
	}
}

func attrToMap(attrs []attribute.KeyValue) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		m[string(a.Key)] = a.Value.Emit()
	}
	return m
}
