// Package otel bridges observe.Sink to OpenTelemetry.
//
// Each event becomes a span named after its kind (course.run,
// course.stage.<name>, course.gate.<name>, ...). Stage outcomes and gate
// interrupts are also counted on the configured meter.
package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/PipeOpsHQ/course-builder-go/observe"
)

const instrumentationName = "github.com/PipeOpsHQ/course-builder-go"

type Sink struct {
	tracer  trace.Tracer
	events  metric.Int64Counter
	stages  metric.Int64Counter
	gates   metric.Int64Counter
	latency metric.Int64Histogram
}

type Option func(*options)

type options struct {
	meterProvider metric.MeterProvider
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// NewSink creates a sink using tp; nil providers fall back to noop ones.
func NewSink(tp trace.TracerProvider, opts ...Option) (*Sink, error) {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	o := options{meterProvider: metricnoop.NewMeterProvider()}
	for _, opt := range opts {
		opt(&o)
	}
	meter := o.meterProvider.Meter(instrumentationName)

	s := &Sink{tracer: tp.Tracer(instrumentationName)}
	var err error
	if s.events, err = meter.Int64Counter("course.events", metric.WithDescription("Pipeline and session events observed")); err != nil {
		return nil, fmt.Errorf("create events counter: %w", err)
	}
	if s.stages, err = meter.Int64Counter("course.stage.outcomes", metric.WithDescription("Stage executions by outcome")); err != nil {
		return nil, fmt.Errorf("create stage counter: %w", err)
	}
	if s.gates, err = meter.Int64Counter("course.gate.interrupts", metric.WithDescription("Review gate interrupts")); err != nil {
		return nil, fmt.Errorf("create gate counter: %w", err)
	}
	if s.latency, err = meter.Int64Histogram("course.stage.duration", metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("create stage duration histogram: %w", err)
	}
	return s, nil
}

func (s *Sink) Emit(ctx context.Context, event observe.Event) error {
	event.Normalize()
	s.record(ctx, event)

	startTime := event.Timestamp
	_, span := s.tracer.Start(context.Background(), spanNameFor(event), trace.WithTimestamp(startTime))

	attrs := []attribute.KeyValue{
		attribute.String("course.event.kind", string(event.Kind)),
	}
	if event.RunID != "" {
		attrs = append(attrs, attribute.String("course.run.id", event.RunID))
	}
	if event.SessionID != "" {
		attrs = append(attrs, attribute.String("course.session.id", event.SessionID))
	}
	if event.SpanID != "" {
		attrs = append(attrs, attribute.String("course.span.id", event.SpanID))
	}
	if event.ParentSpanID != "" {
		attrs = append(attrs, attribute.String("course.parent_span.id", event.ParentSpanID))
	}
	if event.Stage != "" {
		attrs = append(attrs, attribute.String("course.stage", event.Stage))
	}
	if event.Gate != "" {
		attrs = append(attrs, attribute.String("course.gate", event.Gate))
	}
	if event.Status != "" {
		attrs = append(attrs, attribute.String("course.status", string(event.Status)))
	}
	if event.Message != "" {
		attrs = append(attrs, attribute.String("course.message", truncate(event.Message, 1024)))
	}
	if event.DurationMs > 0 {
		attrs = append(attrs, attribute.Int64("course.duration_ms", event.DurationMs))
	}
	for k, v := range event.Attributes {
		attrs = append(attrs, attribute.String("course.attr."+k, fmt.Sprintf("%v", v)))
	}
	span.SetAttributes(attrs...)

	switch event.Status {
	case observe.StatusFailed:
		span.SetStatus(codes.Error, event.Error)
		if event.Error != "" {
			span.RecordError(fmt.Errorf("%s", event.Error))
		}
	case observe.StatusCompleted, observe.StatusPaused:
		span.SetStatus(codes.Ok, "")
	}

	endTime := startTime
	if event.DurationMs > 0 {
		endTime = startTime.Add(time.Duration(event.DurationMs) * time.Millisecond)
	}
	span.End(trace.WithTimestamp(endTime))
	return nil
}

func (s *Sink) record(ctx context.Context, event observe.Event) {
	kind := attribute.String("kind", string(event.Kind))
	s.events.Add(ctx, 1, metric.WithAttributes(kind, attribute.String("status", string(event.Status))))
	switch event.Kind {
	case observe.KindStage:
		if event.Status == observe.StatusStarted {
			return
		}
		s.stages.Add(ctx, 1, metric.WithAttributes(
			attribute.String("stage", event.Stage),
			attribute.String("status", string(event.Status)),
		))
		if event.DurationMs > 0 {
			s.latency.Record(ctx, event.DurationMs, metric.WithAttributes(attribute.String("stage", event.Stage)))
		}
	case observe.KindGate:
		if event.Status == observe.StatusPaused {
			s.gates.Add(ctx, 1, metric.WithAttributes(attribute.String("gate", event.Gate)))
		}
	}
}

func spanNameFor(event observe.Event) string {
	switch event.Kind {
	case observe.KindSession:
		return "course.session"
	case observe.KindRun:
		return "course.run"
	case observe.KindStage:
		if event.Stage != "" {
			return "course.stage." + event.Stage
		}
		return "course.stage"
	case observe.KindGate:
		if event.Gate != "" {
			return "course.gate." + event.Gate
		}
		return "course.gate"
	case observe.KindCheckpoint:
		return "course.checkpoint"
	default:
		if event.Name != "" {
			return "course." + event.Name
		}
		return "course.event"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
