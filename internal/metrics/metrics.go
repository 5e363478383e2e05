// Package metrics wires the dispatcher's per-task analytics into
// OpenTelemetry metrics and traces, exported as Prometheus series. The
// span/attribute shape is adapted from the teacher's
// internal/domain/agent/react/tracing.go (startReactSpan, span
// attributes, markSpanResult); the counters/histogram below are this
// engine's domain-specific equivalent of that file's turn-latency
// metrics, scoped to task execution instead of agent reasoning turns.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "taskengine/dispatcher"

// Recorder is the dispatcher's handle onto the task-execution metrics
// and tracing instrumentation. A nil *Recorder is safe to call methods
// on (every method no-ops), so components can be constructed without
// requiring a Prometheus registry in tests.
type Recorder struct {
	tracer        trace.Tracer
	started       metric.Int64Counter
	completed     metric.Int64Counter
	failed        metric.Int64Counter
	retried       metric.Int64Counter
	durationMS    metric.Int64Histogram
	meterProvider *sdkmetric.MeterProvider
}

// New constructs a Recorder backed by a fresh Prometheus exporter
// registered with the Prometheus default registerer. The MeterProvider
// it creates is kept inside the Recorder and is not installed as the
// process global.
func New() (*Recorder, error) {
	exporter, err := otelprometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(instrumentationName)

	started, err := meter.Int64Counter("taskengine_tasks_started_total",
		metric.WithDescription("Tasks transitioned to running, by kind"))
	if err != nil {
		return nil, err
	}
	completed, err := meter.Int64Counter("taskengine_tasks_completed_total",
		metric.WithDescription("Tasks transitioned to completed, by kind"))
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64Counter("taskengine_tasks_failed_total",
		metric.WithDescription("Tasks transitioned to terminal error, by kind"))
	if err != nil {
		return nil, err
	}
	retried, err := meter.Int64Counter("taskengine_tasks_retried_total",
		metric.WithDescription("Tasks re-queued for retry, by kind"))
	if err != nil {
		return nil, err
	}
	durationMS, err := meter.Int64Histogram("taskengine_task_duration_ms",
		metric.WithDescription("Task execution duration in milliseconds, by kind"))
	if err != nil {
		return nil, err
	}

	return &Recorder{
		tracer:        otel.Tracer(instrumentationName),
		started:       started,
		completed:     completed,
		failed:        failed,
		retried:       retried,
		durationMS:    durationMS,
		meterProvider: provider,
	}, nil
}

// StartSpan opens a span for one task execution (§4.3 step 1),
// tagging it with task.kind and task.id as the teacher's
// startReactSpan tags turn spans with session/turn identifiers.
func (r *Recorder) StartSpan(ctx context.Context, kind string, taskID int64) (context.Context, trace.Span) {
	if r == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return r.tracer.Start(ctx, "dispatch."+kind, trace.WithAttributes(
		attribute.String("task.kind", kind),
		attribute.Int64("task.id", taskID),
	))
}

// MarkResult records the span outcome, mirroring the teacher's
// markSpanResult: ok on success, codes.Error plus the error message
// otherwise.
func MarkResult(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// RecordStart increments the started counter for kind.
func (r *Recorder) RecordStart(ctx context.Context, kind string) {
	if r == nil {
		return
	}
	r.started.Add(ctx, 1, metric.WithAttributes(attribute.String("task.kind", kind)))
}

// RecordComplete increments the completed counter and records duration.
func (r *Recorder) RecordComplete(ctx context.Context, kind string, durationMS int64) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("task.kind", kind))
	r.completed.Add(ctx, 1, attrs)
	r.durationMS.Record(ctx, durationMS, attrs)
}

// RecordError increments the failed counter and records duration.
func (r *Recorder) RecordError(ctx context.Context, kind string, durationMS int64) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("task.kind", kind))
	r.failed.Add(ctx, 1, attrs)
	r.durationMS.Record(ctx, durationMS, attrs)
}

// RecordRetry increments the retried counter for kind.
func (r *Recorder) RecordRetry(ctx context.Context, kind string) {
	if r == nil {
		return
	}
	r.retried.Add(ctx, 1, metric.WithAttributes(attribute.String("task.kind", kind)))
}

// Shutdown flushes and releases the underlying meter provider.
func (r *Recorder) Shutdown(ctx context.Context) error {
	if r == nil || r.meterProvider == nil {
		return nil
	}
	return r.meterProvider.Shutdown(ctx)
}
