// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package telemetry

import (
	"context"
	"fmt"

	"github.com/doomervibe/fleuve/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// BoundarySpan wraps an OpenTelemetry span started at one of the engine's
// four instrumentation boundaries: the Repository, the Stream Reader, the
// Activity Executor, and the Delay Scheduler.
type BoundarySpan struct {
	span trace.Span
}

// StartCommand starts a span around a single create_new/process_command
// call. tracer is nil whenever enable_tracing is false or unset, in which
// case this and the other three Start* functions return ctx unchanged and
// a nil *BoundarySpan; every BoundarySpan method is nil-receiver safe, so
// callers never need to branch on whether tracing is on.
func StartCommand(ctx context.Context, tracer trace.Tracer, workflowType, workflowID, commandType string) (context.Context, *BoundarySpan) {
	if tracer == nil {
		return ctx, nil
	}
	ctx, span := tracer.Start(ctx, fmt.Sprintf("repository.command: %s", commandType),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("workflow.type", workflowType),
			attribute.String("workflow.id", workflowID),
			attribute.String("command.type", commandType),
			attribute.String("span.boundary", "repository"),
		),
	)
	return ctx, &BoundarySpan{span: span}
}

// StartReaderBatch starts a span around one poll-and-dispatch cycle of a Stream Reader.
func StartReaderBatch(ctx context.Context, tracer trace.Tracer, readerName string, partition int) (context.Context, *BoundarySpan) {
	if tracer == nil {
		return ctx, nil
	}
	ctx, span := tracer.Start(ctx, fmt.Sprintf("reader.batch: %s", readerName),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("reader.name", readerName),
			attribute.Int("reader.partition", partition),
			attribute.String("span.boundary", "stream_reader"),
		),
	)
	return ctx, &BoundarySpan{span: span}
}

// StartActivityAttempt starts a span around a single activity execution attempt.
func StartActivityAttempt(ctx context.Context, tracer trace.Tracer, workflowID string, eventNumber int64, attempt int) (context.Context, *BoundarySpan) {
	if tracer == nil {
		return ctx, nil
	}
	ctx, span := tracer.Start(ctx, "activity.attempt",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("workflow.id", workflowID),
			attribute.Int64("event.number", eventNumber),
			attribute.Int("activity.attempt", attempt),
			attribute.String("span.boundary", "activity_executor"),
		),
	)
	return ctx, &BoundarySpan{span: span}
}

// StartDelayFire starts a span around a single delay schedule firing.
func StartDelayFire(ctx context.Context, tracer trace.Tracer, scheduleID string, cron bool) (context.Context, *BoundarySpan) {
	if tracer == nil {
		return ctx, nil
	}
	ctx, span := tracer.Start(ctx, "delay.fire",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("delay.schedule_id", scheduleID),
			attribute.Bool("delay.cron", cron),
			attribute.String("span.boundary", "delay_scheduler"),
		),
	)
	return ctx, &BoundarySpan{span: span}
}

// SetAttributes adds key-value attributes to the span.
func (b *BoundarySpan) SetAttributes(attrs map[string]any) {
	if b == nil || b.span == nil {
		return
	}

	otelAttrs := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		otelAttrs = append(otelAttrs, toAttribute(k, v))
	}
	b.span.SetAttributes(otelAttrs...)
}

// AddEvent records a timestamped event within the span.
func (b *BoundarySpan) AddEvent(name string, attrs map[string]any) {
	if b == nil || b.span == nil {
		return
	}

	otelAttrs := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		otelAttrs = append(otelAttrs, toAttribute(k, v))
	}
	b.span.AddEvent(name, trace.WithAttributes(otelAttrs...))
}

// RecordError records an error that occurred during this boundary's execution.
func (b *BoundarySpan) RecordError(err error) {
	if b == nil || b.span == nil || err == nil {
		return
	}

	b.span.RecordError(err)
	b.span.SetStatus(codes.Error, err.Error())
}

// SetStatus sets the span's final status.
func (b *BoundarySpan) SetStatus(code observability.StatusCode, message string) {
	if b == nil || b.span == nil {
		return
	}

	var otelCode codes.Code
	switch code {
	case observability.StatusCodeOK:
		otelCode = codes.Ok
	case observability.StatusCodeError:
		otelCode = codes.Error
	default:
		otelCode = codes.Unset
	}

	b.span.SetStatus(otelCode, message)
}

// End marks the span as complete.
func (b *BoundarySpan) End() {
	if b == nil || b.span == nil {
		return
	}

	b.span.End()
}

// SpanContext returns the span's trace context for propagation.
func (b *BoundarySpan) SpanContext() trace.SpanContext {
	if b == nil || b.span == nil {
		return trace.SpanContext{}
	}

	return b.span.SpanContext()
}

// TraceID returns the trace ID as a string.
func (b *BoundarySpan) TraceID() string {
	if b == nil || b.span == nil {
		return ""
	}

	return b.span.SpanContext().TraceID().String()
}

// SpanID returns the span ID as a string.
func (b *BoundarySpan) SpanID() string {
	if b == nil || b.span == nil {
		return ""
	}

	return b.span.SpanContext().SpanID().String()
}
