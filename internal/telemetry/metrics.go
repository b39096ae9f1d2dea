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
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ReaderLagSource reports how many events a Stream Reader still has to
// consume relative to the newest globally observed offset of its partition.
type ReaderLagSource interface {
	ReaderLag(readerName string) int64
}

// QueueDepthSource reports activity attempts waiting on an executor worker slot.
type QueueDepthSource interface {
	QueueDepth() int
}

// MetricsCollector collects Prometheus-compatible metrics for the engine,
// exposed on the ui subcommand's /metrics endpoint.
type MetricsCollector struct {
	meter metric.Meter

	commandsTotal       metric.Int64Counter
	eventsTotal         metric.Int64Counter
	activityAttempts    metric.Int64Counter
	activityRetries     metric.Int64Counter
	activityDeadLetters metric.Int64Counter
	delayFires          metric.Int64Counter
	truncatedEvents     metric.Int64Counter

	commandDuration  metric.Float64Histogram
	activityDuration metric.Float64Histogram

	mu            sync.RWMutex
	readerLagSrc  ReaderLagSource
	queueDepthSrc QueueDepthSource
}

// NewMetricsCollector creates a new metrics collector using the given meter provider.
func NewMetricsCollector(meterProvider metric.MeterProvider) (*MetricsCollector, error) {
	meter := meterProvider.Meter("fleuve")

	mc := &MetricsCollector{meter: meter}

	var err error

	mc.commandsTotal, err = meter.Int64Counter(
		"fleuve_commands_total",
		metric.WithDescription("Total number of commands processed by the repository"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return nil, err
	}

	mc.eventsTotal, err = meter.Int64Counter(
		"fleuve_events_total",
		metric.WithDescription("Total number of domain events appended"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	mc.activityAttempts, err = meter.Int64Counter(
		"fleuve_activity_attempts_total",
		metric.WithDescription("Total number of activity execution attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	mc.activityRetries, err = meter.Int64Counter(
		"fleuve_activity_retries_total",
		metric.WithDescription("Total number of activity retries scheduled"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, err
	}

	mc.activityDeadLetters, err = meter.Int64Counter(
		"fleuve_activity_dead_letters_total",
		metric.WithDescription("Total number of activities that exhausted their retry policy"),
		metric.WithUnit("{activity}"),
	)
	if err != nil {
		return nil, err
	}

	mc.delayFires, err = meter.Int64Counter(
		"fleuve_delay_fires_total",
		metric.WithDescription("Total number of delay schedules fired"),
		metric.WithUnit("{fire}"),
	)
	if err != nil {
		return nil, err
	}

	mc.truncatedEvents, err = meter.Int64Counter(
		"fleuve_truncated_events_total",
		metric.WithDescription("Total number of events deleted by the truncator"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	mc.commandDuration, err = meter.Float64Histogram(
		"fleuve_command_duration_seconds",
		metric.WithDescription("create_new/process_command latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mc.activityDuration, err = meter.Float64Histogram(
		"fleuve_activity_duration_seconds",
		metric.WithDescription("Activity execution attempt duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"fleuve_queue_depth",
		metric.WithDescription("Number of activity attempts waiting for an executor worker"),
		metric.WithUnit("{attempt}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.mu.RLock()
			src := mc.queueDepthSrc
			mc.mu.RUnlock()
			if src != nil {
				observer.Observe(int64(src.QueueDepth()))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"fleuve_goroutines",
		metric.WithDescription("Number of active goroutines"),
		metric.WithUnit("{goroutine}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(runtime.NumGoroutine()))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"fleuve_heap_bytes",
		metric.WithDescription("Current heap allocation in bytes"),
		metric.WithUnit("By"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			observer.Observe(int64(m.HeapAlloc))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return mc, nil
}

// RecordCommand records a create_new/process_command call and its outcome
// ("applied", "rejected", "version_conflict").
func (mc *MetricsCollector) RecordCommand(ctx context.Context, workflowType, outcome string, d time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("workflow_type", workflowType),
		attribute.String("outcome", outcome),
	}
	mc.commandsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mc.commandDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

// RecordEvents records the domain events appended by a single command.
func (mc *MetricsCollector) RecordEvents(ctx context.Context, workflowType string, n int) {
	if n <= 0 {
		return
	}
	mc.eventsTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String("workflow_type", workflowType)))
}

// RecordActivityAttempt records one activity attempt and its outcome
// ("success", "retry", "dead_letter").
func (mc *MetricsCollector) RecordActivityAttempt(ctx context.Context, eventType, outcome string, d time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
	}
	mc.activityAttempts.Add(ctx, 1, metric.WithAttributes(attrs...))
	mc.activityDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))

	switch outcome {
	case "retry":
		mc.activityRetries.Add(ctx, 1, metric.WithAttributes(attrs...))
	case "dead_letter":
		mc.activityDeadLetters.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordDelayFire records a delay schedule firing, distinguishing one-shot from cron.
func (mc *MetricsCollector) RecordDelayFire(ctx context.Context, cron bool) {
	mc.delayFires.Add(ctx, 1, metric.WithAttributes(attribute.Bool("cron", cron)))
}

// RecordTruncation records the number of events a truncation pass deleted.
func (mc *MetricsCollector) RecordTruncation(ctx context.Context, n int) {
	if n <= 0 {
		return
	}
	mc.truncatedEvents.Add(ctx, int64(n))
}

// SetReaderLagSource stores the component that reports reader lag. The
// collector registers no reader-lag instrument, so the value is not
// exported on /metrics.
func (mc *MetricsCollector) SetReaderLagSource(src ReaderLagSource) {
	mc.mu.Lock()
	mc.readerLagSrc = src
	mc.mu.Unlock()
}

// SetQueueDepthSource wires the component that reports activity queue depth.
func (mc *MetricsCollector) SetQueueDepthSource(src QueueDepthSource) {
	mc.mu.Lock()
	mc.queueDepthSrc = src
	mc.mu.Unlock()
}
