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

package activity

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/doomervibe/fleuve/internal/config"
	"github.com/doomervibe/fleuve/internal/telemetry"
	"github.com/doomervibe/fleuve/pkg/ferrors"
	"github.com/doomervibe/fleuve/pkg/fleuve"
)

// recordStore is the slice of the event store an Executor depends on.
type recordStore interface {
	UpsertActivityRecord(ctx context.Context, rec *fleuve.ActivityRecord) error
	GetActivityRecord(ctx context.Context, workflowID string, eventNumber int64) (*fleuve.ActivityRecord, error)
	ListStaleRunningActivities(ctx context.Context, olderThan time.Time) ([]fleuve.ActivityRecord, error)
}

// eventReader is the slice of the event store used to refetch a triggering
// event for recovery and dead-letter retry, where only the Activity Record
// (not the original event body) survived a crash.
type eventReader interface {
	ReadEvents(ctx context.Context, workflowType, workflowID string, afterVersion, uptoVersion int64) ([]fleuve.Event, error)
}

// Config configures an Executor.
type Config struct {
	Store       recordStore
	EventReader eventReader
	Repository  fleuve.Repository

	// WorkflowType names the workflow type commands yielded by an
	// adapter are applied against — always the same workflow_id that
	// triggered the activity, per spec.md §4.6.
	WorkflowType string

	Adapters    []Adapter
	RetryPolicy config.RetryPolicy
	RunnerID    string

	// StaleAfter bounds how long a status=running record may go without
	// an attempt before RecoverStale considers it abandoned. It also
	// floors the cutoff RecoverStale uses to find records whose own
	// backoff has elapsed, so it should not exceed RetryPolicy.Min.
	StaleAfter time.Duration

	// OnActionFailed is invoked once a record exhausts its retries and
	// moves to status=failed.
	OnActionFailed func(ctx context.Context, rec fleuve.ActivityRecord, err error)

	// Limiter, if set, throttles the rate at which HandleEvent dispatches
	// to an adapter, bounding how fast this Executor drives outbound
	// side effects regardless of how fast the Stream Reader delivers
	// events. Left nil, dispatch is unthrottled.
	Limiter *rate.Limiter

	// Tracer starts the activity.attempt span around each HandleEvent
	// dispatch. Nil when enable_tracing is false; every span call this
	// package makes is nil-safe.
	Tracer trace.Tracer

	// Metrics records fleuve_activity_attempts_total and related
	// counters/histograms. Nil disables metrics recording.
	Metrics *telemetry.MetricsCollector

	Logger *slog.Logger
	Now    func() time.Time
}

// Executor dispatches events to Adapters and drives each one's yield stream
// to completion, per spec.md §4.6.
type Executor struct {
	store        recordStore
	events       eventReader
	repo         fleuve.Repository
	workflowType string
	adapters     []Adapter
	retryPolicy  config.RetryPolicy
	runnerID     string
	staleAfter   time.Duration
	onFailed     func(ctx context.Context, rec fleuve.ActivityRecord, err error)
	limiter      *rate.Limiter
	tracer       trace.Tracer
	metrics      *telemetry.MetricsCollector
	logger       *slog.Logger
	now          func() time.Time
}

// New builds an Executor.
func New(cfg Config) *Executor {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = cfg.RetryPolicy.Min
		if cfg.StaleAfter <= 0 {
			cfg.StaleAfter = time.Minute
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Executor{
		store:        cfg.Store,
		events:       cfg.EventReader,
		repo:         cfg.Repository,
		workflowType: cfg.WorkflowType,
		adapters:     cfg.Adapters,
		retryPolicy:  cfg.RetryPolicy,
		runnerID:     cfg.RunnerID,
		staleAfter:   cfg.StaleAfter,
		onFailed:     cfg.OnActionFailed,
		limiter:      cfg.Limiter,
		tracer:       cfg.Tracer,
		metrics:      cfg.Metrics,
		logger:       logger.With("workflow_type", cfg.WorkflowType),
		now:          now,
	}
}

// adapterFor returns the first adapter willing to act on event, or nil.
func (e *Executor) adapterFor(event fleuve.Event) Adapter {
	for _, a := range e.adapters {
		if a.ToBeActedOn(event) {
			return a
		}
	}
	return nil
}

// HandleEvent dispatches event to a matching adapter and drives it to
// completion or failure. It is a no-op, not an error, when no adapter
// claims the event.
func (e *Executor) HandleEvent(ctx context.Context, event fleuve.Event) error {
	adapter := e.adapterFor(event)
	if adapter == nil {
		return nil
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	eventNumber := event.WorkflowVersion
	existing, err := e.store.GetActivityRecord(ctx, event.WorkflowID, eventNumber)
	if err != nil {
		return err
	}
	if existing != nil && existing.Status == fleuve.ActivityStatusCompleted {
		return nil
	}

	rec := &fleuve.ActivityRecord{
		WorkflowID:    event.WorkflowID,
		EventNumber:   eventNumber,
		Status:        fleuve.ActivityStatusRunning,
		StartedAt:     e.now(),
		LastAttemptAt: e.now(),
		RunnerID:      e.runnerID,
	}
	if existing != nil {
		rec.RetryCount = existing.RetryCount
		rec.Checkpoint = cloneCheckpoint(existing.Checkpoint)
		rec.StartedAt = existing.StartedAt
	}

	if err := e.store.UpsertActivityRecord(ctx, rec); err != nil {
		return err
	}

	start := e.now()
	ctx, span := telemetry.StartActivityAttempt(ctx, e.tracer, rec.WorkflowID, rec.EventNumber, rec.RetryCount+1)
	err = e.run(ctx, adapter, event, rec)
	span.RecordError(err)
	span.End()
	e.recordAttempt(ctx, string(event.EventType), start, err)
	return err
}

// recordAttempt records fleuve_activity_attempts_total and the derived
// retry/dead-letter counters. A no-op when Metrics is nil.
func (e *Executor) recordAttempt(ctx context.Context, eventType string, start time.Time, err error) {
	if e.metrics == nil {
		return
	}

	outcome := "success"
	var failure *ferrors.ActivityFailureError
	if ferrors.As(err, &failure) {
		if failure.Retryable {
			outcome = "retry"
		} else {
			outcome = "dead_letter"
		}
	} else if err != nil {
		outcome = "error"
	}
	e.metrics.RecordActivityAttempt(ctx, eventType, outcome, e.now().Sub(start))
}

// run drives one adapter's yield stream against one Activity Record
// already marked running, applying commands, merging checkpoints, and
// enforcing any active timeout, until a terminal Yield arrives.
func (e *Executor) run(ctx context.Context, adapter Adapter, event fleuve.Event, rec *fleuve.ActivityRecord) error {
	run := RunContext{
		WorkflowID:  rec.WorkflowID,
		EventNumber: rec.EventNumber,
		Checkpoint:  cloneCheckpoint(rec.Checkpoint),
		RetryCount:  rec.RetryCount,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	items := adapter.ActOn(runCtx, event, run)

	var timeoutTimer *time.Timer
	var timeoutC <-chan time.Time
	var activeTimeout time.Duration
	defer func() {
		if timeoutTimer != nil {
			timeoutTimer.Stop()
		}
	}()

	for {
		select {
		case <-timeoutC:
			cancel()
			return e.handleFailure(ctx, adapter, event, rec,
				&ferrors.TimeoutError{Operation: "activity:" + adapter.Name(), Duration: activeTimeout})

		case item, ok := <-items:
			if !ok {
				return e.complete(ctx, rec)
			}

			if item.Err != nil {
				return e.handleFailure(ctx, adapter, event, rec, item.Err)
			}
			if item.Done {
				return e.complete(ctx, rec)
			}

			if item.Command != nil {
				_, procErr := e.repo.ProcessCommand(ctx, e.workflowType, rec.WorkflowID, item.Command)
				if procErr != nil && !ferrors.IsRejection(procErr) {
					return e.handleFailure(ctx, adapter, event, rec, procErr)
				}
			}

			if item.Checkpoint != nil {
				rec.Checkpoint = mergeCheckpoint(rec.Checkpoint, item.Checkpoint)
				if item.SaveNow {
					if err := e.store.UpsertActivityRecord(ctx, rec); err != nil {
						return err
					}
				}
			}

			if item.Timeout > 0 {
				if timeoutTimer != nil {
					timeoutTimer.Stop()
				}
				timeoutTimer = time.NewTimer(item.Timeout)
				timeoutC = timeoutTimer.C
				activeTimeout = item.Timeout
			}
		}
	}
}

// complete persists a successful terminal state.
func (e *Executor) complete(ctx context.Context, rec *fleuve.ActivityRecord) error {
	rec.Status = fleuve.ActivityStatusCompleted
	rec.FinishedAt = e.now()
	return e.store.UpsertActivityRecord(ctx, rec)
}

// handleFailure advances retry_count and either leaves the record running
// (recoverable once its backoff elapses, per RecoverStale) or moves it to
// status=failed once retries are exhausted.
func (e *Executor) handleFailure(ctx context.Context, adapter Adapter, event fleuve.Event, rec *fleuve.ActivityRecord, cause error) error {
	rec.RetryCount++
	rec.LastAttemptAt = e.now()
	rec.LastError = cause.Error()

	retryable := rec.RetryCount <= e.retryPolicy.MaxRetries
	if retryable {
		rec.Status = fleuve.ActivityStatusRunning
	} else {
		rec.Status = fleuve.ActivityStatusFailed
		rec.FinishedAt = e.now()
	}

	if err := e.store.UpsertActivityRecord(ctx, rec); err != nil {
		return err
	}

	wrapped := &ferrors.ActivityFailureError{
		EventType: string(event.EventType),
		Attempt:   rec.RetryCount,
		Retryable: retryable,
		Cause:     cause,
	}

	if !retryable {
		e.logger.Error("activity exhausted retries, moved to dead letter",
			"adapter", adapter.Name(), "workflow_id", rec.WorkflowID,
			"event_number", rec.EventNumber, "error", cause)
		if e.onFailed != nil {
			e.onFailed(ctx, *rec, wrapped)
		}
	} else {
		e.logger.Warn("activity attempt failed, will retry after backoff",
			"adapter", adapter.Name(), "workflow_id", rec.WorkflowID,
			"event_number", rec.EventNumber, "attempt", rec.RetryCount, "error", cause)
	}

	return wrapped
}

func cloneCheckpoint(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func mergeCheckpoint(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
