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

// Package runner implements the Workflow Runner: it drains one Stream
// Reader, converts each consumed event to a follow-up command via the
// workflow type's event_to_cmd, and applies that command to its target
// through the Repository.
package runner

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/doomervibe/fleuve/internal/stream"
	"github.com/doomervibe/fleuve/internal/telemetry"
	"github.com/doomervibe/fleuve/pkg/ferrors"
	"github.com/doomervibe/fleuve/pkg/fleuve"
)

// reader is the slice of stream.Reader a Runner depends on.
type reader interface {
	NextBatch(ctx context.Context, max int) (*stream.Batch, error)
	Commit(ctx context.Context, lastGlobalID int64) error
}

// TargetTypeResolver names the workflow_type a re-injected command should
// be applied against for a given consumed event. WorkflowType.EventToCmd
// returns only a target workflow_id, not its type, so this is configured
// separately. Absent, every target is assumed to be an instance of the
// same workflow type that produced the consumed event — the common case
// for self-chaining (a saga workflow re-triggering another instance of
// itself).
type TargetTypeResolver func(consumed fleuve.Event) string

// Config configures a Runner.
type Config struct {
	Reader       reader
	Repository   fleuve.Repository
	WorkflowType fleuve.WorkflowType

	TargetType TargetTypeResolver

	BatchSize    int
	PollInterval time.Duration

	// Wakeup, if set, is additionally selected on during the idle sleep
	// so a NATS notification (see internal/notify) can shortcut the rest
	// of PollInterval. Absent, the Runner is pure polling.
	Wakeup <-chan struct{}

	// ReaderName and Partition label the reader.batch span this Runner
	// starts around each NextBatch/commit cycle; they should match the
	// name and index the embedding application gave the underlying
	// stream.Reader (see internal/partition.ReaderName).
	ReaderName string
	Partition  int

	// Tracer starts the reader.batch span. Nil when enable_tracing is
	// false; every span call this package makes is nil-safe.
	Tracer trace.Tracer

	Logger *slog.Logger
}

// Runner drains one Stream Reader in a loop, per spec.md §4.5: next_batch,
// event_to_cmd, process_command, commit, sleep-on-empty. Stopping is
// cooperative — Stop only signals; the current batch still finishes,
// commits, and the loop exits.
type Runner struct {
	reader       reader
	repo         fleuve.Repository
	workflowType fleuve.WorkflowType
	targetType   TargetTypeResolver
	batchSize    int
	pollInterval time.Duration
	wakeup       <-chan struct{}
	readerName   string
	partition    int
	tracer       trace.Tracer
	logger       *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// New builds a Runner.
func New(cfg Config) *Runner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.TargetType == nil {
		ownType := cfg.WorkflowType.Name()
		cfg.TargetType = func(fleuve.Event) string { return ownType }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		reader:       cfg.Reader,
		repo:         cfg.Repository,
		workflowType: cfg.WorkflowType,
		targetType:   cfg.TargetType,
		batchSize:    cfg.BatchSize,
		pollInterval: cfg.PollInterval,
		wakeup:       cfg.Wakeup,
		readerName:   cfg.ReaderName,
		partition:    cfg.Partition,
		tracer:       cfg.Tracer,
		logger:       logger.With("workflow_type", cfg.WorkflowType.Name()),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Stop signals the loop to exit after the in-flight batch finishes and
// commits. It does not block; call Wait, or rely on Run's return, to
// observe completion.
func (r *Runner) Stop() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
}

// Run drains the reader until ctx is cancelled or Stop is called. It
// returns nil on a clean stop, or the first unrecoverable error.
func (r *Runner) Run(ctx context.Context) error {
	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.stop:
			return nil
		default:
		}

		processed, commitThrough, err := r.runBatch(ctx)
		if err != nil {
			return err
		}

		if commitThrough > 0 {
			if err := r.reader.Commit(ctx, commitThrough); err != nil {
				return err
			}
		}

		if processed == 0 {
			if !r.sleep(ctx) {
				return nil
			}
		}
	}
}

// runBatch processes one batch and returns how many events were consumed
// and the global_id it is safe to commit through. It stops short of the
// batch's end, and returns a commit point before the failing event, if a
// retryable error is hit — the event is retried on the next call since the
// offset was never advanced past it.
func (r *Runner) runBatch(ctx context.Context) (processed int, commitThrough int64, err error) {
	ctx, span := telemetry.StartReaderBatch(ctx, r.tracer, r.readerName, r.partition)
	defer func() {
		span.SetAttributes(map[string]any{"reader.events_processed": processed})
		span.RecordError(err)
		span.End()
	}()

	batch, err := r.reader.NextBatch(ctx, r.batchSize)
	if err != nil {
		return 0, 0, err
	}
	if len(batch.Events) == 0 {
		return 0, 0, nil
	}

	for i, e := range batch.Events {
		cmd, targetWorkflowID := r.workflowType.EventToCmd(e)
		if cmd == nil || targetWorkflowID == "" {
			processed++
			continue
		}

		targetType := r.targetType(e)
		_, procErr := r.repo.ProcessCommand(ctx, targetType, targetWorkflowID, cmd)
		if procErr != nil {
			if ferrors.IsRejection(procErr) {
				r.logger.Info("skipping event after expected rejection",
					"global_id", e.GlobalID, "target_workflow_type", targetType,
					"target_workflow_id", targetWorkflowID, "error", procErr)
				processed++
				continue
			}
			if ferrors.IsRetryable(procErr) || ferrors.IsVersionConflict(procErr) {
				r.logger.Warn("retryable error processing event, halting batch before it",
					"global_id", e.GlobalID, "error", procErr)
				if i == 0 {
					return processed, 0, nil
				}
				return processed, batch.Events[i-1].GlobalID, nil
			}
			return processed, 0, procErr
		}
		processed++
	}

	return processed, batch.LastGlobalID, nil
}

// sleep waits for the configured poll interval, with ±10% jitter to avoid
// every idle runner polling in lockstep, or returns false if ctx or Stop
// fired first. A Wakeup notification ends the sleep early.
func (r *Runner) sleep(ctx context.Context) bool {
	jitterRange := float64(r.pollInterval) * 0.1
	jittered := r.pollInterval + time.Duration((rand.Float64()*2-1)*jitterRange)

	timer := time.NewTimer(jittered)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-r.stop:
		return false
	case <-r.wakeup:
		return true
	case <-timer.C:
		return true
	}
}
