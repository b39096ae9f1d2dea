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

// Package delay implements the Delay Scheduler: it polls due delay
// schedules, fires each one's delay-complete event and next command
// through the Repository, and either reschedules a cron row or deletes a
// one-shot row. See spec.md §4.7.
package delay

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/doomervibe/fleuve/internal/telemetry"
	"github.com/doomervibe/fleuve/pkg/ferrors"
	"github.com/doomervibe/fleuve/pkg/fleuve"
)

// store is the slice of the event store a Scheduler depends on.
type store interface {
	DueSchedules(ctx context.Context, now time.Time, limit int) ([]fleuve.DelaySchedule, error)
	UpsertSchedule(ctx context.Context, sched *fleuve.DelaySchedule) error
	DeleteSchedule(ctx context.Context, workflowID, scheduleID string) error
}

// Config configures a Scheduler.
type Config struct {
	Store      store
	Repository fleuve.Repository

	PollInterval time.Duration
	BatchSize    int

	// Tracer starts the delay.fire span around each schedule fired. Nil
	// when enable_tracing is false; every span call this package makes
	// is nil-safe.
	Tracer trace.Tracer

	// Metrics records fleuve_delay_fires_total. Nil disables metrics
	// recording.
	Metrics *telemetry.MetricsCollector

	Logger *slog.Logger
	Now    func() time.Time
}

// Scheduler drains due delay schedules in a loop, per spec.md §4.7.
type Scheduler struct {
	store        store
	repo         fleuve.Repository
	pollInterval time.Duration
	batchSize    int
	tracer       trace.Tracer
	metrics      *telemetry.MetricsCollector
	logger       *slog.Logger
	now          func() time.Time

	stop chan struct{}
	done chan struct{}
}

// New builds a Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:        cfg.Store,
		repo:         cfg.Repository,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		tracer:       cfg.Tracer,
		metrics:      cfg.Metrics,
		logger:       logger,
		now:          now,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Stop signals the loop to exit after the in-flight tick finishes. It does
// not block.
func (s *Scheduler) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

// Run polls for due schedules until ctx is cancelled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stop:
			return nil
		default:
		}

		processed, err := s.tick(ctx)
		if err != nil {
			return err
		}

		// A full batch means more schedules may already be due; loop
		// again immediately instead of sleeping.
		if processed < s.batchSize {
			if !s.sleep(ctx) {
				return nil
			}
		}
	}
}

// tick fires every schedule due at the current time, up to batchSize, and
// returns how many it found.
func (s *Scheduler) tick(ctx context.Context) (int, error) {
	due, err := s.store.DueSchedules(ctx, s.now(), s.batchSize)
	if err != nil {
		return 0, err
	}

	for _, sched := range due {
		if err := s.fire(ctx, sched); err != nil {
			s.logger.Warn("delay schedule fire failed, will retry next poll",
				"workflow_id", sched.WorkflowID, "schedule_id", sched.ScheduleID, "error", err)
		}
	}

	return len(due), nil
}

// fire applies one due schedule: records the delay-complete event, invokes
// next_command, and either reschedules (cron) or deletes (one-shot) the
// row. The two Repository calls are not one database transaction — each
// process_command call is its own atomic unit — so "atomically" here means
// no other work is interleaved between them, not a single cross-workflow
// commit.
func (s *Scheduler) fire(ctx context.Context, sched fleuve.DelaySchedule) (err error) {
	isCron := sched.CronExpression != ""
	ctx, span := telemetry.StartDelayFire(ctx, s.tracer, sched.ScheduleID, isCron)
	defer func() {
		span.RecordError(err)
		span.End()
		if s.metrics != nil {
			s.metrics.RecordDelayFire(ctx, isCron)
		}
	}()

	_, err = s.repo.ProcessCommand(ctx, sched.WorkflowType, sched.WorkflowID,
		fleuve.DelayCompleteEvent{ScheduleID: sched.ScheduleID})
	if err != nil && !ferrors.IsRejection(err) {
		return err
	}

	if sched.NextCommand != nil {
		_, err := s.repo.ProcessCommand(ctx, sched.WorkflowType, sched.WorkflowID, sched.NextCommand)
		if err != nil && !ferrors.IsRejection(err) {
			return err
		}
	}

	if sched.CronExpression != "" {
		next, err := nextCronFire(sched.CronExpression, sched.Timezone, s.now())
		if err != nil {
			s.logger.Error("invalid cron expression, deleting schedule to avoid retrying forever",
				"workflow_id", sched.WorkflowID, "schedule_id", sched.ScheduleID, "cron", sched.CronExpression, "error", err)
			return s.store.DeleteSchedule(ctx, sched.WorkflowID, sched.ScheduleID)
		}
		sched.DelayUntil = next
		return s.store.UpsertSchedule(ctx, &sched)
	}

	return s.store.DeleteSchedule(ctx, sched.WorkflowID, sched.ScheduleID)
}

// nextCronFire steps expr from now in the named timezone (UTC if empty),
// so downtime of any length fires a schedule at most once per visit.
func nextCronFire(expr, timezone string, now time.Time) (time.Time, error) {
	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, err
		}
		loc = l
	}

	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}

	return schedule.Next(now.In(loc)), nil
}

// sleep waits for the configured poll interval, with ±10% jitter, or
// returns false if ctx or Stop fired first.
func (s *Scheduler) sleep(ctx context.Context) bool {
	jitterRange := float64(s.pollInterval) * 0.1
	jittered := s.pollInterval + time.Duration((rand.Float64()*2-1)*jitterRange)

	timer := time.NewTimer(jittered)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-s.stop:
		return false
	case <-timer.C:
		return true
	}
}
