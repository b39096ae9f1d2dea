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

// Package snapshot implements the Truncator background loop: the snapshot
// taker itself runs inline inside Repository appends (see
// internal/repository), so all that remains here is periodic deletion of
// events every reader has already consumed and a snapshot has superseded.
// See spec.md §4.8.
package snapshot

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/doomervibe/fleuve/internal/telemetry"
)

// store is the slice of the event store a Truncator depends on.
type store interface {
	MinObservedOffset(ctx context.Context, workflowType string) (int64, error)
	TruncateEvents(ctx context.Context, workflowType string, beforeGlobalID int64, batchSize int) (int, error)
}

// Config configures a Truncator.
type Config struct {
	Store store

	// WorkflowTypes lists the workflow types to truncate. Each has its
	// own reader offsets and its own global_id space, so truncation is
	// computed and applied independently per type.
	WorkflowTypes []string

	CheckInterval time.Duration
	MinRetention  time.Duration
	BatchSize     int

	// Metrics records fleuve_truncated_events_total. Nil disables metrics
	// recording.
	Metrics *telemetry.MetricsCollector

	Logger *slog.Logger
	Now    func() time.Time
}

// Truncator deletes events superseded by a snapshot and fully consumed by
// every reader, per spec.md §4.8. The store's Truncator slice only exposes
// a workflow_type-wide global_id cutoff, not a per-event created_at
// predicate, so min_retention is enforced as a startup grace period
// instead of a per-event filter: the loop performs no deletions until
// min_retention has elapsed since it started, giving in-flight activity
// retries, delay fires, and slow readers time to catch up before anything
// is removed. After that grace period, min_observed_offset is the
// governing safety bound on every tick, exactly as it is on every
// subsequent tick.
type Truncator struct {
	store         store
	workflowTypes []string
	checkInterval time.Duration
	minRetention  time.Duration
	batchSize     int
	metrics       *telemetry.MetricsCollector
	logger        *slog.Logger
	now           func() time.Time

	stop chan struct{}
	done chan struct{}
}

// New builds a Truncator.
func New(cfg Config) *Truncator {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Truncator{
		store:         cfg.Store,
		workflowTypes: cfg.WorkflowTypes,
		checkInterval: cfg.CheckInterval,
		minRetention:  cfg.MinRetention,
		batchSize:     cfg.BatchSize,
		metrics:       cfg.Metrics,
		logger:        logger,
		now:           now,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Stop signals the loop to exit after the in-flight tick finishes. It does
// not block.
func (t *Truncator) Stop() {
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
}

// Run truncates on a fixed interval, with ±10% jitter, until ctx is
// cancelled or Stop is called. The first tick is delayed by min_retention
// so a freshly started engine never truncates events its own readers
// haven't had a chance to observe yet.
func (t *Truncator) Run(ctx context.Context) error {
	defer close(t.done)

	if t.minRetention > 0 {
		if !t.sleep(ctx, t.minRetention) {
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.stop:
			return nil
		default:
		}

		for _, wt := range t.workflowTypes {
			if err := t.truncateType(ctx, wt); err != nil {
				t.logger.Warn("truncation tick failed, will retry next interval",
					"workflow_type", wt, "error", err)
			}
		}

		if !t.sleep(ctx, t.checkInterval) {
			return nil
		}
	}
}

// truncateType drains deletable events for one workflow type in
// batch_size chunks until a batch comes back short, meaning nothing more
// is currently safe to delete.
func (t *Truncator) truncateType(ctx context.Context, workflowType string) error {
	minOffset, err := t.store.MinObservedOffset(ctx, workflowType)
	if err != nil {
		return err
	}
	if minOffset <= 0 {
		return nil
	}

	total := 0
	for {
		n, err := t.store.TruncateEvents(ctx, workflowType, minOffset, t.batchSize)
		if err != nil {
			return err
		}
		total += n
		if n < t.batchSize {
			break
		}
	}

	if total > 0 {
		t.logger.Info("truncated events", "workflow_type", workflowType, "count", total, "before_global_id", minOffset)
	}
	if t.metrics != nil {
		t.metrics.RecordTruncation(ctx, total)
	}
	return nil
}

// sleep waits for d, with ±10% jitter, or returns false if ctx or Stop
// fired first.
func (t *Truncator) sleep(ctx context.Context, d time.Duration) bool {
	jitterRange := float64(d) * 0.1
	jittered := d + time.Duration((rand.Float64()*2-1)*jitterRange)

	timer := time.NewTimer(jittered)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.stop:
		return false
	case <-timer.C:
		return true
	}
}
