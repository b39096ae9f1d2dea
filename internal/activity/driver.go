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
	"math/rand"
	"time"

	"github.com/doomervibe/fleuve/internal/stream"
)

// driverReader is the slice of stream.Reader a Driver depends on.
type driverReader interface {
	NextBatch(ctx context.Context, max int) (*stream.Batch, error)
	Commit(ctx context.Context, lastGlobalID int64) error
}

// DriverConfig configures a Driver.
type DriverConfig struct {
	Reader   driverReader
	Executor *Executor

	BatchSize       int
	PollInterval    time.Duration
	RecoverInterval time.Duration

	// Wakeup, if set, is additionally selected on during the idle sleep
	// so a NATS notification (see internal/notify) can shortcut the rest
	// of PollInterval. Absent, the Driver is pure polling.
	Wakeup <-chan struct{}

	Logger *slog.Logger
}

// Driver drains one Stream Reader and hands each event to an Executor,
// per spec.md §4.6's "for each new event matching the adapter's filter"
// framing — the same drain/commit/sleep-on-empty shape as
// internal/runner.Runner, with a second ticker that periodically calls
// RecoverStale so abandoned or simply-due-for-retry records are taken
// over even when no new events are arriving.
type Driver struct {
	reader          driverReader
	executor        *Executor
	batchSize       int
	pollInterval    time.Duration
	recoverInterval time.Duration
	wakeup          <-chan struct{}
	logger          *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewDriver builds a Driver.
func NewDriver(cfg DriverConfig) *Driver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.RecoverInterval <= 0 {
		cfg.RecoverInterval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		reader:          cfg.Reader,
		executor:        cfg.Executor,
		batchSize:       cfg.BatchSize,
		pollInterval:    cfg.PollInterval,
		recoverInterval: cfg.RecoverInterval,
		wakeup:          cfg.Wakeup,
		logger:          logger,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// Stop signals the loop to exit after the in-flight batch finishes and
// commits. It does not block.
func (d *Driver) Stop() {
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
}

// Run drains the reader and runs periodic stale-record recovery until
// ctx is cancelled or Stop is called.
func (d *Driver) Run(ctx context.Context) error {
	defer close(d.done)

	lastRecover := time.Now()
	if _, err := d.executor.RecoverStale(ctx); err != nil {
		d.logger.Warn("initial stale activity recovery failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.stop:
			return nil
		default:
		}

		processed, commitThrough, err := d.runBatch(ctx)
		if err != nil {
			return err
		}

		if commitThrough > 0 {
			if err := d.reader.Commit(ctx, commitThrough); err != nil {
				return err
			}
		}

		if time.Since(lastRecover) >= d.recoverInterval {
			if _, err := d.executor.RecoverStale(ctx); err != nil {
				d.logger.Warn("stale activity recovery failed", "error", err)
			}
			lastRecover = time.Now()
		}

		if processed == 0 {
			if !d.sleep(ctx) {
				return nil
			}
		}
	}
}

// runBatch hands every event in one batch to the executor. HandleEvent
// already records an activity failure durably (status=running with an
// incremented retry_count, or status=failed once exhausted) before
// returning its error, so a failure here is informational only — it
// never blocks the offset from advancing past the event, the same way a
// rejected re-injected command does not block Runner.
func (d *Driver) runBatch(ctx context.Context) (processed int, commitThrough int64, err error) {
	batch, err := d.reader.NextBatch(ctx, d.batchSize)
	if err != nil {
		return 0, 0, err
	}
	if len(batch.Events) == 0 {
		return 0, 0, nil
	}

	for _, e := range batch.Events {
		if handleErr := d.executor.HandleEvent(ctx, e); handleErr != nil {
			d.logger.Warn("activity attempt did not complete, tracked for retry",
				"global_id", e.GlobalID, "error", handleErr)
		}
		processed++
	}

	return processed, batch.LastGlobalID, nil
}

func (d *Driver) sleep(ctx context.Context) bool {
	jitterRange := float64(d.pollInterval) * 0.1
	jittered := d.pollInterval + time.Duration((rand.Float64()*2-1)*jitterRange)

	timer := time.NewTimer(jittered)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-d.stop:
		return false
	case <-d.wakeup:
		return true
	case <-timer.C:
		return true
	}
}
