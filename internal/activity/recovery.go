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
	"fmt"

	"github.com/doomervibe/fleuve/pkg/ferrors"
	"github.com/doomervibe/fleuve/pkg/fleuve"
)

// RecoverStale takes over status=running Activity Records whose next
// attempt is due, whichever runner left them running: either abandoned by
// a crashed runner, or simply due for their next retry attempt now that
// their backoff has elapsed. The store only exposes a single
// last_attempt_at cutoff, so this scans generously (every record idle for
// at least StaleAfter) and then re-checks each candidate's own backoff
// deadline, computed from its retry_count, before taking it over. The
// record's runner_id is not consulted: a record another runner left
// running is not taken over before that deadline.
func (e *Executor) RecoverStale(ctx context.Context) (int, error) {
	cutoff := e.now().Add(-e.staleAfter)
	stale, err := e.store.ListStaleRunningActivities(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	taken := 0
	for _, rec := range stale {
		due := rec.LastAttemptAt.Add(Backoff(e.retryPolicy, rec.RetryCount))
		if e.now().Before(due) {
			continue
		}

		event, adapter, err := e.lookupTrigger(ctx, rec.WorkflowID, rec.EventNumber)
		if err != nil {
			return taken, err
		}
		if adapter == nil {
			continue
		}

		rec := rec
		rec.RunnerID = e.runnerID
		rec.LastAttemptAt = e.now()
		if err := e.store.UpsertActivityRecord(ctx, &rec); err != nil {
			return taken, err
		}

		if err := e.run(ctx, adapter, event, &rec); err != nil {
			e.logger.Warn("recovered activity attempt failed", "workflow_id", rec.WorkflowID,
				"event_number", rec.EventNumber, "error", err)
		}
		taken++
	}

	return taken, nil
}

// RetryFailedAction implements the operator-facing dead-letter retry: reset
// a status=failed record and re-run it immediately.
func (e *Executor) RetryFailedAction(ctx context.Context, workflowID string, eventNumber int64) error {
	rec, err := e.store.GetActivityRecord(ctx, workflowID, eventNumber)
	if err != nil {
		return err
	}
	if rec == nil {
		return &ferrors.NotFoundError{Resource: "activity_record", ID: fmt.Sprintf("%s/%d", workflowID, eventNumber)}
	}

	event, adapter, err := e.lookupTrigger(ctx, workflowID, eventNumber)
	if err != nil {
		return err
	}
	if adapter == nil {
		return fmt.Errorf("activity: no adapter claims event %d for workflow %q", eventNumber, workflowID)
	}

	rec.Status = fleuve.ActivityStatusRunning
	rec.RetryCount = 0
	rec.LastError = ""
	rec.RunnerID = e.runnerID
	rec.LastAttemptAt = e.now()
	if err := e.store.UpsertActivityRecord(ctx, rec); err != nil {
		return err
	}

	return e.run(ctx, adapter, event, rec)
}

func (e *Executor) lookupTrigger(ctx context.Context, workflowID string, eventNumber int64) (event fleuve.Event, adapter Adapter, err error) {
	events, err := e.events.ReadEvents(ctx, e.workflowType, workflowID, eventNumber-1, eventNumber)
	if err != nil {
		return fleuve.Event{}, nil, err
	}
	if len(events) == 0 {
		return fleuve.Event{}, nil, nil
	}
	return events[0], e.adapterFor(events[0]), nil
}
