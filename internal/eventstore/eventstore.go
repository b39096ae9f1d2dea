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

// Package eventstore defines the durable, append-only event log every
// workflow type's history lives in. A Store implementation owns the
// event table, the latest-snapshot row per workflow instance, the live
// subscription set, reader offsets, activity idempotency records, and
// delay schedules — every write the Repository, Stream Reader, Activity
// Executor, and Delay Scheduler make is funneled through one Append call
// per logical operation so it lands in a single ACID transaction.
package eventstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/doomervibe/fleuve/pkg/fleuve"
)

// DBTX is the subset of *sql.DB / *sql.Tx a SyncDBWork callback needs to
// touch application tables inside the same transaction as an Append.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SyncDBWork lets a caller run its own writes against the same database
// and the same transaction as an Append, so application read models stay
// consistent with the event log without a second commit.
type SyncDBWork func(ctx context.Context, tx DBTX) error

// AppendEvent is one event body awaiting a global_id and workflow_version,
// assigned by the Store as part of Append.
type AppendEvent struct {
	EventType     fleuve.TypeTag
	SchemaVersion int
	Body          []byte
	Metadata      fleuve.EventMetadata
}

// AppendRequest is everything one Repository write needs to commit
// atomically: the new events, an optional snapshot taken at the new
// version, subscription deltas raised by system events in the same
// batch, and an optional caller-supplied hook for side-table writes.
type AppendRequest struct {
	WorkflowType         string
	WorkflowID           string
	ExpectedPriorVersion int64
	Events               []AppendEvent
	Snapshot             *fleuve.Snapshot
	SubscriptionAdds     []fleuve.Subscription
	SubscriptionRemoves  []fleuve.Subscription
	ScheduleUpserts      []fleuve.DelaySchedule
	ScheduleDeletes      []string
	SyncDBWork           SyncDBWork
}

// AppendResult reports the persisted events, each carrying the global_id
// and workflow_version the Store assigned, and the instance's resulting
// workflow_version.
type AppendResult struct {
	Events     []fleuve.Event
	NewVersion int64
}

// EventAppender is the Store's single write path. ExpectedPriorVersion
// fences concurrent writers: a mismatch against the row currently
// persisted returns *ferrors.VersionConflictError and appends nothing.
type EventAppender interface {
	Append(ctx context.Context, req AppendRequest) (*AppendResult, error)
}

// EventReader reads a workflow instance's own history, used by the
// Repository to replay from the latest snapshot forward, and by
// LoadState to replay up to an arbitrary past version.
type EventReader interface {
	ReadEvents(ctx context.Context, workflowType, workflowID string, afterVersion, uptoVersion int64) ([]fleuve.Event, error)
	LatestSnapshot(ctx context.Context, workflowType, workflowID string, atVersion int64) (*fleuve.Snapshot, error)
}

// Subscriber identifies one workflow instance holding a subscription that
// matches a given event_type/source_workflow pair.
type Subscriber struct {
	WorkflowType string
	WorkflowID   string
}

// SubscriptionStore reads the live subscription set a Stream Reader's
// predicate consults to decide whether an event from another workflow
// type matters to a given instance.
type SubscriptionStore interface {
	Subscriptions(ctx context.Context, workflowType, workflowID string) ([]fleuve.Subscription, error)
	SubscribersOf(ctx context.Context, eventType, sourceWorkflow string) ([]Subscriber, error)
}

// GlobalScanner reads the global_id-ordered stream a Stream Reader
// consumes, independent of any one workflow instance.
type GlobalScanner interface {
	ScanGlobal(ctx context.Context, workflowType string, afterGlobalID int64, limit int) ([]fleuve.Event, error)
}

// OffsetStore persists one Stream Reader's durable read position.
type OffsetStore interface {
	LoadOffset(ctx context.Context, readerName string) (int64, error)
	CommitOffset(ctx context.Context, readerName string, lastGlobalID int64) error
}

// ActivityRecordStore persists the idempotency anchor the Activity
// Executor keys on (workflow_id, event_number), plus the crash-recovery
// scan for records stuck in status=running past a staleness horizon.
type ActivityRecordStore interface {
	UpsertActivityRecord(ctx context.Context, rec *fleuve.ActivityRecord) error
	GetActivityRecord(ctx context.Context, workflowID string, eventNumber int64) (*fleuve.ActivityRecord, error)
	ListStaleRunningActivities(ctx context.Context, olderThan time.Time) ([]fleuve.ActivityRecord, error)
}

// ScheduleStore persists delay schedules for the Delay Scheduler: due
// one-shot and cron rows, insert/update on (re)schedule, delete on fire
// of a one-shot row or explicit cancellation.
type ScheduleStore interface {
	UpsertSchedule(ctx context.Context, sched *fleuve.DelaySchedule) error
	DeleteSchedule(ctx context.Context, workflowID, scheduleID string) error
	DueSchedules(ctx context.Context, now time.Time, limit int) ([]fleuve.DelaySchedule, error)
}

// Truncator supports the background truncation loop: the minimum offset
// observed across all readers of a workflow type bounds what is safe to
// delete, and deletion proceeds in bounded batches.
type Truncator interface {
	MinObservedOffset(ctx context.Context, workflowType string) (int64, error)
	TruncateEvents(ctx context.Context, workflowType string, beforeGlobalID int64, batchSize int) (int, error)
}

// DistributedLocker is implemented by backends that can fence concurrent
// writers across processes, not just within one. The sqlite backend has
// no analogue (a single open connection already serializes writers); the
// Repository's lock manager always holds an in-process mutex per
// workflow_id and type-asserts for this interface to take this lock as
// well when the store implements it.
type DistributedLocker interface {
	// Lock acquires an exclusive, workflow_id-scoped lock and returns a
	// release function. ctx bounds only the acquisition; the lock is
	// held until release is called.
	Lock(ctx context.Context, workflowID string) (release func(), err error)
}

// Store is the complete Event Store contract. Every backend under this
// package implements all of it; the segregated interfaces above exist so
// each engine component (Repository, Stream Reader, Activity Executor,
// Delay Scheduler, Truncator) can depend on only the slice it actually
// calls.
type Store interface {
	EventAppender
	EventReader
	SubscriptionStore
	GlobalScanner
	OffsetStore
	ActivityRecordStore
	ScheduleStore
	Truncator

	Close() error
}
