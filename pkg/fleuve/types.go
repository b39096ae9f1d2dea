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

// Package fleuve defines the public, embeddable surface of the durable
// event-sourced workflow engine: wire types shared by every component,
// the Repository contract in-process callers use, and the WorkflowType
// a domain registers to get create/process/replay for free.
package fleuve

import "time"

// TypeTag names a concrete Command, DomainEvent, or State body so the
// engine can route a deserialized payload back to its Go type without
// encoding type information into the body itself.
type TypeTag string

// Serializable is implemented by every command, event, and state body.
// event_type and schema_version travel alongside the body as plain fields
// on Event, never inside the body, so upcast can run before the body is
// deserialized into a concrete type.
type Serializable interface {
	TypeTag() TypeTag
}

// Command is the body of a request to mutate a workflow instance.
type Command = Serializable

// DomainEvent is the body of a fact folded into a workflow's state.
type DomainEvent = Serializable

// State is a workflow type's folded, in-memory representation.
type State = Serializable

// Codec marshals and unmarshals Serializable bodies to and from bytes. The
// default Codec uses encoding/json; a workflow type may supply its own to
// use a different wire format without touching the engine.
type Codec interface {
	Marshal(v Serializable) ([]byte, error)
	Unmarshal(data []byte, typeTag TypeTag) (Serializable, error)
}

// Lifecycle is a workflow instance's coarse-grained command-acceptance state.
type Lifecycle string

const (
	// LifecycleActive accepts any command decide() permits.
	LifecycleActive Lifecycle = "active"
	// LifecyclePaused rejects all non-system commands.
	LifecyclePaused Lifecycle = "paused"
	// LifecycleCancelled rejects all commands.
	LifecycleCancelled Lifecycle = "cancelled"
)

// Subscription is a relation a workflow instance holds against events of
// some type from some source workflow (or "*" for any source). Reader
// predicates consult the live set of subscriptions to decide what a
// partition cares about beyond its own workflow type.
type Subscription struct {
	EventType      string
	SourceWorkflow string
}

// Event is the immutable, persisted record of one domain or system fact.
// global_id is strictly monotonic per workflow_type and serves as the
// stream cursor; workflow_version is strictly monotonic per workflow_id
// and equals the instance's version once this event is appended.
type Event struct {
	GlobalID       int64
	WorkflowType   string
	WorkflowID     string
	WorkflowVersion int64
	EventType      TypeTag
	SchemaVersion  int
	Body           []byte
	Metadata       EventMetadata
	CreatedAt      time.Time
}

// EventMetadata carries framework- and workflow-attached facts about an
// event that are not part of its body, e.g. tags hung off state by a
// workflow type's TagSource hook (see WorkflowType.Tags).
type EventMetadata struct {
	Tags map[string]string
}

// Snapshot is a folded state captured at a specific version, letting the
// Repository avoid replaying a workflow's entire history on every load.
type Snapshot struct {
	WorkflowID string
	AtVersion  int64
	State      []byte
	StateType  TypeTag
}

// ActivityStatus is the lifecycle of one Activity Record.
type ActivityStatus string

const (
	ActivityStatusPending   ActivityStatus = "pending"
	ActivityStatusRunning   ActivityStatus = "running"
	ActivityStatusCompleted ActivityStatus = "completed"
	ActivityStatusFailed    ActivityStatus = "failed"
)

// ActivityRecord tracks one adapter's execution against one triggering
// event. At most one exists per (WorkflowID, EventNumber); its presence is
// the idempotency anchor that gives the Activity Executor exactly-once
// successful completion under at-least-once delivery.
type ActivityRecord struct {
	WorkflowID    string
	EventNumber   int64
	Status        ActivityStatus
	RetryCount    int
	Checkpoint    map[string]any
	StartedAt     time.Time
	FinishedAt    time.Time
	LastAttemptAt time.Time
	RunnerID      string
	LastError     string
}

// DelaySchedule is a pending or recurring timer a workflow requested by
// emitting a delay event. One-shot rows are deleted on fire; cron rows are
// rewritten with the next fire time.
type DelaySchedule struct {
	WorkflowID     string
	WorkflowType   string
	ScheduleID     string
	EventVersion   int64
	DelayUntil     time.Time
	NextCommand    Command
	CronExpression string
	Timezone       string
	CreatedAt      time.Time
}

// Offset is the durable read position of one Stream Reader.
type Offset struct {
	ReaderName  string
	LastGlobalID int64
}
