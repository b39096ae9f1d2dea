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

package fleuve

import "context"

// WorkflowType is the pure, user-authored definition of one workflow. The
// engine calls these functions from inside the Repository's per-workflow
// critical section; none of them may block on I/O.
type WorkflowType interface {
	// Name returns the workflow type's unique name (used as its event
	// stream partition key and reader name prefix).
	Name() string

	// SchemaVersion returns the current schema_version new events of this
	// type are written with.
	SchemaVersion() int

	// Decide validates cmd against state and returns the domain events to
	// append, or a *ferrors.RejectionError if cmd violates an invariant.
	Decide(state State, cmd Command) ([]DomainEvent, error)

	// Evolve folds one domain event into state, returning the updated
	// state. Called only for non-system events; the framework's evolve
	// wrapper handles system events itself.
	Evolve(state State, event DomainEvent) State

	// EventToCmd converts a consumed event into a follow-up command for a
	// subscribing workflow, or returns (nil, "") if this event triggers no
	// follow-up. The returned workflow_id is the target instance.
	EventToCmd(consumed Event) (cmd Command, targetWorkflowID string)

	// IsFinalEvent reports whether event marks the workflow instance as
	// having reached a terminal state for the purposes of activity
	// dispatch and truncation eligibility.
	IsFinalEvent(event DomainEvent) bool
}

// Upcaster is optionally implemented by a WorkflowType to migrate an
// event's body from an older schema_version to the current one before it
// is folded during replay.
type Upcaster interface {
	Upcast(eventType TypeTag, storedVersion int, body []byte) ([]byte, error)
}

// TagSource is optionally implemented by a WorkflowType to attach
// searchable tags to every event appended for a workflow instance,
// computed from its folded state.
type TagSource interface {
	Tags(state State) map[string]string
}

// InitialState is optionally implemented by a WorkflowType to provide the
// zero-value state a brand-new workflow instance starts from, before any
// event has been folded. If absent, the engine passes nil to Decide/Evolve
// for a workflow instance with no prior events.
type InitialState interface {
	InitialState() State
}

// Result is returned by Repository.CreateNew and Repository.ProcessCommand
// on success.
type Result struct {
	State   State
	Version int64
	Events  []Event
}

// Repository is the single entry point for command submission and replay.
// Implementations serialize all mutation of one workflow_id through a
// per-workflow exclusive lock while allowing unrelated workflows to
// proceed concurrently.
type Repository interface {
	// CreateNew appends the first event(s) for workflowID, failing with a
	// *ferrors.LifecycleRejectionError if any event already exists for it.
	CreateNew(ctx context.Context, workflowType string, workflowID string, cmd Command) (*Result, error)

	// ProcessCommand applies cmd to an existing workflow instance, failing
	// with *ferrors.LifecycleRejectionError if it does not exist or its
	// lifecycle rejects cmd, or *ferrors.RejectionError if decide() does.
	ProcessCommand(ctx context.Context, workflowType string, workflowID string, cmd Command) (*Result, error)

	// PauseWorkflow, ResumeWorkflow, and CancelWorkflow emit the
	// corresponding system event via ProcessCommand.
	PauseWorkflow(ctx context.Context, workflowType, workflowID string) (*Result, error)
	ResumeWorkflow(ctx context.Context, workflowType, workflowID string) (*Result, error)
	CancelWorkflow(ctx context.Context, workflowType, workflowID, reason string) (*Result, error)

	// LoadState materializes a workflow's folded state as of atVersion
	// (replay semantics). atVersion of 0 means the latest version.
	LoadState(ctx context.Context, workflowType, workflowID string, atVersion int64) (State, int64, error)
}
