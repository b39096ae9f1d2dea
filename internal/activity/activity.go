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

// Package activity implements the Activity Executor: it dispatches events
// to side-effecting Adapters, drives each adapter's yield stream to
// completion, and anchors exactly-once delivery on an Activity Record keyed
// by (workflow_id, event_number). See spec.md §4.6.
package activity

import (
	"context"
	"time"

	"github.com/doomervibe/fleuve/pkg/fleuve"
)

// Yield is one item an Adapter emits while acting on an event. Exactly one
// of Command, a Checkpoint update, or a terminal signal (Done or Err) is
// meaningful per item; Err set marks the final item on the channel, mirroring
// StreamChunk.Error in the LLM provider stream protocol this is grounded on.
type Yield struct {
	// Command, if non-nil, is applied to the triggering workflow instance
	// via the Repository before the adapter is resumed.
	Command fleuve.Command

	// Checkpoint, if non-nil, is merged key by key into the Activity
	// Record's saved checkpoint. Adapters emit partial progress this way so
	// a crash mid-run resumes past completed sub-steps instead of from
	// scratch.
	Checkpoint map[string]any

	// SaveNow forces the checkpoint to be persisted immediately rather
	// than deferred until the attempt ends.
	SaveNow bool

	// Timeout, if non-zero, resets the adapter's execution deadline from
	// this point on.
	Timeout time.Duration

	// Done marks successful completion. No further items follow.
	Done bool

	// Err, if set, marks a failed attempt. No further items follow.
	Err error
}

// RunContext carries the state an Adapter needs to resume correctly: what
// was checkpointed by a previous, possibly crashed, attempt, and how many
// attempts have already been made.
type RunContext struct {
	WorkflowID  string
	EventNumber int64
	Checkpoint  map[string]any
	RetryCount  int
}

// Adapter performs one kind of side effect in response to matching events.
// ActOn follows the lazy-producer protocol: it spawns its own goroutine and
// returns immediately, streaming Yield items as work progresses and closing
// the channel after the terminal item.
type Adapter interface {
	// Name identifies the adapter in logs and in the Activity Record.
	Name() string

	// ToBeActedOn reports whether this adapter handles the given event.
	// The Executor dispatches to the first matching adapter.
	ToBeActedOn(event fleuve.Event) bool

	// ActOn begins acting on event and returns a channel of progress
	// items. The channel is always closed, with the last item carrying
	// either Done or Err.
	ActOn(ctx context.Context, event fleuve.Event, run RunContext) <-chan Yield
}
