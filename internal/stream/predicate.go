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

package stream

import (
	"context"

	"github.com/doomervibe/fleuve/internal/eventstore"
	"github.com/doomervibe/fleuve/internal/partition"
	"github.com/doomervibe/fleuve/pkg/fleuve"
)

// NewWorkflowRunnerPredicate composes the Workflow Runner's reader
// predicate: an event matters to this reader iff its workflow_id belongs
// to this reader's partition, and either the event's own workflow_type is
// ownType, or some workflow homed in this same partition holds an active
// subscription matching the event's (event_type, source_workflow) pair.
func NewWorkflowRunnerPredicate(subs eventstore.SubscriptionStore, ownType string, partitionIndex, partitionCount int) Predicate {
	return func(ctx context.Context, e fleuve.Event) (bool, error) {
		if !partition.Owns(e.WorkflowID, partitionCount, partitionIndex) {
			return false, nil
		}
		if e.WorkflowType == ownType {
			return true, nil
		}

		subscribers, err := subs.SubscribersOf(ctx, string(e.EventType), e.WorkflowType)
		if err != nil {
			return false, err
		}
		for _, s := range subscribers {
			if partition.Owns(s.WorkflowID, partitionCount, partitionIndex) {
				return true, nil
			}
		}
		return false, nil
	}
}
