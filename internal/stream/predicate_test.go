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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doomervibe/fleuve/internal/eventstore"
	"github.com/doomervibe/fleuve/internal/eventstore/sqlite"
	"github.com/doomervibe/fleuve/internal/partition"
	"github.com/doomervibe/fleuve/pkg/fleuve"
)

func subscribe(t *testing.T, store *sqlite.Backend, subscriberType, subscriberID, eventType, sourceWorkflow string) {
	t.Helper()
	_, err := store.Append(context.Background(), eventstore.AppendRequest{
		WorkflowType:         subscriberType,
		WorkflowID:           subscriberID,
		ExpectedPriorVersion: 0,
		Events: []eventstore.AppendEvent{
			{EventType: "thing.happened", SchemaVersion: 1, Body: []byte(`{}`)},
		},
		SubscriptionAdds: []fleuve.Subscription{
			{EventType: eventType, SourceWorkflow: sourceWorkflow},
		},
	})
	require.NoError(t, err)
}

// partitionMatch finds a workflow_id, prefixed with prefix, whose partition
// index under total either equals or differs from want's, depending on
// sameAsWant. Total is kept tiny in these tests so a match is always found
// quickly.
func partitionMatch(t *testing.T, want string, total int, prefix string, sameAsWant bool) string {
	t.Helper()
	target := partition.Of(want, total)
	for i := 0; i < 10000; i++ {
		candidate := prefix + string(rune('a'+i%26)) + string(rune('0'+(i/26)%10))
		if (partition.Of(candidate, total) == target) == sameAsWant {
			return candidate
		}
	}
	t.Fatalf("no candidate matching partition constraint found for %q within search budget", want)
	return ""
}

func partitionSiblingOf(t *testing.T, want string, total int, prefix string) string {
	return partitionMatch(t, want, total, prefix, true)
}

func TestWorkflowRunnerPredicate_MatchesOwnTypeWithinPartition(t *testing.T) {
	store := newTestStore(t)
	total := 4
	id := "order-42"
	idx := partition.Of(id, total)

	pred := NewWorkflowRunnerPredicate(store, "order", idx, total)

	match, err := pred(context.Background(), fleuve.Event{WorkflowType: "order", WorkflowID: id, EventType: "order.placed"})
	require.NoError(t, err)
	assert.True(t, match)
}

func TestWorkflowRunnerPredicate_RejectsOwnTypeOutsidePartition(t *testing.T) {
	store := newTestStore(t)
	total := 4
	id := "order-42"
	idx := (partition.Of(id, total) + 1) % total

	pred := NewWorkflowRunnerPredicate(store, "order", idx, total)

	match, err := pred(context.Background(), fleuve.Event{WorkflowType: "order", WorkflowID: id, EventType: "order.placed"})
	require.NoError(t, err)
	assert.False(t, match)
}

func TestWorkflowRunnerPredicate_MatchesForeignTypeWithInPartitionSubscriber(t *testing.T) {
	store := newTestStore(t)
	total := 4
	sourceID := "order-42"
	idx := partition.Of(sourceID, total)

	// The subscriber's workflow_id must hash into the same partition as
	// order-42 for this to exercise the subscription branch.
	subscriberID := partitionSiblingOf(t, sourceID, total, "shipping-")
	subscribe(t, store, "shipping", subscriberID, "order.placed", "order")

	pred := NewWorkflowRunnerPredicate(store, "shipping", idx, total)

	match, err := pred(context.Background(), fleuve.Event{WorkflowType: "order", WorkflowID: sourceID, EventType: "order.placed"})
	require.NoError(t, err)
	assert.True(t, match)
}

func TestWorkflowRunnerPredicate_RejectsForeignTypeWithNoSubscriber(t *testing.T) {
	store := newTestStore(t)
	total := 4
	sourceID := "order-42"
	idx := partition.Of(sourceID, total)

	pred := NewWorkflowRunnerPredicate(store, "shipping", idx, total)

	match, err := pred(context.Background(), fleuve.Event{WorkflowType: "order", WorkflowID: sourceID, EventType: "order.placed"})
	require.NoError(t, err)
	assert.False(t, match)
}

func TestWorkflowRunnerPredicate_RejectsSubscriberOutsidePartition(t *testing.T) {
	store := newTestStore(t)
	total := 4
	sourceID := "order-42"
	idx := partition.Of(sourceID, total)

	// subscriberID deliberately hashes to a different partition than the
	// source event, so even though the event itself belongs to idx, the
	// subscription does not count toward this partition.
	subscriberID := partitionMatch(t, sourceID, total, "shipping-", false)
	subscribe(t, store, "shipping", subscriberID, "order.placed", "order")

	pred := NewWorkflowRunnerPredicate(store, "shipping", idx, total)

	match, err := pred(context.Background(), fleuve.Event{WorkflowType: "order", WorkflowID: sourceID, EventType: "order.placed"})
	require.NoError(t, err)
	assert.False(t, match)
}
