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
	"github.com/doomervibe/fleuve/pkg/fleuve"
)

func newTestStore(t *testing.T) *sqlite.Backend {
	t.Helper()
	registry := fleuve.NewTypeRegistry()
	codec := fleuve.NewJSONCodec(registry)
	store, err := sqlite.New(sqlite.Config{
		Path:  filepath.Join(t.TempDir(), "stream.db"),
		WAL:   true,
		Codec: codec,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func appendN(t *testing.T, store *sqlite.Backend, workflowType, workflowID string, n int) {
	t.Helper()
	ctx := context.Background()
	var prior int64
	for i := 0; i < n; i++ {
		_, err := store.Append(ctx, eventstore.AppendRequest{
			WorkflowType:         workflowType,
			WorkflowID:           workflowID,
			ExpectedPriorVersion: prior,
			Events: []eventstore.AppendEvent{
				{EventType: "thing.happened", SchemaVersion: 1, Body: []byte(`{}`)},
			},
		})
		require.NoError(t, err)
		prior++
	}
}

func TestNextBatch_ReturnsEventsInOrderUpToMax(t *testing.T) {
	store := newTestStore(t)
	appendN(t, store, "order", "o-1", 5)

	r, err := New(Config{Store: store, ReaderName: "order.0.of.1", WorkflowType: "order"})
	require.NoError(t, err)

	batch, err := r.NextBatch(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, batch.Events, 3)
	assert.Equal(t, int64(1), batch.Events[0].WorkflowVersion)
	assert.Equal(t, int64(3), batch.Events[2].WorkflowVersion)
	assert.Equal(t, batch.Events[2].GlobalID, batch.LastGlobalID)
}

func TestNextBatch_EmptyWhenNothingNew(t *testing.T) {
	store := newTestStore(t)
	r, err := New(Config{Store: store, ReaderName: "order.0.of.1", WorkflowType: "order"})
	require.NoError(t, err)

	batch, err := r.NextBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, batch.Events)
	assert.Equal(t, int64(0), batch.LastGlobalID)
}

func TestCommit_IsMonotonicAndPersists(t *testing.T) {
	store := newTestStore(t)
	appendN(t, store, "order", "o-1", 5)
	ctx := context.Background()

	r, err := New(Config{Store: store, ReaderName: "order.0.of.1", WorkflowType: "order"})
	require.NoError(t, err)

	batch, err := r.NextBatch(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, r.Commit(ctx, batch.LastGlobalID))

	offset, err := r.CurrentOffset(ctx)
	require.NoError(t, err)
	assert.Equal(t, batch.LastGlobalID, offset)

	// A fresh reader instance reading the same reader_name picks up the
	// committed offset from the store.
	r2, err := New(Config{Store: store, ReaderName: "order.0.of.1", WorkflowType: "order"})
	require.NoError(t, err)
	offset2, err := r2.CurrentOffset(ctx)
	require.NoError(t, err)
	assert.Equal(t, offset, offset2)

	err = r.Commit(ctx, offset-1)
	assert.Error(t, err, "commit must reject moving the offset backward")
}

func TestNextBatch_SkipsEventsRejectedByPredicateButAdvancesOffset(t *testing.T) {
	store := newTestStore(t)
	appendN(t, store, "order", "o-1", 5)
	ctx := context.Background()

	// Only the third event (workflow_version 3) matches.
	predicate := func(_ context.Context, e fleuve.Event) (bool, error) {
		return e.WorkflowVersion == 3, nil
	}

	r, err := New(Config{Store: store, ReaderName: "order.0.of.1", WorkflowType: "order", Predicate: predicate})
	require.NoError(t, err)

	batch, err := r.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch.Events, 1)
	assert.Equal(t, int64(3), batch.Events[0].WorkflowVersion)
	// LastGlobalID reflects the full scan, not just the matching event,
	// so the next call does not re-scan the rejected tail.
	assert.Equal(t, batch.Events[0].GlobalID+2, batch.LastGlobalID)

	require.NoError(t, r.Commit(ctx, batch.LastGlobalID))
	second, err := r.NextBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, second.Events)
}

func TestMaxObserved_TracksScanHighWaterMarkWithoutCommitting(t *testing.T) {
	store := newTestStore(t)
	appendN(t, store, "order", "o-1", 4)
	ctx := context.Background()

	predicate := func(_ context.Context, e fleuve.Event) (bool, error) { return false, nil }
	r, err := New(Config{Store: store, ReaderName: "order.0.of.1", WorkflowType: "order", Predicate: predicate})
	require.NoError(t, err)

	batch, err := r.NextBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch.Events)
	assert.Equal(t, int64(4), r.MaxObserved())

	offset, err := r.CurrentOffset(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), offset, "nothing was committed")
}
