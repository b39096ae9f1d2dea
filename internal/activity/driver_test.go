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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doomervibe/fleuve/internal/stream"
	"github.com/doomervibe/fleuve/pkg/ferrors"
	"github.com/doomervibe/fleuve/pkg/fleuve"
)

// fakeDriverReader is an in-memory driverReader that serves one batch at
// a time from a queue, then returns empty batches.
type fakeDriverReader struct {
	batches   []*stream.Batch
	committed []int64
}

func (f *fakeDriverReader) NextBatch(ctx context.Context, max int) (*stream.Batch, error) {
	if len(f.batches) == 0 {
		return &stream.Batch{}, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

func (f *fakeDriverReader) Commit(ctx context.Context, lastGlobalID int64) error {
	f.committed = append(f.committed, lastGlobalID)
	return nil
}

func TestDriver_HandlesBatchAndCommits(t *testing.T) {
	store := newFakeStore()
	events := newFakeEvents()
	repo := &fakeRepository{}
	adapter := &scriptedAdapter{name: "ship", matches: matchAll, script: []Yield{{Done: true}}}
	exec := newExecutor(t, store, events, repo, adapter)

	e := fleuve.Event{GlobalID: 5, WorkflowID: "o-1", WorkflowVersion: 1, EventType: "order.placed"}
	reader := &fakeDriverReader{batches: []*stream.Batch{{Events: []fleuve.Event{e}, LastGlobalID: 5}}}

	d := NewDriver(DriverConfig{Reader: reader, Executor: exec, PollInterval: time.Hour, RecoverInterval: time.Hour})

	processed, commitThrough, err := d.runBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, int64(5), commitThrough)

	rec, err := store.GetActivityRecord(context.Background(), "o-1", 1)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, fleuve.ActivityStatusCompleted, rec.Status)
}

func TestDriver_FailedActivityStillAdvancesOffset(t *testing.T) {
	store := newFakeStore()
	events := newFakeEvents()
	repo := &fakeRepository{}
	adapter := &scriptedAdapter{name: "ship", matches: matchAll, script: []Yield{{Err: ferrors.New("downstream unavailable")}}}
	exec := newExecutor(t, store, events, repo, adapter)

	e := fleuve.Event{GlobalID: 9, WorkflowID: "o-2", WorkflowVersion: 1, EventType: "order.placed"}
	reader := &fakeDriverReader{batches: []*stream.Batch{{Events: []fleuve.Event{e}, LastGlobalID: 9}}}

	d := NewDriver(DriverConfig{Reader: reader, Executor: exec, PollInterval: time.Hour, RecoverInterval: time.Hour})

	processed, commitThrough, err := d.runBatch(context.Background())
	require.NoError(t, err, "a tracked activity failure never halts the batch")
	assert.Equal(t, 1, processed)
	assert.Equal(t, int64(9), commitThrough)
}

func TestDriver_NoMatchingAdapterStillAdvancesOffset(t *testing.T) {
	store := newFakeStore()
	events := newFakeEvents()
	repo := &fakeRepository{}
	adapter := &scriptedAdapter{name: "ship", matches: func(fleuve.Event) bool { return false }}
	exec := newExecutor(t, store, events, repo, adapter)

	e := fleuve.Event{GlobalID: 3, WorkflowID: "o-3", WorkflowVersion: 1}
	reader := &fakeDriverReader{batches: []*stream.Batch{{Events: []fleuve.Event{e}, LastGlobalID: 3}}}

	d := NewDriver(DriverConfig{Reader: reader, Executor: exec, PollInterval: time.Hour, RecoverInterval: time.Hour})

	processed, commitThrough, err := d.runBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, int64(3), commitThrough)
	assert.Equal(t, 0, adapter.invoked)
}

func TestDriver_RunStopEndsLoopWithoutFurtherTicks(t *testing.T) {
	store := newFakeStore()
	events := newFakeEvents()
	repo := &fakeRepository{}
	exec := newExecutor(t, store, events, repo)
	reader := &fakeDriverReader{}

	d := NewDriver(DriverConfig{Reader: reader, Executor: exec, PollInterval: time.Hour, RecoverInterval: time.Hour})

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	d.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestDriver_WakeupChannelShortcutsPollInterval(t *testing.T) {
	store := newFakeStore()
	events := newFakeEvents()
	repo := &fakeRepository{}
	exec := newExecutor(t, store, events, repo)

	wakeup := make(chan struct{}, 1)
	d := NewDriver(DriverConfig{Reader: &fakeDriverReader{}, Executor: exec, PollInterval: time.Hour, RecoverInterval: time.Hour, Wakeup: wakeup})

	wakeup <- struct{}{}

	done := make(chan bool, 1)
	go func() { done <- d.sleep(context.Background()) }()

	select {
	case woke := <-done:
		assert.True(t, woke)
	case <-time.After(2 * time.Second):
		t.Fatal("sleep did not return promptly on wakeup")
	}
}
