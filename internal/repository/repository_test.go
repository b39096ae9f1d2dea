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

package repository

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doomervibe/fleuve/internal/eventstore"
	"github.com/doomervibe/fleuve/internal/eventstore/sqlite"
	"github.com/doomervibe/fleuve/internal/statecache/memory"
	"github.com/doomervibe/fleuve/pkg/ferrors"
	"github.com/doomervibe/fleuve/pkg/fleuve"
)

// counterState, incrementCmd, and incrementedEvent are a minimal workflow
// type exercising Decide/Evolve/InitialState without depending on any
// other package under test.

type counterState struct {
	Count int `json:"count"`
}

func (*counterState) TypeTag() fleuve.TypeTag { return "counter.state" }

type incrementCmd struct {
	Amount int `json:"amount"`
}

func (*incrementCmd) TypeTag() fleuve.TypeTag { return "counter.increment" }

type incrementedEvent struct {
	Amount int `json:"amount"`
}

func (*incrementedEvent) TypeTag() fleuve.TypeTag { return "counter.incremented" }

type counterWorkflowType struct{}

func (counterWorkflowType) Name() string        { return "counter" }
func (counterWorkflowType) SchemaVersion() int   { return 1 }
func (counterWorkflowType) InitialState() fleuve.State {
	return &counterState{}
}

func (counterWorkflowType) Decide(state fleuve.State, cmd fleuve.Command) ([]fleuve.DomainEvent, error) {
	c := cmd.(*incrementCmd)
	if c.Amount <= 0 {
		return nil, &ferrors.RejectionError{WorkflowType: "counter", CommandType: string(cmd.TypeTag()), Reason: "amount must be positive"}
	}
	return []fleuve.DomainEvent{&incrementedEvent{Amount: c.Amount}}, nil
}

func (counterWorkflowType) Evolve(state fleuve.State, event fleuve.DomainEvent) fleuve.State {
	s := state.(*counterState)
	ev := event.(*incrementedEvent)
	return &counterState{Count: s.Count + ev.Amount}
}

func (counterWorkflowType) EventToCmd(consumed fleuve.Event) (fleuve.Command, string) {
	return nil, ""
}

func (counterWorkflowType) IsFinalEvent(event fleuve.DomainEvent) bool { return false }

func newTestRepository(t *testing.T, snapshotInterval int) *Repository {
	t.Helper()

	registry := fleuve.NewTypeRegistry()
	registry.Register("counter.increment", func() any { return &incrementCmd{} })
	registry.Register("counter.incremented", func() any { return &incrementedEvent{} })
	registry.Register("counter.state", func() any { return &counterState{} })
	codec := fleuve.NewJSONCodec(registry)

	store, err := sqlite.New(sqlite.Config{
		Path:  filepath.Join(t.TempDir(), "test.db"),
		WAL:   true,
		Codec: codec,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	repo, err := New(Config{
		Store:            store,
		Cache:            memory.New(),
		Codec:            codec,
		Types:            []fleuve.WorkflowType{counterWorkflowType{}},
		SnapshotInterval: snapshotInterval,
	})
	require.NoError(t, err)
	return repo
}

func TestCreateNew_AppendsFirstEventAndReturnsFoldedState(t *testing.T) {
	repo := newTestRepository(t, 0)
	ctx := context.Background()

	result, err := repo.CreateNew(ctx, "counter", "c-1", &incrementCmd{Amount: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Version)
	assert.Equal(t, 5, result.State.(*counterState).Count)
	require.Len(t, result.Events, 1)
	assert.Equal(t, fleuve.TypeTag("counter.incremented"), result.Events[0].EventType)
}

func TestCreateNew_RejectsDuplicateWorkflowID(t *testing.T) {
	repo := newTestRepository(t, 0)
	ctx := context.Background()

	_, err := repo.CreateNew(ctx, "counter", "c-1", &incrementCmd{Amount: 1})
	require.NoError(t, err)

	_, err = repo.CreateNew(ctx, "counter", "c-1", &incrementCmd{Amount: 1})
	var lifecycleErr *ferrors.LifecycleRejectionError
	require.ErrorAs(t, err, &lifecycleErr)
	assert.Equal(t, "already_exists", lifecycleErr.State)
}

func TestProcessCommand_AccumulatesStateAcrossCalls(t *testing.T) {
	repo := newTestRepository(t, 0)
	ctx := context.Background()

	_, err := repo.CreateNew(ctx, "counter", "c-1", &incrementCmd{Amount: 2})
	require.NoError(t, err)

	result, err := repo.ProcessCommand(ctx, "counter", "c-1", &incrementCmd{Amount: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Version)
	assert.Equal(t, 5, result.State.(*counterState).Count)
}

func TestProcessCommand_RejectsUnknownWorkflow(t *testing.T) {
	repo := newTestRepository(t, 0)
	ctx := context.Background()

	_, err := repo.ProcessCommand(ctx, "counter", "does-not-exist", &incrementCmd{Amount: 1})
	var lifecycleErr *ferrors.LifecycleRejectionError
	require.ErrorAs(t, err, &lifecycleErr)
	assert.Equal(t, "not_found", lifecycleErr.State)
}

func TestProcessCommand_PropagatesDecideRejection(t *testing.T) {
	repo := newTestRepository(t, 0)
	ctx := context.Background()

	_, err := repo.CreateNew(ctx, "counter", "c-1", &incrementCmd{Amount: 1})
	require.NoError(t, err)

	_, err = repo.ProcessCommand(ctx, "counter", "c-1", &incrementCmd{Amount: -1})
	var rejectionErr *ferrors.RejectionError
	require.ErrorAs(t, err, &rejectionErr)
}

func TestPauseWorkflow_RejectsNonSystemCommandsUntilResumed(t *testing.T) {
	repo := newTestRepository(t, 0)
	ctx := context.Background()

	_, err := repo.CreateNew(ctx, "counter", "c-1", &incrementCmd{Amount: 1})
	require.NoError(t, err)

	_, err = repo.PauseWorkflow(ctx, "counter", "c-1")
	require.NoError(t, err)

	_, err = repo.ProcessCommand(ctx, "counter", "c-1", &incrementCmd{Amount: 1})
	var lifecycleErr *ferrors.LifecycleRejectionError
	require.ErrorAs(t, err, &lifecycleErr)
	assert.Equal(t, "paused", lifecycleErr.State)

	_, err = repo.ResumeWorkflow(ctx, "counter", "c-1")
	require.NoError(t, err)

	result, err := repo.ProcessCommand(ctx, "counter", "c-1", &incrementCmd{Amount: 4})
	require.NoError(t, err)
	assert.Equal(t, 5, result.State.(*counterState).Count)
}

func TestCancelWorkflow_RejectsEverythingIncludingResume(t *testing.T) {
	repo := newTestRepository(t, 0)
	ctx := context.Background()

	_, err := repo.CreateNew(ctx, "counter", "c-1", &incrementCmd{Amount: 1})
	require.NoError(t, err)

	_, err = repo.CancelWorkflow(ctx, "counter", "c-1", "no longer needed")
	require.NoError(t, err)

	_, err = repo.ProcessCommand(ctx, "counter", "c-1", &incrementCmd{Amount: 1})
	var lifecycleErr *ferrors.LifecycleRejectionError
	require.ErrorAs(t, err, &lifecycleErr)
	assert.Equal(t, "cancelled", lifecycleErr.State)

	_, err = repo.ResumeWorkflow(ctx, "counter", "c-1")
	require.ErrorAs(t, err, &lifecycleErr)
	assert.Equal(t, "cancelled", lifecycleErr.State)
}

func TestLoadState_ReplaysFromStoreOnColdCache(t *testing.T) {
	repo := newTestRepository(t, 0)
	ctx := context.Background()

	_, err := repo.CreateNew(ctx, "counter", "c-1", &incrementCmd{Amount: 2})
	require.NoError(t, err)
	_, err = repo.ProcessCommand(ctx, "counter", "c-1", &incrementCmd{Amount: 3})
	require.NoError(t, err)

	// Simulate a cold cache (e.g. a fresh process) against the same store.
	repo.cache = memory.New()

	state, version, err := repo.LoadState(ctx, "counter", "c-1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
	assert.Equal(t, 5, state.(*counterState).Count)
}

func TestLoadState_AtVersionReplaysPastState(t *testing.T) {
	repo := newTestRepository(t, 0)
	ctx := context.Background()

	_, err := repo.CreateNew(ctx, "counter", "c-1", &incrementCmd{Amount: 2})
	require.NoError(t, err)
	_, err = repo.ProcessCommand(ctx, "counter", "c-1", &incrementCmd{Amount: 10})
	require.NoError(t, err)

	state, version, err := repo.LoadState(ctx, "counter", "c-1", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
	assert.Equal(t, 2, state.(*counterState).Count)
}

func TestSnapshotInterval_TakesSnapshotAtBoundary(t *testing.T) {
	repo := newTestRepository(t, 2)
	ctx := context.Background()
	store := repo.store

	_, err := repo.CreateNew(ctx, "counter", "c-1", &incrementCmd{Amount: 1})
	require.NoError(t, err)

	snap, err := store.LatestSnapshot(ctx, "counter", "c-1", 0)
	require.NoError(t, err)
	assert.Nil(t, snap, "no snapshot expected before the interval boundary")

	_, err = repo.ProcessCommand(ctx, "counter", "c-1", &incrementCmd{Amount: 1})
	require.NoError(t, err)

	snap, err = store.LatestSnapshot(ctx, "counter", "c-1", 0)
	require.NoError(t, err)
	require.NotNil(t, snap, "snapshot expected once version 2 crosses the interval boundary")
	assert.Equal(t, int64(2), snap.AtVersion)
}

func TestProcessCommand_ConcurrentWritersPreserveVersionMonotonicity(t *testing.T) {
	repo := newTestRepository(t, 0)
	ctx := context.Background()

	_, err := repo.CreateNew(ctx, "counter", "c-1", &incrementCmd{Amount: 1})
	require.NoError(t, err)

	const writers = 20
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			_, err := repo.ProcessCommand(ctx, "counter", "c-1", &incrementCmd{Amount: 1})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	state, version, err := repo.LoadState(ctx, "counter", "c-1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(writers+1), version)
	assert.Equal(t, writers+1, state.(*counterState).Count)
}

// flakyOnceStore wraps a real Store and rejects the next failRemaining
// Appends with a VersionConflictError, simulating a sibling process
// winning the race against a distributed backend.
type flakyOnceStore struct {
	eventstore.Store

	mu            sync.Mutex
	failRemaining int
}

func (f *flakyOnceStore) Append(ctx context.Context, req eventstore.AppendRequest) (*eventstore.AppendResult, error) {
	f.mu.Lock()
	if f.failRemaining > 0 {
		f.failRemaining--
		f.mu.Unlock()
		return nil, &ferrors.VersionConflictError{
			WorkflowType: req.WorkflowType,
			WorkflowID:   req.WorkflowID,
			Expected:     req.ExpectedPriorVersion,
			Actual:       req.ExpectedPriorVersion + 1,
		}
	}
	f.mu.Unlock()
	return f.Store.Append(ctx, req)
}

func TestProcessCommand_RetriesOnceAgainstRefreshedStateAfterVersionConflict(t *testing.T) {
	registry := fleuve.NewTypeRegistry()
	registry.Register("counter.increment", func() any { return &incrementCmd{} })
	registry.Register("counter.incremented", func() any { return &incrementedEvent{} })
	registry.Register("counter.state", func() any { return &counterState{} })
	codec := fleuve.NewJSONCodec(registry)

	backend, err := sqlite.New(sqlite.Config{
		Path:  filepath.Join(t.TempDir(), "test.db"),
		WAL:   true,
		Codec: codec,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	store := &flakyOnceStore{Store: backend}

	repo, err := New(Config{
		Store: store,
		Cache: memory.New(),
		Codec: codec,
		Types: []fleuve.WorkflowType{counterWorkflowType{}},
	})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = repo.CreateNew(ctx, "counter", "c-1", &incrementCmd{Amount: 1})
	require.NoError(t, err)
	store.failRemaining = 1

	result, err := repo.ProcessCommand(ctx, "counter", "c-1", &incrementCmd{Amount: 4})
	require.NoError(t, err, "processCommandLocked must retry load/decide/persist after a version conflict")
	assert.Equal(t, int64(2), result.Version)
	assert.Equal(t, 5, result.State.(*counterState).Count)
	assert.Equal(t, 0, store.failRemaining, "the single injected conflict must have been consumed")
}

func TestProcessCommand_SurfacesVersionConflictOnceRetriesExhausted(t *testing.T) {
	registry := fleuve.NewTypeRegistry()
	registry.Register("counter.increment", func() any { return &incrementCmd{} })
	registry.Register("counter.incremented", func() any { return &incrementedEvent{} })
	registry.Register("counter.state", func() any { return &counterState{} })
	codec := fleuve.NewJSONCodec(registry)

	backend, err := sqlite.New(sqlite.Config{
		Path:  filepath.Join(t.TempDir(), "test.db"),
		WAL:   true,
		Codec: codec,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	store := &flakyOnceStore{Store: backend}

	repo, err := New(Config{
		Store: store,
		Cache: memory.New(),
		Codec: codec,
		Types: []fleuve.WorkflowType{counterWorkflowType{}},
	})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = repo.CreateNew(ctx, "counter", "c-1", &incrementCmd{Amount: 1})
	require.NoError(t, err)
	store.failRemaining = maxVersionConflictRetries + 1

	_, err = repo.ProcessCommand(ctx, "counter", "c-1", &incrementCmd{Amount: 4})
	require.Error(t, err)
	assert.True(t, ferrors.IsVersionConflict(err))
}
