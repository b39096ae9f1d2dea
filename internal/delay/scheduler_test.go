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

package delay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doomervibe/fleuve/pkg/ferrors"
	"github.com/doomervibe/fleuve/pkg/fleuve"
)

// fakeStore is an in-memory ScheduleStore.
type fakeStore struct {
	rows     map[string]fleuve.DelaySchedule
	deleted  []string
	upserted []fleuve.DelaySchedule
}

func newFakeStore() *fakeStore { return &fakeStore{rows: map[string]fleuve.DelaySchedule{}} }

func scheduleKey(workflowID, scheduleID string) string { return workflowID + "/" + scheduleID }

func (f *fakeStore) seed(sched fleuve.DelaySchedule) {
	f.rows[scheduleKey(sched.WorkflowID, sched.ScheduleID)] = sched
}

func (f *fakeStore) DueSchedules(ctx context.Context, now time.Time, limit int) ([]fleuve.DelaySchedule, error) {
	var due []fleuve.DelaySchedule
	for _, row := range f.rows {
		if !row.DelayUntil.After(now) {
			due = append(due, row)
		}
		if len(due) == limit {
			break
		}
	}
	return due, nil
}

func (f *fakeStore) UpsertSchedule(ctx context.Context, sched *fleuve.DelaySchedule) error {
	f.upserted = append(f.upserted, *sched)
	f.rows[scheduleKey(sched.WorkflowID, sched.ScheduleID)] = *sched
	return nil
}

func (f *fakeStore) DeleteSchedule(ctx context.Context, workflowID, scheduleID string) error {
	f.deleted = append(f.deleted, scheduleKey(workflowID, scheduleID))
	delete(f.rows, scheduleKey(workflowID, scheduleID))
	return nil
}

type fakeRepository struct {
	calls          []call
	processCommand func(ctx context.Context, workflowType, workflowID string, cmd fleuve.Command) (*fleuve.Result, error)
}

type call struct {
	WorkflowType string
	WorkflowID   string
	Cmd          fleuve.Command
}

func (f *fakeRepository) CreateNew(ctx context.Context, workflowType, workflowID string, cmd fleuve.Command) (*fleuve.Result, error) {
	return nil, ferrors.New("not implemented")
}
func (f *fakeRepository) ProcessCommand(ctx context.Context, workflowType, workflowID string, cmd fleuve.Command) (*fleuve.Result, error) {
	f.calls = append(f.calls, call{workflowType, workflowID, cmd})
	if f.processCommand != nil {
		return f.processCommand(ctx, workflowType, workflowID, cmd)
	}
	return &fleuve.Result{Version: 1}, nil
}
func (f *fakeRepository) PauseWorkflow(ctx context.Context, workflowType, workflowID string) (*fleuve.Result, error) {
	return nil, ferrors.New("not implemented")
}
func (f *fakeRepository) ResumeWorkflow(ctx context.Context, workflowType, workflowID string) (*fleuve.Result, error) {
	return nil, ferrors.New("not implemented")
}
func (f *fakeRepository) CancelWorkflow(ctx context.Context, workflowType, workflowID, reason string) (*fleuve.Result, error) {
	return nil, ferrors.New("not implemented")
}
func (f *fakeRepository) LoadState(ctx context.Context, workflowType, workflowID string, atVersion int64) (fleuve.State, int64, error) {
	return nil, 0, ferrors.New("not implemented")
}

type fixtureCommand struct{ N int }

func (fixtureCommand) TypeTag() fleuve.TypeTag { return "fixture.command" }

func TestFire_OneShotFiresAndDeletesRow(t *testing.T) {
	store := newFakeStore()
	store.seed(fleuve.DelaySchedule{
		WorkflowID: "o-1", WorkflowType: "order", ScheduleID: "sched-1",
		DelayUntil: time.Now().Add(-time.Minute), NextCommand: fixtureCommand{N: 7},
	})
	repo := &fakeRepository{}
	s := New(Config{Store: store, Repository: repo})

	n, err := s.tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, repo.calls, 2, "delay-complete then next_command")
	assert.Equal(t, fleuve.DelayCompleteEvent{ScheduleID: "sched-1"}, repo.calls[0].Cmd)
	assert.Equal(t, fixtureCommand{N: 7}, repo.calls[1].Cmd)

	assert.Contains(t, store.deleted, scheduleKey("o-1", "sched-1"))
	assert.Empty(t, store.upserted)
}

func TestFire_CronScheduleReschedulesInsteadOfDeleting(t *testing.T) {
	store := newFakeStore()
	store.seed(fleuve.DelaySchedule{
		WorkflowID: "o-1", WorkflowType: "order", ScheduleID: "sched-1",
		DelayUntil: time.Now().Add(-time.Minute), CronExpression: "* * * * *",
	})
	repo := &fakeRepository{}
	s := New(Config{Store: store, Repository: repo})

	_, err := s.tick(context.Background())
	require.NoError(t, err)

	assert.Empty(t, store.deleted)
	require.Len(t, store.upserted, 1)
	assert.True(t, store.upserted[0].DelayUntil.After(time.Now().Add(-time.Second)))
}

func TestFire_RejectedNextCommandIsTreatedAsHandled(t *testing.T) {
	store := newFakeStore()
	store.seed(fleuve.DelaySchedule{
		WorkflowID: "o-1", WorkflowType: "order", ScheduleID: "sched-1",
		DelayUntil: time.Now().Add(-time.Minute), NextCommand: fixtureCommand{N: 1},
	})
	repo := &fakeRepository{processCommand: func(ctx context.Context, wt, wid string, cmd fleuve.Command) (*fleuve.Result, error) {
		if cmd == (fixtureCommand{N: 1}) {
			return nil, &ferrors.LifecycleRejectionError{WorkflowType: wt, WorkflowID: wid, State: "already-handled"}
		}
		return &fleuve.Result{}, nil
	}})
	s := New(Config{Store: store, Repository: repo})

	n, err := s.tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, store.deleted, scheduleKey("o-1", "sched-1"), "rejection does not block cleanup")
}

func TestFire_RetryableFailureLeavesRowInPlace(t *testing.T) {
	store := newFakeStore()
	store.seed(fleuve.DelaySchedule{
		WorkflowID: "o-1", WorkflowType: "order", ScheduleID: "sched-1",
		DelayUntil: time.Now().Add(-time.Minute),
	})
	repo := &fakeRepository{processCommand: func(ctx context.Context, wt, wid string, cmd fleuve.Command) (*fleuve.Result, error) {
		return nil, &ferrors.TransientInfraError{Component: "eventstore", Operation: "append"}
	}}
	s := New(Config{Store: store, Repository: repo})

	_, err := s.tick(context.Background())
	require.NoError(t, err, "tick logs per-schedule failures and continues rather than aborting the batch")
	assert.Empty(t, store.deleted)
	assert.Empty(t, store.upserted)
}

func TestNextCronFire_StepsFromNowNotFromPreviousFire(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC)
	next, err := nextCronFire("* * * * *", "", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC), next)
}

func TestNextCronFire_InvalidTimezoneErrors(t *testing.T) {
	_, err := nextCronFire("* * * * *", "Not/AZone", time.Now())
	assert.Error(t, err)
}

func TestRun_StopEndsLoopWithoutFurtherTicks(t *testing.T) {
	store := newFakeStore()
	repo := &fakeRepository{}
	s := New(Config{Store: store, Repository: repo, PollInterval: time.Hour})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	s.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
