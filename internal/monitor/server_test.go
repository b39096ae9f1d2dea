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

package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doomervibe/fleuve/pkg/ferrors"
	"github.com/doomervibe/fleuve/pkg/fleuve"
)

type fakeEventReader struct {
	snapshots map[string]*fleuve.Snapshot
	events    map[string][]fleuve.Event
	err       error
}

func newFakeEventReader() *fakeEventReader {
	return &fakeEventReader{
		snapshots: map[string]*fleuve.Snapshot{},
		events:    map[string][]fleuve.Event{},
	}
}

func (f *fakeEventReader) ReadEvents(ctx context.Context, workflowType, workflowID string, afterVersion, uptoVersion int64) ([]fleuve.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []fleuve.Event
	for _, e := range f.events[workflowID] {
		if e.WorkflowVersion <= afterVersion {
			continue
		}
		if uptoVersion > 0 && e.WorkflowVersion > uptoVersion {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeEventReader) LatestSnapshot(ctx context.Context, workflowType, workflowID string, atVersion int64) (*fleuve.Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.snapshots[workflowID], nil
}

func TestHandleHealthz_NoPingerIsAlwaysOK(t *testing.T) {
	s := New(Config{Events: newFakeEventReader()})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleHealthz_PingerFailureReturnsUnavailable(t *testing.T) {
	s := New(Config{Events: newFakeEventReader(), Ping: func(ctx context.Context) error {
		return errors.New("db unreachable")
	}})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleWorkflow_NotFoundWhenNoSnapshotOrEvents(t *testing.T) {
	s := New(Config{Events: newFakeEventReader()})

	req := httptest.NewRequest(http.MethodGet, "/api/workflows/order/missing", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleWorkflow_ReturnsSnapshotAndTrailingEvents(t *testing.T) {
	reader := newFakeEventReader()
	reader.snapshots["o-1"] = &fleuve.Snapshot{WorkflowID: "o-1", AtVersion: 2, State: []byte(`{"status":"placed"}`), StateType: "order.state"}
	reader.events["o-1"] = []fleuve.Event{
		{WorkflowID: "o-1", WorkflowVersion: 3, EventType: "order.shipped"},
	}
	s := New(Config{Events: reader})

	req := httptest.NewRequest(http.MethodGet, "/api/workflows/order/o-1", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp workflowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(3), resp.Version)
	assert.Equal(t, fleuve.TypeTag("order.state"), resp.SnapshotType)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, fleuve.TypeTag("order.shipped"), resp.Events[0].EventType)
}

func TestHandleWorkflow_InvalidAtVersionIsBadRequest(t *testing.T) {
	s := New(Config{Events: newFakeEventReader()})

	req := httptest.NewRequest(http.MethodGet, "/api/workflows/order/o-1?at_version=nope", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleWorkflow_StoreErrorIsInternalError(t *testing.T) {
	reader := newFakeEventReader()
	reader.err = ferrors.New("store unavailable")
	s := New(Config{Events: reader})

	req := httptest.NewRequest(http.MethodGet, "/api/workflows/order/o-1", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleWorkflowEvents_PaginatesByVersion(t *testing.T) {
	reader := newFakeEventReader()
	reader.events["o-1"] = []fleuve.Event{
		{WorkflowID: "o-1", WorkflowVersion: 1, EventType: "order.placed"},
		{WorkflowID: "o-1", WorkflowVersion: 2, EventType: "order.paid"},
		{WorkflowID: "o-1", WorkflowVersion: 3, EventType: "order.shipped"},
	}
	s := New(Config{Events: reader})

	req := httptest.NewRequest(http.MethodGet, "/api/workflows/order/o-1/events?after=0&limit=2", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp eventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 2)
	assert.Equal(t, int64(2), resp.NextAfter)
}

func TestHandleWorkflowEvents_LimitClampedToMax(t *testing.T) {
	reader := newFakeEventReader()
	s := New(Config{Events: reader})

	req := httptest.NewRequest(http.MethodGet, "/api/workflows/order/o-1/events?limit=999999", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleWorkflowEvents_InvalidLimitIsBadRequest(t *testing.T) {
	s := New(Config{Events: newFakeEventReader()})

	req := httptest.NewRequest(http.MethodGet, "/api/workflows/order/o-1/events?limit=0", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_MetricsNotRegisteredWhenNilHandler(t *testing.T) {
	s := New(Config{Events: newFakeEventReader()})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_WatchNotRegisteredWhenNilWatch(t *testing.T) {
	s := New(Config{Events: newFakeEventReader()})

	req := httptest.NewRequest(http.MethodGet, "/api/workflows/order/o-1/watch", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleWatch_SendsInitialSnapshotThenResendsOnWakeup(t *testing.T) {
	reader := newFakeEventReader()
	reader.events["o-1"] = []fleuve.Event{
		{WorkflowID: "o-1", WorkflowVersion: 1, EventType: "order.placed"},
	}

	wakeup := make(chan struct{}, 1)
	unsubscribed := false
	watch := func(workflowType string) (<-chan struct{}, func(), error) {
		assert.Equal(t, "order", workflowType)
		return wakeup, func() { unsubscribed = true }, nil
	}
	s := New(Config{Events: reader, Watch: watch})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/workflows/order/o-1/watch", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.Handler().ServeHTTP(rec, req)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return strings.Count(rec.Body.String(), "data: ") >= 1
	}, 2*time.Second, 5*time.Millisecond, "initial snapshot was never sent")

	wakeup <- struct{}{}

	require.Eventually(t, func() bool {
		return strings.Count(rec.Body.String(), "data: ") >= 2
	}, 2*time.Second, 5*time.Millisecond, "wakeup did not trigger a resend")

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handleWatch did not return after context cancellation")
	}
	assert.True(t, unsubscribed, "handleWatch must tear down its subscription on disconnect")
}

func TestHandleWatch_SubscribeErrorIsInternalError(t *testing.T) {
	s := New(Config{Events: newFakeEventReader(), Watch: func(string) (<-chan struct{}, func(), error) {
		return nil, nil, errors.New("nats unavailable")
	}})

	req := httptest.NewRequest(http.MethodGet, "/api/workflows/order/o-1/watch", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
