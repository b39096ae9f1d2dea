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

// Package monitor implements the read-only HTTP monitoring server: health
// and metrics endpoints plus workflow/event inspection against the raw
// event store. It is tooling around the engine, not the engine itself —
// it never submits a command.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/doomervibe/fleuve/internal/log"
	"github.com/doomervibe/fleuve/internal/telemetry"
	"github.com/doomervibe/fleuve/pkg/ferrors"
	"github.com/doomervibe/fleuve/pkg/fleuve"
)

const (
	defaultEventPageSize = 100
	maxEventPageSize     = 1000
)

// eventReader is the slice of the event store the monitor depends on.
// fleuve.Repository.LoadState folds a snapshot forward through events
// into a concrete State, but doing that requires the caller's
// WorkflowType — something this binary, driven only by a connection
// string, never has. The monitor instead serves the same snapshot and
// event rows LoadState itself reads, undecoded, which keeps it usable
// against any application's event store without registering that
// application's domain types here.
type eventReader interface {
	ReadEvents(ctx context.Context, workflowType, workflowID string, afterVersion, uptoVersion int64) ([]fleuve.Event, error)
	LatestSnapshot(ctx context.Context, workflowType, workflowID string, atVersion int64) (*fleuve.Snapshot, error)
}

// Pinger reports whether the underlying store is reachable.
type Pinger func(ctx context.Context) error

// WakeupSubscriber opens a notification channel for one workflow type's
// wakeup subject plus a teardown func, mirroring internal/notify.Subscribe.
// Left nil (NATS_URL unset), the /watch endpoint is not registered.
type WakeupSubscriber func(workflowType string) (ch <-chan struct{}, unsubscribe func(), err error)

// Config configures a Server.
type Config struct {
	Events eventReader

	// MetricsHandler serves GET /metrics, typically
	// (*telemetry.OTelProvider).MetricsHandler(). Left nil, /metrics
	// responds 404 — tracing/metrics are opt-in per spec.md's
	// enable_tracing option.
	MetricsHandler http.Handler

	// Ping is consulted by /healthz; nil means "always healthy."
	Ping Pinger

	// Watch enables GET .../watch, an SSE stream that re-sends a
	// workflow's snapshot+events the moment a wakeup notification for its
	// workflow type arrives, instead of requiring the client to poll.
	Watch WakeupSubscriber

	Logger *slog.Logger
}

// Server is the monitoring HTTP API.
type Server struct {
	events  eventReader
	metrics http.Handler
	ping    Pinger
	watch   WakeupSubscriber
	rpcLog  *log.RPCMiddleware
	logger  *slog.Logger
}

// New builds a Server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		events:  cfg.Events,
		metrics: cfg.MetricsHandler,
		ping:    cfg.Ping,
		watch:   cfg.Watch,
		rpcLog:  log.NewRPCMiddleware(logger),
		logger:  logger,
	}
}

// Handler returns the complete routed http.Handler, wrapped in the same
// correlation ID, trace propagation, and request logging middleware every
// inbound HTTP boundary in this engine goes through. TracingMiddleware
// starts spans against whatever TracerProvider is globally registered —
// a no-op one unless enable_tracing wired a real exporter in, so this
// chain costs nothing when tracing is off.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	mux.HandleFunc("GET /api/workflows/{type}/{id}", s.handleWorkflow)
	mux.HandleFunc("GET /api/workflows/{type}/{id}/events", s.handleWorkflowEvents)
	if s.watch != nil {
		mux.HandleFunc("GET /api/workflows/{type}/{id}/watch", s.handleWatch)
	}

	var h http.Handler = s.withRPCLogging(mux)
	h = telemetry.TracingMiddleware(h)
	h = telemetry.HTTPMiddleware(h)
	h = telemetry.CorrelationMiddleware(h)
	return h
}

// withRPCLogging wraps next with internal/log's RPC-style request/response
// logging, treating each HTTP call into this read-only API as one RPC: the
// correlation ID set by CorrelationMiddleware doubles as the RPC's
// correlation ID, and the path pattern doubles as its message type.
func (s *Server) withRPCLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := &log.RPCRequest{
			MessageType:   r.Method + " " + r.URL.Path,
			CorrelationID: telemetry.FromContextOrEmpty(r.Context()).String(),
			RemoteAddr:    r.RemoteAddr,
		}
		wrapped := &statusCapturingWriter{ResponseWriter: w, statusCode: http.StatusOK}
		s.rpcLog.Handler(req, func() error {
			next.ServeHTTP(wrapped, r)
			if wrapped.statusCode >= 400 {
				return fmt.Errorf("http %d", wrapped.statusCode)
			}
			return nil
		})
	})
}

// statusCapturingWriter records the status code a handler wrote, so
// withRPCLogging can report the outcome of a request it does not otherwise
// inspect.
type statusCapturingWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusCapturingWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying ResponseWriter when it supports
// streaming, so handleWatch's SSE stream still flushes through this and
// telemetry's middleware wrappers.
func (w *statusCapturingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		if err := s.ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// workflowResponse mirrors what internal/repository.Repository itself
// reads before folding: the nearest snapshot at or before at_version (if
// any) and the raw events after it. Snapshot and events are left as the
// encoded bytes the application's Codec produced; this server never
// decodes them.
type workflowResponse struct {
	WorkflowType  string         `json:"workflow_type"`
	WorkflowID    string         `json:"workflow_id"`
	Version       int64          `json:"version"`
	SnapshotState []byte         `json:"snapshot_state,omitempty"`
	SnapshotType  fleuve.TypeTag `json:"snapshot_type,omitempty"`
	Events        []fleuve.Event `json:"events"`
}

func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowType := r.PathValue("type")
	workflowID := r.PathValue("id")

	atVersion := int64(0)
	if raw := r.URL.Query().Get("at_version"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "at_version must be an integer")
			return
		}
		atVersion = v
	}

	resp, found, err := s.loadWorkflow(r.Context(), workflowType, workflowID, atVersion)
	if err != nil {
		writeRepositoryError(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// loadWorkflow reads the nearest snapshot at or before atVersion (0 means
// latest) plus the events after it, shared by handleWorkflow and
// handleWatch.
func (s *Server) loadWorkflow(ctx context.Context, workflowType, workflowID string, atVersion int64) (workflowResponse, bool, error) {
	snap, err := s.events.LatestSnapshot(ctx, workflowType, workflowID, atVersion)
	if err != nil {
		return workflowResponse{}, false, err
	}

	fromVersion := int64(0)
	resp := workflowResponse{WorkflowType: workflowType, WorkflowID: workflowID}
	if snap != nil {
		fromVersion = snap.AtVersion
		resp.SnapshotState = snap.State
		resp.SnapshotType = snap.StateType
		resp.Version = snap.AtVersion
	}

	events, err := s.events.ReadEvents(ctx, workflowType, workflowID, fromVersion, atVersion)
	if err != nil {
		return workflowResponse{}, false, err
	}
	resp.Events = events
	if len(events) > 0 {
		resp.Version = events[len(events)-1].WorkflowVersion
	}

	return resp, snap != nil || len(events) > 0, nil
}

// handleWatch streams the workflow's current snapshot+events as an SSE
// event each time a wakeup notification for its workflow type arrives,
// so a dashboard can react to new events without polling. The initial
// send happens immediately on connect.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	workflowType := r.PathValue("type")
	workflowID := r.PathValue("id")

	wakeup, unsubscribe, err := s.watch(workflowType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer unsubscribe()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	send := func() error {
		resp, _, err := s.loadWorkflow(ctx, workflowType, workflowID, 0)
		if err != nil {
			return err
		}
		body, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", body); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := send(); err != nil {
		s.logger.Warn("watch: initial send failed", "workflow_type", workflowType, "workflow_id", workflowID, "error", err)
		return
	}

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-wakeup:
			if err := send(); err != nil {
				s.logger.Warn("watch: send failed", "workflow_type", workflowType, "workflow_id", workflowID, "error", err)
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

type eventsResponse struct {
	Events    []fleuve.Event `json:"events"`
	NextAfter int64          `json:"next_after,omitempty"`
}

func (s *Server) handleWorkflowEvents(w http.ResponseWriter, r *http.Request) {
	workflowType := r.PathValue("type")
	workflowID := r.PathValue("id")

	afterVersion := int64(0)
	if raw := r.URL.Query().Get("after"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after must be an integer")
			return
		}
		afterVersion = v
	}

	limit := defaultEventPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = v
	}
	if limit > maxEventPageSize {
		limit = maxEventPageSize
	}

	// ReadEvents takes an inclusive upper bound rather than a page size,
	// so request one page's worth past afterVersion and trim.
	events, err := s.events.ReadEvents(r.Context(), workflowType, workflowID, afterVersion, afterVersion+int64(limit))
	if err != nil {
		writeRepositoryError(w, err)
		return
	}

	resp := eventsResponse{Events: events}
	if len(events) > 0 {
		resp.NextAfter = events[len(events)-1].WorkflowVersion
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeRepositoryError(w http.ResponseWriter, err error) {
	var notFound *ferrors.NotFoundError
	if ferrors.As(err, &notFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
