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

package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// withGlobalPropagator installs propagator as the global TextMapPropagator
// for the duration of a test and restores whatever was set before.
func withGlobalPropagator(t *testing.T, propagator propagation.TextMapPropagator) {
	t.Helper()
	prior := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagator)
	t.Cleanup(func() { otel.SetTextMapPropagator(prior) })
}

func TestInjectExtractHTTPHeaders_RoundTrip(t *testing.T) {
	withGlobalPropagator(t, W3CPropagator())

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(t.Context())

	ctx, span := tp.Tracer("test").Start(t.Context(), "client-call")
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	InjectHTTPHeaders(ctx, req)
	span.End()

	require.NotEmpty(t, req.Header.Get("traceparent"))

	extracted := ExtractHTTPHeaders(t.Context(), req)
	extractedSpan := sdktrace.SpanFromContext(extracted)
	assert.Equal(t, span.SpanContext().TraceID(), extractedSpan.SpanContext().TraceID())
}

func TestHTTPMiddleware_ExtractsIncomingTraceContext(t *testing.T) {
	withGlobalPropagator(t, W3CPropagator())

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(t.Context())

	ctx, clientSpan := tp.Tracer("test").Start(t.Context(), "upstream-call")
	outbound := httptest.NewRequest(http.MethodGet, "/test", nil)
	InjectHTTPHeaders(ctx, outbound)
	clientSpan.End()

	var gotTraceID string
	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTraceID = sdktrace.SpanFromContext(r.Context()).SpanContext().TraceID().String()
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, outbound)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, clientSpan.SpanContext().TraceID().String(), gotTraceID)
}

func TestTracingMiddleware_StartsSpanPerRequest(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(t.Context())

	prior := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prior) })

	handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.NoError(t, tp.ForceFlush(t.Context()))
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /missing", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, http.StatusText(http.StatusNotFound), spans[0].Status.Description)
}

func TestTracingMiddleware_FlushForwardsToUnderlyingWriter(t *testing.T) {
	flushed := false
	handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}))

	rec := httptest.NewRecorder()
	flushable := &flushRecorder{ResponseRecorder: rec, onFlush: func() { flushed = true }}
	handler.ServeHTTP(flushable, httptest.NewRequest(http.MethodGet, "/stream", nil))

	assert.True(t, flushed, "Flush must reach the underlying ResponseWriter through TracingMiddleware's wrapper")
}

type flushRecorder struct {
	*httptest.ResponseRecorder
	onFlush func()
}

func (f *flushRecorder) Flush() {
	f.onFlush()
	f.ResponseRecorder.Flush()
}
