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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/doomervibe/fleuve/internal/config"
	"github.com/doomervibe/fleuve/internal/eventstore/postgres"
	"github.com/doomervibe/fleuve/internal/eventstore/sqlite"
	"github.com/doomervibe/fleuve/internal/log"
	"github.com/doomervibe/fleuve/internal/monitor"
	"github.com/doomervibe/fleuve/internal/notify"
	"github.com/doomervibe/fleuve/internal/telemetry"
	"github.com/doomervibe/fleuve/pkg/ferrors"
	"github.com/doomervibe/fleuve/pkg/fleuve"
)

const defaultAddr = "0.0.0.0:8001"

// eventReader is the slice of an Event Store backend the monitor needs;
// both internal/eventstore/sqlite.Backend and .../postgres.Backend
// satisfy it without any adapter.
type eventReader interface {
	ReadEvents(ctx context.Context, workflowType, workflowID string, afterVersion, uptoVersion int64) ([]fleuve.Event, error)
	LatestSnapshot(ctx context.Context, workflowType, workflowID string, atVersion int64) (*fleuve.Snapshot, error)
}

type eventStoreBackend interface {
	eventReader
	Ping(ctx context.Context) error
	Close() error
}

func newUICommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "ui",
		Short: "Start the read-only monitoring server",
		Long: `ui starts an HTTP server exposing liveness, Prometheus metrics, and
workflow/event inspection endpoints against the Event Store selected by
DATABASE_URL. It never submits a command — tooling around the engine,
not the engine itself.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUI(addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", defaultAddr, "address to listen on")
	return cmd
}

func runUI(addr string) error {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load("")
	if err != nil {
		return err
	}

	backend, err := openEventStore(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := backend.Close(); closeErr != nil {
			logger.Warn("event store close failed", "error", closeErr)
		}
	}()

	// enable_tracing gates span production, not metrics: the Prometheus
	// exporter and /metrics endpoint are always live, but the tracer
	// provider samples nothing unless the operator opted in, so
	// TracingMiddleware's spans (and the Tracer an embedding application
	// would thread into Repository/Runner/Executor/Scheduler) are a real
	// no-op until then.
	var traceOpts []sdktrace.TracerProviderOption
	if !cfg.EnableTracing {
		traceOpts = append(traceOpts, sdktrace.WithSampler(sdktrace.NeverSample()))
	}
	provider, err := telemetry.NewOTelProvider("fleuve-ui", version, traceOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := provider.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("telemetry shutdown failed", "error", shutdownErr)
		}
	}()

	var natsConn *nats.Conn
	var watch monitor.WakeupSubscriber
	if cfg.NATSURL != "" {
		natsConn, err = notify.Connect(cfg.NATSURL, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer natsConn.Close()
		watch = func(workflowType string) (<-chan struct{}, func(), error) {
			return notify.Subscribe(natsConn, workflowType)
		}
	}

	server := monitor.New(monitor.Config{
		Events:         backend,
		MetricsHandler: provider.MetricsHandler(),
		Ping:           backend.Ping,
		Watch:          watch,
		Logger:         logger,
	})

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	logger.Info("fleuve ui starting", "addr", ln.Addr().String(), "database_url", redactDSN(cfg.DatabaseURL))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.Serve(ln) }()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("monitoring server failed: %w", err)
		}
		return nil
	}
}

// openEventStore selects the Event Store backend by DATABASE_URL's scheme.
// This binary never registers application workflow types, so it builds a
// Codec against an empty TypeRegistry — the monitoring server only ever
// serves snapshot/event bytes undecoded, so no type ever needs to round
// trip through it.
func openEventStore(databaseURL string) (eventStoreBackend, error) {
	codec := fleuve.NewJSONCodec(fleuve.NewTypeRegistry())

	switch {
	case strings.HasPrefix(databaseURL, "sqlite://"):
		path := strings.TrimPrefix(databaseURL, "sqlite://")
		return sqlite.New(sqlite.Config{Path: path, WAL: true, Codec: codec})
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return postgres.New(postgres.Config{
			ConnectionString: databaseURL,
			MaxOpenConns:     10,
			MaxIdleConns:     5,
			ConnMaxLifetime:  30 * time.Minute,
			Codec:            codec,
		})
	default:
		return nil, &ferrors.ConfigurationError{
			Key:    "database_url",
			Reason: fmt.Sprintf("unrecognized scheme in %q, expected sqlite:// or postgres://", databaseURL),
		}
	}
}

// redactDSN drops userinfo from a connection string before it is logged.
func redactDSN(dsn string) string {
	idx := strings.Index(dsn, "@")
	schemeEnd := strings.Index(dsn, "://")
	if idx == -1 || schemeEnd == -1 || idx < schemeEnd {
		return dsn
	}
	return dsn[:schemeEnd+3] + "***" + dsn[idx:]
}
