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

// Package sqlite provides the single-node Event Store backend, backed by
// modernc.org/sqlite. Writers are serialized onto a single connection, so
// Append's version check and insert happen inside one transaction without
// needing a row lock.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/doomervibe/fleuve/internal/eventstore"
	"github.com/doomervibe/fleuve/pkg/ferrors"
	"github.com/doomervibe/fleuve/pkg/fleuve"
	_ "modernc.org/sqlite"
)

var _ eventstore.Store = (*Backend)(nil)

// Backend is a SQLite Event Store backend.
type Backend struct {
	db    *sql.DB
	codec fleuve.Codec
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path, e.g. "fleuve.db" or ":memory:".
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool

	// Codec marshals DelaySchedule.NextCommand for storage. Required.
	Codec fleuve.Codec
}

// New opens a SQLite Event Store, applying pragmas and running migrations.
func New(cfg Config) (*Backend, error) {
	if cfg.Codec == nil {
		return nil, &ferrors.ConfigurationError{Key: "codec", Reason: "sqlite.Config.Codec is required"}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes; one connection avoids SQLITE_BUSY churn
	// under concurrent Append calls from multiple goroutines.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db, codec: cfg.Codec}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sequences (
			workflow_type TEXT PRIMARY KEY,
			next_global_id INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_versions (
			workflow_type TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			PRIMARY KEY (workflow_type, workflow_id)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			workflow_type TEXT NOT NULL,
			global_id INTEGER NOT NULL,
			workflow_id TEXT NOT NULL,
			workflow_version INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			body BLOB NOT NULL,
			metadata TEXT,
			created_at TEXT NOT NULL,
			PRIMARY KEY (workflow_type, global_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_instance ON events(workflow_type, workflow_id, workflow_version)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			workflow_type TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			at_version INTEGER NOT NULL,
			state BLOB NOT NULL,
			state_type TEXT NOT NULL,
			PRIMARY KEY (workflow_type, workflow_id, at_version)
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			workflow_type TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			source_workflow TEXT NOT NULL,
			PRIMARY KEY (workflow_type, workflow_id, event_type, source_workflow)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_lookup ON subscriptions(event_type, source_workflow)`,
		`CREATE TABLE IF NOT EXISTS reader_offsets (
			reader_name TEXT PRIMARY KEY,
			last_global_id INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS activity_records (
			workflow_id TEXT NOT NULL,
			event_number INTEGER NOT NULL,
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			checkpoint TEXT,
			started_at TEXT,
			finished_at TEXT,
			last_attempt_at TEXT,
			runner_id TEXT,
			last_error TEXT,
			PRIMARY KEY (workflow_id, event_number)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_records_status ON activity_records(status, last_attempt_at)`,
		`CREATE TABLE IF NOT EXISTS delay_schedules (
			workflow_id TEXT NOT NULL,
			workflow_type TEXT NOT NULL,
			schedule_id TEXT NOT NULL,
			event_version INTEGER NOT NULL,
			delay_until TEXT NOT NULL,
			next_command_type TEXT,
			next_command_body BLOB,
			cron_expression TEXT,
			timezone TEXT,
			created_at TEXT NOT NULL,
			PRIMARY KEY (workflow_id, schedule_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_delay_schedules_due ON delay_schedules(delay_until)`,
	}
	for _, m := range migrations {
		if _, err := b.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Append implements eventstore.EventAppender.
func (b *Backend) Append(ctx context.Context, req eventstore.AppendRequest) (*eventstore.AppendResult, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &ferrors.TransientInfraError{Component: "eventstore", Operation: "append", Cause: err}
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM workflow_versions WHERE workflow_type = ? AND workflow_id = ?`,
		req.WorkflowType, req.WorkflowID,
	).Scan(&current)
	if err == sql.ErrNoRows {
		current = 0
	} else if err != nil {
		return nil, &ferrors.TransientInfraError{Component: "eventstore", Operation: "append", Cause: err}
	}

	if current != req.ExpectedPriorVersion {
		return nil, &ferrors.VersionConflictError{
			WorkflowType: req.WorkflowType,
			WorkflowID:   req.WorkflowID,
			Expected:     req.ExpectedPriorVersion,
			Actual:       current,
		}
	}

	var nextGlobalID int64
	err = tx.QueryRowContext(ctx, `SELECT next_global_id FROM sequences WHERE workflow_type = ?`, req.WorkflowType).Scan(&nextGlobalID)
	if err == sql.ErrNoRows {
		nextGlobalID = 1
		if _, err := tx.ExecContext(ctx, `INSERT INTO sequences (workflow_type, next_global_id) VALUES (?, ?)`, req.WorkflowType, nextGlobalID); err != nil {
			return nil, &ferrors.TransientInfraError{Component: "eventstore", Operation: "append", Cause: err}
		}
	} else if err != nil {
		return nil, &ferrors.TransientInfraError{Component: "eventstore", Operation: "append", Cause: err}
	}

	now := time.Now()
	persisted := make([]fleuve.Event, 0, len(req.Events))
	for i, e := range req.Events {
		globalID := nextGlobalID + int64(i)
		version := current + int64(i) + 1

		metaJSON, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal event metadata: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO events (workflow_type, global_id, workflow_id, workflow_version, event_type, schema_version, body, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, req.WorkflowType, globalID, req.WorkflowID, version, string(e.EventType), e.SchemaVersion, e.Body, string(metaJSON), now.Format(time.RFC3339Nano))
		if err != nil {
			return nil, &ferrors.TransientInfraError{Component: "eventstore", Operation: "append", Cause: err}
		}

		persisted = append(persisted, fleuve.Event{
			GlobalID:        globalID,
			WorkflowType:    req.WorkflowType,
			WorkflowID:      req.WorkflowID,
			WorkflowVersion: version,
			EventType:       e.EventType,
			SchemaVersion:   e.SchemaVersion,
			Body:            e.Body,
			Metadata:        e.Metadata,
			CreatedAt:       now,
		})
	}

	newVersion := current + int64(len(req.Events))

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_versions (workflow_type, workflow_id, version) VALUES (?, ?, ?)
		ON CONFLICT (workflow_type, workflow_id) DO UPDATE SET version = excluded.version
	`, req.WorkflowType, req.WorkflowID, newVersion); err != nil {
		return nil, &ferrors.TransientInfraError{Component: "eventstore", Operation: "append", Cause: err}
	}

	if len(req.Events) > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sequences SET next_global_id = ? WHERE workflow_type = ?
		`, nextGlobalID+int64(len(req.Events)), req.WorkflowType); err != nil {
			return nil, &ferrors.TransientInfraError{Component: "eventstore", Operation: "append", Cause: err}
		}
	}

	if req.Snapshot != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO snapshots (workflow_type, workflow_id, at_version, state, state_type) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (workflow_type, workflow_id, at_version) DO UPDATE SET state = excluded.state, state_type = excluded.state_type
		`, req.WorkflowType, req.WorkflowID, req.Snapshot.AtVersion, req.Snapshot.State, string(req.Snapshot.StateType)); err != nil {
			return nil, &ferrors.TransientInfraError{Component: "eventstore", Operation: "append", Cause: err}
		}
	}

	for _, sub := range req.SubscriptionAdds {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO subscriptions (workflow_type, workflow_id, event_type, source_workflow) VALUES (?, ?, ?, ?)
		`, req.WorkflowType, req.WorkflowID, sub.EventType, sub.SourceWorkflow); err != nil {
			return nil, &ferrors.TransientInfraError{Component: "eventstore", Operation: "append", Cause: err}
		}
	}
	for _, sub := range req.SubscriptionRemoves {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM subscriptions WHERE workflow_type = ? AND workflow_id = ? AND event_type = ? AND source_workflow = ?
		`, req.WorkflowType, req.WorkflowID, sub.EventType, sub.SourceWorkflow); err != nil {
			return nil, &ferrors.TransientInfraError{Component: "eventstore", Operation: "append", Cause: err}
		}
	}

	for i := range req.ScheduleUpserts {
		if err := b.upsertScheduleTx(ctx, tx, &req.ScheduleUpserts[i]); err != nil {
			return nil, err
		}
	}
	for _, scheduleID := range req.ScheduleDeletes {
		if err := b.deleteScheduleTx(ctx, tx, req.WorkflowID, scheduleID); err != nil {
			return nil, err
		}
	}

	if req.SyncDBWork != nil {
		if err := req.SyncDBWork(ctx, tx); err != nil {
			return nil, fmt.Errorf("sync_db_work: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, &ferrors.TransientInfraError{Component: "eventstore", Operation: "append", Cause: err}
	}

	return &eventstore.AppendResult{Events: persisted, NewVersion: newVersion}, nil
}

// ReadEvents implements eventstore.EventReader.
func (b *Backend) ReadEvents(ctx context.Context, workflowType, workflowID string, afterVersion, uptoVersion int64) ([]fleuve.Event, error) {
	query := `
		SELECT global_id, workflow_version, event_type, schema_version, body, metadata, created_at
		FROM events WHERE workflow_type = ? AND workflow_id = ? AND workflow_version > ?
	`
	args := []any{workflowType, workflowID, afterVersion}
	if uptoVersion > 0 {
		query += " AND workflow_version <= ?"
		args = append(args, uptoVersion)
	}
	query += " ORDER BY workflow_version ASC"

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &ferrors.TransientInfraError{Component: "eventstore", Operation: "read_events", Cause: err}
	}
	defer rows.Close()

	var events []fleuve.Event
	for rows.Next() {
		e := fleuve.Event{WorkflowType: workflowType, WorkflowID: workflowID}
		var eventType string
		var metaJSON sql.NullString
		var createdAt string
		if err := rows.Scan(&e.GlobalID, &e.WorkflowVersion, &eventType, &e.SchemaVersion, &e.Body, &metaJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.EventType = fleuve.TypeTag(eventType)
		if metaJSON.Valid && metaJSON.String != "" {
			json.Unmarshal([]byte(metaJSON.String), &e.Metadata)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

// LatestSnapshot implements eventstore.EventReader.
func (b *Backend) LatestSnapshot(ctx context.Context, workflowType, workflowID string, atVersion int64) (*fleuve.Snapshot, error) {
	query := `
		SELECT at_version, state, state_type FROM snapshots
		WHERE workflow_type = ? AND workflow_id = ?
	`
	args := []any{workflowType, workflowID}
	if atVersion > 0 {
		query += " AND at_version <= ?"
		args = append(args, atVersion)
	}
	query += " ORDER BY at_version DESC LIMIT 1"

	var snap fleuve.Snapshot
	snap.WorkflowID = workflowID
	var stateType string
	err := b.db.QueryRowContext(ctx, query, args...).Scan(&snap.AtVersion, &snap.State, &stateType)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &ferrors.TransientInfraError{Component: "eventstore", Operation: "latest_snapshot", Cause: err}
	}
	snap.StateType = fleuve.TypeTag(stateType)
	return &snap, nil
}

// Subscriptions implements eventstore.SubscriptionStore.
func (b *Backend) Subscriptions(ctx context.Context, workflowType, workflowID string) ([]fleuve.Subscription, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT event_type, source_workflow FROM subscriptions WHERE workflow_type = ? AND workflow_id = ?
	`, workflowType, workflowID)
	if err != nil {
		return nil, &ferrors.TransientInfraError{Component: "eventstore", Operation: "subscriptions", Cause: err}
	}
	defer rows.Close()

	var subs []fleuve.Subscription
	for rows.Next() {
		var s fleuve.Subscription
		if err := rows.Scan(&s.EventType, &s.SourceWorkflow); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// SubscribersOf implements eventstore.SubscriptionStore.
func (b *Backend) SubscribersOf(ctx context.Context, eventType, sourceWorkflow string) ([]eventstore.Subscriber, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT workflow_type, workflow_id FROM subscriptions
		WHERE event_type = ? AND (source_workflow = ? OR source_workflow = '*')
	`, eventType, sourceWorkflow)
	if err != nil {
		return nil, &ferrors.TransientInfraError{Component: "eventstore", Operation: "subscribers_of", Cause: err}
	}
	defer rows.Close()

	var subs []eventstore.Subscriber
	for rows.Next() {
		var s eventstore.Subscriber
		if err := rows.Scan(&s.WorkflowType, &s.WorkflowID); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// ScanGlobal implements eventstore.GlobalScanner.
func (b *Backend) ScanGlobal(ctx context.Context, workflowType string, afterGlobalID int64, limit int) ([]fleuve.Event, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT global_id, workflow_id, workflow_version, event_type, schema_version, body, metadata, created_at
		FROM events WHERE workflow_type = ? AND global_id > ?
		ORDER BY global_id ASC LIMIT ?
	`, workflowType, afterGlobalID, limit)
	if err != nil {
		return nil, &ferrors.TransientInfraError{Component: "eventstore", Operation: "scan_global", Cause: err}
	}
	defer rows.Close()

	var events []fleuve.Event
	for rows.Next() {
		e := fleuve.Event{WorkflowType: workflowType}
		var eventType string
		var metaJSON sql.NullString
		var createdAt string
		if err := rows.Scan(&e.GlobalID, &e.WorkflowID, &e.WorkflowVersion, &eventType, &e.SchemaVersion, &e.Body, &metaJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.EventType = fleuve.TypeTag(eventType)
		if metaJSON.Valid && metaJSON.String != "" {
			json.Unmarshal([]byte(metaJSON.String), &e.Metadata)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

// LoadOffset implements eventstore.OffsetStore.
func (b *Backend) LoadOffset(ctx context.Context, readerName string) (int64, error) {
	var lastGlobalID int64
	err := b.db.QueryRowContext(ctx, `SELECT last_global_id FROM reader_offsets WHERE reader_name = ?`, readerName).Scan(&lastGlobalID)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, &ferrors.TransientInfraError{Component: "eventstore", Operation: "load_offset", Cause: err}
	}
	return lastGlobalID, nil
}

// CommitOffset implements eventstore.OffsetStore.
func (b *Backend) CommitOffset(ctx context.Context, readerName string, lastGlobalID int64) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO reader_offsets (reader_name, last_global_id) VALUES (?, ?)
		ON CONFLICT (reader_name) DO UPDATE SET last_global_id = excluded.last_global_id
	`, readerName, lastGlobalID)
	if err != nil {
		return &ferrors.TransientInfraError{Component: "eventstore", Operation: "commit_offset", Cause: err}
	}
	return nil
}

// UpsertActivityRecord implements eventstore.ActivityRecordStore.
func (b *Backend) UpsertActivityRecord(ctx context.Context, rec *fleuve.ActivityRecord) error {
	checkpointJSON, err := json.Marshal(rec.Checkpoint)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO activity_records (workflow_id, event_number, status, retry_count, checkpoint, started_at, finished_at, last_attempt_at, runner_id, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id, event_number) DO UPDATE SET
			status = excluded.status, retry_count = excluded.retry_count, checkpoint = excluded.checkpoint,
			started_at = excluded.started_at, finished_at = excluded.finished_at,
			last_attempt_at = excluded.last_attempt_at, runner_id = excluded.runner_id, last_error = excluded.last_error
	`, rec.WorkflowID, rec.EventNumber, string(rec.Status), rec.RetryCount, string(checkpointJSON),
		formatTime(rec.StartedAt), formatTime(rec.FinishedAt), formatTime(rec.LastAttemptAt), rec.RunnerID, rec.LastError)
	if err != nil {
		return &ferrors.TransientInfraError{Component: "eventstore", Operation: "upsert_activity_record", Cause: err}
	}
	return nil
}

// GetActivityRecord implements eventstore.ActivityRecordStore.
func (b *Backend) GetActivityRecord(ctx context.Context, workflowID string, eventNumber int64) (*fleuve.ActivityRecord, error) {
	rec, err := scanActivityRecord(b.db.QueryRowContext(ctx, `
		SELECT workflow_id, event_number, status, retry_count, checkpoint, started_at, finished_at, last_attempt_at, runner_id, last_error
		FROM activity_records WHERE workflow_id = ? AND event_number = ?
	`, workflowID, eventNumber))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &ferrors.TransientInfraError{Component: "eventstore", Operation: "get_activity_record", Cause: err}
	}
	return rec, nil
}

// ListStaleRunningActivities implements eventstore.ActivityRecordStore.
func (b *Backend) ListStaleRunningActivities(ctx context.Context, olderThan time.Time) ([]fleuve.ActivityRecord, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT workflow_id, event_number, status, retry_count, checkpoint, started_at, finished_at, last_attempt_at, runner_id, last_error
		FROM activity_records WHERE status = ? AND last_attempt_at < ?
	`, string(fleuve.ActivityStatusRunning), olderThan.Format(time.RFC3339Nano))
	if err != nil {
		return nil, &ferrors.TransientInfraError{Component: "eventstore", Operation: "list_stale_running_activities", Cause: err}
	}
	defer rows.Close()

	var records []fleuve.ActivityRecord
	for rows.Next() {
		var checkpointJSON, startedAt, finishedAt, lastAttemptAt sql.NullString
		var runnerID, lastError sql.NullString
		var rec fleuve.ActivityRecord
		var status string
		if err := rows.Scan(&rec.WorkflowID, &rec.EventNumber, &status, &rec.RetryCount, &checkpointJSON,
			&startedAt, &finishedAt, &lastAttemptAt, &runnerID, &lastError); err != nil {
			return nil, fmt.Errorf("scan activity record: %w", err)
		}
		rec.Status = fleuve.ActivityStatus(status)
		if checkpointJSON.Valid && checkpointJSON.String != "" {
			json.Unmarshal([]byte(checkpointJSON.String), &rec.Checkpoint)
		}
		rec.StartedAt = parseTime(startedAt)
		rec.FinishedAt = parseTime(finishedAt)
		rec.LastAttemptAt = parseTime(lastAttemptAt)
		rec.RunnerID = runnerID.String
		rec.LastError = lastError.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UpsertSchedule implements eventstore.ScheduleStore.
func (b *Backend) UpsertSchedule(ctx context.Context, sched *fleuve.DelaySchedule) error {
	return b.upsertScheduleTx(ctx, b.db, sched)
}

func (b *Backend) upsertScheduleTx(ctx context.Context, tx eventstore.DBTX, sched *fleuve.DelaySchedule) error {
	var cmdType string
	var cmdBody []byte
	if sched.NextCommand != nil {
		cmdType = string(sched.NextCommand.TypeTag())
		body, err := b.codec.Marshal(sched.NextCommand)
		if err != nil {
			return fmt.Errorf("marshal next_command: %w", err)
		}
		cmdBody = body
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO delay_schedules (workflow_id, workflow_type, schedule_id, event_version, delay_until, next_command_type, next_command_body, cron_expression, timezone, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id, schedule_id) DO UPDATE SET
			event_version = excluded.event_version, delay_until = excluded.delay_until,
			next_command_type = excluded.next_command_type, next_command_body = excluded.next_command_body,
			cron_expression = excluded.cron_expression, timezone = excluded.timezone
	`, sched.WorkflowID, sched.WorkflowType, sched.ScheduleID, sched.EventVersion, sched.DelayUntil.Format(time.RFC3339Nano),
		cmdType, cmdBody, sched.CronExpression, sched.Timezone, sched.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return &ferrors.TransientInfraError{Component: "eventstore", Operation: "upsert_schedule", Cause: err}
	}
	return nil
}

// DeleteSchedule implements eventstore.ScheduleStore.
func (b *Backend) DeleteSchedule(ctx context.Context, workflowID, scheduleID string) error {
	return b.deleteScheduleTx(ctx, b.db, workflowID, scheduleID)
}

func (b *Backend) deleteScheduleTx(ctx context.Context, tx eventstore.DBTX, workflowID, scheduleID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM delay_schedules WHERE workflow_id = ? AND schedule_id = ?`, workflowID, scheduleID)
	if err != nil {
		return &ferrors.TransientInfraError{Component: "eventstore", Operation: "delete_schedule", Cause: err}
	}
	return nil
}

// DueSchedules implements eventstore.ScheduleStore.
func (b *Backend) DueSchedules(ctx context.Context, now time.Time, limit int) ([]fleuve.DelaySchedule, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT workflow_id, workflow_type, schedule_id, event_version, delay_until, next_command_type, next_command_body, cron_expression, timezone, created_at
		FROM delay_schedules WHERE delay_until <= ? ORDER BY delay_until ASC LIMIT ?
	`, now.Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, &ferrors.TransientInfraError{Component: "eventstore", Operation: "due_schedules", Cause: err}
	}
	defer rows.Close()

	var schedules []fleuve.DelaySchedule
	for rows.Next() {
		var sched fleuve.DelaySchedule
		var delayUntil, createdAt string
		var cmdType sql.NullString
		var cmdBody []byte
		if err := rows.Scan(&sched.WorkflowID, &sched.WorkflowType, &sched.ScheduleID, &sched.EventVersion, &delayUntil,
			&cmdType, &cmdBody, &sched.CronExpression, &sched.Timezone, &createdAt); err != nil {
			return nil, fmt.Errorf("scan delay schedule: %w", err)
		}
		sched.DelayUntil, _ = time.Parse(time.RFC3339Nano, delayUntil)
		sched.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if cmdType.Valid && cmdType.String != "" && len(cmdBody) > 0 {
			cmd, err := b.codec.Unmarshal(cmdBody, fleuve.TypeTag(cmdType.String))
			if err != nil {
				return nil, fmt.Errorf("unmarshal next_command: %w", err)
			}
			sched.NextCommand = cmd
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

// MinObservedOffset implements eventstore.Truncator.
func (b *Backend) MinObservedOffset(ctx context.Context, workflowType string) (int64, error) {
	var minOffset sql.NullInt64
	err := b.db.QueryRowContext(ctx, `
		SELECT MIN(last_global_id) FROM reader_offsets WHERE reader_name LIKE ? || '.%'
	`, workflowType).Scan(&minOffset)
	if err != nil {
		return 0, &ferrors.TransientInfraError{Component: "eventstore", Operation: "min_observed_offset", Cause: err}
	}
	if !minOffset.Valid {
		return 0, nil
	}
	return minOffset.Int64, nil
}

// TruncateEvents implements eventstore.Truncator.
func (b *Backend) TruncateEvents(ctx context.Context, workflowType string, beforeGlobalID int64, batchSize int) (int, error) {
	result, err := b.db.ExecContext(ctx, `
		DELETE FROM events WHERE rowid IN (
			SELECT rowid FROM events WHERE workflow_type = ? AND global_id < ? LIMIT ?
		)
	`, workflowType, beforeGlobalID, batchSize)
	if err != nil {
		return 0, &ferrors.TransientInfraError{Component: "eventstore", Operation: "truncate_events", Cause: err}
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// Ping reports whether the database connection is reachable, for the
// monitoring server's /healthz check.
func (b *Backend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func scanActivityRecord(row *sql.Row) (*fleuve.ActivityRecord, error) {
	var checkpointJSON, startedAt, finishedAt, lastAttemptAt sql.NullString
	var runnerID, lastError sql.NullString
	var rec fleuve.ActivityRecord
	var status string
	if err := row.Scan(&rec.WorkflowID, &rec.EventNumber, &status, &rec.RetryCount, &checkpointJSON,
		&startedAt, &finishedAt, &lastAttemptAt, &runnerID, &lastError); err != nil {
		return nil, err
	}
	rec.Status = fleuve.ActivityStatus(status)
	if checkpointJSON.Valid && checkpointJSON.String != "" {
		json.Unmarshal([]byte(checkpointJSON.String), &rec.Checkpoint)
	}
	rec.StartedAt = parseTime(startedAt)
	rec.FinishedAt = parseTime(finishedAt)
	rec.LastAttemptAt = parseTime(lastAttemptAt)
	rec.RunnerID = runnerID.String
	rec.LastError = lastError.String
	return &rec, nil
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s.String)
	return t
}
