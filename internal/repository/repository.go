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

// Package repository implements fleuve.Repository: the single entry point
// for command submission and replay. CreateNew and ProcessCommand each run
// the full load/decide/evolve/persist cycle inside one per-workflow_id
// critical section; unrelated workflow instances proceed concurrently.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/doomervibe/fleuve/internal/eventstore"
	"github.com/doomervibe/fleuve/internal/statecache"
	"github.com/doomervibe/fleuve/internal/telemetry"
	"github.com/doomervibe/fleuve/pkg/ferrors"
	"github.com/doomervibe/fleuve/pkg/fleuve"
)

// maxVersionConflictRetries bounds how many times ProcessCommand re-runs
// load/decide/persist after losing an optimistic-concurrency race, before
// surfacing the raw VersionConflictError to its caller. Per spec §7, the
// Repository is the retry boundary for VersionConflict; a caller should
// only ever see one when the workflow is genuinely this contended.
const maxVersionConflictRetries = 3

var _ fleuve.Repository = (*Repository)(nil)

// Notifier is invoked after a successful append so a low-latency wakeup
// channel can nudge idle Stream Readers instead of waiting out their poll
// interval. It must not block; Repository does not wait for it to return
// and ignores anything it returns.
type Notifier func(workflowType string)

// Config wires a Repository to its Event Store, State Cache, registered
// workflow types, and snapshot cadence.
type Config struct {
	Store eventstore.Store
	Cache statecache.Cache
	Codec fleuve.Codec

	// Types are the workflow types this Repository serves, each keyed by
	// its own Name().
	Types []fleuve.WorkflowType

	// SnapshotInterval is the number of domain-and-system events between
	// snapshots; 0 disables snapshotting.
	SnapshotInterval int

	// Notifier is optional; nil disables the wakeup channel entirely.
	Notifier Notifier

	// SyncDBWork lets a workflow type run its own writes inside the same
	// transaction as an Append, keyed by WorkflowType.Name(). The public
	// Repository interface takes no per-call hook, so this is the only
	// place to wire one in.
	SyncDBWork map[string]eventstore.SyncDBWork

	Logger *slog.Logger

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time

	// Tracer starts the repository.command span wrapping CreateNew and
	// ProcessCommand. Nil when enable_tracing is false; every span call
	// this package makes is nil-safe and becomes a no-op.
	Tracer trace.Tracer

	// Metrics records fleuve_commands_total/fleuve_events_total. Nil
	// disables metrics recording.
	Metrics *telemetry.MetricsCollector
}

// Repository implements fleuve.Repository.
type Repository struct {
	store            eventstore.Store
	cache            statecache.Cache
	codec            fleuve.Codec
	types            map[string]fleuve.WorkflowType
	snapshotInterval int64
	notifier         Notifier
	syncDBWork       map[string]eventstore.SyncDBWork
	locks            *lockManager
	logger           *slog.Logger
	now              func() time.Time
	tracer           trace.Tracer
	metrics          *telemetry.MetricsCollector
}

// New builds a Repository. The Event Store, State Cache, and Codec are
// required; at least one workflow type must be registered.
func New(cfg Config) (*Repository, error) {
	if cfg.Store == nil {
		return nil, &ferrors.ConfigurationError{Key: "store", Reason: "event store is required"}
	}
	if cfg.Cache == nil {
		return nil, &ferrors.ConfigurationError{Key: "cache", Reason: "state cache is required"}
	}
	if cfg.Codec == nil {
		return nil, &ferrors.ConfigurationError{Key: "codec", Reason: "codec is required"}
	}
	if len(cfg.Types) == 0 {
		return nil, &ferrors.ConfigurationError{Key: "types", Reason: "at least one workflow type must be registered"}
	}

	types := make(map[string]fleuve.WorkflowType, len(cfg.Types))
	for _, wt := range cfg.Types {
		if wt == nil {
			continue
		}
		if _, exists := types[wt.Name()]; exists {
			return nil, &ferrors.ConfigurationError{Key: "types", Reason: fmt.Sprintf("duplicate workflow type %q", wt.Name())}
		}
		types[wt.Name()] = wt
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	distributed, _ := cfg.Store.(eventstore.DistributedLocker)

	return &Repository{
		store:            cfg.Store,
		cache:            cfg.Cache,
		codec:            cfg.Codec,
		types:            types,
		snapshotInterval: int64(cfg.SnapshotInterval),
		notifier:         cfg.Notifier,
		syncDBWork:       cfg.SyncDBWork,
		locks:            newLockManager(distributed),
		logger:           logger.With("component", "repository"),
		now:              now,
		tracer:           cfg.Tracer,
		metrics:          cfg.Metrics,
	}, nil
}

func (r *Repository) workflowType(name string) (fleuve.WorkflowType, error) {
	wt, ok := r.types[name]
	if !ok {
		return nil, &ferrors.ConfigurationError{Key: "workflow_type", Reason: fmt.Sprintf("no workflow type registered for %q", name)}
	}
	return wt, nil
}

// CreateNew implements fleuve.Repository.
func (r *Repository) CreateNew(ctx context.Context, workflowType, workflowID string, cmd fleuve.Command) (*fleuve.Result, error) {
	wt, err := r.workflowType(workflowType)
	if err != nil {
		return nil, err
	}

	start := r.now()
	ctx, span := telemetry.StartCommand(ctx, r.tracer, workflowType, workflowID, string(cmd.TypeTag()))
	defer span.End()

	result, err := r.createNewLocked(ctx, wt, workflowType, workflowID, cmd)
	span.RecordError(err)
	r.recordCommand(ctx, workflowType, start, result, err)
	return result, err
}

func (r *Repository) createNewLocked(ctx context.Context, wt fleuve.WorkflowType, workflowType, workflowID string, cmd fleuve.Command) (*fleuve.Result, error) {
	release, err := r.locks.lock(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	defer release()

	fs, version, err := r.load(ctx, wt, workflowID)
	if err != nil {
		return nil, err
	}
	if version != 0 {
		return nil, &ferrors.LifecycleRejectionError{WorkflowType: workflowType, WorkflowID: workflowID, State: "already_exists"}
	}

	if initer, ok := wt.(fleuve.InitialState); ok {
		fs.State = initer.InitialState()
	}
	fs.Lifecycle = fleuve.LifecycleActive

	events, err := wt.Decide(fs.State, cmd)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, &ferrors.RejectionError{WorkflowType: workflowType, CommandType: string(cmd.TypeTag()), Reason: "create_new produced no events"}
	}

	return r.persist(ctx, wt, workflowID, fs, 0, events)
}

// ProcessCommand implements fleuve.Repository.
func (r *Repository) ProcessCommand(ctx context.Context, workflowType, workflowID string, cmd fleuve.Command) (*fleuve.Result, error) {
	wt, err := r.workflowType(workflowType)
	if err != nil {
		return nil, err
	}

	start := r.now()
	ctx, span := telemetry.StartCommand(ctx, r.tracer, workflowType, workflowID, string(cmd.TypeTag()))
	defer span.End()

	result, err := r.processCommandLocked(ctx, wt, workflowType, workflowID, cmd)
	span.RecordError(err)
	r.recordCommand(ctx, workflowType, start, result, err)
	return result, err
}

// processCommandLocked runs load/decide/persist inside workflowID's
// critical section, retrying the whole cycle against the refreshed state
// when persist loses an optimistic-concurrency race. The per-workflow
// in-process lock already prevents this within one Repository, so a
// retry here only ever fires against a distributed store backend (the
// Postgres advisory-lock path) where a sibling process holds the write.
func (r *Repository) processCommandLocked(ctx context.Context, wt fleuve.WorkflowType, workflowType, workflowID string, cmd fleuve.Command) (*fleuve.Result, error) {
	release, err := r.locks.lock(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	defer release()

	for attempt := 0; ; attempt++ {
		fs, version, err := r.load(ctx, wt, workflowID)
		if err != nil {
			return nil, err
		}
		if version == 0 {
			return nil, &ferrors.LifecycleRejectionError{WorkflowType: workflowType, WorkflowID: workflowID, State: "not_found"}
		}

		if !fleuve.IsSystemEventType(cmd.TypeTag()) {
			switch fs.Lifecycle {
			case fleuve.LifecyclePaused:
				return nil, &ferrors.LifecycleRejectionError{WorkflowType: workflowType, WorkflowID: workflowID, State: "paused"}
			case fleuve.LifecycleCancelled:
				return nil, &ferrors.LifecycleRejectionError{WorkflowType: workflowType, WorkflowID: workflowID, State: "cancelled"}
			}
		}

		events, err := wt.Decide(fs.State, cmd)
		if err != nil {
			return nil, err
		}

		result, err := r.persist(ctx, wt, workflowID, fs, version, events)
		if err == nil {
			return result, nil
		}
		if ferrors.IsVersionConflict(err) && attempt < maxVersionConflictRetries {
			r.logger.Warn("version conflict, re-deciding against refreshed state",
				"workflow_type", workflowType, "workflow_id", workflowID, "attempt", attempt+1)
			continue
		}
		return nil, err
	}
}

// recordCommand records fleuve_commands_total/fleuve_command_duration_seconds
// and, on success, fleuve_events_total. A no-op when Metrics is nil.
func (r *Repository) recordCommand(ctx context.Context, workflowType string, start time.Time, result *fleuve.Result, err error) {
	if r.metrics == nil {
		return
	}

	outcome := "applied"
	switch {
	case err == nil:
		outcome = "applied"
	case ferrors.IsVersionConflict(err):
		outcome = "version_conflict"
	case ferrors.IsRejection(err):
		outcome = "rejected"
	default:
		outcome = "error"
	}
	r.metrics.RecordCommand(ctx, workflowType, outcome, r.now().Sub(start))

	if err == nil && result != nil {
		r.metrics.RecordEvents(ctx, workflowType, len(result.Events))
	}
}

// PauseWorkflow implements fleuve.Repository.
func (r *Repository) PauseWorkflow(ctx context.Context, workflowType, workflowID string) (*fleuve.Result, error) {
	return r.applySystemEvent(ctx, workflowType, workflowID, fleuve.PauseEvent{})
}

// ResumeWorkflow implements fleuve.Repository.
func (r *Repository) ResumeWorkflow(ctx context.Context, workflowType, workflowID string) (*fleuve.Result, error) {
	return r.applySystemEvent(ctx, workflowType, workflowID, fleuve.ResumeEvent{})
}

// CancelWorkflow implements fleuve.Repository.
func (r *Repository) CancelWorkflow(ctx context.Context, workflowType, workflowID, reason string) (*fleuve.Result, error) {
	return r.applySystemEvent(ctx, workflowType, workflowID, fleuve.CancelEvent{Reason: reason})
}

func (r *Repository) applySystemEvent(ctx context.Context, workflowType, workflowID string, event fleuve.DomainEvent) (*fleuve.Result, error) {
	wt, err := r.workflowType(workflowType)
	if err != nil {
		return nil, err
	}

	release, err := r.locks.lock(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	defer release()

	fs, version, err := r.load(ctx, wt, workflowID)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, &ferrors.LifecycleRejectionError{WorkflowType: workflowType, WorkflowID: workflowID, State: "not_found"}
	}
	if event.TypeTag() == fleuve.SysResume && fs.Lifecycle == fleuve.LifecycleCancelled {
		return nil, &ferrors.LifecycleRejectionError{WorkflowType: workflowType, WorkflowID: workflowID, State: "cancelled"}
	}

	return r.persist(ctx, wt, workflowID, fs, version, []fleuve.DomainEvent{event})
}

// LoadState implements fleuve.Repository. atVersion of 0 means the latest
// version, served from cache when possible.
func (r *Repository) LoadState(ctx context.Context, workflowType, workflowID string, atVersion int64) (fleuve.State, int64, error) {
	wt, err := r.workflowType(workflowType)
	if err != nil {
		return nil, 0, err
	}

	if atVersion <= 0 {
		if entry, found, err := r.cache.Get(ctx, wt.Name(), workflowID); err == nil && found {
			if fs, decErr := decodeFolded(r.codec, entry.State); decErr == nil {
				return fs.State, entry.Version, nil
			}
		}
	}

	fs, version, err := r.loadFromStore(ctx, wt, workflowID, atVersion)
	if err != nil {
		return nil, 0, err
	}
	if version == 0 {
		return nil, 0, &ferrors.NotFoundError{Resource: "workflow", ID: workflowID}
	}
	return fs.State, version, nil
}

// load returns the current folded state, preferring the State Cache and
// falling back to the Event Store on a miss or an undecodable entry.
func (r *Repository) load(ctx context.Context, wt fleuve.WorkflowType, workflowID string) (foldedState, int64, error) {
	entry, found, err := r.cache.Get(ctx, wt.Name(), workflowID)
	if err != nil {
		r.logger.Warn("state cache get failed, falling back to store", "workflow_type", wt.Name(), "workflow_id", workflowID, "error", err)
	} else if found {
		if fs, decErr := decodeFolded(r.codec, entry.State); decErr == nil {
			return fs, entry.Version, nil
		} else {
			r.logger.Warn("state cache entry failed to decode, falling back to store", "workflow_type", wt.Name(), "workflow_id", workflowID, "error", decErr)
		}
	}
	return r.loadFromStore(ctx, wt, workflowID, 0)
}

// loadFromStore replays the latest snapshot at or before atVersion (0 means
// unbounded) followed by events up to atVersion (0 means unbounded).
func (r *Repository) loadFromStore(ctx context.Context, wt fleuve.WorkflowType, workflowID string, atVersion int64) (foldedState, int64, error) {
	snap, err := r.store.LatestSnapshot(ctx, wt.Name(), workflowID, atVersion)
	if err != nil {
		return foldedState{}, 0, err
	}

	var fs foldedState
	var fromVersion int64
	if snap != nil {
		fs, err = decodeFolded(r.codec, snap.State)
		if err != nil {
			return foldedState{}, 0, fmt.Errorf("decode snapshot for %s/%s: %w", wt.Name(), workflowID, err)
		}
		fromVersion = snap.AtVersion
	}

	events, err := r.store.ReadEvents(ctx, wt.Name(), workflowID, fromVersion, atVersion)
	if err != nil {
		return foldedState{}, 0, err
	}
	if snap == nil && len(events) > 0 {
		if initer, ok := wt.(fleuve.InitialState); ok {
			fs.State = initer.InitialState()
		}
	}

	version := fromVersion
	for _, e := range events {
		domainEvent, err := r.decodeEventBody(wt, e)
		if err != nil {
			return foldedState{}, 0, err
		}
		fs, _, _ = fold(wt, fs, domainEvent, workflowID, e.WorkflowVersion, r.now)
		version = e.WorkflowVersion
	}
	return fs, version, nil
}

func (r *Repository) decodeEventBody(wt fleuve.WorkflowType, e fleuve.Event) (fleuve.DomainEvent, error) {
	if fleuve.IsSystemEventType(e.EventType) {
		return decodeSystemEvent(e.EventType, e.Body)
	}

	body := e.Body
	current := wt.SchemaVersion()
	if e.SchemaVersion < current {
		upcaster, ok := wt.(fleuve.Upcaster)
		if !ok {
			return nil, &ferrors.SchemaUpcastError{
				WorkflowType: wt.Name(), EventType: string(e.EventType),
				StoredVersion: e.SchemaVersion, CurrentVersion: current,
			}
		}
		upcast, err := upcaster.Upcast(e.EventType, e.SchemaVersion, body)
		if err != nil {
			return nil, fmt.Errorf("upcast %s from schema v%d: %w", e.EventType, e.SchemaVersion, err)
		}
		body = upcast
	}

	return r.codec.Unmarshal(body, e.EventType)
}

// decodeSystemEvent unmarshals a framework event body directly with
// encoding/json; system event bodies are never routed through a workflow
// type's pluggable Codec since the framework, not the workflow author,
// owns their wire shape.
func decodeSystemEvent(tag fleuve.TypeTag, body []byte) (fleuve.DomainEvent, error) {
	switch tag {
	case fleuve.SysPause:
		var ev fleuve.PauseEvent
		return ev, json.Unmarshal(body, &ev)
	case fleuve.SysResume:
		var ev fleuve.ResumeEvent
		return ev, json.Unmarshal(body, &ev)
	case fleuve.SysCancel:
		var ev fleuve.CancelEvent
		return ev, json.Unmarshal(body, &ev)
	case fleuve.SysSubscriptionAdded:
		var ev fleuve.SubscriptionAddedEvent
		return ev, json.Unmarshal(body, &ev)
	case fleuve.SysSubscriptionRemoved:
		var ev fleuve.SubscriptionRemovedEvent
		return ev, json.Unmarshal(body, &ev)
	case fleuve.SysScheduleAdded:
		var ev fleuve.ScheduleAddedEvent
		return ev, json.Unmarshal(body, &ev)
	case fleuve.SysScheduleRemoved:
		var ev fleuve.ScheduleRemovedEvent
		return ev, json.Unmarshal(body, &ev)
	case fleuve.SysDelay:
		var ev fleuve.DelayEvent
		return ev, json.Unmarshal(body, &ev)
	case fleuve.SysDelayComplete:
		var ev fleuve.DelayCompleteEvent
		return ev, json.Unmarshal(body, &ev)
	default:
		return nil, fmt.Errorf("repository: unknown system event type %q", tag)
	}
}

func (r *Repository) encodeEventBody(wt fleuve.WorkflowType, event fleuve.DomainEvent) ([]byte, int, error) {
	if fleuve.IsSystemEventType(event.TypeTag()) {
		body, err := json.Marshal(event)
		return body, 0, err
	}
	body, err := r.codec.Marshal(event)
	return body, wt.SchemaVersion(), err
}

// persist runs steps 5-11 of the load/decide/evolve/persist cycle: fold
// events (collecting subscription and schedule side effects along the
// way), determine the snapshot cadence, inject workflow tags, append
// atomically, and CAS the state cache.
func (r *Repository) persist(ctx context.Context, wt fleuve.WorkflowType, workflowID string, fs foldedState, oldVersion int64, events []fleuve.DomainEvent) (*fleuve.Result, error) {
	if len(events) == 0 {
		return &fleuve.Result{State: fs.State, Version: oldVersion}, nil
	}

	appendEvents := make([]eventstore.AppendEvent, 0, len(events))
	var subAdds, subRemoves []fleuve.Subscription
	var schedUpserts []fleuve.DelaySchedule
	var schedDeletes []string

	for i, event := range events {
		version := oldVersion + int64(i) + 1

		var subDelta *subscriptionDelta
		var schedEffect *scheduleEffect
		fs, subDelta, schedEffect = fold(wt, fs, event, workflowID, version, r.now)

		if subDelta != nil {
			if subDelta.add != nil {
				subAdds = append(subAdds, *subDelta.add)
			}
			if subDelta.remove != nil {
				subRemoves = append(subRemoves, *subDelta.remove)
			}
		}
		if schedEffect != nil {
			if schedEffect.upsert != nil {
				schedUpserts = append(schedUpserts, *schedEffect.upsert)
			}
			if schedEffect.delete != "" {
				schedDeletes = append(schedDeletes, schedEffect.delete)
			}
		}

		storageEvent := event
		if event.TypeTag() == fleuve.SysDelay {
			d := event.(fleuve.DelayEvent)
			storageEvent = fleuve.ScheduleAddedEvent{
				ScheduleID: d.ScheduleID, DelayUntil: d.DelayUntil,
				CronExpression: d.CronExpression, Timezone: d.Timezone,
			}
		}

		body, schemaVersion, err := r.encodeEventBody(wt, storageEvent)
		if err != nil {
			return nil, fmt.Errorf("encode event %s: %w", storageEvent.TypeTag(), err)
		}

		appendEvents = append(appendEvents, eventstore.AppendEvent{
			EventType:     storageEvent.TypeTag(),
			SchemaVersion: schemaVersion,
			Body:          body,
		})
	}

	newVersion := oldVersion + int64(len(events))

	if tagger, ok := wt.(fleuve.TagSource); ok {
		if tags := tagger.Tags(fs.State); len(tags) > 0 {
			for i := range appendEvents {
				appendEvents[i].Metadata.Tags = tags
			}
		}
	}

	var snapshot *fleuve.Snapshot
	if r.snapshotInterval > 0 && newVersion/r.snapshotInterval > oldVersion/r.snapshotInterval {
		envelope, err := encodeFolded(r.codec, fs)
		if err != nil {
			return nil, fmt.Errorf("encode snapshot for %s/%s: %w", wt.Name(), workflowID, err)
		}
		snapshot = &fleuve.Snapshot{WorkflowID: workflowID, AtVersion: newVersion, State: envelope, StateType: envelopeTypeTag}
	}

	result, err := r.store.Append(ctx, eventstore.AppendRequest{
		WorkflowType:         wt.Name(),
		WorkflowID:           workflowID,
		ExpectedPriorVersion: oldVersion,
		Events:               appendEvents,
		Snapshot:             snapshot,
		SubscriptionAdds:     subAdds,
		SubscriptionRemoves:  subRemoves,
		ScheduleUpserts:      schedUpserts,
		ScheduleDeletes:      schedDeletes,
		SyncDBWork:           r.syncDBWork[wt.Name()],
	})
	if err != nil {
		if ferrors.IsVersionConflict(err) {
			if delErr := r.cache.Delete(ctx, wt.Name(), workflowID); delErr != nil {
				r.logger.Warn("failed to evict state cache after version conflict", "workflow_type", wt.Name(), "workflow_id", workflowID, "error", delErr)
			}
		}
		return nil, err
	}

	if envelope, encErr := encodeFolded(r.codec, fs); encErr != nil {
		r.logger.Warn("failed to encode state for cache", "workflow_type", wt.Name(), "workflow_id", workflowID, "error", encErr)
	} else if casErr := r.cache.PutIfVersion(ctx, wt.Name(), workflowID, oldVersion, statecache.Entry{
		Version: newVersion, State: envelope, StateType: envelopeTypeTag,
	}); casErr != nil {
		if delErr := r.cache.Delete(ctx, wt.Name(), workflowID); delErr != nil {
			r.logger.Warn("failed to evict stale state cache entry", "workflow_type", wt.Name(), "workflow_id", workflowID, "error", delErr)
		}
	}

	if r.notifier != nil {
		go r.notifier(wt.Name())
	}

	return &fleuve.Result{State: fs.State, Version: newVersion, Events: result.Events}, nil
}
