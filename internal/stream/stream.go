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

// Package stream implements the long-lived, predicate-filtered cursor the
// Workflow Runner and Activity Executor pull events through: a durable
// offset per reader_name, scanned forward in global_id order, skipping
// whatever the predicate says the reader's consumers don't care about.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/doomervibe/fleuve/internal/eventstore"
	"github.com/doomervibe/fleuve/pkg/fleuve"
)

// Predicate answers whether one event matters to a reader's consumers. It
// may consult external state (subscriptions, partition membership) and so
// can fail.
type Predicate func(ctx context.Context, event fleuve.Event) (bool, error)

// scanner is the slice of eventstore.Store a Reader depends on.
type scanner interface {
	eventstore.GlobalScanner
	eventstore.OffsetStore
}

// Batch is one next_batch result. LastGlobalID is the highest global_id
// scanned to produce Events, which may exceed the last matching event's
// global_id — the reader advances past events the predicate rejected so
// it never rescans them on the next call.
type Batch struct {
	Events       []fleuve.Event
	LastGlobalID int64
}

// Config configures a Reader.
type Config struct {
	Store        scanner
	ReaderName   string
	WorkflowType string
	Predicate    Predicate

	// ScanPageSize bounds how many raw (pre-predicate) events are pulled
	// from the store per round-trip while filling a batch. Defaults to
	// 256.
	ScanPageSize int

	Logger *slog.Logger
}

// Reader is a durable, predicate-filtered cursor over one workflow_type's
// global event stream, owned by exactly one runner process at a time (by
// convention of reader_name uniqueness — nothing in this package enforces
// that beyond what the offset table's primary key does).
type Reader struct {
	store        scanner
	readerName   string
	workflowType string
	predicate    Predicate
	pageSize     int
	logger       *slog.Logger

	mu          sync.Mutex
	offset      int64
	offsetKnown bool
	maxObserved int64
}

// New builds a Reader. The offset is loaded lazily on first NextBatch or
// CurrentOffset call.
func New(cfg Config) (*Reader, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("stream: Store is required")
	}
	if cfg.ReaderName == "" {
		return nil, fmt.Errorf("stream: ReaderName is required")
	}
	if cfg.WorkflowType == "" {
		return nil, fmt.Errorf("stream: WorkflowType is required")
	}
	if cfg.Predicate == nil {
		cfg.Predicate = func(context.Context, fleuve.Event) (bool, error) { return true, nil }
	}
	if cfg.ScanPageSize <= 0 {
		cfg.ScanPageSize = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		store:        cfg.Store,
		readerName:   cfg.ReaderName,
		workflowType: cfg.WorkflowType,
		predicate:    cfg.Predicate,
		pageSize:     cfg.ScanPageSize,
		logger:       logger.With("reader_name", cfg.ReaderName, "workflow_type", cfg.WorkflowType),
	}, nil
}

// CurrentOffset returns the durably committed read position.
func (r *Reader) CurrentOffset(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentOffsetLocked(ctx)
}

func (r *Reader) currentOffsetLocked(ctx context.Context) (int64, error) {
	if r.offsetKnown {
		return r.offset, nil
	}
	offset, err := r.store.LoadOffset(ctx, r.readerName)
	if err != nil {
		return 0, err
	}
	r.offset = offset
	r.offsetKnown = true
	if offset > r.maxObserved {
		r.maxObserved = offset
	}
	return offset, nil
}

// MaxObserved returns the highest global_id this reader has scanned,
// whether or not it matched the predicate, for lag reporting.
func (r *Reader) MaxObserved() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxObserved
}

// NextBatch returns up to max events with global_id greater than the
// current offset, in ascending order, matching the predicate. It scans in
// pages until either max matching events are collected or the stream's
// tail is reached; Batch.LastGlobalID reflects the scan's high-water mark
// even when fewer than max events matched, so Commit can skip the
// rejected tail on the next call.
func (r *Reader) NextBatch(ctx context.Context, max int) (*Batch, error) {
	if max <= 0 {
		return &Batch{}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	offset, err := r.currentOffsetLocked(ctx)
	if err != nil {
		return nil, err
	}

	cursor := offset
	matched := make([]fleuve.Event, 0, max)

	for len(matched) < max {
		raw, err := r.store.ScanGlobal(ctx, r.workflowType, cursor, r.pageSize)
		if err != nil {
			return nil, err
		}
		if len(raw) == 0 {
			break
		}
		for _, e := range raw {
			cursor = e.GlobalID
			ok, err := r.predicate(ctx, e)
			if err != nil {
				return nil, err
			}
			if ok {
				matched = append(matched, e)
				if len(matched) == max {
					break
				}
			}
		}
		if len(raw) < r.pageSize {
			break
		}
	}

	if cursor > r.maxObserved {
		r.maxObserved = cursor
	}

	return &Batch{Events: matched, LastGlobalID: cursor}, nil
}

// Commit persists a new offset. lastGlobalID must be monotonically
// non-decreasing across calls; callers should pass Batch.LastGlobalID
// from the most recently processed batch, not the last matching event's
// global_id, so rejected trailing events are never rescanned.
func (r *Reader) Commit(ctx context.Context, lastGlobalID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.currentOffsetLocked(ctx)
	if err != nil {
		return err
	}
	if lastGlobalID < current {
		return fmt.Errorf("stream: commit %d would move reader %q backward from %d", lastGlobalID, r.readerName, current)
	}
	if lastGlobalID == current {
		return nil
	}
	if err := r.store.CommitOffset(ctx, r.readerName, lastGlobalID); err != nil {
		return err
	}
	r.offset = lastGlobalID
	if lastGlobalID > r.maxObserved {
		r.maxObserved = lastGlobalID
	}
	return nil
}
