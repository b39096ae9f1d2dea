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

// Package statecache defines the ephemeral key→state map the Repository
// consults on its hot read path. A State Cache never holds correctness:
// every entry can be evicted or go stale at any moment without breaking
// anything, because the Repository always falls back to the Event
// Store's snapshot + replay path on a miss or a failed compare-and-swap.
package statecache

import (
	"context"
	"errors"

	"github.com/doomervibe/fleuve/pkg/fleuve"
)

// ErrVersionMismatch is returned by PutIfVersion when the cached entry's
// version does not match the caller's expected version — another writer
// already advanced it. The caller should delete the entry rather than
// retry the CAS, since the value it would write is already stale too.
var ErrVersionMismatch = errors.New("statecache: version mismatch")

// Entry is one workflow instance's cached, folded state.
type Entry struct {
	Version   int64
	State     []byte
	StateType fleuve.TypeTag
}

// Cache is the State Cache contract. Keys are scoped by (workflowType,
// workflowID) pairs so one cache instance can back every workflow type
// registered with the engine.
type Cache interface {
	// Get returns the cached entry, or found=false on a miss.
	Get(ctx context.Context, workflowType, workflowID string) (entry Entry, found bool, err error)

	// PutIfVersion stores newEntry only if the currently cached entry's
	// version equals expectedVersion (or no entry exists and
	// expectedVersion is 0). Returns ErrVersionMismatch otherwise.
	PutIfVersion(ctx context.Context, workflowType, workflowID string, expectedVersion int64, newEntry Entry) error

	// Delete evicts the cached entry for workflowID, if any.
	Delete(ctx context.Context, workflowType, workflowID string) error

	Close() error
}
