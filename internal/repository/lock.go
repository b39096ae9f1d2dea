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
	"sync"

	"github.com/doomervibe/fleuve/internal/eventstore"
)

// lockManager serializes writers against the same workflow_id. It always
// holds an in-process mutex, which is sufficient correctness-wise for a
// single Repository instance; when the Event Store also implements
// eventstore.DistributedLocker, lock additionally acquires a store-level
// lock so multiple fleuve processes sharing one database still serialize
// per-workflow writes.
type lockManager struct {
	mu          sync.Mutex
	entries     map[string]*sync.Mutex
	distributed eventstore.DistributedLocker
}

func newLockManager(distributed eventstore.DistributedLocker) *lockManager {
	return &lockManager{
		entries:     make(map[string]*sync.Mutex),
		distributed: distributed,
	}
}

// lock acquires the exclusive critical section for workflowID and returns a
// function that releases it in the reverse order it was acquired. entries
// is never pruned, so its size tracks the number of distinct workflow_ids
// ever touched by this process.
func (l *lockManager) lock(ctx context.Context, workflowID string) (func(), error) {
	l.mu.Lock()
	m, ok := l.entries[workflowID]
	if !ok {
		m = &sync.Mutex{}
		l.entries[workflowID] = m
	}
	l.mu.Unlock()

	m.Lock()
	release := func() { m.Unlock() }

	if l.distributed != nil {
		distRelease, err := l.distributed.Lock(ctx, workflowID)
		if err != nil {
			release()
			return nil, err
		}
		inner := release
		release = func() {
			distRelease()
			inner()
		}
	}

	return release, nil
}
