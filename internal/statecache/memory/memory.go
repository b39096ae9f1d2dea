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

// Package memory provides the single-process State Cache backend: a
// mutex-guarded map, used when no redis_url is configured.
package memory

import (
	"context"
	"sync"

	"github.com/doomervibe/fleuve/internal/statecache"
)

var _ statecache.Cache = (*Cache)(nil)

// Cache is a thread-safe in-memory State Cache.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]statecache.Entry
}

// New creates an empty in-memory State Cache.
func New() *Cache {
	return &Cache{entries: make(map[string]statecache.Entry)}
}

func key(workflowType, workflowID string) string {
	return workflowType + "/" + workflowID
}

// Get implements statecache.Cache.
func (c *Cache) Get(_ context.Context, workflowType, workflowID string) (statecache.Entry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, found := c.entries[key(workflowType, workflowID)]
	return entry, found, nil
}

// PutIfVersion implements statecache.Cache.
func (c *Cache) PutIfVersion(_ context.Context, workflowType, workflowID string, expectedVersion int64, newEntry statecache.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(workflowType, workflowID)
	if existing, found := c.entries[k]; found && existing.Version != expectedVersion {
		return statecache.ErrVersionMismatch
	}
	if _, found := c.entries[k]; !found && expectedVersion != 0 {
		return statecache.ErrVersionMismatch
	}

	c.entries[k] = newEntry
	return nil
}

// Delete implements statecache.Cache.
func (c *Cache) Delete(_ context.Context, workflowType, workflowID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key(workflowType, workflowID))
	return nil
}

// Close is a no-op; the in-memory cache owns no external resource.
func (c *Cache) Close() error { return nil }
