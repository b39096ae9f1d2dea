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

// Package redis provides the out-of-process State Cache backend, used
// when redis_url is configured so multiple engine processes share one
// cache instead of each keeping its own.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/doomervibe/fleuve/internal/statecache"
	"github.com/doomervibe/fleuve/pkg/ferrors"
	"github.com/doomervibe/fleuve/pkg/fleuve"
	"github.com/redis/go-redis/v9"
)

var _ statecache.Cache = (*Cache)(nil)

// casScript performs the compare-and-swap atomically server-side: it
// reads the hash's current version field, rejects on mismatch (absence
// counts as version 0), and otherwise overwrites all three fields in one
// round trip.
var casScript = redis.NewScript(`
local current = redis.call("HGET", KEYS[1], "version")
if current == false then
	if ARGV[1] ~= "0" then
		return 0
	end
else
	if current ~= ARGV[1] then
		return 0
	end
end
redis.call("HSET", KEYS[1], "version", ARGV[2], "state", ARGV[3], "state_type", ARGV[4])
if tonumber(ARGV[5]) > 0 then
	redis.call("EXPIRE", KEYS[1], ARGV[5])
end
return 1
`)

// Config contains redis connection configuration.
type Config struct {
	// URL is a redis connection URL, e.g. redis://localhost:6379/0.
	URL string

	// TTL expires idle entries; 0 means entries never expire on their own
	// (eviction is still permitted by the server under memory pressure).
	TTL time.Duration
}

// Cache is a redis-backed State Cache.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New opens a redis State Cache.
func New(cfg Config) (*Cache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Cache{client: client, ttl: cfg.TTL}, nil
}

func cacheKey(workflowType, workflowID string) string {
	return "fleuve:state:" + workflowType + ":" + workflowID
}

// Get implements statecache.Cache.
func (c *Cache) Get(ctx context.Context, workflowType, workflowID string) (statecache.Entry, bool, error) {
	vals, err := c.client.HMGet(ctx, cacheKey(workflowType, workflowID), "version", "state", "state_type").Result()
	if err != nil {
		return statecache.Entry{}, false, &ferrors.TransientInfraError{Component: "statecache", Operation: "get", Cause: err}
	}
	if vals[0] == nil {
		return statecache.Entry{}, false, nil
	}

	var entry statecache.Entry
	if versionStr, ok := vals[0].(string); ok {
		entry.Version, _ = strconv.ParseInt(versionStr, 10, 64)
	}
	if s, ok := vals[1].(string); ok {
		entry.State = []byte(s)
	}
	if s, ok := vals[2].(string); ok {
		entry.StateType = fleuve.TypeTag(s)
	}
	return entry, true, nil
}

// PutIfVersion implements statecache.Cache.
func (c *Cache) PutIfVersion(ctx context.Context, workflowType, workflowID string, expectedVersion int64, newEntry statecache.Entry) error {
	ttlSeconds := int64(0)
	if c.ttl > 0 {
		ttlSeconds = int64(c.ttl.Seconds())
	}

	result, err := casScript.Run(ctx, c.client, []string{cacheKey(workflowType, workflowID)},
		strconv.FormatInt(expectedVersion, 10),
		strconv.FormatInt(newEntry.Version, 10),
		string(newEntry.State),
		string(newEntry.StateType),
		ttlSeconds,
	).Int()
	if err != nil {
		return &ferrors.TransientInfraError{Component: "statecache", Operation: "put_if_version", Cause: err}
	}
	if result == 0 {
		return statecache.ErrVersionMismatch
	}
	return nil
}

// Delete implements statecache.Cache.
func (c *Cache) Delete(ctx context.Context, workflowType, workflowID string) error {
	if err := c.client.Del(ctx, cacheKey(workflowType, workflowID)).Err(); err != nil {
		return &ferrors.TransientInfraError{Component: "statecache", Operation: "delete", Cause: err}
	}
	return nil
}

// Close closes the redis client.
func (c *Cache) Close() error {
	return c.client.Close()
}
