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

package memory

import (
	"context"
	"testing"

	"github.com/doomervibe/fleuve/internal/statecache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_MissReturnsFalse(t *testing.T) {
	c := New()
	_, found, err := c.Get(context.Background(), "order", "ord-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPutIfVersion_InitialInsertRequiresZero(t *testing.T) {
	c := New()
	ctx := context.Background()

	err := c.PutIfVersion(ctx, "order", "ord-1", 1, statecache.Entry{Version: 1, State: []byte(`{}`)})
	assert.ErrorIs(t, err, statecache.ErrVersionMismatch)

	err = c.PutIfVersion(ctx, "order", "ord-1", 0, statecache.Entry{Version: 1, State: []byte(`{}`)})
	require.NoError(t, err)

	entry, found, err := c.Get(ctx, "order", "ord-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1), entry.Version)
}

func TestPutIfVersion_RejectsStaleExpectedVersion(t *testing.T) {
	c := New()
	ctx := context.Background()
	require.NoError(t, c.PutIfVersion(ctx, "order", "ord-1", 0, statecache.Entry{Version: 1}))

	err := c.PutIfVersion(ctx, "order", "ord-1", 0, statecache.Entry{Version: 2})
	assert.ErrorIs(t, err, statecache.ErrVersionMismatch)

	require.NoError(t, c.PutIfVersion(ctx, "order", "ord-1", 1, statecache.Entry{Version: 2}))
	entry, _, err := c.Get(ctx, "order", "ord-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.Version)
}

func TestDelete_RemovesEntry(t *testing.T) {
	c := New()
	ctx := context.Background()
	require.NoError(t, c.PutIfVersion(ctx, "order", "ord-1", 0, statecache.Entry{Version: 1}))

	require.NoError(t, c.Delete(ctx, "order", "ord-1"))

	_, found, err := c.Get(ctx, "order", "ord-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestKeys_ScopedByWorkflowType(t *testing.T) {
	c := New()
	ctx := context.Background()
	require.NoError(t, c.PutIfVersion(ctx, "order", "shared-id", 0, statecache.Entry{Version: 1}))
	require.NoError(t, c.PutIfVersion(ctx, "payment", "shared-id", 0, statecache.Entry{Version: 7}))

	orderEntry, _, _ := c.Get(ctx, "order", "shared-id")
	paymentEntry, _, _ := c.Get(ctx, "payment", "shared-id")
	assert.Equal(t, int64(1), orderEntry.Version)
	assert.Equal(t, int64(7), paymentEntry.Version)
}
