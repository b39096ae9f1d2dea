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

package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOf_IsStableAndWithinRange(t *testing.T) {
	for _, id := range []string{"order-1", "order-2", "a-very-long-workflow-id-indeed", ""} {
		idx := Of(id, 8)
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, 8)
		assert.Equal(t, idx, Of(id, 8), "hash must be deterministic for the same workflow_id and total")
	}
}

func TestOf_KnownValues(t *testing.T) {
	// Pinned so any change to the hash or reduction is caught; the choice
	// of MD5 must never change once workflow_ids are partitioned by it.
	assert.Equal(t, 1, Of("order-1", 4))
}

func TestOwns_AgreesWithOf(t *testing.T) {
	total := 5
	for i := 0; i < 50; i++ {
		id := "wf-" + string(rune('a'+i%26))
		idx := Of(id, total)
		for p := 0; p < total; p++ {
			assert.Equal(t, p == idx, Owns(id, total, p))
		}
	}
}

func TestReaderName_Format(t *testing.T) {
	assert.Equal(t, "order.2.of.5", ReaderName("order", 2, 5))
}

func TestRebalance_ScaleUpSeedsNewReadersAtMinimum(t *testing.T) {
	plans := Rebalance("order", 3, []int64{100, 80, 120}, 5)
	require := func(name string, offset int64) {
		for _, p := range plans {
			if p.ReaderName == name {
				assert.Equal(t, offset, p.InitialOffset, name)
				return
			}
		}
		t.Fatalf("no plan for reader %s", name)
	}

	require("order.0.of.5", 100)
	require("order.1.of.5", 80)
	require("order.2.of.5", 120)
	require("order.3.of.5", 80) // new reader seeded at min(100,80,120)
	require("order.4.of.5", 80)

	for _, p := range plans {
		assert.Empty(t, p.RemovedReaderNames)
	}
}

func TestRebalance_ScaleDownRaisesSurvivorsToMaximum(t *testing.T) {
	plans := Rebalance("order", 5, []int64{100, 80, 120, 90, 110}, 2)
	assert.Len(t, plans, 2)
	for _, p := range plans {
		assert.Equal(t, int64(120), p.InitialOffset)
		assert.ElementsMatch(t, []string{
			"order.2.of.5", "order.3.of.5", "order.4.of.5",
		}, p.RemovedReaderNames)
	}
}

func TestRebalance_SameTotalKeepsOffsets(t *testing.T) {
	plans := Rebalance("order", 3, []int64{10, 20, 30}, 3)
	for i, p := range plans {
		assert.Equal(t, []int64{10, 20, 30}[i], p.InitialOffset)
		assert.Empty(t, p.RemovedReaderNames)
	}
}
