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

// Package partition hashes workflow IDs into a fixed number of partitions
// and names the reader owning each one, so a workflow type's event stream
// can be split across independent runner processes.
package partition

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
)

// Of returns the partition index workflowID hashes to out of total. The
// hash is MD5 over workflowID's bytes, folded into a uint64 and reduced
// mod total; this choice is fixed forever, since changing it would
// silently reshuffle every workflow instance's owning partition.
func Of(workflowID string, total int) int {
	if total <= 0 {
		return 0
	}
	sum := md5.Sum([]byte(workflowID))
	h := binary.BigEndian.Uint64(sum[:8])
	return int(h % uint64(total))
}

// Owns reports whether workflowID is homed on partition index out of total.
func Owns(workflowID string, total, index int) bool {
	return Of(workflowID, total) == index
}

// Predicate returns a function testing partition membership for one
// (index, total) pair, for composing into a Stream Reader predicate.
func Predicate(index, total int) func(workflowID string) bool {
	return func(workflowID string) bool { return Owns(workflowID, total, index) }
}

// ReaderName returns the canonical name of the reader owning one partition
// of workflowType's stream.
func ReaderName(workflowType string, index, total int) string {
	return fmt.Sprintf("%s.%d.of.%d", workflowType, index, total)
}

// RebalancePlan is the offset one reader under a new partition layout
// should initialize to, derived from a prior layout's committed offsets.
type RebalancePlan struct {
	// ReaderName is the canonical name of a reader under the new layout.
	ReaderName string

	// InitialOffset is the offset to seed this reader with before it is
	// ever started.
	InitialOffset int64

	// RemovedReaderNames lists prior readers this rebalance made obsolete;
	// their offset rows should be deleted once migration completes.
	RemovedReaderNames []string
}

// Rebalance computes the reader offsets for moving workflowType from
// oldTotal to newTotal partitions, given the prior readers' committed
// offsets indexed 0..oldTotal-1, per the scale-up/scale-down migration
// protocol: on scale-up, a new reader absent from the old layout starts at
// the minimum offset across all old readers so no event is skipped; on
// scale-down, every surviving reader's offset is raised to the maximum
// across all old readers, accepting bounded re-processing in exchange for
// never skipping an event a removed partition hadn't yet observed.
func Rebalance(workflowType string, oldTotal int, oldOffsets []int64, newTotal int) []RebalancePlan {
	if len(oldOffsets) != oldTotal {
		panic("partition: oldOffsets must have oldTotal entries")
	}

	var min, max int64
	for i, o := range oldOffsets {
		if i == 0 || o < min {
			min = o
		}
		if o > max {
			max = o
		}
	}

	plans := make([]RebalancePlan, 0, newTotal)
	for idx := 0; idx < newTotal; idx++ {
		plan := RebalancePlan{ReaderName: ReaderName(workflowType, idx, newTotal)}
		switch {
		case newTotal > oldTotal:
			if idx < oldTotal {
				plan.InitialOffset = oldOffsets[idx]
			} else {
				plan.InitialOffset = min
			}
		case newTotal < oldTotal:
			plan.InitialOffset = max
		default:
			plan.InitialOffset = oldOffsets[idx]
		}
		plans = append(plans, plan)
	}

	if newTotal < oldTotal {
		removed := make([]string, 0, oldTotal-newTotal)
		for idx := newTotal; idx < oldTotal; idx++ {
			removed = append(removed, ReaderName(workflowType, idx, oldTotal))
		}
		for i := range plans {
			plans[i].RemovedReaderNames = removed
		}
	}

	return plans
}
