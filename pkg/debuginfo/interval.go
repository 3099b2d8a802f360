// Copyright 2024-2026 The CacheScope Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package debuginfo

import "sort"

// StaticRange is a half-open [Start, End) address range backed by a global
// variable.
type StaticRange struct {
	Start    uint64
	End      uint64
	Variable *GlobalVariable
}

// StaticRangeTable answers containment queries over global variable ranges.
// Build once with Add, call Finalize, then query; the table is read-only
// afterwards.
type StaticRangeTable struct {
	ranges    []StaticRange
	finalized bool
}

func NewStaticRangeTable() *StaticRangeTable {
	return &StaticRangeTable{}
}

func (t *StaticRangeTable) Add(r StaticRange) {
	if t.finalized || r.End <= r.Start {
		return
	}
	t.ranges = append(t.ranges, r)
}

// Finalize sorts the table by start address for binary search.
func (t *StaticRangeTable) Finalize() {
	sort.Slice(t.ranges, func(i, j int) bool {
		return t.ranges[i].Start < t.ranges[j].Start
	})
	t.finalized = true
}

// Lookup returns the range containing addr, or nil.
func (t *StaticRangeTable) Lookup(addr uint64) *StaticRange {
	idx := sort.Search(len(t.ranges), func(i int) bool {
		return t.ranges[i].End > addr
	})
	if idx == len(t.ranges) {
		return nil
	}
	if r := &t.ranges[idx]; r.Start <= addr {
		return r
	}
	return nil
}

func (t *StaticRangeTable) Len() int {
	return len(t.ranges)
}
