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

// Package cacheline groups memory-access samples into 64-byte lines and
// derives the per-line statistics the false-sharing heuristics run on.
package cacheline

import (
	"sort"

	"github.com/cachescope/cachescope/pkg/perf"
)

// LineSize is the coherence granularity.
const LineSize = 64

// Touch is one time-ordered access to a line.
type Touch struct {
	Timestamp uint64
	TID       uint32
	Offset    uint8
}

// Line is the aggregate for one 64-byte-aligned address range.
type Line struct {
	Base uint64

	Samples uint64
	Reads   uint64
	Writes  uint64

	Touches []Touch

	// Derived by the candidate pass.
	ThreadSwitches        uint64
	BounceScore           float64
	SharedOffsetCount     int
	TotalOffsetCount      int
	UniqueTopOffsets      int
	PrivateOffsetFraction float64

	uniqueTIDs    map[uint32]struct{}
	uniqueOffsets map[uint8]struct{}
}

// UniqueTIDs returns the number of distinct threads that touched the line.
func (l *Line) UniqueTIDs() int {
	return len(l.uniqueTIDs)
}

// UniqueOffsets returns the number of distinct line offsets touched.
func (l *Line) UniqueOffsets() int {
	return len(l.uniqueOffsets)
}

// AddrRange returns the smallest and largest accessed address.
func (l *Line) AddrRange() (uint64, uint64) {
	if len(l.Touches) == 0 {
		return l.Base, l.Base
	}
	min, max := uint8(LineSize-1), uint8(0)
	for _, t := range l.Touches {
		if t.Offset < min {
			min = t.Offset
		}
		if t.Offset > max {
			max = t.Offset
		}
	}
	return l.Base + uint64(min), l.Base + uint64(max)
}

// Aggregate buckets every address-bearing sample into its line and fills the
// first-pass counters; the second pass computes the interleaving and offset
// statistics for lines hot enough to be candidates.
func Aggregate(samples []perf.Sample, minHotSamples uint64) map[uint64]*Line {
	lines := make(map[uint64]*Line)

	for i := range samples {
		s := &samples[i]
		if s.Addr == 0 {
			continue
		}

		base := s.Addr &^ uint64(LineSize-1)
		line := lines[base]
		if line == nil {
			line = &Line{
				Base:          base,
				uniqueTIDs:    make(map[uint32]struct{}, 4),
				uniqueOffsets: make(map[uint8]struct{}, 8),
			}
			lines[base] = line
		}

		line.Samples++
		switch s.Kind {
		case perf.EventStore:
			line.Writes++
		default:
			line.Reads++
		}

		off := uint8(s.Addr - base)
		line.Touches = append(line.Touches, Touch{Timestamp: s.Timestamp, TID: s.TID, Offset: off})
		line.uniqueTIDs[s.TID] = struct{}{}
		line.uniqueOffsets[off] = struct{}{}
	}

	for _, line := range lines {
		if line.Samples < minHotSamples || line.UniqueTIDs() < 2 || line.UniqueOffsets() < 2 {
			continue
		}
		line.computeInterleaving()
	}

	return lines
}

// computeInterleaving sorts touches by time and derives the thread-switch
// and offset-overlap statistics.
func (l *Line) computeInterleaving() {
	// Samples from sources without timestamps keep their insertion order;
	// as soon as any touch carries a time, the sequence is time-sorted
	// (stable, so zero-timestamp touches keep relative order).
	anyTime := false
	for _, t := range l.Touches {
		if t.Timestamp != 0 {
			anyTime = true
			break
		}
	}
	if anyTime {
		sort.SliceStable(l.Touches, func(i, j int) bool {
			return l.Touches[i].Timestamp < l.Touches[j].Timestamp
		})
	}

	var (
		last     uint32
		haveLast bool
	)
	for _, t := range l.Touches {
		if haveLast && t.TID != last {
			l.ThreadSwitches++
		}
		last = t.TID
		haveLast = true
	}
	if n := len(l.Touches); n > 1 {
		l.BounceScore = float64(l.ThreadSwitches) / float64(n-1)
	}

	// Per-thread offset histograms over the 64 line offsets.
	counts := make(map[uint32]*[LineSize]uint32, len(l.uniqueTIDs))
	for _, t := range l.Touches {
		arr := counts[t.TID]
		if arr == nil {
			arr = new([LineSize]uint32)
			counts[t.TID] = arr
		}
		arr[t.Offset]++
	}

	var touchedBy [LineSize]uint16
	for _, arr := range counts {
		for i := 0; i < LineSize; i++ {
			if arr[i] != 0 {
				touchedBy[i]++
			}
		}
	}

	total, shared := 0, 0
	for i := 0; i < LineSize; i++ {
		if touchedBy[i] > 0 {
			total++
			if touchedBy[i] >= 2 {
				shared++
			}
		}
	}
	l.TotalOffsetCount = total
	l.SharedOffsetCount = shared
	if total > 0 {
		l.PrivateOffsetFraction = float64(total-shared) / float64(total)
	}

	// Each thread's favourite offset; distinct favourites are the false
	// sharing signature.
	tops := make(map[uint8]struct{}, len(counts))
	for _, arr := range counts {
		var (
			best  uint32
			bestI uint8
		)
		for i := 0; i < LineSize; i++ {
			if arr[i] > best {
				best = arr[i]
				bestI = uint8(i)
			}
		}
		if best != 0 {
			tops[bestI] = struct{}{}
		}
	}
	l.UniqueTopOffsets = len(tops)
}
