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

package cacheline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cachescope/cachescope/pkg/perf"
)

// fourThreadWorkload synthesizes the classic false-sharing shape: each
// thread hammers its own word of one line, perfectly interleaved.
func fourThreadWorkload(base uint64, perThread int, kind perf.EventKind) []perf.Sample {
	samples := make([]perf.Sample, 0, 4*perThread)
	ts := uint64(1)
	for i := 0; i < perThread; i++ {
		for tid := uint32(0); tid < 4; tid++ {
			samples = append(samples, perf.Sample{
				TID:       100 + tid,
				Addr:      base + uint64(tid)*8,
				Timestamp: ts,
				Kind:      kind,
			})
			ts++
		}
	}
	return samples
}

func TestAggregateTotals(t *testing.T) {
	samples := fourThreadWorkload(0x1000, 300, perf.EventStore)
	samples = append(samples, perf.Sample{TID: 1, Addr: 0}) // no address, not aggregated
	samples = append(samples, perf.Sample{TID: 1, Addr: 0x2040, Kind: perf.EventLoad})

	lines := Aggregate(samples, 1000)

	var total, reads, writes uint64
	withAddr := 0
	for i := range samples {
		if samples[i].Addr != 0 {
			withAddr++
		}
	}
	for _, l := range lines {
		total += l.Samples
		reads += l.Reads
		writes += l.Writes
	}
	require.Equal(t, uint64(withAddr), total)
	require.Equal(t, total, reads+writes)
}

func TestAggregateBounceBounds(t *testing.T) {
	samples := fourThreadWorkload(0x1000, 400, perf.EventStore)
	lines := Aggregate(samples, 1000)
	require.Len(t, lines, 1)

	line := lines[0x1000]
	require.NotNil(t, line)
	touches := uint64(len(line.Touches))
	require.LessOrEqual(t, line.ThreadSwitches, touches-1)
	require.GreaterOrEqual(t, line.BounceScore, 0.0)
	require.LessOrEqual(t, line.BounceScore, 1.0)
	// Perfect interleaving switches on every adjacent pair.
	require.Equal(t, touches-1, line.ThreadSwitches)
	require.Equal(t, 1.0, line.BounceScore)
}

func TestAggregateOffsetStatistics(t *testing.T) {
	samples := fourThreadWorkload(0x1000, 300, perf.EventStore)
	lines := Aggregate(samples, 1000)
	line := lines[0x1000]

	require.Equal(t, 4, line.UniqueTIDs())
	require.Equal(t, 4, line.UniqueOffsets())
	require.Equal(t, 4, line.TotalOffsetCount)
	require.Equal(t, 0, line.SharedOffsetCount)
	require.Equal(t, 1.0, line.PrivateOffsetFraction)
	require.Equal(t, 4, line.UniqueTopOffsets)
}

// Zero timestamps keep insertion order; the switch count then reflects the
// input sequence directly.
func TestAggregateInsertionOrderWithoutTimestamps(t *testing.T) {
	var samples []perf.Sample
	// 600 touches of thread 1 then 600 of thread 2: exactly one switch.
	for i := 0; i < 600; i++ {
		samples = append(samples, perf.Sample{TID: 1, Addr: 0x1000, Kind: perf.EventStore})
	}
	for i := 0; i < 600; i++ {
		samples = append(samples, perf.Sample{TID: 2, Addr: 0x1008, Kind: perf.EventStore})
	}

	lines := Aggregate(samples, 1000)
	line := lines[0x1000]
	require.Equal(t, uint64(1), line.ThreadSwitches)
	require.Less(t, line.BounceScore, 0.01)
}

// A cold line (below the hot threshold) skips the second pass entirely.
func TestAggregateColdLineSkipsInterleaving(t *testing.T) {
	samples := fourThreadWorkload(0x1000, 10, perf.EventStore)
	lines := Aggregate(samples, 1000)
	line := lines[0x1000]
	require.Equal(t, uint64(40), line.Samples)
	require.Equal(t, uint64(0), line.ThreadSwitches)
	require.Equal(t, 0.0, line.BounceScore)
}
