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

// Four threads incrementing adjacent words of one struct: the line must be
// accepted with four distinct favourite offsets and a high bounce score.
func TestClassifyFalseSharing(t *testing.T) {
	samples := fourThreadWorkload(0x7f0000001000&^uint64(LineSize-1), 2500, perf.EventStore)
	lines := Aggregate(samples, DefaultThresholds().MinHotSamples)
	accepted := Classify(lines, DefaultThresholds())

	require.Len(t, accepted, 1)
	line := accepted[0]
	require.Equal(t, 4, line.UniqueTopOffsets)
	require.GreaterOrEqual(t, line.PrivateOffsetFraction, 0.75)
	require.GreaterOrEqual(t, line.BounceScore, 0.5)
}

// The same workload with each counter padded onto its own line: every line
// is single-threaded and nothing is accepted.
func TestClassifyPaddedCounters(t *testing.T) {
	var samples []perf.Sample
	ts := uint64(1)
	for i := 0; i < 2500; i++ {
		for tid := uint32(0); tid < 4; tid++ {
			samples = append(samples, perf.Sample{
				TID:       100 + tid,
				Addr:      0x1000 + uint64(tid)*64,
				Timestamp: ts,
				Kind:      perf.EventStore,
			})
			ts++
		}
	}

	lines := Aggregate(samples, DefaultThresholds().MinHotSamples)
	require.Len(t, lines, 4)
	accepted := Classify(lines, DefaultThresholds())
	require.Empty(t, accepted)
}

// Four threads hammering the same word: true sharing, rejected on the
// offset-overlap signals.
func TestClassifyTrueSharing(t *testing.T) {
	var samples []perf.Sample
	ts := uint64(1)
	for i := 0; i < 2500; i++ {
		for tid := uint32(0); tid < 4; tid++ {
			samples = append(samples, perf.Sample{
				TID:       100 + tid,
				Addr:      0x1000,
				Timestamp: ts,
				Kind:      perf.EventStore,
			})
			ts++
		}
	}
	// A few stray touches of a second offset so the line is multi-offset
	// but still dominated by the shared word.
	for tid := uint32(0); tid < 4; tid++ {
		samples = append(samples, perf.Sample{TID: 100 + tid, Addr: 0x1008, Timestamp: ts, Kind: perf.EventStore})
		ts++
	}

	lines := Aggregate(samples, DefaultThresholds().MinHotSamples)
	line := lines[0x1000]
	require.Equal(t, 1, line.UniqueTopOffsets)
	require.Equal(t, 0.0, line.PrivateOffsetFraction)

	accepted := Classify(lines, DefaultThresholds())
	require.Empty(t, accepted)
}

// Generic-access sources (no store split) accept on the bounce signal
// alone.
func TestClassifyWithoutStores(t *testing.T) {
	samples := fourThreadWorkload(0x1000, 2500, perf.EventLoad)
	lines := Aggregate(samples, DefaultThresholds().MinHotSamples)
	accepted := Classify(lines, DefaultThresholds())
	require.Len(t, accepted, 1)
	require.Equal(t, uint64(0), accepted[0].Writes)
}

func TestClassifyHonoursThresholdOverrides(t *testing.T) {
	samples := fourThreadWorkload(0x1000, 100, perf.EventStore) // 400 samples
	th := DefaultThresholds()

	lines := Aggregate(samples, th.MinHotSamples)
	require.Empty(t, Classify(lines, th))

	th.MinHotSamples = 100
	lines = Aggregate(samples, th.MinHotSamples)
	require.Len(t, Classify(lines, th), 1)
}

func TestClassifyRanking(t *testing.T) {
	// Line A: perfect interleaving. Line B: same shape but batched per
	// thread, so a much lower bounce score.
	samples := fourThreadWorkload(0x1000, 2500, perf.EventStore)

	ts := uint64(1_000_000)
	for tid := uint32(0); tid < 4; tid++ {
		for i := 0; i < 2500; i++ {
			samples = append(samples, perf.Sample{
				TID:       200 + tid,
				Addr:      0x2000 + uint64(tid)*8,
				Timestamp: ts,
				Kind:      perf.EventStore,
			})
			ts++
		}
	}

	th := DefaultThresholds()
	lines := Aggregate(samples, th.MinHotSamples)
	accepted := Classify(lines, th)

	require.Len(t, accepted, 2)
	require.Equal(t, uint64(0x1000), accepted[0].Base)
	require.Equal(t, uint64(0x2000), accepted[1].Base)
}
