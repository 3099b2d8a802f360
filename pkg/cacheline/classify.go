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

import "sort"

// Thresholds are the calibrated classifier constants; all overridable via
// the YAML config.
type Thresholds struct {
	// Lower bound on a line's total samples.
	MinHotSamples uint64 `yaml:"min_hot_samples"`
	// Writes over reads above which a store-capable source marks a line
	// hot regardless of interleaving.
	WriteReadHotRatio float64 `yaml:"write_read_hot_ratio"`
	// Minimum fraction of adjacent touch pairs that switch threads.
	MinBounceScore float64 `yaml:"min_bounce_score"`
	// At least this share of touched offsets must be thread-private.
	MinPrivateOffsetFraction float64 `yaml:"min_private_offset_fraction"`
	// At least this many threads must favour distinct offsets.
	MinUniqueTopOffsets int `yaml:"min_unique_top_offsets"`
}

// DefaultThresholds returns the calibrated defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinHotSamples:            1000,
		WriteReadHotRatio:        5.0,
		MinBounceScore:           0.10,
		MinPrivateOffsetFraction: 0.50,
		MinUniqueTopOffsets:      2,
	}
}

// Classify applies the threshold policy and returns the accepted lines
// ranked by bounce_score x private_offset_fraction, ties broken by sample
// count.
func Classify(lines map[uint64]*Line, th Thresholds) []*Line {
	result := make([]*Line, 0, len(lines))

	for _, line := range lines {
		if line.Samples < th.MinHotSamples {
			continue
		}
		if line.UniqueTIDs() < 2 || line.UniqueOffsets() < 2 {
			continue
		}

		// True sharing: threads hammer the same word. Low private-offset
		// fraction or a single favourite offset rejects the line.
		if line.PrivateOffsetFraction < th.MinPrivateOffsetFraction ||
			line.UniqueTopOffsets < th.MinUniqueTopOffsets {
			continue
		}

		if line.Writes > 0 {
			reads := line.Reads
			if reads == 0 {
				reads = 1
			}
			ratio := float64(line.Writes) / float64(reads)
			if ratio > th.WriteReadHotRatio || line.BounceScore >= th.MinBounceScore {
				result = append(result, line)
			}
		} else {
			// Sources without a load/store split rely on the interleaving
			// signal alone.
			if line.BounceScore >= th.MinBounceScore {
				result = append(result, line)
			}
		}
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		as := a.BounceScore * a.PrivateOffsetFraction
		bs := b.BounceScore * b.PrivateOffsetFraction
		if as != bs {
			return as > bs
		}
		if a.Samples != b.Samples {
			return a.Samples > b.Samples
		}
		return a.Base < b.Base
	})
	return result
}
