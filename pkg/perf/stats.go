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

package perf

// Stats summarizes a sample sequence for the report header.
type Stats struct {
	Total         int
	WithAddr      int
	WithIP        int
	UniqueThreads int
	UniqueCPUs    int
}

// ComputeStats runs one pass over samples.
func ComputeStats(samples []Sample) Stats {
	s := Stats{Total: len(samples)}

	tids := make(map[uint32]struct{}, 16)
	cpus := make(map[uint32]struct{}, 16)
	for i := range samples {
		sample := &samples[i]
		if sample.Addr != 0 {
			s.WithAddr++
		}
		if sample.IP != 0 {
			s.WithIP++
		}
		tids[sample.TID] = struct{}{}
		cpus[sample.CPU] = struct{}{}
	}

	s.UniqueThreads = len(tids)
	s.UniqueCPUs = len(cpus)
	return s
}
