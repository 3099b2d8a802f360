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

package alloctracker

import (
	"fmt"

	"golang.org/x/exp/mmap"
)

// ReadEvents memory-maps the trace file and decodes every complete record.
// A trailing partial record (a producer killed mid-append) is ignored.
func ReadEvents(path string) ([]Event, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace file %s: %w", path, err)
	}
	defer r.Close()

	count := r.Len() / EventSize
	events := make([]Event, 0, count)
	buf := make([]byte, EventSize)
	for i := 0; i < count; i++ {
		if _, err := r.ReadAt(buf, int64(i)*EventSize); err != nil {
			return events, fmt.Errorf("read event %d: %w", i, err)
		}
		events = append(events, DecodeEvent(buf))
	}
	return events, nil
}

// ReplayLiveSet folds the event log into the set of regions live after the
// first n events (n < 0 replays the full log). Events from distinct threads
// interleave arbitrarily; the fold relies only on per-thread ordering, which
// the log guarantees.
func ReplayLiveSet(events []Event, n int) map[uint64]Event {
	if n < 0 || n > len(events) {
		n = len(events)
	}
	live := make(map[uint64]Event)
	for _, ev := range events[:n] {
		if ev.Free {
			delete(live, ev.Base)
			continue
		}
		live[ev.Base] = ev
	}
	return live
}
