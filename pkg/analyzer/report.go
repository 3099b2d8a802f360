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

package analyzer

import (
	"fmt"
	"io"
	"sort"

	"github.com/dustin/go-humanize"

	"github.com/cachescope/cachescope/pkg/alloctracker"
	"github.com/cachescope/cachescope/pkg/attribution"
)

// Write renders the report.
func (r *Report) Write(w io.Writer) error {
	fmt.Fprintf(w, "CacheScope report for %s (fingerprint %016x)\n", r.Binary, r.Fingerprint)
	if r.DebugInfoMissing {
		fmt.Fprintf(w, "WARNING: binary carries no debug information; attribution degraded\n")
	}
	if r.UnwindInfoMissing {
		fmt.Fprintf(w, "WARNING: binary carries no unwind information; stack attribution disabled\n")
	}

	r.writeStats(w)
	r.writeHotLines(w)

	if r.Verbose {
		r.writeFooter(w)
	}
	return nil
}

func (r *Report) writeStats(w io.Writer) {
	s := r.Stats
	fmt.Fprintf(w, "\n=== Sample Statistics ===\n")
	if s.Total == 0 {
		fmt.Fprintf(w, "No samples collected\n")
		return
	}
	fmt.Fprintf(w, "Total samples: %d\n", s.Total)
	fmt.Fprintf(w, "Samples with address: %d (%.1f%%)\n", s.WithAddr, 100*float64(s.WithAddr)/float64(s.Total))
	fmt.Fprintf(w, "Samples with IP: %d (%.1f%%)\n", s.WithIP, 100*float64(s.WithIP)/float64(s.Total))
	fmt.Fprintf(w, "Unique threads: %d\n", s.UniqueThreads)
	fmt.Fprintf(w, "Unique CPUs: %d\n", s.UniqueCPUs)
}

func (r *Report) writeHotLines(w io.Writer) {
	fmt.Fprintf(w, "\n=== False Sharing Analysis ===\n")
	if len(r.HotLines) == 0 {
		fmt.Fprintf(w, "\nNo suspicious cache lines found.\n")
		return
	}

	max := r.TopLines
	if max > len(r.HotLines) {
		max = len(r.HotLines)
	}

	for i := 0; i < max; i++ {
		h := r.HotLines[i]
		line := h.Line
		minAddr, maxAddr := line.AddrRange()

		fmt.Fprintf(w, "\nCache Line #%d: 0x%x\n", i+1, line.Base)
		fmt.Fprintf(w, "  Samples: %d (reads=%d, writes=%d)\n", line.Samples, line.Reads, line.Writes)
		fmt.Fprintf(w, "  Threads: %d\n", line.UniqueTIDs())
		fmt.Fprintf(w, "  Distinct offsets: %d (shared=%d, private_frac=%.2f, top_offsets=%d)\n",
			line.UniqueOffsets(), line.SharedOffsetCount, line.PrivateOffsetFraction, line.UniqueTopOffsets)
		fmt.Fprintf(w, "  Thread switches: %d (bounce=%.3f)\n", line.ThreadSwitches, line.BounceScore)
		fmt.Fprintf(w, "  Address range: 0x%x - 0x%x (%d bytes)\n", minAddr, maxAddr, maxAddr-minAddr)

		if len(h.Attributions) > 0 {
			entries := append([]attributionEntry(nil), h.Attributions...)
			sort.Slice(entries, func(a, b int) bool { return entries[a].Count > entries[b].Count })
			fmt.Fprintf(w, "  Variables:\n")
			for _, e := range entries {
				fmt.Fprintf(w, "    %s x%d\n", attribution.Describe(e.Result), e.Count)
			}
		}
		if h.Allocation != nil {
			fmt.Fprintf(w, "  Allocation: %s of %s at callsite 0x%x\n",
				allocKind(h.Allocation.Kind), humanize.IBytes(h.Allocation.Size), h.Allocation.CallsiteIP)
		}
	}
}

func allocKind(k alloctracker.Kind) string {
	if k == alloctracker.KindMmap {
		return "mmap"
	}
	return "heap allocation"
}

func (r *Report) writeFooter(w io.Writer) {
	fmt.Fprintf(w, "\n=== Diagnostics ===\n")
	fmt.Fprintf(w, "Skipped compilation units: %d\n", r.SkippedUnits)
	fmt.Fprintf(w, "Skipped variables: %d\n", r.SkippedVariables)
	fmt.Fprintf(w, "Malformed sample lines: %d\n", r.Malformed)
	fmt.Fprintf(w, "Samples dropped by DSO filter: %d\n", r.Filtered)
}
