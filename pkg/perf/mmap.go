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

import "strings"

// MmapEvent is a decoded PERF_RECORD_MMAP2 line from the recorder stream.
type MmapEvent struct {
	Start      uint64
	Length     uint64
	PageOffset uint64
	Path       string
}

// Bias is the load bias the mapping implies for position-independent
// executables.
func (m MmapEvent) Bias() uint64 {
	return m.Start - m.PageOffset
}

// ParseMmapEvent decodes a memory-map event line of the form
//
//	comm pid/tid [cpu] time: PERF_RECORD_MMAP2 pid/tid: [0xSTART(0xLEN) @ 0xPGOFF …]: perms path
//
// ok is false for lines that are not mmap events.
func ParseMmapEvent(line string) (MmapEvent, bool) {
	marker := strings.Index(line, "PERF_RECORD_MMAP")
	if marker < 0 {
		return MmapEvent{}, false
	}

	toks := strings.Fields(line[marker:])
	var ev MmapEvent
	addrIdx := -1
	for i, tok := range toks {
		if strings.HasPrefix(tok, "[0x") {
			addrIdx = i
			break
		}
	}
	if addrIdx < 0 {
		return MmapEvent{}, false
	}

	// "[0xSTART(0xLEN)" carries start and length.
	addrTok := strings.TrimPrefix(toks[addrIdx], "[")
	open := strings.IndexByte(addrTok, '(')
	if open < 0 {
		return MmapEvent{}, false
	}
	start, err := parseHexToken(addrTok[:open])
	if err != nil {
		return MmapEvent{}, false
	}
	length, err := parseHexToken(strings.TrimSuffix(addrTok[open+1:], ")"))
	if err != nil {
		return MmapEvent{}, false
	}
	ev.Start, ev.Length = start, length

	// "@ 0xPGOFF" follows.
	if addrIdx+2 < len(toks) && toks[addrIdx+1] == "@" {
		pgoff, err := parseHexToken(strings.TrimSuffix(toks[addrIdx+2], "]:"))
		if err == nil {
			ev.PageOffset = pgoff
		}
	}

	// The path is the trailing token.
	if last := toks[len(toks)-1]; strings.HasPrefix(last, "/") || strings.HasPrefix(last, "[") {
		ev.Path = last
	}
	return ev, true
}
