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

// Package perf ingests the textual per-sample stream emitted by the
// recorder's post-processor into typed records.
package perf

import (
	"fmt"
	"strings"
)

// EventKind classifies a sample's access type.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventLoad
	EventStore
)

func (k EventKind) String() string {
	switch k {
	case EventLoad:
		return "load"
	case EventStore:
		return "store"
	default:
		return "unknown"
	}
}

// Sample is one decoded record. Immutable after ingest.
type Sample struct {
	TID       uint32
	PID       uint32
	CPU       uint32
	IP        uint64
	Addr      uint64
	SP        uint64
	BP        uint64
	Timestamp uint64 // nanoseconds
	Kind      EventKind
	Symbol    string
	DSO       string
}

// BaseFunction returns the symbol stripped of any +0xNN suffix and any
// trailing parenthesized signature, suitable for comparison against
// debug-info function names.
func (s *Sample) BaseFunction() string {
	sym := s.Symbol
	if i := strings.LastIndex(sym, "+0x"); i >= 0 {
		sym = sym[:i]
	}
	if i := strings.IndexByte(sym, '('); i >= 0 {
		sym = sym[:i]
	}
	return strings.TrimSpace(sym)
}

// Format renders the sample back into the recorder's line format; the
// inverse of ParseLine for well-formed samples.
func (s *Sample) Format() string {
	event := "mem-loads:"
	switch s.Kind {
	case EventStore:
		event = "mem-stores:"
	case EventUnknown:
		event = "ibs_op//:"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d/%d [%03d] %d.%09d: %s %x %x %s (%s)",
		s.PID, s.TID, s.CPU, s.Timestamp/1e9, s.Timestamp%1e9,
		event, s.Addr, s.IP, s.Symbol, s.DSO)
	if s.SP != 0 || s.BP != 0 {
		fmt.Fprintf(&b, " SP:0x%x BP:0x%x", s.SP, s.BP)
	}
	return b.String()
}
