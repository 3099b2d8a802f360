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

// Package alloctracker is the process-resident allocation tracker: a
// lock-free live-region table plus a serialized event log. Hooks route every
// observed allocator call through here; when tracking is not activated they
// degrade to no-ops so the target never pays more than a flag check.
package alloctracker

import (
	"os"
	"runtime"

	"github.com/prometheus/procfs"
	"github.com/puzpuzpuz/xsync/v3"
	uatomic "go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// Environment variables read at process start. Tracking activates only when
// both are set.
const (
	EnvEnable     = "CACHESCOPE_ENABLE"
	EnvTracePath  = "CACHESCOPE_TRACE"
	EnvStackTrace = "CACHESCOPE_STACK_TRACE"
)

// addrRange is a half-open [Start, End) executable mapping of the main
// binary, established once at tracker construction.
type addrRange struct {
	Start, End uint64
}

type threadState struct {
	inHook bool
}

// Tracker is the process-wide singleton. Construction resolves the
// executable's mapped ranges and opens the trace file; Close flushes and
// closes it.
type Tracker struct {
	table   *Table
	events  *eventWriter
	stacks  *eventWriter
	enabled bool
	pid     uint32

	execRanges []addrRange

	// Per-thread reentrancy flags: while a hook runs on a thread, nested
	// hook entries on the same thread pass through untracked.
	threads *xsync.MapOf[int, *threadState]

	// Dropped events: table overflow, callsite capture failure, or a failed
	// trace-file append.
	Dropped uatomic.Uint64
}

// New builds the tracker from the environment. When the enable or
// trace-path variables are unset the tracker is inert: all hooks
// pass through.
func New() (*Tracker, error) {
	t := &Tracker{
		table:   NewTable(),
		pid:     uint32(os.Getpid()),
		threads: xsync.NewMapOf[int, *threadState](),
	}

	if os.Getenv(EnvEnable) == "" {
		return t, nil
	}
	tracePath := os.Getenv(EnvTracePath)
	if tracePath == "" {
		return t, nil
	}

	events, err := newEventWriter(tracePath)
	if err != nil {
		return nil, err
	}
	t.events = events

	if stackPath := os.Getenv(EnvStackTrace); stackPath != "" {
		// Stack-entry records are optional; failure to open the side file
		// never disables allocation tracking.
		if stacks, err := newEventWriter(stackPath); err == nil {
			t.stacks = stacks
		}
	}

	t.execRanges = selfExecutableRanges()
	t.enabled = true
	return t, nil
}

// Enabled reports whether hooks record anything.
func (t *Tracker) Enabled() bool {
	return t.enabled
}

// Table exposes the live-region index for in-process queries.
func (t *Tracker) Table() *Table {
	return t.table
}

// selfExecutableRanges reads the executable mappings of the main binary
// from /proc/self/maps.
func selfExecutableRanges() []addrRange {
	proc, err := procfs.Self()
	if err != nil {
		return nil
	}
	exe, err := os.Executable()
	if err != nil {
		return nil
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return nil
	}

	var ranges []addrRange
	for _, m := range maps {
		if m.Pathname != exe || !m.Perms.Execute {
			continue
		}
		ranges = append(ranges, addrRange{Start: uint64(m.StartAddr), End: uint64(m.EndAddr)})
	}
	return ranges
}

// callsite walks the return-address chain and returns the first IP inside
// the main executable. A zero return means the event should be skipped.
func (t *Tracker) callsite() uint64 {
	var pcs [32]uintptr
	n := runtime.Callers(3, pcs[:])
	for _, pc := range pcs[:n] {
		ip := uint64(pc)
		for _, r := range t.execRanges {
			if ip >= r.Start && ip < r.End {
				return ip
			}
		}
	}
	return 0
}

// enter marks the current thread as inside a hook. It returns false when the
// thread is already in a hook, in which case the caller must pass through.
func (t *Tracker) enter() (int, bool) {
	tid := unix.Gettid()
	state, _ := t.threads.LoadOrStore(tid, &threadState{})
	if state.inHook {
		return tid, false
	}
	state.inHook = true
	return tid, true
}

func (t *Tracker) exit(tid int) {
	if state, ok := t.threads.Load(tid); ok {
		state.inHook = false
	}
}

// OnAlloc records a new heap region rooted at base.
func (t *Tracker) OnAlloc(base, size uint64) {
	t.onInsert(base, size, KindHeap, -1)
}

// OnMmap records a new mapped region; fd is the backing descriptor or -1.
func (t *Tracker) OnMmap(base, size uint64, fd int32) {
	t.onInsert(base, size, KindMmap, fd)
}

func (t *Tracker) onInsert(base, size uint64, kind Kind, fd int32) {
	if !t.enabled || base == 0 {
		return
	}
	tid, ok := t.enter()
	if !ok {
		return
	}
	defer t.exit(tid)

	ip := t.callsite()
	if ip == 0 && len(t.execRanges) > 0 {
		// No frame inside the main executable: allocator-internal traffic.
		t.Dropped.Inc()
		return
	}

	region := Region{Base: base, Size: size, CallsiteIP: ip, Kind: kind, FD: fd}
	if err := t.table.Insert(region); err != nil {
		t.Dropped.Inc()
	}
	if err := t.events.append(Event{
		Base:       base,
		Size:       size,
		CallsiteIP: ip,
		PID:        t.pid,
		Kind:       kind,
	}); err != nil {
		t.Dropped.Inc()
	}
}

// OnFree records the release of the region rooted at base.
func (t *Tracker) OnFree(base uint64) {
	t.onRemove(base, KindHeap)
}

// OnMunmap records the unmapping of the region rooted at base.
func (t *Tracker) OnMunmap(base uint64) {
	t.onRemove(base, KindMmap)
}

func (t *Tracker) onRemove(base uint64, kind Kind) {
	if !t.enabled || base == 0 {
		return
	}
	tid, ok := t.enter()
	if !ok {
		return
	}
	defer t.exit(tid)

	t.table.Delete(base)
	if err := t.events.append(Event{
		Base: base,
		PID:  t.pid,
		Kind: kind,
		Free: true,
	}); err != nil {
		t.Dropped.Inc()
	}
}

// OnFunctionEnter appends a runtime stack-entry record when the optional
// stack trace file is configured.
func (t *Tracker) OnFunctionEnter(functionIP, cfa, callsite uint64) {
	if !t.enabled || t.stacks == nil {
		return
	}
	tid, ok := t.enter()
	if !ok {
		return
	}
	defer t.exit(tid)

	_ = t.stacks.append(Event{
		Base:       functionIP,
		Size:       cfa,
		CallsiteIP: callsite,
		PID:        t.pid,
		TypeHandle: uint64(tid),
	})
}

// Close flushes and closes the trace files; the teardown hook of the
// process must call it exactly once.
func (t *Tracker) Close() error {
	if !t.enabled {
		return nil
	}
	var firstErr error
	if t.stacks != nil {
		if err := t.stacks.close(); err != nil {
			firstErr = err
		}
	}
	if err := t.events.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
