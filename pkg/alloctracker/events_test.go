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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventRoundTrip(t *testing.T) {
	events := []Event{
		{Base: 0x7f0000000000, Size: 4096, CallsiteIP: 0x401234, PID: 42, TypeHandle: 0xdeadbeef, Kind: KindMmap},
		{Base: 0x1000, Size: 64, CallsiteIP: 0x400abc, PID: 42, Kind: KindHeap},
		{Base: 0x1000, PID: 42, Kind: KindHeap, Free: true},
	}

	var buf [EventSize]byte
	for _, ev := range events {
		EncodeEvent(buf[:], ev)
		require.Equal(t, ev, DecodeEvent(buf[:]))
	}
}

func TestEventWriterAndReadEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace")

	w, err := newEventWriter(path)
	require.NoError(t, err)

	want := []Event{
		{Base: 0x1000, Size: 64, CallsiteIP: 0x400100, PID: 7, Kind: KindHeap},
		{Base: 0x2000, Size: 128, CallsiteIP: 0x400200, PID: 7, Kind: KindHeap},
		{Base: 0x1000, PID: 7, Kind: KindHeap, Free: true},
	}
	for _, ev := range want {
		require.NoError(t, w.append(ev))
	}
	require.NoError(t, w.close())

	got, err := ReadEvents(path)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestReadEventsIgnoresPartialTrailer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace")

	w, err := newEventWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.append(Event{Base: 0x1000, Size: 64, PID: 1}))
	require.NoError(t, w.close())

	// A producer killed mid-append leaves a torn record.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write(make([]byte, EventSize/2))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err := ReadEvents(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestReplayLiveSet(t *testing.T) {
	events := []Event{
		{Base: 0x1000, Size: 64, PID: 1},
		{Base: 0x2000, Size: 128, PID: 1},
		{Base: 0x1000, PID: 1, Free: true},
		{Base: 0x3000, Size: 32, PID: 2},
	}

	live := ReplayLiveSet(events, -1)
	require.Len(t, live, 2)
	require.Contains(t, live, uint64(0x2000))
	require.Contains(t, live, uint64(0x3000))

	// After the first two events both regions are live.
	live = ReplayLiveSet(events, 2)
	require.Len(t, live, 2)
	require.Contains(t, live, uint64(0x1000))
}

// Replay over a log produced by tracker-style interleaving matches the
// table's final live set.
func TestReplayMatchesTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace")
	w, err := newEventWriter(path)
	require.NoError(t, err)

	table := NewTable()
	for i := 0; i < 100; i++ {
		base := uint64(0x10000 + i*0x100)
		require.NoError(t, table.Insert(Region{Base: base, Size: 0x80, Kind: KindHeap}))
		require.NoError(t, w.append(Event{Base: base, Size: 0x80, PID: 1, Kind: KindHeap}))
		if i%3 == 0 {
			table.Delete(base)
			require.NoError(t, w.append(Event{Base: base, PID: 1, Kind: KindHeap, Free: true}))
		}
	}
	require.NoError(t, w.close())

	events, err := ReadEvents(path)
	require.NoError(t, err)
	live := ReplayLiveSet(events, -1)

	var tableLive int
	table.Live(func(r Region) bool {
		tableLive++
		ev, ok := live[r.Base]
		require.True(t, ok, "table entry %#x missing from replay", r.Base)
		require.Equal(t, r.Size, ev.Size)
		return true
	})
	require.Equal(t, len(live), tableLive)
}
