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
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTableInsertLookupDelete(t *testing.T) {
	table := NewTable()

	require.NoError(t, table.Insert(Region{Base: 0x1000, Size: 64, CallsiteIP: 0x401234, Kind: KindHeap, FD: -1}))

	r, ok := table.Lookup(0x1000)
	require.True(t, ok)
	require.Equal(t, uint64(0x1000), r.Base)
	require.Equal(t, uint64(64), r.Size)
	require.Equal(t, uint64(0x401234), r.CallsiteIP)
	require.Equal(t, KindHeap, r.Kind)
	require.Equal(t, int32(-1), r.FD)

	require.True(t, table.Delete(0x1000))
	_, ok = table.Lookup(0x1000)
	require.False(t, ok)
	require.False(t, table.Delete(0x1000))
}

// Lookup monotonicity: between insert(p, n) and delete(p), every interior
// address resolves to the same entry.
func TestTableLookupMonotonicity(t *testing.T) {
	table := NewTable()
	const (
		base = uint64(0x7f0000001000)
		size = uint64(64 * 1024)
	)
	require.NoError(t, table.Insert(Region{Base: base, Size: size, Kind: KindMmap, FD: 3}))

	for _, k := range []uint64{0, 1, 7, 63, 64, 4095, 4096, size / 2, size - 1} {
		r, ok := table.Lookup(base + k)
		require.True(t, ok, "offset %d", k)
		require.Equal(t, base, r.Base, "offset %d", k)
		require.Equal(t, size, r.Size)
	}

	_, ok := table.Lookup(base + size)
	require.False(t, ok)
	_, ok = table.Lookup(base - 1)
	require.False(t, ok)
}

// Live regions never overlap: the table reflects exactly what was inserted
// and not yet deleted.
func TestTableNonOverlap(t *testing.T) {
	table := NewTable()

	bases := []uint64{0x10000, 0x20000, 0x30000, 0x40000}
	for _, b := range bases {
		require.NoError(t, table.Insert(Region{Base: b, Size: 0x100, Kind: KindHeap}))
	}
	require.True(t, table.Delete(0x20000))

	type iv struct{ lo, hi uint64 }
	var live []iv
	table.Live(func(r Region) bool {
		live = append(live, iv{r.Base, r.Base + r.Size})
		return true
	})
	require.Len(t, live, 3)
	for i := range live {
		for j := range live {
			if i == j {
				continue
			}
			disjoint := live[i].hi <= live[j].lo || live[j].hi <= live[i].lo
			require.True(t, disjoint, "%#x-%#x overlaps %#x-%#x", live[i].lo, live[i].hi, live[j].lo, live[j].hi)
		}
	}
}

func TestTableTombstoneReuse(t *testing.T) {
	table := NewTable()

	// Two bases colliding into the same bucket.
	a := uint64(0x1000)
	b := a + TableCapacity*16
	require.Equal(t, hashAddr(a), hashAddr(b))

	require.NoError(t, table.Insert(Region{Base: a, Size: 16}))
	require.NoError(t, table.Insert(Region{Base: b, Size: 16}))

	// Deleting the first must keep the second reachable through the
	// tombstone.
	require.True(t, table.Delete(a))
	r, ok := table.Lookup(b)
	require.True(t, ok)
	require.Equal(t, b, r.Base)

	// The tombstone is reusable.
	require.NoError(t, table.Insert(Region{Base: a, Size: 16}))
	_, ok = table.Lookup(a)
	require.True(t, ok)
}

func TestTableConcurrentInsertDelete(t *testing.T) {
	table := NewTable()

	const (
		workers = 8
		rounds  = 2000
	)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			base := uint64(0x100000000 + w*0x1000000)
			for i := 0; i < rounds; i++ {
				addr := base + uint64(i)*128
				if err := table.Insert(Region{Base: addr, Size: 64, Kind: KindHeap}); err != nil {
					continue
				}
				if r, ok := table.Lookup(addr + 32); ok {
					if r.Base != addr {
						t.Errorf("lookup returned %#x for %#x", r.Base, addr)
						return
					}
				}
				if i%2 == 0 {
					table.Delete(addr)
				}
			}
		}(w)
	}
	wg.Wait()

	count := 0
	table.Live(func(Region) bool { count++; return true })
	require.Equal(t, workers*rounds/2, count)
}
