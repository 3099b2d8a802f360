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
	"errors"
	"sync/atomic"

	uatomic "go.uber.org/atomic"
)

// Kind distinguishes how a tracked region was obtained.
type Kind uint32

const (
	KindHeap Kind = iota
	KindMmap
)

// Sentinel base values. Any base >= 2 is a live region.
const (
	slotEmpty     uint64 = 0
	slotTombstone uint64 = 1
)

const (
	// TableCapacity is fixed; overflow is a lost-event condition, not fatal.
	TableCapacity = 1 << 20
	tableMask     = TableCapacity - 1
)

var ErrTableFull = errors.New("allocation table full")

// Region is a snapshot of one live allocation. Lookups copy slot fields out;
// the caller must tolerate snapshots of regions freed concurrently.
type Region struct {
	Base       uint64
	Size       uint64
	CallsiteIP uint64
	Kind       Kind
	FD         int32
}

// slot holds the atomic fields of one table entry. The base word is the
// linearization point: it is CAS'd from empty on insert and overwritten with
// the tombstone on delete. The remaining fields are published relaxed after
// a successful claim.
type slot struct {
	base     atomic.Uint64
	size     atomic.Uint64
	callsite atomic.Uint64
	kindFD   atomic.Uint64 // kind in the low 32 bits, fd in the high 32.
}

// Table is the fixed-capacity open-addressed live-region index. Insertion
// and deletion are lock-free; lookup is wait-free given the bounded probe
// depth.
type Table struct {
	slots []slot

	// Lost events due to a full probe chain; reported, never fatal.
	Lost uatomic.Uint64
}

func NewTable() *Table {
	return &Table{slots: make([]slot, TableCapacity)}
}

func hashAddr(addr uint64) uint64 {
	return (addr >> 4) & tableMask
}

// Insert claims a slot for the region. Two live regions never overlap, so a
// CAS race on the same base means a duplicate insert and the second caller
// loses silently.
func (t *Table) Insert(r Region) error {
	if r.Base < 2 {
		return nil
	}

	idx := hashAddr(r.Base)
	for probed := 0; probed < TableCapacity; probed++ {
		s := &t.slots[idx]
		base := s.base.Load()
		if base == r.Base {
			return nil
		}
		if base == slotEmpty || base == slotTombstone {
			if s.base.CompareAndSwap(base, r.Base) {
				s.size.Store(r.Size)
				s.callsite.Store(r.CallsiteIP)
				s.kindFD.Store(uint64(r.Kind) | uint64(uint32(r.FD))<<32)
				return nil
			}
			// Lost the race for this slot; a winner with the same base makes
			// this a duplicate insert, otherwise keep probing.
			if s.base.Load() == r.Base {
				return nil
			}
		}
		idx = (idx + 1) & tableMask
	}

	t.Lost.Inc()
	return ErrTableFull
}

// Delete tombstones the slot whose base equals addr. The probe stops at the
// first empty slot: a live record is always reachable without crossing
// empties.
func (t *Table) Delete(addr uint64) bool {
	if addr < 2 {
		return false
	}

	idx := hashAddr(addr)
	for probed := 0; probed < TableCapacity; probed++ {
		s := &t.slots[idx]
		base := s.base.Load()
		if base == slotEmpty {
			return false
		}
		if base == addr {
			s.base.Store(slotTombstone)
			return true
		}
		idx = (idx + 1) & tableMask
	}
	return false
}

// A base hashes at (base >> 4), so the bucket of an interior address sits
// size/16 buckets past the bucket of its base. The backward scan bound
// therefore caps the region size Lookup can resolve (1 MiB) and keeps the
// operation wait-free.
const maxLookupBackProbes = 1 << 16

// Lookup returns a snapshot of the live region containing addr. The forward
// walk catches bases displaced past the address's own bucket by collisions;
// the backward walk covers interior addresses of larger regions. The
// snapshot may describe a region freed concurrently; post-hoc callers
// tolerate that.
func (t *Table) Lookup(addr uint64) (Region, bool) {
	idx := hashAddr(addr)
	for probed := 0; probed < 64; probed++ {
		s := &t.slots[idx]
		base := s.base.Load()
		if base == slotEmpty {
			break
		}
		if r, ok := snapshotIfCovers(s, base, addr); ok {
			return r, true
		}
		idx = (idx + 1) & tableMask
	}

	idx = hashAddr(addr)
	for probed := 0; probed < maxLookupBackProbes; probed++ {
		idx = (idx - 1) & tableMask
		s := &t.slots[idx]
		base := s.base.Load()
		if r, ok := snapshotIfCovers(s, base, addr); ok {
			return r, true
		}
	}
	return Region{}, false
}

func snapshotIfCovers(s *slot, base, addr uint64) (Region, bool) {
	if base == slotEmpty || base == slotTombstone {
		return Region{}, false
	}
	size := s.size.Load()
	if base <= addr && addr < base+size {
		kindFD := s.kindFD.Load()
		return Region{
			Base:       base,
			Size:       size,
			CallsiteIP: s.callsite.Load(),
			Kind:       Kind(uint32(kindFD)),
			FD:         int32(uint32(kindFD >> 32)),
		}, true
	}
	return Region{}, false
}

// Live calls fn for every live region; intended for tests and teardown
// reporting, not for the hot path.
func (t *Table) Live(fn func(Region) bool) {
	for i := range t.slots {
		s := &t.slots[i]
		base := s.base.Load()
		if base == slotEmpty || base == slotTombstone {
			continue
		}
		kindFD := s.kindFD.Load()
		r := Region{
			Base:       base,
			Size:       s.size.Load(),
			CallsiteIP: s.callsite.Load(),
			Kind:       Kind(uint32(kindFD)),
			FD:         int32(uint32(kindFD >> 32)),
		}
		if !fn(r) {
			return
		}
	}
}
