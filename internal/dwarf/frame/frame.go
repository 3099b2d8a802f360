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

// Package frame decodes the call-frame information carried in the .eh_frame
// and .debug_frame sections and evaluates it into canonical-frame-address
// rules per instruction address.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

var ErrNoFDEForPC = errors.New("no FDE covers the program counter")

// CommonInformationEntry represents a CIE shared by one or more FDEs.
type CommonInformationEntry struct {
	Length                uint32
	CIE_id                uint32
	Version               uint8
	Augmentation          string
	CodeAlignmentFactor   uint64
	DataAlignmentFactor   int64
	ReturnAddressRegister uint64
	InitialInstructions   []byte
	staticBase            uint64

	// The pointer encoding announced by a 'z...R...' augmentation. Defaults
	// to an absolute pointer of the section's word size.
	ptrEncoding byte
}

// DescriptionEntry represents a frame description entry: the unwind
// instructions covering one contiguous range of machine code.
type DescriptionEntry struct {
	Length       uint32
	CIE          *CommonInformationEntry
	Instructions []byte
	begin, size  uint64
	order        binary.ByteOrder
}

// Begin returns the first covered instruction address.
func (fde *DescriptionEntry) Begin() uint64 {
	return fde.begin
}

// End returns the address one past the last covered instruction.
func (fde *DescriptionEntry) End() uint64 {
	return fde.begin + fde.size
}

// Cover reports whether addr lies within the FDE's range.
func (fde *DescriptionEntry) Cover(addr uint64) bool {
	return addr-fde.begin < fde.size
}

// FrameDescriptionEntries is a sortable FDE collection with PC lookup.
type FrameDescriptionEntries []*DescriptionEntry

func NewFrameIndex() FrameDescriptionEntries {
	return make(FrameDescriptionEntries, 0, 1000)
}

func (fdes FrameDescriptionEntries) Len() int      { return len(fdes) }
func (fdes FrameDescriptionEntries) Swap(i, j int) { fdes[i], fdes[j] = fdes[j], fdes[i] }
func (fdes FrameDescriptionEntries) Less(i, j int) bool {
	return fdes[i].Begin() < fdes[j].Begin()
}

// FDEForPC returns the entry covering pc. The receiver must be sorted.
func (fdes FrameDescriptionEntries) FDEForPC(pc uint64) (*DescriptionEntry, error) {
	idx := sort.Search(len(fdes), func(i int) bool {
		return fdes[i].End() > pc
	})
	if idx == len(fdes) || !fdes[idx].Cover(pc) {
		return nil, fmt.Errorf("%w: %#x", ErrNoFDEForPC, pc)
	}
	return fdes[idx], nil
}

// MinBegin returns the smallest covered address, or 0 for an empty set.
func (fdes FrameDescriptionEntries) MinBegin() uint64 {
	min := uint64(0)
	for _, fde := range fdes {
		if fde.Begin() == 0 {
			continue
		}
		if min == 0 || fde.Begin() < min {
			min = fde.Begin()
		}
	}
	return min
}
