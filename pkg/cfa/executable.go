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

package cfa

import (
	"debug/elf"
	"errors"
	"fmt"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/cachescope/cachescope/internal/dwarf/frame"
)

var (
	ErrNoFDEsFound     = errors.New("no FDEs found")
	ErrSectionNotFound = errors.New("failed to find section")
)

// ReadFDEs extracts the frame description table from the target's unwind
// sections, preferring .eh_frame and falling back to .debug_frame. The
// result is sorted and deduplicated.
func ReadFDEs(logger log.Logger, path string) (frame.FrameDescriptionEntries, error) {
	obj, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open elf %s: %w", path, err)
	}
	defer obj.Close()

	fdes, err := readFDEsFromSection(obj, ".eh_frame")
	if err != nil {
		level.Debug(logger).Log("msg", "falling back to .debug_frame", "err", err)
		fdes, err = readFDEsFromSection(obj, ".debug_frame")
		if err != nil {
			return nil, err
		}
	}

	sort.Sort(fdes)

	// Drop empty entries, entries at address zero, and exact duplicates of
	// the preceding entry; overlapping entries with different ranges are
	// kept.
	deduplicated := make(frame.FrameDescriptionEntries, 0, len(fdes))
	for i, fde := range fdes {
		if fde.Begin() == 0 || fde.Begin() == fde.End() {
			continue
		}
		if i > 0 {
			last := fdes[i-1]
			if last.End() > fde.Begin() && fde.Begin() == last.Begin() && fde.End() == last.End() {
				continue
			}
		}
		deduplicated = append(deduplicated, fde)
	}
	if len(deduplicated) == 0 {
		return nil, ErrNoFDEsFound
	}

	return deduplicated, nil
}

func readFDEsFromSection(obj *elf.File, section string) (frame.FrameDescriptionEntries, error) {
	sec := obj.Section(section)
	if sec == nil {
		return nil, fmt.Errorf("%w: %s", ErrSectionNotFound, section)
	}

	secData, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("read %s section: %w", section, err)
	}

	sectionAddr := sec.Addr
	if section == ".debug_frame" {
		sectionAddr = 0
	}

	fdes, err := frame.Parse(secData, obj.ByteOrder, 0, pointerSize(obj.Machine), sectionAddr)
	if err != nil {
		return nil, fmt.Errorf("parse frame data: %w", err)
	}
	if len(fdes) == 0 {
		return nil, ErrNoFDEsFound
	}
	return fdes, nil
}

func pointerSize(arch elf.Machine) int {
	//nolint:exhaustive
	switch arch {
	case elf.EM_386:
		return 4
	default:
		return 8
	}
}
