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

// Package cpuinfo probes the host CPU to pick the memory-access sampling
// events the recorder should use.
package cpuinfo

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
)

// Vendor identifies the CPU vendor as reported by /proc/cpuinfo.
type Vendor int

const (
	VendorUnknown Vendor = iota
	VendorIntel
	VendorAMD
)

func (v Vendor) String() string {
	switch v {
	case VendorIntel:
		return "intel"
	case VendorAMD:
		return "amd"
	default:
		return "unknown"
	}
}

// Default sampling event lists per vendor. Intel PEBS splits loads and
// stores; AMD IBS tags ops without a reliable load/store split; everything
// else falls back to plain cycles.
const (
	eventsIntel   = "mem-loads:pp,mem-stores:pp"
	eventsAMD     = "ibs_op//"
	eventsGeneric = "cpu-cycles"
)

// DetectVendor reads the vendor identification from /proc/cpuinfo.
func DetectVendor() (Vendor, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return VendorUnknown, fmt.Errorf("open procfs: %w", err)
	}
	infos, err := fs.CPUInfo()
	if err != nil {
		return VendorUnknown, fmt.Errorf("read cpuinfo: %w", err)
	}
	for _, info := range infos {
		switch info.VendorID {
		case "GenuineIntel":
			return VendorIntel, nil
		case "AuthenticAMD":
			return VendorAMD, nil
		}
	}
	return VendorUnknown, nil
}

// DefaultEvents returns the sampling event list for the vendor.
func DefaultEvents(v Vendor) string {
	switch v {
	case VendorIntel:
		return eventsIntel
	case VendorAMD:
		return eventsAMD
	default:
		return eventsGeneric
	}
}

// HasStoreEvents reports whether the event list distinguishes stores, which
// decides the classifier's policy branch.
func HasStoreEvents(events string) bool {
	return strings.Contains(strings.ToLower(events), "store")
}

type InclusiveRange struct {
	First uint64
	Last  uint64
}

type CPUSet []InclusiveRange

func (s CPUSet) Num() uint64 {
	ret := uint64(0)
	for _, cpuRange := range s {
		ret += (cpuRange.Last - cpuRange.First + 1)
	}
	return ret
}

// OnlineCPUs parses the kernel's online CPU ranges.
func OnlineCPUs() (CPUSet, error) {
	ret := make([]InclusiveRange, 0)
	buf, err := os.ReadFile("/sys/devices/system/cpu/online")
	if err != nil {
		return nil, err
	}
	s := strings.Trim(string(buf), "\n ")
	for _, cpuRange := range strings.Split(s, ",") {
		if len(cpuRange) == 0 {
			continue
		}
		from, to, found := strings.Cut(cpuRange, "-")
		first, err := strconv.ParseUint(from, 10, 32)
		if err != nil {
			return nil, err
		}
		var last uint64
		if found {
			var err error
			last, err = strconv.ParseUint(to, 10, 32)
			if err != nil {
				return nil, err
			}
		} else {
			last = first
		}
		if last < first {
			return nil, fmt.Errorf("last online CPU in range (%d) less than first (%d)", last, first)
		}
		ret = append(ret, InclusiveRange{First: first, Last: last})
	}
	return ret, nil
}
