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

package cpuinfo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultEvents(t *testing.T) {
	require.Equal(t, "mem-loads:pp,mem-stores:pp", DefaultEvents(VendorIntel))
	require.Equal(t, "ibs_op//", DefaultEvents(VendorAMD))
	require.Equal(t, "cpu-cycles", DefaultEvents(VendorUnknown))
}

func TestHasStoreEvents(t *testing.T) {
	require.True(t, HasStoreEvents("mem-loads:pp,mem-stores:pp"))
	require.True(t, HasStoreEvents("MEM-STORES"))
	require.False(t, HasStoreEvents("ibs_op//"))
	require.False(t, HasStoreEvents("cpu-cycles"))
}

func TestCPUSetNum(t *testing.T) {
	s := CPUSet{{First: 0, Last: 3}, {First: 8, Last: 8}}
	require.Equal(t, uint64(5), s.Num())
}

func TestVendorString(t *testing.T) {
	require.Equal(t, "intel", VendorIntel.String())
	require.Equal(t, "amd", VendorAMD.String())
	require.Equal(t, "unknown", VendorUnknown.String())
}
