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
	"encoding/binary"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/cachescope/cachescope/internal/dwarf/frame"
	"github.com/cachescope/cachescope/pkg/perf"
)

// buildFDEs assembles a synthetic .eh_frame whose single FDE covers
// [0x401000, 0x401100) with the rule CFA = rsp + 16.
func buildFDEs(t *testing.T) frame.FrameDescriptionEntries {
	t.Helper()

	var data []byte
	u32 := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		data = append(data, b[:]...)
	}
	u64 := func(v uint64) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		data = append(data, b[:]...)
	}

	u32(16)
	u32(0)
	data = append(data, 1)                // version
	data = append(data, 'z', 'R', 0)      // augmentation
	data = append(data, 1)                // code alignment
	data = append(data, 0x78)             // data alignment -8
	data = append(data, 16)               // return address register
	data = append(data, 1)                // augmentation data length
	data = append(data, 0x04)             // pointer encoding udata8
	data = append(data, 0x0c, 0x07, 0x10) // DW_CFA_def_cfa rsp+16

	u32(21)
	u32(24)
	u64(0x401000)
	u64(0x100)
	data = append(data, 0)

	fdes, err := frame.Parse(data, binary.LittleEndian, 0, 8, 0x1000)
	require.NoError(t, err)
	return fdes
}

// S5: FDE rule (reg=7, offset=16), sp=0x7fffA000 => CFA = 0x7fffA010.
func TestComputeCFA(t *testing.T) {
	fdes := buildFDEs(t)

	cfa, err := ComputeCFA(fdes, 0x401010, 0x7fffa000, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0x7fffa010), cfa)
}

// CFA determinism: a pure function of the table and register values.
func TestComputeCFADeterminism(t *testing.T) {
	fdes := buildFDEs(t)

	first, err := ComputeCFA(fdes, 0x401010, 0x7fffa000, 0x7fffb000)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		got, err := ComputeCFA(fdes, 0x401010, 0x7fffa000, 0x7fffb000)
		require.NoError(t, err)
		require.Equal(t, first, got)
	}
}

func TestComputeCFAFailures(t *testing.T) {
	fdes := buildFDEs(t)

	// No covering FDE.
	_, err := ComputeCFA(fdes, 0x500000, 0x7fffa000, 0)
	require.ErrorIs(t, err, ErrCannotCompute)

	// Register value not sampled.
	_, err = ComputeCFA(fdes, 0x401010, 0, 0)
	require.ErrorIs(t, err, ErrCannotCompute)
}

func TestResolverBiasSelection(t *testing.T) {
	fdes := buildFDEs(t)

	// Runtime IPs shifted by a page-aligned load bias; the zero bias
	// fails (no FDE covers the runtime IP) and the mmap bias succeeds.
	const bias = uint64(0x55d400000000)
	r := NewResolver(prometheus.NewRegistry(), fdes, bias, 0)

	s := &perf.Sample{IP: bias + 0x401010, SP: 0x7fffa000}
	cfa, err := r.Compute(s)
	require.NoError(t, err)
	require.Equal(t, uint64(0x7fffa010), cfa)
}

func TestResolverInferredBias(t *testing.T) {
	fdes := buildFDEs(t)

	// No mmap event seen; the minimum in-binary sample IP aligns the
	// table instead.
	const bias = uint64(0x55d400000000)
	r := NewResolver(prometheus.NewRegistry(), fdes, 0, bias+0x401000)

	s := &perf.Sample{IP: bias + 0x401010, SP: 0x7fffa000}
	cfa, err := r.Compute(s)
	require.NoError(t, err)
	require.Equal(t, uint64(0x7fffa010), cfa)
}

func TestResolverNoBiasWorks(t *testing.T) {
	fdes := buildFDEs(t)
	r := NewResolver(prometheus.NewRegistry(), fdes, 0, 0)

	s := &perf.Sample{IP: 0x401010, SP: 0x7fffa000}
	cfa, err := r.Compute(s)
	require.NoError(t, err)
	require.Equal(t, uint64(0x7fffa010), cfa)
}
