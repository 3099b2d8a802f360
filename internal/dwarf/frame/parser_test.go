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

package frame

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildTestSection builds a minimal .eh_frame with one CIE ("zR", udata8
// pointers, def_cfa rsp+8) and one FDE covering [0x401000, 0x401100) whose
// program bumps the CFA offset to 16 four bytes in.
func buildTestSection(t *testing.T) []byte {
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

	// CIE.
	u32(16)  // length
	u32(0)   // CIE id
	data = append(data, 1)                // version
	data = append(data, 'z', 'R', 0)      // augmentation
	data = append(data, 1)                // code alignment factor
	data = append(data, 0x78)             // data alignment factor -8
	data = append(data, 16)               // return address register
	data = append(data, 1)                // augmentation data length
	data = append(data, 0x04)             // FDE pointer encoding: udata8
	data = append(data, 0x0c, 0x07, 0x08) // DW_CFA_def_cfa rsp+8

	// FDE.
	u32(24) // length
	u32(24) // back-distance to the CIE
	u64(0x401000)
	u64(0x100)
	data = append(data, 0)          // augmentation data length
	data = append(data, 0x44)       // DW_CFA_advance_loc 4
	data = append(data, 0x0e, 0x10) // DW_CFA_def_cfa_offset 16

	return data
}

func TestParseSyntheticEhFrame(t *testing.T) {
	fdes, err := Parse(buildTestSection(t), binary.LittleEndian, 0, 8, 0x1000)
	require.NoError(t, err)
	require.Len(t, fdes, 1)

	fde := fdes[0]
	require.Equal(t, uint64(0x401000), fde.Begin())
	require.Equal(t, uint64(0x401100), fde.End())
	require.Equal(t, "zR", fde.CIE.Augmentation)
	require.Equal(t, int64(-8), fde.CIE.DataAlignmentFactor)
	require.Equal(t, uint64(16), fde.CIE.ReturnAddressRegister)
}

func TestParseStaticBase(t *testing.T) {
	fdes, err := Parse(buildTestSection(t), binary.LittleEndian, 0x10000, 8, 0x1000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x411000), fdes[0].Begin())
}

func TestFDEForPC(t *testing.T) {
	fdes, err := Parse(buildTestSection(t), binary.LittleEndian, 0, 8, 0x1000)
	require.NoError(t, err)

	fde, err := fdes.FDEForPC(0x401080)
	require.NoError(t, err)
	require.Equal(t, uint64(0x401000), fde.Begin())

	_, err = fdes.FDEForPC(0x400fff)
	require.ErrorIs(t, err, ErrNoFDEForPC)
	_, err = fdes.FDEForPC(0x401100)
	require.ErrorIs(t, err, ErrNoFDEForPC)
}

func TestExecuteDwarfProgramUntilPC(t *testing.T) {
	fdes, err := Parse(buildTestSection(t), binary.LittleEndian, 0, 8, 0x1000)
	require.NoError(t, err)
	fde := fdes[0]

	// Before the advance the CIE's initial rule holds.
	row, err := ExecuteDwarfProgramUntilPC(fde, 0x401002)
	require.NoError(t, err)
	require.Equal(t, RuleCFA, row.CFA.Rule)
	require.Equal(t, uint64(RSPRegister), row.CFA.Reg)
	require.Equal(t, int64(8), row.CFA.Offset)

	// Past it the FDE's own program applies.
	row, err = ExecuteDwarfProgramUntilPC(fde, 0x401008)
	require.NoError(t, err)
	require.Equal(t, int64(16), row.CFA.Offset)

	_, err = ExecuteDwarfProgramUntilPC(fde, 0x402000)
	require.ErrorIs(t, err, ErrNoFDEForPC)
}

func TestParseTruncatedSection(t *testing.T) {
	data := buildTestSection(t)
	_, err := Parse(data[:7], binary.LittleEndian, 0, 8, 0x1000)
	require.Error(t, err)
}

func TestParseZeroTerminator(t *testing.T) {
	data := append(buildTestSection(t), 0, 0, 0, 0)
	fdes, err := Parse(data, binary.LittleEndian, 0, 8, 0x1000)
	require.NoError(t, err)
	require.Len(t, fdes, 1)
}
