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

package util

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeULEB128(t *testing.T) {
	tests := []struct {
		in   []byte
		want uint64
		len  uint32
	}{
		{[]byte{0x00}, 0, 1},
		{[]byte{0x7f}, 127, 1},
		{[]byte{0x80, 0x01}, 128, 2},
		{[]byte{0xe5, 0x8e, 0x26}, 624485, 3},
	}
	for _, tt := range tests {
		got, n := DecodeULEB128(bytes.NewBuffer(tt.in))
		require.Equal(t, tt.want, got)
		require.Equal(t, tt.len, n)
	}
}

func TestDecodeSLEB128(t *testing.T) {
	tests := []struct {
		in   []byte
		want int64
	}{
		{[]byte{0x00}, 0},
		{[]byte{0x3f}, 63},
		{[]byte{0x40}, -64},
		{[]byte{0x7f}, -1},
		{[]byte{0x78}, -8},
		{[]byte{0x80, 0x7f}, -128},
	}
	for _, tt := range tests {
		got, _ := DecodeSLEB128(bytes.NewBuffer(tt.in))
		require.Equal(t, tt.want, got, "%#v", tt.in)
	}
}

func TestReadString(t *testing.T) {
	buf := bytes.NewBuffer([]byte{'z', 'R', 0, 0x1b})
	s, err := ReadString(buf)
	require.NoError(t, err)
	require.Equal(t, "zR", s)
	require.Equal(t, 1, buf.Len())
}

func TestReadUintRaw(t *testing.T) {
	v, err := ReadUintRaw(bytes.NewReader([]byte{0x10, 0x20, 0, 0, 0, 0, 0, 0}), 8)
	require.NoError(t, err)
	require.Equal(t, uint64(0x2010), v)

	v, err = ReadUintRaw(bytes.NewReader([]byte{0x01, 0x02, 0x03, 0x04}), 4)
	require.NoError(t, err)
	require.Equal(t, uint64(0x04030201), v)
}
