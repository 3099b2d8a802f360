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
	"io"
)

// ByteReaderWithLen is satisfied by *bytes.Buffer and *bytes.Reader.
type ByteReaderWithLen interface {
	io.ByteReader
	Len() int
}

// DecodeULEB128 decodes an unsigned Little Endian Base 128 value and returns
// the value together with the number of bytes read.
func DecodeULEB128(buf ByteReaderWithLen) (uint64, uint32) {
	var (
		result uint64
		shift  uint64
		length uint32
	)

	if buf.Len() == 0 {
		return 0, 0
	}

	for {
		b, err := buf.ReadByte()
		if err != nil {
			panic("could not parse ULEB128 value")
		}
		length++

		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}

	return result, length
}

// DecodeSLEB128 decodes a signed Little Endian Base 128 value and returns the
// value together with the number of bytes read.
func DecodeSLEB128(buf ByteReaderWithLen) (int64, uint32) {
	var (
		b      byte
		err    error
		result int64
		shift  uint64
		length uint32
	)

	if buf.Len() == 0 {
		return 0, 0
	}

	for {
		b, err = buf.ReadByte()
		if err != nil {
			panic("could not parse SLEB128 value")
		}
		length++

		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}

	if (shift < 64) && (b&0x40 > 0) {
		result |= -(1 << shift)
	}

	return result, length
}

// ReadUintRaw reads an unsigned integer of ptrSize bytes in little-endian
// order from reader.
func ReadUintRaw(reader io.Reader, ptrSize int) (uint64, error) {
	buf := make([]byte, ptrSize)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return 0, err
	}

	var result uint64
	for i := ptrSize - 1; i >= 0; i-- {
		result = result<<8 | uint64(buf[i])
	}
	return result, nil
}

// ReadString reads a null-terminated string from data.
func ReadString(data *bytes.Buffer) (string, error) {
	str, err := data.ReadString(0x0)
	if err != nil {
		return "", err
	}

	return str[:len(str)-1], nil
}
