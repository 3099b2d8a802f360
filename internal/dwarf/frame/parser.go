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
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cachescope/cachescope/internal/dwarf/util"
)

// DWARF exception-header pointer encodings.
const (
	ptrEncAbs    = 0x00
	ptrEncULEB   = 0x01
	ptrEncUdata2 = 0x02
	ptrEncUdata4 = 0x03
	ptrEncUdata8 = 0x04
	ptrEncSigned = 0x08
	ptrEncSLEB   = 0x09
	ptrEncSdata2 = 0x0a
	ptrEncSdata4 = 0x0b
	ptrEncSdata8 = 0x0c

	ptrEncPCRel   = 0x10
	ptrEncTextRel = 0x20
	ptrEncDataRel = 0x30
	ptrEncOmit    = 0xff
)

const cieIDEhFrame = 0x0

type parseContext struct {
	buf     *bytes.Buffer
	common  *CommonInformationEntry
	frame   *DescriptionEntry
	entries FrameDescriptionEntries

	// CIEs seen so far in this section keyed by their section offset; FDEs
	// back-reference them.
	ciemap map[uint32]*CommonInformationEntry

	staticBase  uint64
	sectionAddr uint64
	ptrSize     int
	ehFrame     bool
	order       binary.ByteOrder

	length   uint32
	totalLen int
}

// pos is the current offset from the start of the section.
func (ctx *parseContext) pos() uint64 {
	return uint64(ctx.totalLen - ctx.buf.Len())
}

// Parse decodes the raw call-frame section into frame description entries.
// sectionAddr is the virtual address the section is loaded at (zero for
// .debug_frame, whose pointers are absolute).
func Parse(data []byte, order binary.ByteOrder, staticBase uint64, ptrSize int, sectionAddr uint64) (FrameDescriptionEntries, error) {
	ctx := &parseContext{
		buf:         bytes.NewBuffer(data),
		entries:     NewFrameIndex(),
		ciemap:      map[uint32]*CommonInformationEntry{},
		staticBase:  staticBase,
		sectionAddr: sectionAddr,
		ptrSize:     ptrSize,
		ehFrame:     sectionAddr != 0,
		order:       order,
		totalLen:    len(data),
	}

	for ctx.buf.Len() > 0 {
		if err := parseEntry(ctx); err != nil {
			return nil, err
		}
	}

	sort.Sort(ctx.entries)
	return ctx.entries, nil
}

func parseEntry(ctx *parseContext) error {
	start := ctx.pos()

	var length uint32
	if err := binary.Read(ctx.buf, ctx.order, &length); err != nil {
		return fmt.Errorf("read entry length: %w", err)
	}
	if length == 0 {
		// Zero terminator at the end of .eh_frame.
		return nil
	}
	if length == 0xffffffff {
		return fmt.Errorf("64-bit DWARF frame sections are not supported")
	}
	if int(length) > ctx.buf.Len() {
		return fmt.Errorf("frame entry length %d exceeds section", length)
	}
	ctx.length = length

	var cieField uint32
	if err := binary.Read(ctx.buf, ctx.order, &cieField); err != nil {
		return fmt.Errorf("read CIE field: %w", err)
	}

	body := ctx.buf.Next(int(length) - 4)
	bodyPos := ctx.pos() - uint64(len(body))

	if ctx.isCIE(cieField) {
		cie := &CommonInformationEntry{
			Length:      length,
			CIE_id:      cieField,
			staticBase:  ctx.staticBase,
			ptrEncoding: defaultPtrEncoding(ctx.ptrSize),
		}
		sub := &parseContext{
			buf:      bytes.NewBuffer(body),
			common:   cie,
			length:   length,
			totalLen: len(body),
			order:    ctx.order,
			ptrSize:  ctx.ptrSize,
		}
		if err := parseCIE(sub); err != nil {
			return err
		}
		ctx.ciemap[uint32(start)] = cie
		return nil
	}

	// An FDE. In .eh_frame the CIE field is the distance back from the
	// field itself to the CIE; in .debug_frame it is a section offset.
	var cieOff uint32
	if ctx.ehFrame {
		cieOff = uint32(start) + 4 - cieField
	} else {
		cieOff = cieField
	}
	cie, ok := ctx.ciemap[cieOff]
	if !ok {
		return fmt.Errorf("FDE at %#x references unknown CIE at %#x", start, cieOff)
	}

	return parseFDE(ctx, cie, body, bodyPos)
}

func (ctx *parseContext) isCIE(cieField uint32) bool {
	if ctx.ehFrame {
		return cieField == cieIDEhFrame
	}
	return cieField == 0xffffffff
}

func defaultPtrEncoding(ptrSize int) byte {
	if ptrSize == 4 {
		return ptrEncUdata4
	}
	return ptrEncUdata8
}

// parseCIE decodes the CIE body in ctx.buf; everything remaining after the
// fixed fields and augmentation data are the initial instructions.
func parseCIE(ctx *parseContext) error {
	buf := ctx.buf

	version, err := buf.ReadByte()
	if err != nil {
		return fmt.Errorf("read CIE version: %w", err)
	}
	ctx.common.Version = version

	aug, err := util.ReadString(buf)
	if err != nil {
		return fmt.Errorf("read CIE augmentation: %w", err)
	}
	ctx.common.Augmentation = aug

	if version == 4 {
		// address_size and segment_selector_size; fixed at parse options.
		buf.Next(2)
	}

	ctx.common.CodeAlignmentFactor, _ = util.DecodeULEB128(buf)
	ctx.common.DataAlignmentFactor, _ = util.DecodeSLEB128(buf)

	if version == 1 {
		reg, err := buf.ReadByte()
		if err != nil {
			return fmt.Errorf("read return address register: %w", err)
		}
		ctx.common.ReturnAddressRegister = uint64(reg)
	} else {
		ctx.common.ReturnAddressRegister, _ = util.DecodeULEB128(buf)
	}

	if len(aug) > 0 && aug[0] == 'z' {
		augLen, _ := util.DecodeULEB128(buf)
		augData := buf.Next(int(augLen))
		augBuf := bytes.NewBuffer(augData)
		for _, c := range aug[1:] {
			switch c {
			case 'R':
				enc, err := augBuf.ReadByte()
				if err != nil {
					return fmt.Errorf("read FDE pointer encoding: %w", err)
				}
				ctx.common.ptrEncoding = enc
			case 'P':
				enc, err := augBuf.ReadByte()
				if err != nil {
					return fmt.Errorf("read personality encoding: %w", err)
				}
				skipEncodedPointer(augBuf, enc, ctx.ptrSize)
			case 'L':
				// LSDA encoding byte; the pointer itself lives in the FDE
				// augmentation data, which is skipped wholesale.
				if _, err := augBuf.ReadByte(); err != nil {
					return fmt.Errorf("read LSDA encoding: %w", err)
				}
			case 'S', 'B', 'G':
				// Signal frames and pointer-authentication markers carry no
				// augmentation payload.
			}
		}
	}

	ctx.common.InitialInstructions = buf.Bytes()
	return nil
}

func parseFDE(ctx *parseContext, cie *CommonInformationEntry, body []byte, bodyPos uint64) error {
	buf := bytes.NewBuffer(body)
	fde := &DescriptionEntry{
		Length: ctx.length,
		CIE:    cie,
		order:  ctx.order,
	}

	fieldPos := ctx.sectionAddr + bodyPos
	begin, err := readEncodedPointer(buf, cie.ptrEncoding, ctx.ptrSize, fieldPos, ctx.order)
	if err != nil {
		return fmt.Errorf("read FDE initial location: %w", err)
	}
	fde.begin = begin + ctx.staticBase

	// The range shares the value format of the encoding but is never
	// position relative.
	size, err := readEncodedPointer(buf, cie.ptrEncoding&0x0f, ctx.ptrSize, 0, ctx.order)
	if err != nil {
		return fmt.Errorf("read FDE range: %w", err)
	}
	fde.size = size

	if len(cie.Augmentation) > 0 && cie.Augmentation[0] == 'z' {
		augLen, _ := util.DecodeULEB128(buf)
		buf.Next(int(augLen))
	}

	fde.Instructions = buf.Bytes()
	ctx.entries = append(ctx.entries, fde)
	return nil
}

func skipEncodedPointer(buf *bytes.Buffer, enc byte, ptrSize int) {
	_, _ = readEncodedPointer(buf, enc, ptrSize, 0, binary.LittleEndian)
}

func readEncodedPointer(buf *bytes.Buffer, enc byte, ptrSize int, fieldAddr uint64, order binary.ByteOrder) (uint64, error) {
	if enc == ptrEncOmit {
		return 0, nil
	}

	var value uint64
	switch enc & 0x0f {
	case ptrEncAbs:
		v, err := util.ReadUintRaw(buf, ptrSize)
		if err != nil {
			return 0, err
		}
		value = v
	case ptrEncULEB:
		value, _ = util.DecodeULEB128(buf)
	case ptrEncUdata2:
		var v uint16
		if err := binary.Read(buf, order, &v); err != nil {
			return 0, err
		}
		value = uint64(v)
	case ptrEncUdata4:
		var v uint32
		if err := binary.Read(buf, order, &v); err != nil {
			return 0, err
		}
		value = uint64(v)
	case ptrEncUdata8:
		var v uint64
		if err := binary.Read(buf, order, &v); err != nil {
			return 0, err
		}
		value = v
	case ptrEncSLEB:
		v, _ := util.DecodeSLEB128(buf)
		value = uint64(v)
	case ptrEncSdata2:
		var v int16
		if err := binary.Read(buf, order, &v); err != nil {
			return 0, err
		}
		value = uint64(int64(v))
	case ptrEncSdata4:
		var v int32
		if err := binary.Read(buf, order, &v); err != nil {
			return 0, err
		}
		value = uint64(int64(v))
	case ptrEncSdata8:
		var v int64
		if err := binary.Read(buf, order, &v); err != nil {
			return 0, err
		}
		value = uint64(v)
	default:
		return 0, fmt.Errorf("unsupported pointer encoding %#x", enc)
	}

	switch enc & 0x70 {
	case ptrEncPCRel:
		value += fieldAddr
	case ptrEncTextRel, ptrEncDataRel:
		// Text- and data-relative pointers need the respective section
		// bases, which the flat section parse does not track. They do not
		// occur for the FDE begin pointers this package consumes.
		return 0, fmt.Errorf("unsupported pointer application %#x", enc&0x70)
	}

	return value, nil
}
