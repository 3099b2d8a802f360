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

	"github.com/cachescope/cachescope/internal/dwarf/util"
)

// DWARF register numbers for x86_64 relevant to CFA rules.
const (
	RBPRegister = 6
	RSPRegister = 7
)

// Rule classifies how a register (or the CFA) is recovered.
type Rule byte

const (
	RuleUndefined Rule = iota
	RuleSameVal
	RuleOffset
	RuleValOffset
	RuleRegister
	RuleExpression
	RuleValExpression
	RuleCFA // Value is rule.Reg + rule.Offset
)

// DWRule is a single recovery rule for a register value or the CFA.
type DWRule struct {
	Rule       Rule
	Offset     int64
	Reg        uint64
	Expression []byte
}

// InstructionContext is the interpreter state for one table row: the rules
// in effect for the range starting at loc.
type InstructionContext struct {
	loc           uint64
	address       uint64
	CFA           DWRule
	Regs          map[uint64]DWRule
	initialRegs   map[uint64]DWRule
	prevRegs      map[uint64]DWRule
	cie           *CommonInformationEntry
	RetAddrReg    uint64
	codeAlignment uint64
	dataAlignment int64
}

func (ic *InstructionContext) Loc() uint64 {
	return ic.loc
}

// FrameContext drives the DWARF call-frame program for one FDE.
type FrameContext struct {
	current InstructionContext
	buf     *bytes.Buffer
	order   binary.ByteOrder
}

// Call-frame instruction opcodes.
const (
	DW_CFA_nop                = 0x0
	DW_CFA_set_loc            = 0x01
	DW_CFA_advance_loc1       = iota
	DW_CFA_advance_loc2
	DW_CFA_advance_loc4
	DW_CFA_offset_extended
	DW_CFA_restore_extended
	DW_CFA_undefined
	DW_CFA_same_value
	DW_CFA_register
	DW_CFA_remember_state
	DW_CFA_restore_state
	DW_CFA_def_cfa
	DW_CFA_def_cfa_register
	DW_CFA_def_cfa_offset
	DW_CFA_def_cfa_expression
	DW_CFA_expression
	DW_CFA_offset_extended_sf
	DW_CFA_def_cfa_sf
	DW_CFA_def_cfa_offset_sf
	DW_CFA_val_offset
	DW_CFA_val_offset_sf
	DW_CFA_val_expression
	DW_CFA_lo_user       = 0x1c
	DW_CFA_hi_user       = 0x3f
	DW_CFA_GNU_args_size = 0x2e
	DW_CFA_advance_loc   = (0x1 << 6) // High 2 bits: 0x1, low 6: delta
	DW_CFA_offset        = (0x2 << 6) // High 2 bits: 0x2, low 6: register
	DW_CFA_restore       = (0x3 << 6) // High 2 bits: 0x3, low 6: register
)

const low_6_offset = 0x3f

type instructionFn func(fc *FrameContext)

var fnlookup = map[byte]instructionFn{
	DW_CFA_advance_loc:        advanceloc,
	DW_CFA_offset:             offset,
	DW_CFA_restore:            restore,
	DW_CFA_set_loc:            setloc,
	DW_CFA_advance_loc1:       advanceloc1,
	DW_CFA_advance_loc2:       advanceloc2,
	DW_CFA_advance_loc4:       advanceloc4,
	DW_CFA_offset_extended:    offsetextended,
	DW_CFA_restore_extended:   restoreextended,
	DW_CFA_undefined:          undefined,
	DW_CFA_same_value:         samevalue,
	DW_CFA_register:           register,
	DW_CFA_remember_state:     rememberstate,
	DW_CFA_restore_state:      restorestate,
	DW_CFA_def_cfa:            defcfa,
	DW_CFA_def_cfa_register:   defcfaregister,
	DW_CFA_def_cfa_offset:     defcfaoffset,
	DW_CFA_def_cfa_expression: defcfaexpression,
	DW_CFA_expression:         expression,
	DW_CFA_offset_extended_sf: offsetextendedsf,
	DW_CFA_def_cfa_sf:         defcfasf,
	DW_CFA_def_cfa_offset_sf:  defcfaoffsetsf,
	DW_CFA_val_offset:         valoffset,
	DW_CFA_val_offset_sf:      valoffsetsf,
	DW_CFA_val_expression:     valexpression,
	DW_CFA_lo_user:            louser,
	DW_CFA_hi_user:            hiuser,
	DW_CFA_GNU_args_size:      gnuargsize,
}

func executeCIEInstructions(cie *CommonInformationEntry, order binary.ByteOrder) *FrameContext {
	initialInstructions := make([]byte, len(cie.InitialInstructions))
	copy(initialInstructions, cie.InitialInstructions)

	fc := &FrameContext{
		current: InstructionContext{
			cie:           cie,
			Regs:          make(map[uint64]DWRule),
			RetAddrReg:    cie.ReturnAddressRegister,
			initialRegs:   make(map[uint64]DWRule),
			prevRegs:      make(map[uint64]DWRule),
			codeAlignment: cie.CodeAlignmentFactor,
			dataAlignment: cie.DataAlignmentFactor,
		},
		buf:   bytes.NewBuffer(initialInstructions),
		order: order,
	}
	fc.executeDwarfProgram()

	for k, v := range fc.current.Regs {
		fc.current.initialRegs[k] = v
	}
	return fc
}

// ExecuteDwarfProgramUntilPC runs the FDE's call-frame program until the row
// covering pc is reached and returns that row's rules.
func ExecuteDwarfProgramUntilPC(fde *DescriptionEntry, pc uint64) (*InstructionContext, error) {
	if !fde.Cover(pc) {
		return nil, fmt.Errorf("%w: %#x", ErrNoFDEForPC, pc)
	}

	fc := executeCIEInstructions(fde.CIE, fde.order)
	fc.current.loc = fde.Begin()
	fc.current.address = pc
	if err := fc.executeUntilPC(fde.Instructions); err != nil {
		return nil, err
	}
	return &fc.current, nil
}

func (fc *FrameContext) executeDwarfProgram() {
	for fc.buf.Len() > 0 {
		fc.executeDwarfInstruction()
	}
}

// executeUntilPC executes instructions while the current row still covers
// the target address; rows are advanced by the advance_loc family.
func (fc *FrameContext) executeUntilPC(instructions []byte) (err error) {
	defer func() {
		// The instruction stream comes straight out of the analyzed
		// binary; recover malformed programs into an error.
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed call frame program: %v", r)
		}
	}()

	fc.buf.Truncate(0)
	fc.buf.Write(instructions)

	for fc.current.address >= fc.current.loc && fc.buf.Len() > 0 {
		fc.executeDwarfInstruction()
	}
	return nil
}

func (fc *FrameContext) executeDwarfInstruction() {
	instruction, err := fc.buf.ReadByte()
	if err != nil {
		panic("could not read from instruction buffer")
	}

	if instruction == DW_CFA_nop {
		return
	}

	fn := lookupFunc(instruction, fc.buf)
	fn(fc)
}

func lookupFunc(instruction byte, buf *bytes.Buffer) instructionFn {
	const high_2_bits = 0xc0
	var embedded bool

	// The three opcodes with their argument encoded in the opcode itself.
	switch instruction & high_2_bits {
	case DW_CFA_advance_loc:
		instruction = DW_CFA_advance_loc
		embedded = true
	case DW_CFA_offset:
		instruction = DW_CFA_offset
		embedded = true
	case DW_CFA_restore:
		instruction = DW_CFA_restore
		embedded = true
	}

	if embedded {
		// The last byte holds the argument for the opcode.
		if err := buf.UnreadByte(); err != nil {
			panic("could not unread byte")
		}
	}

	fn, ok := fnlookup[instruction]
	if !ok {
		panic(fmt.Sprintf("unexpected DWARF CFA opcode: %#v", instruction))
	}
	return fn
}

func advanceloc(fc *FrameContext) {
	b, err := fc.buf.ReadByte()
	if err != nil {
		panic("could not read byte")
	}

	delta := b & low_6_offset
	fc.current.loc += uint64(delta) * fc.current.codeAlignment
}

func advanceloc1(fc *FrameContext) {
	delta, err := fc.buf.ReadByte()
	if err != nil {
		panic("could not read byte")
	}

	fc.current.loc += uint64(delta) * fc.current.codeAlignment
}

func advanceloc2(fc *FrameContext) {
	var delta uint16
	_ = binary.Read(fc.buf, fc.order, &delta)

	fc.current.loc += uint64(delta) * fc.current.codeAlignment
}

func advanceloc4(fc *FrameContext) {
	var delta uint32
	_ = binary.Read(fc.buf, fc.order, &delta)

	fc.current.loc += uint64(delta) * fc.current.codeAlignment
}

func offset(fc *FrameContext) {
	b, err := fc.buf.ReadByte()
	if err != nil {
		panic(err)
	}

	var (
		reg       = b & low_6_offset
		offset, _ = util.DecodeULEB128(fc.buf)
	)

	fc.current.Regs[uint64(reg)] = DWRule{Offset: int64(offset) * fc.current.dataAlignment, Rule: RuleOffset}
}

func restore(fc *FrameContext) {
	b, err := fc.buf.ReadByte()
	if err != nil {
		panic(err)
	}

	reg := uint64(b & low_6_offset)
	oldrule, ok := fc.current.initialRegs[reg]
	if ok {
		fc.current.Regs[reg] = DWRule{Offset: oldrule.Offset, Rule: RuleOffset}
	} else {
		fc.current.Regs[reg] = DWRule{Rule: RuleUndefined}
	}
}

func setloc(fc *FrameContext) {
	var loc uint64
	_ = binary.Read(fc.buf, fc.order, &loc)

	fc.current.loc = loc + fc.current.cie.staticBase
}

func offsetextended(fc *FrameContext) {
	var (
		reg, _    = util.DecodeULEB128(fc.buf)
		offset, _ = util.DecodeULEB128(fc.buf)
	)

	fc.current.Regs[reg] = DWRule{Offset: int64(offset) * fc.current.dataAlignment, Rule: RuleOffset}
}

func undefined(fc *FrameContext) {
	reg, _ := util.DecodeULEB128(fc.buf)
	fc.current.Regs[reg] = DWRule{Rule: RuleUndefined}
}

func samevalue(fc *FrameContext) {
	reg, _ := util.DecodeULEB128(fc.buf)
	fc.current.Regs[reg] = DWRule{Rule: RuleSameVal}
}

func register(fc *FrameContext) {
	reg1, _ := util.DecodeULEB128(fc.buf)
	reg2, _ := util.DecodeULEB128(fc.buf)
	fc.current.Regs[reg1] = DWRule{Reg: reg2, Rule: RuleRegister}
}

func rememberstate(fc *FrameContext) {
	fc.current.prevRegs = make(map[uint64]DWRule, len(fc.current.Regs))
	for k, v := range fc.current.Regs {
		fc.current.prevRegs[k] = v
	}
}

func restorestate(fc *FrameContext) {
	fc.current.Regs = fc.current.prevRegs
}

func restoreextended(fc *FrameContext) {
	reg, _ := util.DecodeULEB128(fc.buf)

	oldrule, ok := fc.current.initialRegs[reg]
	if ok {
		fc.current.Regs[reg] = DWRule{Offset: oldrule.Offset, Rule: RuleOffset}
	} else {
		fc.current.Regs[reg] = DWRule{Rule: RuleUndefined}
	}
}

func defcfa(fc *FrameContext) {
	reg, _ := util.DecodeULEB128(fc.buf)
	offset, _ := util.DecodeULEB128(fc.buf)

	fc.current.CFA.Rule = RuleCFA
	fc.current.CFA.Reg = reg
	fc.current.CFA.Offset = int64(offset)
}

func defcfaregister(fc *FrameContext) {
	reg, _ := util.DecodeULEB128(fc.buf)
	fc.current.CFA.Reg = reg
}

func defcfaoffset(fc *FrameContext) {
	offset, _ := util.DecodeULEB128(fc.buf)
	fc.current.CFA.Offset = int64(offset)
}

func defcfasf(fc *FrameContext) {
	reg, _ := util.DecodeULEB128(fc.buf)
	offset, _ := util.DecodeSLEB128(fc.buf)

	fc.current.CFA.Rule = RuleCFA
	fc.current.CFA.Reg = reg
	fc.current.CFA.Offset = offset * fc.current.dataAlignment
}

func defcfaoffsetsf(fc *FrameContext) {
	offset, _ := util.DecodeSLEB128(fc.buf)
	fc.current.CFA.Offset = offset * fc.current.dataAlignment
}

func defcfaexpression(fc *FrameContext) {
	var (
		l, _ = util.DecodeULEB128(fc.buf)
		expr = fc.buf.Next(int(l))
	)

	fc.current.CFA.Expression = expr
	fc.current.CFA.Rule = RuleExpression
}

func expression(fc *FrameContext) {
	var (
		reg, _ = util.DecodeULEB128(fc.buf)
		l, _   = util.DecodeULEB128(fc.buf)
		expr   = fc.buf.Next(int(l))
	)

	fc.current.Regs[reg] = DWRule{Rule: RuleExpression, Expression: expr}
}

func offsetextendedsf(fc *FrameContext) {
	var (
		reg, _    = util.DecodeULEB128(fc.buf)
		offset, _ = util.DecodeSLEB128(fc.buf)
	)

	fc.current.Regs[reg] = DWRule{Offset: offset * fc.current.dataAlignment, Rule: RuleOffset}
}

func valoffset(fc *FrameContext) {
	var (
		reg, _    = util.DecodeULEB128(fc.buf)
		offset, _ = util.DecodeULEB128(fc.buf)
	)

	fc.current.Regs[reg] = DWRule{Offset: int64(offset), Rule: RuleValOffset}
}

func valoffsetsf(fc *FrameContext) {
	var (
		reg, _    = util.DecodeULEB128(fc.buf)
		offset, _ = util.DecodeSLEB128(fc.buf)
	)

	fc.current.Regs[reg] = DWRule{Offset: offset * fc.current.dataAlignment, Rule: RuleValOffset}
}

func valexpression(fc *FrameContext) {
	var (
		reg, _ = util.DecodeULEB128(fc.buf)
		l, _   = util.DecodeULEB128(fc.buf)
		expr   = fc.buf.Next(int(l))
	)

	fc.current.Regs[reg] = DWRule{Rule: RuleValExpression, Expression: expr}
}

func louser(fc *FrameContext) {
	fc.buf.Next(1)
}

func hiuser(fc *FrameContext) {
	fc.buf.Next(1)
}

func gnuargsize(fc *FrameContext) {
	// Argument size hint; read and ignore.
	_, _ = util.DecodeSLEB128(fc.buf)
}
