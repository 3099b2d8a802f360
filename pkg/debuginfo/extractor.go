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

// Package debuginfo extracts the static model of an analyzed binary from its
// DWARF debug information: struct layouts, stack variables with
// frame-base-relative offsets, and globals with link-time addresses.
package debuginfo

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"errors"
	"fmt"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cachescope/cachescope/internal/dwarf/util"
)

var ErrNoDebugInfo = errors.New("binary carries no debug information")

const (
	// Placeholder-before-recurse terminates pointer cycles at this depth;
	// deeper nodes stay opaque.
	maxTypeDepth = 10

	opFbreg = 0x91
	opAddr  = 0x03
)

// Standard library internals are recorded as opaque stubs so lookups do not
// descend into container plumbing.
var stdInternalPrefixes = []string{
	"std::", "__gnu", "__cxx", "_Rb_tree", "_Hash", "__detail", "_List_node", "_Sp_counted",
}

func isStdInternal(name string) bool {
	for _, p := range stdInternalPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

type metrics struct {
	skippedUnits prometheus.Counter
	skippedVars  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		skippedUnits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cachescope_debuginfo_skipped_units_total",
			Help: "Number of compilation units skipped due to malformed records.",
		}),
		skippedVars: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cachescope_debuginfo_skipped_variables_total",
			Help: "Number of variables skipped due to unsupported location descriptions.",
		}),
	}
}

// Extraction is the static model produced by a scan. All registries are
// insert-once during the scan and read-only afterwards; downstream holders
// keep borrowed pointers and never mutate.
type Extraction struct {
	Structs   map[string]*StructLayout
	StackVars []StackVariable
	Globals   []*GlobalVariable
	Ranges    *StaticRangeTable

	byFunction map[string][]StackVariable

	// Scan counters surfaced in verbose reports.
	SkippedUnits     int
	SkippedVariables int
}

// NewExtraction returns an empty, usable static model.
func NewExtraction() *Extraction {
	return &Extraction{
		Structs:    map[string]*StructLayout{},
		Ranges:     NewStaticRangeTable(),
		byFunction: map[string][]StackVariable{},
	}
}

// VariablesForFunction returns the stack variables of the named function in
// declaration order.
func (e *Extraction) VariablesForFunction(name string) []StackVariable {
	return e.byFunction[name]
}

// AddStackVariable appends a stack variable, preserving declaration order
// within its function.
func (e *Extraction) AddStackVariable(v StackVariable) {
	e.StackVars = append(e.StackVars, v)
	e.byFunction[v.Function] = append(e.byFunction[v.Function], v)
}

// AddGlobal appends a global variable together with its static range.
func (e *Extraction) AddGlobal(g *GlobalVariable) {
	e.Globals = append(e.Globals, g)
	e.Ranges.Add(StaticRange{Start: g.Address, End: g.Address + g.Size, Variable: g})
}

// Extractor walks compilation units and owns all Type and Field storage for
// the life of the analysis.
type Extractor struct {
	logger  log.Logger
	metrics *metrics

	data  *dwarf.Data
	types map[dwarf.Offset]*Type
}

func NewExtractor(logger log.Logger, reg prometheus.Registerer) *Extractor {
	return &Extractor{
		logger:  log.With(logger, "component", "debuginfo"),
		metrics: newMetrics(reg),
		types:   map[dwarf.Offset]*Type{},
	}
}

// Extract scans the ELF file at path. A missing .debug_info section yields
// ErrNoDebugInfo with an empty (usable) extraction; a malformed compilation
// unit is skipped and the scan continues.
func (e *Extractor) Extract(path string) (*Extraction, error) {
	out := NewExtraction()

	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open elf %s: %w", path, err)
	}
	defer f.Close()

	d, err := f.DWARF()
	if err != nil {
		out.Ranges.Finalize()
		return out, fmt.Errorf("%w: %s", ErrNoDebugInfo, path)
	}
	e.data = d

	e.walk(out)

	out.Ranges.Finalize()
	return out, nil
}

func (e *Extractor) walk(out *Extraction) {
	r := e.data.Reader()

	// Function-name context per tree depth; index 0 is the unit level.
	funcStack := []string{""}

	for {
		entry, err := r.Next()
		if err != nil {
			// Malformed record: skip the rest of this unit and resume at
			// the next one.
			out.SkippedUnits++
			e.metrics.skippedUnits.Inc()
			level.Debug(e.logger).Log("msg", "skipping malformed compilation unit", "err", err)
			r.SkipChildren()
			if _, err := r.Next(); err != nil {
				return
			}
			continue
		}
		if entry == nil {
			return
		}
		if entry.Tag == 0 {
			if len(funcStack) > 1 {
				funcStack = funcStack[:len(funcStack)-1]
			}
			continue
		}

		owner := funcStack[len(funcStack)-1]

		switch entry.Tag {
		case dwarf.TagStructType, dwarf.TagClassType, dwarf.TagUnionType:
			e.typeAt(entry.Offset, 0, out)
		case dwarf.TagVariable, dwarf.TagFormalParameter:
			if owner != "" {
				e.processStackVariable(entry, owner, out)
			} else if entry.Tag == dwarf.TagVariable {
				e.processGlobal(entry, out)
			}
		}

		if entry.Children {
			next := owner
			if entry.Tag == dwarf.TagSubprogram {
				if name := e.subprogramName(entry); name != "" {
					next = name
				}
			}
			funcStack = append(funcStack, next)
		}
	}
}

func (e *Extractor) subprogramName(entry *dwarf.Entry) string {
	if name, ok := entry.Val(dwarf.AttrName).(string); ok {
		return name
	}
	// Out-of-line definitions name their declaration or abstract instance.
	for _, attr := range []dwarf.Attr{dwarf.AttrSpecification, dwarf.AttrAbstractOrigin} {
		off, ok := entry.Val(attr).(dwarf.Offset)
		if !ok {
			continue
		}
		if origin := e.entryAt(off); origin != nil {
			if name, ok := origin.Val(dwarf.AttrName).(string); ok {
				return name
			}
		}
	}
	return ""
}

// entryAt reads the entry at off through a dedicated reader.
func (e *Extractor) entryAt(off dwarf.Offset) *dwarf.Entry {
	r := e.data.Reader()
	r.Seek(off)
	entry, err := r.Next()
	if err != nil || entry == nil {
		return nil
	}
	return entry
}

// typeAt memoizes the Type at the given node offset. A placeholder is
// published before recursing into children so cycles through pointers
// terminate; past maxTypeDepth the placeholder stays opaque.
func (e *Extractor) typeAt(off dwarf.Offset, depth int, out *Extraction) *Type {
	if t, ok := e.types[off]; ok {
		return t
	}

	t := &Type{Kind: KindUnknown, Offset: off}
	e.types[off] = t
	if depth > maxTypeDepth {
		return t
	}

	r := e.data.Reader()
	r.Seek(off)
	entry, err := r.Next()
	if err != nil || entry == nil {
		return t
	}

	name, _ := entry.Val(dwarf.AttrName).(string)
	if size, ok := entry.Val(dwarf.AttrByteSize).(int64); ok && size >= 0 {
		t.Size = uint64(size)
	}
	if align, ok := entry.Val(dwarf.AttrAlignment).(int64); ok && align > 0 {
		t.Align = uint64(align)
	}
	t.Name = name

	switch entry.Tag {
	case dwarf.TagBaseType:
		t.Kind = KindPrimitive

	case dwarf.TagPointerType:
		t.Kind = KindPointer
		if t.Size == 0 {
			t.Size = 8
		}
		t.Pointee = e.refType(entry, depth, out)
		if t.Name == "" && t.Pointee != nil {
			t.Name = t.Pointee.Name + "*"
		}

	case dwarf.TagReferenceType, dwarf.TagRvalueReferenceType:
		t.Kind = KindReference
		if t.Size == 0 {
			t.Size = 8
		}
		t.Pointee = e.refType(entry, depth, out)
		if t.Name == "" && t.Pointee != nil {
			t.Name = t.Pointee.Name + "&"
		}

	case dwarf.TagArrayType:
		t.Kind = KindArray
		t.Element = e.refType(entry, depth, out)
		t.ArrayLen = e.arrayLen(off)
		if t.Size == 0 && t.Element != nil {
			t.Size = t.ArrayLen * t.Element.Size
		}

	case dwarf.TagTypedef:
		t.Kind = KindTypedef
		t.Pointee = e.refType(entry, depth, out)
		if t.Size == 0 && t.Pointee != nil {
			t.Size = t.Pointee.Size
		}

	case dwarf.TagConstType, dwarf.TagVolatileType, dwarf.TagRestrictType:
		if entry.Tag == dwarf.TagVolatileType {
			t.Kind = KindVolatile
		} else {
			t.Kind = KindConst
		}
		t.Pointee = e.refType(entry, depth, out)
		if t.Pointee != nil {
			if t.Size == 0 {
				t.Size = t.Pointee.Size
			}
			if t.Name == "" {
				prefix := "const "
				if entry.Tag == dwarf.TagVolatileType {
					prefix = "volatile "
				}
				t.Name = prefix + t.Pointee.Name
			}
		}

	case dwarf.TagEnumerationType:
		t.Kind = KindEnum

	case dwarf.TagSubroutineType:
		t.Kind = KindFunction

	case dwarf.TagStructType, dwarf.TagClassType, dwarf.TagUnionType:
		switch entry.Tag {
		case dwarf.TagClassType:
			t.Kind = KindClass
		case dwarf.TagUnionType:
			t.Kind = KindUnion
		default:
			t.Kind = KindStruct
		}
		if t.Name == "" {
			t.Name = fmt.Sprintf("anon@%#x", uint64(off))
		}
		if isStdInternal(t.Name) {
			// Opaque stub; members stay unexplored.
			return t
		}
		if decl, ok := entry.Val(dwarf.AttrDeclaration).(bool); ok && decl {
			return t
		}
		e.fillMembers(t, r, depth, out)
		if out != nil && entry.Tag != dwarf.TagUnionType && !strings.HasPrefix(t.Name, "anon@") {
			if _, ok := out.Structs[t.Name]; !ok {
				out.Structs[t.Name] = &StructLayout{
					Name:   t.Name,
					Size:   t.Size,
					Fields: t.Fields,
					Type:   t,
				}
			}
		}
	}

	return t
}

// refType resolves the node's type edge.
func (e *Extractor) refType(entry *dwarf.Entry, depth int, out *Extraction) *Type {
	off, ok := entry.Val(dwarf.AttrType).(dwarf.Offset)
	if !ok {
		return nil
	}
	return e.typeAt(off, depth+1, out)
}

// arrayLen reads the subrange child of an array type node.
func (e *Extractor) arrayLen(off dwarf.Offset) uint64 {
	r := e.data.Reader()
	r.Seek(off)
	entry, err := r.Next()
	if err != nil || entry == nil || !entry.Children {
		return 0
	}
	for {
		child, err := r.Next()
		if err != nil || child == nil || child.Tag == 0 {
			return 0
		}
		if child.Tag != dwarf.TagSubrangeType {
			r.SkipChildren()
			continue
		}
		if count, ok := child.Val(dwarf.AttrCount).(int64); ok && count >= 0 {
			return uint64(count)
		}
		if upper, ok := child.Val(dwarf.AttrUpperBound).(int64); ok && upper >= 0 {
			return uint64(upper) + 1
		}
		return 0
	}
}

// fillMembers consumes the children of a struct/class/union node; r must be
// positioned right after the parent entry.
func (e *Extractor) fillMembers(t *Type, r *dwarf.Reader, depth int, out *Extraction) {
	for {
		child, err := r.Next()
		if err != nil || child == nil || child.Tag == 0 {
			return
		}

		switch child.Tag {
		case dwarf.TagMember, dwarf.TagInheritance:
			field := Field{Name: "<base>"}
			if child.Tag == dwarf.TagMember {
				field.Name, _ = child.Val(dwarf.AttrName).(string)
			}
			if off, ok := child.Val(dwarf.AttrDataMemberLoc).(int64); ok && off >= 0 {
				field.Offset = uint64(off)
			}
			if bits, ok := child.Val(dwarf.AttrBitSize).(int64); ok && bits > 0 {
				field.BitSize = uint64(bits)
				if boff, ok := child.Val(dwarf.AttrDataBitOffset).(int64); ok && boff >= 0 {
					field.BitOffset = uint64(boff)
				} else if boff, ok := child.Val(dwarf.AttrBitOffset).(int64); ok && boff >= 0 {
					field.BitOffset = uint64(boff)
				}
			}
			field.Type = e.refType(child, depth, out)
			if field.Type != nil {
				field.Size = field.Type.Unwrap().Size
			}
			t.Fields = append(t.Fields, field)
			if child.Tag == dwarf.TagInheritance && field.Type != nil {
				t.Bases = append(t.Bases, field.Type)
			}
		}

		if child.Children {
			r.SkipChildren()
		}
	}
}

// processStackVariable accepts only the single-operation fbreg location
// form; list-based or computed locations are skipped.
func (e *Extractor) processStackVariable(entry *dwarf.Entry, function string, out *Extraction) {
	target := entry
	if off, ok := entry.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset); ok {
		// Inlined instance: name and type live on the abstract origin, the
		// location on the concrete one.
		if origin := e.entryAt(off); origin != nil {
			target = origin
		}
	}

	name, _ := target.Val(dwarf.AttrName).(string)
	if name == "" {
		return
	}

	expr, ok := entry.Val(dwarf.AttrLocation).([]byte)
	if !ok || len(expr) < 2 || expr[0] != opFbreg {
		e.skipVariable(out)
		return
	}
	buf := bytes.NewBuffer(expr[1:])
	offset, n := util.DecodeSLEB128(buf)
	if int(n) != len(expr)-1 {
		// Not the single-operation form.
		e.skipVariable(out)
		return
	}

	v := StackVariable{
		Function:    function,
		Name:        name,
		FrameOffset: offset,
	}
	if t := e.variableType(target, out); t != nil {
		v.Type = t
		v.Size = t.Unwrap().Size
	}
	if v.Size == 0 {
		e.skipVariable(out)
		return
	}
	out.AddStackVariable(v)
}

// processGlobal accepts only the single-operation addr location form.
func (e *Extractor) processGlobal(entry *dwarf.Entry, out *Extraction) {
	name, _ := entry.Val(dwarf.AttrName).(string)
	if name == "" || isStdInternal(name) {
		return
	}

	expr, ok := entry.Val(dwarf.AttrLocation).([]byte)
	if !ok || len(expr) != 9 || expr[0] != opAddr {
		return
	}
	var addr uint64
	for i := 8; i >= 1; i-- {
		addr = addr<<8 | uint64(expr[i])
	}

	g := &GlobalVariable{Name: name, Address: addr}
	if t := e.variableType(entry, out); t != nil {
		g.Type = t
		g.Size = t.Unwrap().Size
	}
	if g.Size == 0 {
		return
	}
	out.AddGlobal(g)
}

func (e *Extractor) variableType(entry *dwarf.Entry, out *Extraction) *Type {
	off, ok := entry.Val(dwarf.AttrType).(dwarf.Offset)
	if !ok {
		return nil
	}
	return e.typeAt(off, 0, out)
}

func (e *Extractor) skipVariable(out *Extraction) {
	out.SkippedVariables++
	e.metrics.skippedVars.Inc()
}
