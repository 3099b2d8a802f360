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

package debuginfo

import (
	"debug/dwarf"
	"fmt"
)

// TypeKind classifies a node in the extracted type graph.
type TypeKind int

const (
	KindUnknown TypeKind = iota
	KindPrimitive
	KindPointer
	KindArray
	KindStruct
	KindClass
	KindUnion
	KindEnum
	KindTypedef
	KindFunction
	KindConst
	KindVolatile
	KindReference
)

func (k TypeKind) String() string {
	switch k {
	case KindPrimitive:
		return "primitive"
	case KindPointer:
		return "pointer"
	case KindArray:
		return "array"
	case KindStruct:
		return "struct"
	case KindClass:
		return "class"
	case KindUnion:
		return "union"
	case KindEnum:
		return "enum"
	case KindTypedef:
		return "typedef"
	case KindFunction:
		return "function"
	case KindConst:
		return "const"
	case KindVolatile:
		return "volatile"
	case KindReference:
		return "reference"
	default:
		return "unknown"
	}
}

// Type is one node in the type graph. The graph is arena-owned by the
// Extractor; cross references go through pointers into the same arena and
// are never freed individually. Identity is the debug-info offset.
type Type struct {
	Name  string
	Kind  TypeKind
	Size  uint64
	Align uint64

	// Pointee for pointers/references/qualifiers/typedefs, Element for
	// arrays. Cycles through pointers are expected.
	Pointee  *Type
	Element  *Type
	ArrayLen uint64

	Bases  []*Type
	Fields []Field

	Offset dwarf.Offset
}

// Unwrap strips typedef, qualifier and reference wrappers down to the
// underlying type.
// It terminates on cycles by bounding the chain length.
func (t *Type) Unwrap() *Type {
	cur := t
	for i := 0; cur != nil && i < maxTypeDepth; i++ {
		switch cur.Kind {
		case KindTypedef, KindConst, KindVolatile, KindReference:
			if cur.Pointee == nil {
				return cur
			}
			cur = cur.Pointee
		default:
			return cur
		}
	}
	return cur
}

// Field is a member of a struct, class or union.
type Field struct {
	Name      string
	Offset    uint64
	Size      uint64
	BitSize   uint64
	BitOffset uint64
	Type      *Type
}

// IsBitfield reports whether the field is a bitfield member.
func (f Field) IsBitfield() bool {
	return f.BitSize != 0
}

// StructLayout is the registry entry for a named struct or class.
type StructLayout struct {
	Name   string
	Size   uint64
	Fields []Field
	Type   *Type
}

// StackVariable describes a variable located at a signed offset from the
// canonical frame address of its owning function. Insert-once, never
// mutated after the compilation unit scan.
type StackVariable struct {
	Function    string
	Name        string
	Size        uint64
	FrameOffset int64
	Type        *Type
}

func (v StackVariable) String() string {
	return fmt.Sprintf("%s::%s", v.Function, v.Name)
}

// GlobalVariable describes a variable with a link-time virtual address.
type GlobalVariable struct {
	Name    string
	Address uint64
	Size    uint64
	Type    *Type
}
