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

// Package attribution maps a sample's (IP, address) pair back to a named
// source-level variable: a stack variable via the frame address, or a
// global via the static range table.
package attribution

import (
	"fmt"

	"github.com/cachescope/cachescope/pkg/cfa"
	"github.com/cachescope/cachescope/pkg/debuginfo"
	"github.com/cachescope/cachescope/pkg/perf"
)

// Result names the variable a sample touched.
type Result struct {
	// One of StackVar or Global is set.
	StackVar *debuginfo.StackVariable
	Global   *debuginfo.GlobalVariable

	// CFA is set when a stack attribution succeeded.
	CFA uint64
}

func (r Result) String() string {
	switch {
	case r.StackVar != nil:
		return r.StackVar.String()
	case r.Global != nil:
		return r.Global.Name
	default:
		return "<unattributed>"
	}
}

// Attributor combines the static model with the frame-address resolver.
type Attributor struct {
	extraction *debuginfo.Extraction
	resolver   *cfa.Resolver
}

func NewAttributor(extraction *debuginfo.Extraction, resolver *cfa.Resolver) *Attributor {
	return &Attributor{extraction: extraction, resolver: resolver}
}

// Attribute resolves the sample to a stack variable first and falls back to
// the global range table. ok is false when neither matched.
func (a *Attributor) Attribute(s *perf.Sample) (Result, bool) {
	if r, ok := a.attributeStack(s); ok {
		return r, true
	}
	if rng := a.extraction.Ranges.Lookup(s.Addr); rng != nil {
		return Result{Global: rng.Variable}, true
	}
	return Result{}, false
}

// attributeStack tests every stack variable of the sample's owning function
// against the runtime range [CFA+offset, CFA+offset+size). Declaration
// order breaks ties: the first containing variable wins.
func (a *Attributor) attributeStack(s *perf.Sample) (Result, bool) {
	if a.resolver == nil {
		return Result{}, false
	}
	function := s.BaseFunction()
	if function == "" {
		return Result{}, false
	}
	vars := a.extraction.VariablesForFunction(function)
	if len(vars) == 0 {
		return Result{}, false
	}

	cfaddr, err := a.resolver.Compute(s)
	if err != nil {
		return Result{}, false
	}

	for i := range vars {
		v := &vars[i]
		lo := int64(cfaddr) + v.FrameOffset
		if lo < 0 {
			continue
		}
		start := uint64(lo)
		if s.Addr >= start && s.Addr < start+v.Size {
			return Result{StackVar: v, CFA: cfaddr}, true
		}
	}
	return Result{}, false
}

// Describe renders an attribution with its type when available.
func Describe(r Result) string {
	name := r.String()
	var t *debuginfo.Type
	switch {
	case r.StackVar != nil:
		t = r.StackVar.Type
	case r.Global != nil:
		t = r.Global.Type
	}
	if t == nil {
		return name
	}
	return fmt.Sprintf("%s (%s)", name, t.Unwrap().Name)
}
