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

// Package cfa computes canonical frame addresses for samples from the
// target's frame description table and the sampled register values.
package cfa

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cachescope/cachescope/internal/dwarf/frame"
	"github.com/cachescope/cachescope/pkg/cache"
	"github.com/cachescope/cachescope/pkg/perf"
)

// ErrCannotCompute marks samples whose frame address cannot be derived:
// no covering FDE, an expression-based CFA rule, an unsupported register,
// or a negative result.
var ErrCannotCompute = errors.New("cannot compute canonical frame address")

const pageMask = ^uint64(0xfff)

// Resolver holds the lookup state shared by all samples of a run. Compute
// is a pure function of the FDE table and its inputs.
type Resolver struct {
	fdes   frame.FrameDescriptionEntries
	biases []uint64

	// Hot loops sample the same few instruction addresses millions of
	// times; the evaluated rule per mapped IP is memoized.
	rules *cache.LRUCache[uint64, frame.DWRule]

	failures prometheus.Counter
}

// NewResolver prepares the bias candidates: zero, the load bias from the
// recorder's memory-map events, and a bias inferred by aligning the minimum
// FDE start with the minimum in-binary sample IP. They are tried in that
// order; the first non-negative CFA wins.
func NewResolver(reg prometheus.Registerer, fdes frame.FrameDescriptionEntries, mmapBias, minSampleIP uint64) *Resolver {
	biases := []uint64{0}
	if mmapBias != 0 {
		biases = append(biases, mmapBias)
	}
	if minFDE := fdes.MinBegin(); minFDE != 0 && minSampleIP > minFDE {
		inferred := (minSampleIP - minFDE) & pageMask
		if inferred != 0 && inferred != mmapBias {
			biases = append(biases, inferred)
		}
	}

	return &Resolver{
		fdes:   fdes,
		biases: biases,
		rules:  cache.NewLRUCache[uint64, frame.DWRule](reg, 16384),
		failures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cachescope_cfa_failures_total",
			Help: "Samples whose canonical frame address could not be computed.",
		}),
	}
}

// Compute returns the canonical frame address for the sample.
func (r *Resolver) Compute(s *perf.Sample) (uint64, error) {
	for _, bias := range r.biases {
		if s.IP < bias {
			continue
		}
		rule, ok := r.ruleForPC(s.IP - bias)
		if !ok {
			continue
		}
		cfa, err := applyRule(rule, s.SP, s.BP)
		if err == nil {
			return cfa, nil
		}
	}
	r.failures.Inc()
	return 0, ErrCannotCompute
}

func (r *Resolver) ruleForPC(ip uint64) (frame.DWRule, bool) {
	if rule, ok := r.rules.Get(ip); ok {
		return rule, rule.Rule == frame.RuleCFA
	}

	fde, err := r.fdes.FDEForPC(ip)
	if err != nil {
		return frame.DWRule{}, false
	}
	row, err := frame.ExecuteDwarfProgramUntilPC(fde, ip)
	if err != nil {
		return frame.DWRule{}, false
	}

	rule := row.CFA
	r.rules.Add(ip, rule)
	return rule, rule.Rule == frame.RuleCFA
}

// ComputeCFA evaluates the CFA rule covering ip against the sampled stack
// and frame pointer values. Only offset-based rules on the stack or frame
// pointer register are supported.
func ComputeCFA(fdes frame.FrameDescriptionEntries, ip, sp, bp uint64) (uint64, error) {
	fde, err := fdes.FDEForPC(ip)
	if err != nil {
		return 0, ErrCannotCompute
	}

	row, err := frame.ExecuteDwarfProgramUntilPC(fde, ip)
	if err != nil {
		return 0, ErrCannotCompute
	}

	return applyRule(row.CFA, sp, bp)
}

func applyRule(rule frame.DWRule, sp, bp uint64) (uint64, error) {
	if rule.Rule != frame.RuleCFA {
		// Expression-based CFA rules would need the full DWARF expression
		// machine; report them as not computable.
		return 0, ErrCannotCompute
	}

	var regValue uint64
	switch rule.Reg {
	case frame.RBPRegister:
		regValue = bp
	case frame.RSPRegister:
		regValue = sp
	default:
		return 0, ErrCannotCompute
	}
	if regValue == 0 {
		return 0, ErrCannotCompute
	}

	cfa := int64(regValue) + rule.Offset
	if cfa < 0 {
		return 0, ErrCannotCompute
	}
	return uint64(cfa), nil
}
