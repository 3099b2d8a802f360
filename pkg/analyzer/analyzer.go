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

// Package analyzer composes the extraction, recording, ingest, aggregation,
// classification and attribution stages into one run.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/cachescope/cachescope/hash"
	"github.com/cachescope/cachescope/internal/dwarf/frame"
	"github.com/cachescope/cachescope/pkg/alloctracker"
	"github.com/cachescope/cachescope/pkg/attribution"
	"github.com/cachescope/cachescope/pkg/cacheline"
	"github.com/cachescope/cachescope/pkg/cfa"
	"github.com/cachescope/cachescope/pkg/debuginfo"
	"github.com/cachescope/cachescope/pkg/perf"
	"github.com/cachescope/cachescope/pkg/recorder"
)

var ErrNoSamples = errors.New("no samples collected")

// Options configure one analysis run.
type Options struct {
	Binary       string
	BinaryArgs   []string
	PerfPath     string
	OutputPath   string
	Events       string
	SamplePeriod uint64
	Thresholds   cacheline.Thresholds

	TrackerObject string
	TracePath     string

	// TopLines caps how many accepted lines the report details.
	TopLines int

	Verbose bool
}

// Analyzer owns the per-run state.
type Analyzer struct {
	logger log.Logger
	reg    prometheus.Registerer
	opts   Options
}

func New(logger log.Logger, reg prometheus.Registerer, opts Options) *Analyzer {
	if opts.TopLines <= 0 {
		opts.TopLines = 10
	}
	return &Analyzer{
		logger: log.With(logger, "component", "analyzer"),
		reg:    reg,
		opts:   opts,
	}
}

// attributionEntry counts how often one variable was hit on a line.
type attributionEntry struct {
	Result attribution.Result
	Count  uint64
}

// hotLine joins a classified line with its attributions and allocation
// provenance.
type hotLine struct {
	Line         *cacheline.Line
	Attributions []attributionEntry
	Allocation   *alloctracker.Event
}

// Report is the outcome of a run; Write renders it.
type Report struct {
	Binary      string
	Fingerprint uint64

	Stats    perf.Stats
	HotLines []hotLine

	// Degraded-output diagnostics.
	DebugInfoMissing  bool
	UnwindInfoMissing bool

	// Verbose footer counters.
	SkippedUnits     int
	SkippedVariables int
	Malformed        int
	Filtered         int

	Verbose  bool
	TopLines int
}

// Run executes the full pipeline. The returned report is valid (possibly
// partial) whenever err is nil or ErrNoSamples; recorder errors abort.
func (a *Analyzer) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		Binary:   a.opts.Binary,
		Verbose:  a.opts.Verbose,
		TopLines: a.opts.TopLines,
	}

	if _, err := os.Stat(a.opts.Binary); err != nil {
		return nil, fmt.Errorf("target binary: %w", err)
	}
	if fp, err := hash.File(a.opts.Binary); err == nil {
		report.Fingerprint = fp
	}

	// The static model is owned here for the whole analysis; everything
	// downstream borrows from it.
	extractor := debuginfo.NewExtractor(a.logger, a.reg)
	extraction, err := extractor.Extract(a.opts.Binary)
	if err != nil {
		if !errors.Is(err, debuginfo.ErrNoDebugInfo) {
			return nil, err
		}
		report.DebugInfoMissing = true
		level.Warn(a.logger).Log("msg", "no debug information, attribution will be degraded", "binary", a.opts.Binary)
	}
	report.SkippedUnits = extraction.SkippedUnits
	report.SkippedVariables = extraction.SkippedVariables

	rec := recorder.New(a.logger, recorder.Config{
		PerfPath:      a.opts.PerfPath,
		OutputPath:    a.opts.OutputPath,
		Events:        a.opts.Events,
		SamplePeriod:  a.opts.SamplePeriod,
		Binary:        a.opts.Binary,
		Args:          a.opts.BinaryArgs,
		TrackerObject: a.opts.TrackerObject,
		TracePath:     a.opts.TracePath,
	})
	if err := rec.Record(ctx); err != nil {
		return nil, err
	}

	// Sample ingest and CFA preparation are independent; run them
	// alongside each other.
	var (
		samples []perf.Sample
		fdes    frame.FrameDescriptionEntries
		reader  = perf.NewScriptReader(a.logger, a.reg, a.opts.Binary)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		stream, wait, err := rec.Script(gctx)
		if err != nil {
			return err
		}
		samples, err = reader.ReadAll(gctx, stream)
		if werr := wait(); werr != nil && err == nil {
			err = werr
		}
		return err
	})
	g.Go(func() error {
		var err error
		fdes, err = cfa.ReadFDEs(a.logger, a.opts.Binary)
		if err != nil {
			// Missing unwind info degrades stack attribution only.
			level.Warn(a.logger).Log("msg", "no unwind information", "err", err)
			report.UnwindInfoMissing = true
			fdes = nil
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report.Malformed = reader.Malformed
	report.Filtered = reader.Filtered
	report.Stats = perf.ComputeStats(samples)
	if len(samples) == 0 {
		return report, ErrNoSamples
	}

	lines := cacheline.Aggregate(samples, a.opts.Thresholds.MinHotSamples)
	accepted := cacheline.Classify(lines, a.opts.Thresholds)

	var resolver *cfa.Resolver
	if len(fdes) > 0 {
		resolver = cfa.NewResolver(a.reg, fdes, reader.MmapBias, reader.MinSampleIP)
	}
	attributor := attribution.NewAttributor(extraction, resolver)

	hot := make([]hotLine, 0, len(accepted))
	hotIndex := make(map[uint64]int, len(accepted))
	for i, line := range accepted {
		hot = append(hot, hotLine{Line: line})
		hotIndex[line.Base] = i
	}

	a.attributeSamples(samples, hot, hotIndex, attributor)
	a.resolveAllocations(hot)

	report.HotLines = hot
	return report, nil
}

// attributionsPerLine caps the attribution work per hot line; hot lines
// carry thousands of identical samples.
const attributionsPerLine = 512

func (a *Analyzer) attributeSamples(samples []perf.Sample, hot []hotLine, hotIndex map[uint64]int, attributor *attribution.Attributor) {
	attempts := make([]int, len(hot))

	for i := range samples {
		s := &samples[i]
		if s.Addr == 0 {
			continue
		}
		idx, ok := hotIndex[s.Addr&^uint64(cacheline.LineSize-1)]
		if !ok || attempts[idx] >= attributionsPerLine {
			continue
		}
		attempts[idx]++

		result, ok := attributor.Attribute(s)
		if !ok {
			continue
		}

		entries := hot[idx].Attributions
		found := false
		for j := range entries {
			if entries[j].Result.String() == result.String() {
				entries[j].Count++
				found = true
				break
			}
		}
		if !found {
			hot[idx].Attributions = append(hot[idx].Attributions, attributionEntry{Result: result, Count: 1})
		}
	}
}

// resolveAllocations maps hot lines into tracked heap or mmap regions from
// the allocation trace, when one was recorded.
func (a *Analyzer) resolveAllocations(hot []hotLine) {
	if a.opts.TracePath == "" {
		return
	}
	events, err := alloctracker.ReadEvents(a.opts.TracePath)
	if err != nil {
		level.Debug(a.logger).Log("msg", "no allocation trace", "err", err)
		return
	}
	live := alloctracker.ReplayLiveSet(events, -1)

	for i := range hot {
		base := hot[i].Line.Base
		for _, ev := range live {
			if ev.Base <= base && base < ev.Base+ev.Size {
				ev := ev
				hot[i].Allocation = &ev
				break
			}
		}
	}
}
