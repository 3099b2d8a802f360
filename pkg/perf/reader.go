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

package perf

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type readerMetrics struct {
	parsed    prometheus.Counter
	malformed prometheus.Counter
	filtered  prometheus.Counter
}

// ScriptReader consumes the recorder's textual stream. Input is finite and
// not restartable; parsing is streaming and single-threaded.
type ScriptReader struct {
	logger  log.Logger
	metrics readerMetrics

	targetPath string
	targetBase string

	parser *parser

	// MmapBias is the load bias derived from the stream's memory-map
	// events for the target binary, zero when none was seen.
	MmapBias uint64

	// MinSampleIP is the smallest in-binary instruction pointer observed;
	// used to infer a load bias when no mmap event is available.
	MinSampleIP uint64

	Malformed int
	Filtered  int
}

func NewScriptReader(logger log.Logger, reg prometheus.Registerer, targetPath string) *ScriptReader {
	return &ScriptReader{
		logger: log.With(logger, "component", "ingest"),
		metrics: readerMetrics{
			parsed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Name: "cachescope_samples_parsed_total",
				Help: "Samples successfully parsed from the recorder stream.",
			}),
			malformed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Name: "cachescope_samples_malformed_total",
				Help: "Sample lines skipped because they could not be parsed.",
			}),
			filtered: promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Name: "cachescope_samples_filtered_total",
				Help: "Samples dropped by the DSO filter.",
			}),
		},
		targetPath: targetPath,
		targetBase: filepath.Base(targetPath),
		parser:     newParser(),
	}
}

// keep applies the post-ingest filter: a sample survives when its DSO is
// empty or names the target binary by absolute path or basename.
func (r *ScriptReader) keep(s *Sample) bool {
	if s.DSO == "" {
		return true
	}
	return strings.Contains(s.DSO, r.targetPath) || strings.Contains(s.DSO, r.targetBase)
}

// ReadAll drains the stream and returns the ordered, filtered sample
// sequence. A malformed line skips that line only. Cancelling ctx stops the
// drain early and returns what was collected so far.
func (r *ScriptReader) ReadAll(ctx context.Context, in io.Reader) ([]Sample, error) {
	var (
		samples  []Sample
		parseErr error
	)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			level.Warn(r.logger).Log("msg", "ingest interrupted, emitting partial result", "samples", len(samples))
			return samples, nil
		}

		line := scanner.Text()
		if line == "" {
			continue
		}

		if ev, ok := ParseMmapEvent(line); ok {
			if ev.Path != "" && (strings.Contains(ev.Path, r.targetPath) || strings.Contains(ev.Path, r.targetBase)) && r.MmapBias == 0 {
				r.MmapBias = ev.Bias()
			}
			continue
		}

		s, err := r.parser.parseLine(line)
		if err != nil {
			r.Malformed++
			r.metrics.malformed.Inc()
			if r.Malformed <= 8 {
				parseErr = errors.Join(parseErr, fmt.Errorf("line %d: %w", r.Malformed, err))
			}
			continue
		}
		r.metrics.parsed.Inc()

		if !r.keep(&s) {
			r.Filtered++
			r.metrics.filtered.Inc()
			continue
		}

		if s.IP != 0 && (r.MinSampleIP == 0 || s.IP < r.MinSampleIP) {
			r.MinSampleIP = s.IP
		}
		samples = append(samples, s)
	}

	if parseErr != nil {
		level.Debug(r.logger).Log("msg", "some sample lines failed to parse", "count", r.Malformed, "err", parseErr)
	}
	if err := scanner.Err(); err != nil {
		return samples, fmt.Errorf("read recorder stream: %w", err)
	}
	return samples, nil
}
