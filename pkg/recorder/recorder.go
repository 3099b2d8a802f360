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

// Package recorder drives the external kernel sampler: `perf record`
// against the child target, then `perf script` to stream the decoded
// samples with a fixed field list.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"

	"github.com/armon/circbuf"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

var ErrRecorderFailed = errors.New("recorder failed")

// ScriptFields is the exact field list requested from the post-processor;
// ingest depends on this order (in particular addr before ip).
const ScriptFields = "tid,pid,cpu,time,event,addr,ip,sym,dso,uregs"

// stderrTailSize bounds how much recorder noise is retained for
// diagnostics.
const stderrTailSize = 16 * 1024

// Config describes one recording run.
type Config struct {
	PerfPath     string
	OutputPath   string
	Events       string
	SamplePeriod uint64

	// Target invocation.
	Binary string
	Args   []string

	// Tracker preload; empty disables allocation tracking.
	TrackerObject string
	TracePath     string
	StackPath     string
}

// Recorder spawns and awaits the external sampler.
type Recorder struct {
	logger log.Logger
	cfg    Config
}

func New(logger log.Logger, cfg Config) *Recorder {
	if cfg.PerfPath == "" {
		cfg.PerfPath = "perf"
	}
	return &Recorder{
		logger: log.With(logger, "component", "recorder"),
		cfg:    cfg,
	}
}

// RecordArgs builds the argument list for `perf record`: the event list,
// the sample period, address recording, the CPU field, and user-register
// capture for the stack and frame pointers.
func RecordArgs(cfg Config) []string {
	return []string{
		"record",
		"-e", cfg.Events,
		"-c", strconv.FormatUint(cfg.SamplePeriod, 10),
		"-d",
		"--sample-cpu",
		"--user-regs=sp,bp",
		"-o", cfg.OutputPath,
		"--",
	}
}

// ScriptArgs builds the argument list for the `perf script`
// post-processor.
func ScriptArgs(cfg Config) []string {
	return []string{
		"script",
		"-i", cfg.OutputPath,
		"-F", ScriptFields,
		"--show-mmap-events",
		"--ns",
	}
}

// Record runs the sampler to completion against the target. The child
// inherits the tracker preload and its activation environment. The
// recorder's exit status is propagated inside ErrRecorderFailed.
func (r *Recorder) Record(ctx context.Context) error {
	args := append(RecordArgs(r.cfg), r.cfg.Binary)
	args = append(args, r.cfg.Args...)

	cmd := exec.CommandContext(ctx, r.cfg.PerfPath, args...)
	cmd.Stdout = os.Stdout

	tail, _ := circbuf.NewBuffer(stderrTailSize)
	cmd.Stderr = tail

	cmd.Env = os.Environ()
	if r.cfg.TrackerObject != "" && r.cfg.TracePath != "" {
		cmd.Env = append(cmd.Env,
			"LD_PRELOAD="+r.cfg.TrackerObject,
			"CACHESCOPE_ENABLE=1",
			"CACHESCOPE_TRACE="+r.cfg.TracePath,
		)
		if r.cfg.StackPath != "" {
			cmd.Env = append(cmd.Env, "CACHESCOPE_STACK_TRACE="+r.cfg.StackPath)
		}
	}

	level.Debug(r.logger).Log("msg", "starting recorder", "cmd", r.cfg.PerfPath, "events", r.cfg.Events, "period", r.cfg.SamplePeriod)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %v: %s", ErrRecorderFailed, err, tail.String())
	}
	return nil
}

// Script starts the post-processor and returns its sample stream. The
// returned wait function must be called after the stream is drained; it
// closes the pipe and propagates the exit status.
func (r *Recorder) Script(ctx context.Context) (io.Reader, func() error, error) {
	cmd := exec.CommandContext(ctx, r.cfg.PerfPath, ScriptArgs(r.cfg)...)

	tail, _ := circbuf.NewBuffer(stderrTailSize)
	cmd.Stderr = tail

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: open stdout pipe: %v", ErrRecorderFailed, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("%w: start post-processor: %v", ErrRecorderFailed, err)
	}

	wait := func() error {
		// Drain whatever the consumer left so Wait does not block on a
		// full pipe.
		_, _ = io.Copy(io.Discard, stdout)
		if err := cmd.Wait(); err != nil {
			return fmt.Errorf("%w: %v: %s", ErrRecorderFailed, err, tail.String())
		}
		return nil
	}
	return stdout, wait, nil
}
