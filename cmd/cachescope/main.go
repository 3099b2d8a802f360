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

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/common-nighthawk/go-figure"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	okrun "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/cachescope/cachescope/flags"
	"github.com/cachescope/cachescope/pkg/analyzer"
	"github.com/cachescope/cachescope/pkg/cacheline"
	"github.com/cachescope/cachescope/pkg/config"
	"github.com/cachescope/cachescope/pkg/cpuinfo"
	"github.com/cachescope/cachescope/pkg/logger"
	"github.com/cachescope/cachescope/pkg/recorder"
)

// Exit codes of the analyze subcommand.
const (
	exitOK               = 0
	exitUsage            = 1
	exitRecorderFailure  = 2
	exitNoSamples        = 3
	exitDebugInfoMissing = 4
)

func main() {
	fl, command := flags.Parse()

	l := logger.NewLogger(fl.LogLevel, logger.LogFormatLogfmt, "cachescope")

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
		level.Debug(l).Log("msg", fmt.Sprintf(format, a...))
	})); err != nil {
		level.Warn(l).Log("msg", "failed to set GOMAXPROCS automatically", "err", err)
	}
	if _, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithProvider(memlimit.FromCgroupHybrid),
	); err != nil {
		level.Debug(l).Log("msg", "failed to set GOMEMLIMIT automatically", "err", err)
	}

	switch {
	case strings.HasPrefix(command, "analyze"):
		os.Exit(runAnalyze(l, fl.Analyze))
	default:
		level.Error(l).Log("msg", "unknown command", "command", command)
		os.Exit(exitUsage)
	}
}

func runAnalyze(l log.Logger, fl flags.FlagsAnalyze) int {
	if fl.Verbose {
		figure.NewFigure("CacheScope", "", true).Print()
	}

	reg := prometheus.NewRegistry()

	thresholds := cacheline.DefaultThresholds()
	if fl.ConfigPath != "" {
		cfg, err := config.LoadFile(fl.ConfigPath)
		if err != nil {
			level.Error(l).Log("msg", "failed to load config", "path", fl.ConfigPath, "err", err)
			return exitUsage
		}
		thresholds = cfg.Thresholds
	}

	events := fl.Event
	if events == "" {
		vendor, err := cpuinfo.DetectVendor()
		if err != nil {
			level.Warn(l).Log("msg", "could not detect CPU vendor", "err", err)
		}
		events = cpuinfo.DefaultEvents(vendor)
		level.Debug(l).Log("msg", "selected default events", "vendor", vendor, "events", events)
	}
	if !cpuinfo.HasStoreEvents(events) {
		level.Debug(l).Log("msg", "event list has no store split, classification uses the interleaving signal alone", "events", events)
	}

	a := analyzer.New(l, reg, analyzer.Options{
		Binary:        fl.Binary,
		BinaryArgs:    fl.Args,
		PerfPath:      fl.PerfPath,
		OutputPath:    fl.Output,
		Events:        events,
		SamplePeriod:  fl.SamplePeriod,
		Thresholds:    thresholds,
		TrackerObject: fl.TrackerObject,
		TracePath:     fl.TracePath,
		TopLines:      fl.Top,
		Verbose:       fl.Verbose,
	})

	var (
		report *analyzer.Report
		runErr error
		g      okrun.Group
	)

	ctx, cancel := context.WithCancel(context.Background())
	g.Add(func() error {
		report, runErr = a.Run(ctx)
		return nil
	}, func(error) {
		cancel()
	})
	g.Add(okrun.SignalHandler(ctx, os.Interrupt))

	if err := g.Run(); err != nil {
		var sig okrun.SignalError
		if !errors.As(err, &sig) {
			level.Error(l).Log("err", err)
		}
	}

	if report != nil {
		if err := report.Write(os.Stdout); err != nil {
			level.Error(l).Log("msg", "failed to write report", "err", err)
		}
	}

	switch {
	case runErr == nil:
		if report != nil && report.DebugInfoMissing {
			return exitDebugInfoMissing
		}
		return exitOK
	case errors.Is(runErr, analyzer.ErrNoSamples):
		return exitNoSamples
	case errors.Is(runErr, recorder.ErrRecorderFailed):
		level.Error(l).Log("msg", "recorder failed", "err", runErr)
		return exitRecorderFailure
	default:
		level.Error(l).Log("err", runErr)
		return exitUsage
	}
}
