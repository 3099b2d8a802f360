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

package flags

import (
	"github.com/alecthomas/kong"
)

// Parse reads the command line into Flags and returns the selected
// subcommand.
func Parse() (Flags, string) {
	flags := Flags{}
	ctx := kong.Parse(&flags,
		kong.Name("cachescope"),
		kong.Description("Post-hoc cache-behavior analyzer for native binaries with debug info."),
	)
	return flags, ctx.Command()
}

// Flags is the full command line.
type Flags struct {
	LogLevel string `kong:"enum='error,warn,info,debug',help='Log level.',default='info'"`

	Analyze FlagsAnalyze `cmd:"" help:"Analyze cache behavior of a binary."`
}

// FlagsAnalyze configures the analyze subcommand.
type FlagsAnalyze struct {
	Binary string   `arg:"" help:"Binary to analyze." type:"existingfile"`
	Args   []string `arg:"" optional:"" passthrough:"" help:"Arguments passed to the binary."`

	Output       string `short:"o" default:"perf.data" help:"Recorder output file."`
	Event        string `short:"e" default:"" help:"Sampling event list; default depends on the CPU vendor."`
	SamplePeriod uint64 `short:"c" default:"10000" help:"Samples are taken every this many events."`
	Verbose      bool   `short:"v" help:"Enable verbose diagnostics in the report."`

	ConfigPath string `default:"" help:"Path to the YAML threshold config."`
	Top        int    `default:"10" help:"Maximum number of hot lines detailed in the report."`

	PerfPath      string `default:"perf" help:"Path to the perf executable."`
	TrackerObject string `default:"" help:"Tracker shared object to LD_PRELOAD into the target."`
	TracePath     string `default:"" help:"Path the allocation trace is written to."`
}
