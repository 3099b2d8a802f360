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
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/require"
)

func parseArgs(t *testing.T, args []string) (Flags, string, error) {
	t.Helper()
	flags := Flags{}
	parser, err := kong.New(&flags, kong.Name("cachescope"))
	require.NoError(t, err)
	ctx, err := parser.Parse(args)
	if err != nil {
		return flags, "", err
	}
	return flags, ctx.Command(), nil
}

func targetBinary(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "target")
	require.NoError(t, os.WriteFile(path, []byte{0x7f, 'E', 'L', 'F'}, 0o755))
	return path
}

func TestAnalyzeDefaults(t *testing.T) {
	bin := targetBinary(t)
	fl, cmd, err := parseArgs(t, []string{"analyze", bin})
	require.NoError(t, err)
	require.Contains(t, cmd, "analyze")

	require.Equal(t, bin, fl.Analyze.Binary)
	require.Equal(t, "perf.data", fl.Analyze.Output)
	require.Equal(t, "", fl.Analyze.Event)
	require.Equal(t, uint64(10000), fl.Analyze.SamplePeriod)
	require.False(t, fl.Analyze.Verbose)
	require.Equal(t, 10, fl.Analyze.Top)
	require.Equal(t, "info", fl.LogLevel)
}

func TestAnalyzeOverrides(t *testing.T) {
	bin := targetBinary(t)
	fl, _, err := parseArgs(t, []string{
		"--log-level", "debug",
		"analyze", "-o", "out.data", "-e", "ibs_op//", "-c", "500", "-v", bin,
	})
	require.NoError(t, err)
	require.Equal(t, "out.data", fl.Analyze.Output)
	require.Equal(t, "ibs_op//", fl.Analyze.Event)
	require.Equal(t, uint64(500), fl.Analyze.SamplePeriod)
	require.True(t, fl.Analyze.Verbose)
	require.Equal(t, "debug", fl.LogLevel)
}

func TestAnalyzeRequiresBinary(t *testing.T) {
	_, _, err := parseArgs(t, []string{"analyze"})
	require.Error(t, err)
}
