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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cachescope/cachescope/pkg/cacheline"
)

func TestLoadEmpty(t *testing.T) {
	_, err := Load(nil)
	require.ErrorIs(t, err, ErrEmptyConfig)
}

func TestLoadOverridesSingleField(t *testing.T) {
	cfg, err := Load([]byte("thresholds:\n  min_hot_samples: 50\n"))
	require.NoError(t, err)

	want := cacheline.DefaultThresholds()
	want.MinHotSamples = 50
	require.Equal(t, want, cfg.Thresholds)
}

func TestLoadAllFields(t *testing.T) {
	cfg, err := Load([]byte(`
thresholds:
  min_hot_samples: 10
  write_read_hot_ratio: 2.5
  min_bounce_score: 0.2
  min_private_offset_fraction: 0.6
  min_unique_top_offsets: 3
`))
	require.NoError(t, err)
	require.Equal(t, cacheline.Thresholds{
		MinHotSamples:            10,
		WriteReadHotRatio:        2.5,
		MinBounceScore:           0.2,
		MinPrivateOffsetFraction: 0.6,
		MinUniqueTopOffsets:      3,
	}, cfg.Thresholds)
}

func TestLoadGarbage(t *testing.T) {
	_, err := Load([]byte("{not yaml"))
	require.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("thresholds:\n  min_bounce_score: 0.42\n"), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, 0.42, cfg.Thresholds.MinBounceScore)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
