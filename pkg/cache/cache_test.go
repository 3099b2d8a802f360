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

package cache

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestLRUCache(t *testing.T) {
	c := NewLRUCache[uint64, string](prometheus.NewRegistry(), 2)

	c.Add(1, "one")
	c.Add(2, "two")

	v, ok := c.Get(1)
	require.True(t, ok)
	require.Equal(t, "one", v)

	// 2 is now the oldest and gets evicted.
	c.Add(3, "three")
	_, ok = c.Get(2)
	require.False(t, ok)

	v, ok = c.Get(3)
	require.True(t, ok)
	require.Equal(t, "three", v)
	require.Equal(t, 2, c.Len())

	// Overwriting does not grow the cache.
	c.Add(3, "replaced")
	v, _ = c.Get(3)
	require.Equal(t, "replaced", v)
	require.Equal(t, 2, c.Len())
}
