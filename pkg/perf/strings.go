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

import "github.com/cespare/xxhash/v2"

// stringInterner deduplicates the symbol and DSO strings, which repeat for
// nearly every sample of a hot function. Keys are xxhash digests with a
// collision check against the stored value.
type stringInterner struct {
	byHash map[uint64][]string
}

func newStringInterner() *stringInterner {
	return &stringInterner{byHash: make(map[uint64][]string, 1024)}
}

func (si *stringInterner) intern(b []byte) string {
	h := xxhash.Sum64(b)
	for _, s := range si.byHash[h] {
		if s == string(b) {
			return s
		}
	}
	s := string(b)
	si.byHash[h] = append(si.byHash[h], s)
	return s
}
