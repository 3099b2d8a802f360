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

// Package hash fingerprints the analyzed binary so reports can be tied to
// the exact executable they were produced from.
package hash

import (
	"encoding/hex"
	"hash"
	"io"
	"os"

	"github.com/minio/highwayhash"
)

var key = mustDecode("6373636373636373636373637363736373636363736373637363736363637363")

func mustDecode(key string) []byte {
	keyBytes, err := hex.DecodeString(key)
	if err != nil {
		panic("cannot decode hex key: " + err.Error())
	}
	return keyBytes
}

func newHash() (hash.Hash64, error) {
	h, err := highwayhash.New64(key)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// File digests the file at path.
func File(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	h, err := newHash()
	if err != nil {
		return 0, err
	}

	_, err = io.Copy(h, f)
	return h.Sum64(), err
}
