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

// Package cache provides a small instrumented LRU used to memoize repeated
// lookups during a run.
package cache

import (
	"container/list"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type entry[K comparable, V any] struct {
	key   K
	value V
}

// LRUCache is a mutex-guarded LRU with hit/miss/eviction counters.
type LRUCache[K comparable, V any] struct {
	mtx sync.Mutex

	hits, misses, evictions prometheus.Counter

	maxEntries int
	items      map[K]*list.Element
	evictList  *list.List
}

func NewLRUCache[K comparable, V any](reg prometheus.Registerer, maxEntries int) *LRUCache[K, V] {
	requests := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "cachescope_cache_requests_total",
		Help: "Total number of cache requests.",
	}, []string{"result"})
	evictions := promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "cachescope_cache_evictions_total",
		Help: "Total number of cache evictions.",
	})

	return &LRUCache[K, V]{
		hits:      requests.WithLabelValues("hit"),
		misses:    requests.WithLabelValues("miss"),
		evictions: evictions,

		maxEntries: maxEntries,
		items:      map[K]*list.Element{},
		evictList:  list.New(),
	}
}

// Add stores a value, evicting the oldest entry when full.
func (c *LRUCache[K, V]) Add(key K, value V) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if el, ok := c.items[key]; ok {
		c.evictList.MoveToFront(el)
		el.Value.(*entry[K, V]).value = value
		return
	}

	c.items[key] = c.evictList.PushFront(&entry[K, V]{key: key, value: value})
	if c.evictList.Len() > c.maxEntries {
		oldest := c.evictList.Back()
		if oldest != nil {
			c.evictList.Remove(oldest)
			delete(c.items, oldest.Value.(*entry[K, V]).key)
			c.evictions.Inc()
		}
	}
}

// Get retrieves an item and marks it recently used.
func (c *LRUCache[K, V]) Get(key K) (V, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if el, ok := c.items[key]; ok {
		c.evictList.MoveToFront(el)
		c.hits.Inc()
		return el.Value.(*entry[K, V]).value, true
	}
	c.misses.Inc()
	var zero V
	return zero, false
}

// Len returns the number of cached entries.
func (c *LRUCache[K, V]) Len() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.evictList.Len()
}
