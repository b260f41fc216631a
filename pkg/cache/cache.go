// Copyright 2023-2024 The Ordtrace Authors
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

// Package cache provides a small instrumented LRU. It is not safe for
// concurrent use; the pipeline touches it from the consumer goroutine only.
package cache

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type entry[K comparable, V any] struct {
	key        K
	value      V
	prev, next *entry[K, V]
}

type LRU[K comparable, V any] struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter

	requests *prometheus.CounterVec
	reg      prometheus.Registerer

	maxEntries int
	items      map[K]*entry[K, V]
	head       *entry[K, V]
	tail       *entry[K, V]
}

// NewLRU returns an LRU holding at most maxEntries items. The name labels
// this cache's metrics so several caches can share a registry.
func NewLRU[K comparable, V any](reg prometheus.Registerer, name string, maxEntries int) *LRU[K, V] {
	requests := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name:        "ordtrace_cache_requests_total",
		Help:        "Total number of cache requests.",
		ConstLabels: prometheus.Labels{"cache": name},
	}, []string{"result"})
	evictions := promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name:        "ordtrace_cache_evictions_total",
		Help:        "Total number of cache evictions.",
		ConstLabels: prometheus.Labels{"cache": name},
	})

	return &LRU[K, V]{
		hits:      requests.WithLabelValues("hit"),
		misses:    requests.WithLabelValues("miss"),
		evictions: evictions,
		requests:  requests,
		reg:       reg,

		maxEntries: maxEntries,
		items:      map[K]*entry[K, V]{},
	}
}

// Add stores value under key, evicting the least recently used item when the
// cache is full.
func (c *LRU[K, V]) Add(key K, value V) {
	if e, ok := c.items[key]; ok {
		c.moveToFront(e)
		e.value = value
		return
	}

	e := &entry[K, V]{key: key, value: value}
	c.pushFront(e)
	c.items[key] = e

	if len(c.items) > c.maxEntries {
		oldest := c.tail
		c.unlink(oldest)
		delete(c.items, oldest.key)
		c.evictions.Inc()
	}
}

// Get retrieves the value under key and marks it most recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	if e, ok := c.items[key]; ok {
		c.moveToFront(e)
		c.hits.Inc()
		return e.value, true
	}
	c.misses.Inc()
	var zero V
	return zero, false
}

// Peek retrieves the value under key without updating recency or counters.
func (c *LRU[K, V]) Peek(key K) (V, bool) {
	if e, ok := c.items[key]; ok {
		return e.value, true
	}
	var zero V
	return zero, false
}

// Remove drops key from the cache if present.
func (c *LRU[K, V]) Remove(key K) {
	if e, ok := c.items[key]; ok {
		c.unlink(e)
		delete(c.items, key)
	}
}

func (c *LRU[K, V]) Len() int { return len(c.items) }

// Purge drops all entries, keeping the metrics registered.
func (c *LRU[K, V]) Purge() {
	c.items = map[K]*entry[K, V]{}
	c.head = nil
	c.tail = nil
}

// Close unregisters the cache's metrics so a cache with the same name can be
// created against the same registry later.
func (c *LRU[K, V]) Close() error {
	if !c.reg.Unregister(c.requests) {
		return fmt.Errorf("unregistering requests counter")
	}
	if !c.reg.Unregister(c.evictions) {
		return fmt.Errorf("unregistering evictions counter")
	}
	return nil
}

func (c *LRU[K, V]) pushFront(e *entry[K, V]) {
	e.next = c.head
	e.prev = nil
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *LRU[K, V]) moveToFront(e *entry[K, V]) {
	if c.head == e {
		return
	}
	c.unlink(e)
	c.pushFront(e)
}

func (c *LRU[K, V]) unlink(e *entry[K, V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}
