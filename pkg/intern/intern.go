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

// Package intern provides append-only pools that assign small integer keys
// to values seen during a session. Pools never evict, so their size is
// bounded by the number of distinct values, not the number of events. Keys
// start at 1; 0 is reserved as the invalid key. Pools are not safe for
// concurrent use; they are owned by the consumer goroutine.
package intern

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/ordtrace-dev/ordtrace-agent/pkg/event"
)

// InvalidKey is never assigned by any pool.
const InvalidKey uint64 = 0

// Pool interns comparable values.
type Pool[K comparable] struct {
	keys map[K]uint64
	next uint64
}

func NewPool[K comparable]() *Pool[K] {
	return &Pool[K]{
		keys: map[K]uint64{},
		next: 1,
	}
}

// GetOrAssign returns the key for v, assigning a fresh one on first sight.
// The second return value reports whether the value was newly interned, in
// which case the caller must emit it before referencing the key.
func (p *Pool[K]) GetOrAssign(v K) (uint64, bool) {
	if key, ok := p.keys[v]; ok {
		return key, false
	}
	key := p.next
	p.next++
	p.keys[v] = key
	return key, true
}

func (p *Pool[K]) Len() int { return len(p.keys) }

// CallstackPool content-addresses callstacks. Digests bucket the lookup;
// bucket entries are verified by full comparison, so colliding digests still
// intern correctly.
type CallstackPool struct {
	buckets map[uint64][]uint64
	stacks  []event.Callstack
}

func NewCallstackPool() *CallstackPool {
	return &CallstackPool{
		buckets: map[uint64][]uint64{},
	}
}

// GetOrAssign returns the key for cs, assigning a fresh one on first sight.
// The callstack is retained by the pool; callers must not mutate cs.PCs
// afterwards.
func (p *CallstackPool) GetOrAssign(cs event.Callstack) (uint64, bool) {
	d := digest(cs)
	for _, key := range p.buckets[d] {
		if equal(p.stacks[key-1], cs) {
			return key, false
		}
	}
	key := uint64(len(p.stacks)) + 1
	p.stacks = append(p.stacks, cs)
	p.buckets[d] = append(p.buckets[d], key)
	return key, true
}

// Lookup returns the callstack interned under key.
func (p *CallstackPool) Lookup(key uint64) (event.Callstack, bool) {
	if key == InvalidKey || key > uint64(len(p.stacks)) {
		return event.Callstack{}, false
	}
	return p.stacks[key-1], true
}

func (p *CallstackPool) Len() int { return len(p.stacks) }

func digest(cs event.Callstack) uint64 {
	var (
		d   xxhash.Digest
		buf [8]byte
	)
	d.Reset()
	buf[0] = byte(cs.Outcome)
	_, _ = d.Write(buf[:1])
	for _, pc := range cs.PCs {
		binary.LittleEndian.PutUint64(buf[:], pc)
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}

func equal(a, b event.Callstack) bool {
	if a.Outcome != b.Outcome || len(a.PCs) != len(b.PCs) {
		return false
	}
	for i := range a.PCs {
		if a.PCs[i] != b.PCs[i] {
			return false
		}
	}
	return true
}
