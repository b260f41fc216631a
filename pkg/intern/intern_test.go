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

package intern

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ordtrace-dev/ordtrace-agent/pkg/event"
)

func TestPoolAssignsStableKeys(t *testing.T) {
	p := NewPool[string]()

	key1, created := p.GetOrAssign("gfx")
	require.True(t, created)
	require.Equal(t, uint64(1), key1, "keys start at 1; 0 is the invalid key")

	key2, created := p.GetOrAssign("sdma0")
	require.True(t, created)
	require.Equal(t, uint64(2), key2)

	again, created := p.GetOrAssign("gfx")
	require.False(t, created)
	require.Equal(t, key1, again)

	require.Equal(t, 2, p.Len(), "pools count distinct values, not lookups")
}

func TestCallstackPoolDeduplicates(t *testing.T) {
	p := NewCallstackPool()

	a := event.Callstack{PCs: []uint64{0x401000, 0x402000}, Outcome: event.CallstackComplete}
	b := event.Callstack{PCs: []uint64{0x401000, 0x402000}, Outcome: event.CallstackComplete}
	c := event.Callstack{PCs: []uint64{0x401000, 0x403000}, Outcome: event.CallstackComplete}

	keyA, created := p.GetOrAssign(a)
	require.True(t, created)
	keyB, created := p.GetOrAssign(b)
	require.False(t, created, "equal stacks intern to the same key")
	require.Equal(t, keyA, keyB)

	keyC, created := p.GetOrAssign(c)
	require.True(t, created)
	require.NotEqual(t, keyA, keyC)

	require.Equal(t, 2, p.Len())
}

func TestCallstackPoolDistinguishesOutcomes(t *testing.T) {
	p := NewCallstackPool()

	complete := event.Callstack{PCs: []uint64{0x401000}, Outcome: event.CallstackComplete}
	failed := event.Callstack{PCs: []uint64{0x401000}, Outcome: event.CallstackDwarfError}

	keyComplete, _ := p.GetOrAssign(complete)
	keyFailed, created := p.GetOrAssign(failed)
	require.True(t, created, "same frames with a different outcome are a different callstack")
	require.NotEqual(t, keyComplete, keyFailed)
}

func TestCallstackPoolLookup(t *testing.T) {
	p := NewCallstackPool()

	cs := event.Callstack{PCs: []uint64{0x401000}, Outcome: event.CallstackComplete}
	key, _ := p.GetOrAssign(cs)

	got, ok := p.Lookup(key)
	require.True(t, ok)
	require.Equal(t, cs, got)

	_, ok = p.Lookup(InvalidKey)
	require.False(t, ok)
	_, ok = p.Lookup(key + 100)
	require.False(t, ok)
}
