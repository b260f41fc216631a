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

package processor

import "github.com/ordtrace-dev/ordtrace-agent/pkg/event"

// threadState bundles every tracker's per-thread state in one place, so the
// components keying on the same thread share a single arena instead of
// parallel maps. Owned by the consumer goroutine; no locking.
type threadState struct {
	// openSlice is the scheduling interval opened by the last switch-in.
	openSlice *openSlice

	// state and stateSince describe the current scheduler state.
	state      event.ThreadState
	stateSince uint64

	// calls and rets are parallel stacks of outstanding instrumented
	// entries: calls pairs them into durations, rets remembers the
	// hijacked return-address slots. Pushed and popped together.
	calls []pendingCall
	rets  []pendingReturn
}

type threads struct {
	m map[int32]*threadState
}

func newThreads() *threads {
	return &threads{m: make(map[int32]*threadState)}
}

func (t *threads) get(tid int32) *threadState {
	th, ok := t.m[tid]
	if !ok {
		th = &threadState{}
		t.m[tid] = th
	}
	return th
}

func (t *threads) lookup(tid int32) (*threadState, bool) {
	th, ok := t.m[tid]
	return th, ok
}

func (t *threads) len() int { return len(t.m) }

func (t *threads) forEach(fn func(tid int32, th *threadState)) {
	for tid, th := range t.m {
		fn(tid, th)
	}
}
