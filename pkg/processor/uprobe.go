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

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/ordtrace-dev/ordtrace-agent/pkg/byteorder"
	"github.com/ordtrace-dev/ordtrace-agent/pkg/event"
)

// pendingCall is one outstanding instrumented entry awaiting its exit.
type pendingCall struct {
	start      uint64
	functionID uint64
	depth      uint32
}

// pendingReturn is one return-address slot the entry trampoline hijacked:
// the slot's address and the real return address that belongs there.
type pendingReturn struct {
	sp            uint64
	returnAddress uint64
}

// callTracker pairs instrumented entries and exits into call durations.
// Recursion and nesting pair strictly LIFO per thread; depth is part of the
// emitted fact so consumers can rebuild the nesting.
type callTracker struct {
	logger   log.Logger
	metrics  *metrics
	listener event.Listener
	threads  *threads
}

func (t *callTracker) handleEntry(ev *event.FunctionEntry) {
	th := t.threads.get(ev.TID)
	th.calls = append(th.calls, pendingCall{
		start:      ev.TimestampNs,
		functionID: ev.FunctionID,
		depth:      uint32(len(th.calls)),
	})
}

// handleExit reports whether the exit matched the innermost open call. A
// mismatch (entry lost, or a return probe firing for a function whose entry
// predates the capture) discards the exit without popping, so one lost
// record cannot shift every later pairing on the thread.
func (t *callTracker) handleExit(ev *event.FunctionExit) bool {
	th, ok := t.threads.lookup(ev.TID)
	if !ok || len(th.calls) == 0 {
		t.metrics.anomalies.WithLabelValues(reasonUnmatchedFunctionExit).Inc()
		level.Debug(t.logger).Log(
			"msg", "discarding function exit without entry",
			"tid", ev.TID, "function_id", ev.FunctionID,
		)
		return false
	}
	top := th.calls[len(th.calls)-1]
	if top.functionID != ev.FunctionID {
		t.metrics.anomalies.WithLabelValues(reasonMismatchedFunctionExit).Inc()
		level.Debug(t.logger).Log(
			"msg", "discarding function exit for unexpected function",
			"tid", ev.TID, "want", top.functionID, "got", ev.FunctionID,
		)
		return false
	}
	th.calls = th.calls[:len(th.calls)-1]
	t.listener.OnFunctionCall(event.FunctionCall{
		PID:            ev.PID,
		TID:            ev.TID,
		FunctionID:     ev.FunctionID,
		DurationNs:     ev.TimestampNs - top.start,
		EndTimestampNs: ev.TimestampNs,
		Depth:          top.depth,
		ReturnValue:    ev.ReturnValue,
	})
	return true
}

// returnAddressManager keeps the per-thread stack of hijacked return-address
// slots in lockstep with the call tracker, and repairs sampled stacks and
// callchains that would otherwise unwind into the kernel's return
// trampoline.
type returnAddressManager struct {
	threads *threads
}

func (m *returnAddressManager) push(ev *event.FunctionEntry) {
	th := m.threads.get(ev.TID)
	th.rets = append(th.rets, pendingReturn{sp: ev.SP, returnAddress: ev.ReturnAddress})
}

// pop restores one slot. Only called when the call tracker matched the
// exit, keeping both stacks aligned.
func (m *returnAddressManager) pop(tid int32) {
	th, ok := m.threads.lookup(tid)
	if !ok || len(th.rets) == 0 {
		return
	}
	th.rets = th.rets[:len(th.rets)-1]
}

// patchStack writes the remembered return addresses into a stack snapshot
// captured with its top at sampleSP.
func (m *returnAddressManager) patchStack(th *threadState, sampleSP uint64, stack []byte) error {
	for _, pr := range th.rets {
		if pr.sp < sampleSP {
			return fmt.Errorf("return-address slot %#x below captured stack top %#x", pr.sp, sampleSP)
		}
		off := pr.sp - sampleSP
		if off+8 > uint64(len(stack)) {
			return fmt.Errorf("return-address slot %#x beyond the %d captured bytes", pr.sp, len(stack))
		}
		byteorder.Native.PutUint64(stack[off:], pr.returnAddress)
	}
	return nil
}

// patchCallchain replaces trampoline addresses in a kernel-collected
// callchain with the real return addresses, innermost first. More
// trampoline frames than pending returns means the chain cannot be trusted.
func (m *returnAddressManager) patchCallchain(th *threadState, chain []uint64, trampStart, trampEnd uint64) error {
	var idx []int
	for i, pc := range chain {
		if pc >= trampStart && pc < trampEnd {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return nil
	}
	if len(idx) > len(th.rets) {
		return fmt.Errorf("%d trampoline frames with only %d pending returns", len(idx), len(th.rets))
	}
	for i, at := range idx {
		chain[at] = th.rets[len(th.rets)-1-i].returnAddress
	}
	return nil
}
