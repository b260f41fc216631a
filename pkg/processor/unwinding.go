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
	"context"
	"errors"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/ordtrace-dev/ordtrace-agent/pkg/cache"
	"github.com/ordtrace-dev/ordtrace-agent/pkg/event"
	"github.com/ordtrace-dev/ordtrace-agent/pkg/intern"
	"github.com/ordtrace-dev/ordtrace-agent/pkg/reader"
	"github.com/ordtrace-dev/ordtrace-agent/pkg/unwind"
)

// Unwinding failures repeat heavily on the same threads; log every Nth per
// thread instead of every sample.
const failureLogEvery = 50

// stackResolver turns raw stack samples into interned callstacks. Every
// sample produces exactly one callstack; when unwinding fails the callstack
// carries the failure outcome and whatever frames are trustworthy, so the
// sample still attributes.
type stackResolver struct {
	logger   log.Logger
	metrics  *metrics
	listener event.Listener
	unwinder unwind.Unwinder
	threads  *threads
	rets     *returnAddressManager

	callstacks *intern.CallstackPool
	failures   *cache.LRU[int32, uint64]

	trampolineStart uint64
	trampolineEnd   uint64
}

func (r *stackResolver) handleSample(ctx context.Context, ev *event.StackSample) {
	pcs, outcome := r.resolve(ctx, ev)
	cs := event.Callstack{PCs: pcs, Outcome: outcome}
	key, created := r.callstacks.GetOrAssign(cs)
	if created {
		r.listener.OnUniqueCallstack(key, cs)
		r.metrics.interned.WithLabelValues(poolCallstacks).Set(float64(r.callstacks.Len()))
	}
	r.listener.OnCallstackSample(event.CallstackSample{
		PID:         ev.PID,
		TID:         ev.TID,
		TimestampNs: ev.TimestampNs,
		CallstackID: key,
	})
	r.metrics.callstacks.WithLabelValues(outcome.String()).Inc()
	if outcome != event.CallstackComplete {
		r.noteFailure(ev.TID, outcome)
	}
}

func (r *stackResolver) resolve(ctx context.Context, ev *event.StackSample) ([]uint64, event.CallstackOutcome) {
	if r.inTrampoline(ev.Regs.IP) {
		// Sampled mid-trampoline: the stack describes the probe
		// machinery, not the program.
		return []uint64{ev.Regs.IP}, event.CallstackInUprobe
	}
	th, _ := r.threads.lookup(ev.TID)
	if len(ev.Callchain) > 0 {
		return r.resolveCallchain(ev, th)
	}
	return r.resolveStack(ctx, ev, th)
}

// resolveCallchain handles kernel-collected frame-pointer chains.
func (r *stackResolver) resolveCallchain(ev *event.StackSample, th *threadState) ([]uint64, event.CallstackOutcome) {
	user := userCallchain(ev.Callchain)
	if len(user) == 0 {
		return []uint64{ev.Regs.IP}, event.CallstackFramePointerError
	}
	pcs := append([]uint64(nil), user...)
	if th != nil && len(th.rets) > 0 {
		if err := r.rets.patchCallchain(th, pcs, r.trampolineStart, r.trampolineEnd); err != nil {
			level.Debug(r.logger).Log("msg", "callchain patch failed", "tid", ev.TID, "err", err)
			return []uint64{ev.Regs.IP}, event.CallstackPatchFailed
		}
	}
	return pcs, event.CallstackComplete
}

// resolveStack handles register-plus-stack-snapshot samples.
func (r *stackResolver) resolveStack(ctx context.Context, ev *event.StackSample, th *threadState) ([]uint64, event.CallstackOutcome) {
	if len(ev.Stack) == 0 {
		return []uint64{ev.Regs.IP}, event.CallstackStackTopTooSmall
	}
	if th != nil && len(th.rets) > 0 {
		if err := r.rets.patchStack(th, ev.Regs.SP, ev.Stack); err != nil {
			level.Debug(r.logger).Log("msg", "stack patch failed", "tid", ev.TID, "err", err)
			return []uint64{ev.Regs.IP}, event.CallstackPatchFailed
		}
	}
	pcs, err := r.unwinder.Unwind(ctx, ev.PID, ev.Regs, ev.Stack)
	if err != nil {
		outcome := event.CallstackFramePointerError
		switch {
		case errors.Is(err, unwind.ErrStackTooSmall):
			outcome = event.CallstackStackTopTooSmall
		case errors.Is(err, unwind.ErrDwarf):
			outcome = event.CallstackDwarfError
		}
		if len(pcs) == 0 {
			pcs = []uint64{ev.Regs.IP}
		}
		return pcs, outcome
	}
	return pcs, event.CallstackComplete
}

func (r *stackResolver) inTrampoline(pc uint64) bool {
	return r.trampolineEnd != 0 && pc >= r.trampolineStart && pc < r.trampolineEnd
}

func (r *stackResolver) noteFailure(tid int32, outcome event.CallstackOutcome) {
	n, _ := r.failures.Get(tid)
	n++
	r.failures.Add(tid, n)
	if n%failureLogEvery == 1 {
		level.Debug(r.logger).Log(
			"msg", "stack unwinding failing for thread",
			"tid", tid, "outcome", outcome.String(), "count", n,
		)
	}
}

// userCallchain returns the user-space program counters of a kernel
// callchain: everything after the user context marker, minus any further
// markers. Nil when the chain has no user portion.
func userCallchain(chain []uint64) []uint64 {
	for i, pc := range chain {
		if pc == reader.ContextUser {
			user := make([]uint64, 0, len(chain)-i-1)
			for _, upc := range chain[i+1:] {
				if upc < reader.ContextMax {
					user = append(user, upc)
				}
			}
			return user
		}
	}
	return nil
}
