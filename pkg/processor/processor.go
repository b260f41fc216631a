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

// Package processor consumes the globally ordered event stream and routes
// each record to the stateful trackers that reconstruct scheduling slices,
// thread states, call durations, callstacks and GPU jobs for the listener.
// All state is owned by the single consumer goroutine.
package processor

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ordtrace-dev/ordtrace-agent/pkg/cache"
	"github.com/ordtrace-dev/ordtrace-agent/pkg/event"
	"github.com/ordtrace-dev/ordtrace-agent/pkg/intern"
	"github.com/ordtrace-dev/ordtrace-agent/pkg/unwind"
)

const unwindFailureCacheSize = 1024

// Config narrows what the processor reconstructs.
type Config struct {
	// TargetPID restricts function entry/exit processing to one process;
	// the uprobe sources fire system-wide. Zero accepts every process.
	TargetPID int32

	// TrampolineStart and TrampolineEnd bound the kernel's uprobe return
	// trampoline in the target's address space. Samples landing inside
	// are classified instead of unwound; callchain frames inside are
	// patched.
	TrampolineStart uint64
	TrampolineEnd   uint64
}

type Processor struct {
	logger   log.Logger
	metrics  *metrics
	listener event.Listener
	cfg      Config

	threads     *threads
	switches    *switchTracker
	states      *threadStateTracker
	calls       *callTracker
	rets        *returnAddressManager
	stacks      *stackResolver
	gpu         *gpuTracker
	tracepoints *intern.Pool[event.TracepointInfo]
}

func New(logger log.Logger, reg prometheus.Registerer, listener event.Listener, unwinder unwind.Unwinder, cfg Config) *Processor {
	logger = log.With(logger, "component", "processor")
	m := newMetrics(reg)
	th := newThreads()
	rets := &returnAddressManager{threads: th}
	return &Processor{
		logger:   logger,
		metrics:  m,
		listener: listener,
		cfg:      cfg,
		threads:  th,
		switches: &switchTracker{logger: logger, metrics: m, listener: listener, threads: th},
		states:   &threadStateTracker{logger: logger, metrics: m, listener: listener, threads: th},
		calls:    &callTracker{logger: logger, metrics: m, listener: listener, threads: th},
		rets:     rets,
		stacks: &stackResolver{
			logger:          logger,
			metrics:         m,
			listener:        listener,
			unwinder:        unwinder,
			threads:         th,
			rets:            rets,
			callstacks:      intern.NewCallstackPool(),
			failures:        cache.NewLRU[int32, uint64](reg, "unwind_failures", unwindFailureCacheSize),
			trampolineStart: cfg.TrampolineStart,
			trampolineEnd:   cfg.TrampolineEnd,
		},
		gpu:         newGpuTracker(logger, m, listener),
		tracepoints: intern.NewPool[event.TracepointInfo](),
	}
}

// ProcessEvent dispatches one record from the ordered stream. Must be
// called from a single goroutine.
func (p *Processor) ProcessEvent(ctx context.Context, ev event.Event) {
	p.metrics.events.WithLabelValues(ev.Kind().String()).Inc()
	switch ev := ev.(type) {
	case *event.SwitchIn:
		p.switches.handleSwitchIn(ev)
		p.states.handleSwitchIn(ev)
	case *event.SwitchOut:
		p.switches.handleSwitchOut(ev)
		p.states.handleSwitchOut(ev)
	case *event.StackSample:
		p.stacks.handleSample(ctx, ev)
	case *event.FunctionEntry:
		if !p.targetProcess(ev.PID) {
			p.metrics.anomalies.WithLabelValues(reasonForeignFunctionEvent).Inc()
			break
		}
		p.calls.handleEntry(ev)
		p.rets.push(ev)
	case *event.FunctionExit:
		if !p.targetProcess(ev.PID) {
			p.metrics.anomalies.WithLabelValues(reasonForeignFunctionEvent).Inc()
			break
		}
		if p.calls.handleExit(ev) {
			p.rets.pop(ev.TID)
		}
	case *event.TaskNew:
		p.states.handleTaskNew(ev)
	case *event.TaskExit:
		p.states.handleTaskExit(ev)
	case *event.SchedWakeup:
		p.states.handleWakeup(ev)
	case *event.ThreadNameChange:
		p.listener.OnThreadName(event.ThreadName{
			PID:         ev.PID,
			TID:         ev.TID,
			Name:        ev.Name,
			TimestampNs: ev.TimestampNs,
		})
	case *event.GpuCommandBufferSubmit:
		p.gpu.handleSubmit(ev)
	case *event.GpuSchedulerRun:
		p.gpu.handleSchedRun(ev)
	case *event.GpuFenceSignal:
		p.gpu.handleFenceSignal(ev)
	case *event.TracepointHit:
		p.handleTracepoint(ev)
	case *event.MemorySample:
		p.listener.OnMemoryUsage(event.MemoryUsage{
			TimestampNs: ev.TimestampNs,
			TotalKB:     ev.TotalKB,
			FreeKB:      ev.FreeKB,
			AvailableKB: ev.AvailableKB,
			BuffersKB:   ev.BuffersKB,
			CachedKB:    ev.CachedKB,
			ResidentKB:  ev.ResidentKB,
			MinorFaults: ev.MinorFaults,
			MajorFaults: ev.MajorFaults,
		})
	case *event.LostRecords:
		level.Debug(p.logger).Log("msg", "records lost upstream", "count", ev.Count, "ts", ev.TimestampNs)
	default:
		p.metrics.anomalies.WithLabelValues(reasonUnknownKind).Inc()
	}
	p.metrics.threads.Set(float64(p.threads.len()))
}

func (p *Processor) handleTracepoint(ev *event.TracepointHit) {
	info := event.TracepointInfo{Category: ev.Category, Name: ev.Name}
	key, created := p.tracepoints.GetOrAssign(info)
	if created {
		p.listener.OnUniqueTracepointInfo(key, info)
		p.metrics.interned.WithLabelValues(poolTracepoints).Set(float64(p.tracepoints.Len()))
	}
	p.listener.OnTracepointEvent(event.TracepointEvent{
		PID:         ev.PID,
		TID:         ev.TID,
		CPU:         ev.CPU,
		TimestampNs: ev.TimestampNs,
		InfoKey:     key,
	})
}

func (p *Processor) targetProcess(pid int32) bool {
	return p.cfg.TargetPID == 0 || pid == p.cfg.TargetPID
}

// Flush discards whatever never completed: open scheduling slices and
// states, outstanding calls, GPU jobs still waiting on a fence. Called once
// after the queue has drained; completing these intervals would require
// inventing end timestamps.
func (p *Processor) Flush() {
	var openSlices, openCalls int
	p.threads.forEach(func(_ int32, th *threadState) {
		if th.openSlice != nil {
			openSlices++
		}
		openCalls += len(th.calls)
	})
	if openSlices > 0 || openCalls > 0 || p.gpu.pendingCount() > 0 {
		level.Debug(p.logger).Log(
			"msg", "discarding unfinished state at teardown",
			"open_slices", openSlices,
			"open_calls", openCalls,
			"pending_gpu_jobs", p.gpu.pendingCount(),
		)
	}
}
