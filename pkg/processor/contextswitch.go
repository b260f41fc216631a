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
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/ordtrace-dev/ordtrace-agent/pkg/event"
)

// openSlice is the scheduling interval opened by a switch-in and closed by
// the matching switch-out.
type openSlice struct {
	start uint64
	cpu   uint32
	pid   int32
}

// switchTracker reconstructs completed scheduling slices from the cpu-wide
// switch stream. A thread has at most one open slice at a time.
type switchTracker struct {
	logger   log.Logger
	metrics  *metrics
	listener event.Listener
	threads  *threads
}

func (t *switchTracker) handleSwitchIn(ev *event.SwitchIn) {
	if ev.TID <= 0 {
		return // idle task
	}
	th := t.threads.get(ev.TID)
	if open := th.openSlice; open != nil {
		// A second switch-in without a switch-out means the out record
		// was lost. Close the stale slice as zero-length at its own
		// start rather than leaking it or stretching it to now.
		t.metrics.anomalies.WithLabelValues(reasonStaleSwitchIn).Inc()
		level.Debug(t.logger).Log(
			"msg", "force closing stale scheduling slice",
			"tid", ev.TID, "cpu", open.cpu, "start", open.start,
		)
		t.listener.OnSchedulingSlice(event.SchedulingSlice{
			PID:            open.pid,
			TID:            ev.TID,
			CPU:            open.cpu,
			DurationNs:     0,
			OutTimestampNs: open.start,
		})
	}
	th.openSlice = &openSlice{start: ev.TimestampNs, cpu: ev.CPU, pid: ev.PID}
}

func (t *switchTracker) handleSwitchOut(ev *event.SwitchOut) {
	if ev.TID <= 0 {
		return
	}
	th, ok := t.threads.lookup(ev.TID)
	if !ok || th.openSlice == nil {
		// Expected when the capture started mid-slice; not worth a log
		// line.
		t.metrics.anomalies.WithLabelValues(reasonLoneSwitchOut).Inc()
		return
	}
	open := th.openSlice
	th.openSlice = nil
	t.listener.OnSchedulingSlice(event.SchedulingSlice{
		PID:            open.pid,
		TID:            ev.TID,
		CPU:            open.cpu,
		DurationNs:     ev.TimestampNs - open.start,
		OutTimestampNs: ev.TimestampNs,
	})
}

// threadStateTracker reconstructs intervals of scheduler state (running,
// runnable, sleeping, dead) from switches, wakeups and task lifecycle.
type threadStateTracker struct {
	logger   log.Logger
	metrics  *metrics
	listener event.Listener
	threads  *threads
}

// transition closes the current state interval, if any, and opens the next
// one.
func (t *threadStateTracker) transition(tid int32, ts uint64, next event.ThreadState) {
	if tid <= 0 {
		return
	}
	th := t.threads.get(tid)
	if th.state != event.ThreadStateUnknown && ts >= th.stateSince {
		t.listener.OnThreadStateSlice(event.ThreadStateSlice{
			TID:            tid,
			State:          th.state,
			DurationNs:     ts - th.stateSince,
			EndTimestampNs: ts,
		})
	}
	th.state = next
	th.stateSince = ts
}

func (t *threadStateTracker) handleSwitchIn(ev *event.SwitchIn) {
	t.transition(ev.TID, ev.TimestampNs, event.ThreadStateRunning)
}

func (t *threadStateTracker) handleSwitchOut(ev *event.SwitchOut) {
	next := event.ThreadStateInterruptibleSleep
	if ev.Preempted {
		next = event.ThreadStateRunnable
	}
	t.transition(ev.TID, ev.TimestampNs, next)
}

func (t *threadStateTracker) handleWakeup(ev *event.SchedWakeup) {
	// A wakeup for a thread already on CPU carries no transition; the
	// kernel emits these for racy wake-while-running cases.
	if th, ok := t.threads.lookup(ev.WokenTID); ok && th.state == event.ThreadStateRunning {
		return
	}
	t.transition(ev.WokenTID, ev.TimestampNs, event.ThreadStateRunnable)
}

func (t *threadStateTracker) handleTaskNew(ev *event.TaskNew) {
	t.transition(ev.NewTID, ev.TimestampNs, event.ThreadStateRunnable)
}

func (t *threadStateTracker) handleTaskExit(ev *event.TaskExit) {
	t.transition(ev.TID, ev.TimestampNs, event.ThreadStateDead)
}
