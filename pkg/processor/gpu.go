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
	"github.com/ordtrace-dev/ordtrace-agent/pkg/intern"
)

// gpuKey identifies one job across its three driver phases.
type gpuKey struct {
	timeline string
	context  uint32
	seqno    uint32
}

// gpuJob accumulates phases until the fence completes it.
type gpuJob struct {
	pid      int32
	tid      int32
	submitTS uint64
	schedTS  uint64
}

// gpuTracker matches command-buffer submissions, scheduler runs and fence
// signals into complete jobs. Hardware start is inferred: a job begins
// executing at its scheduler-run time unless the previous job on the same
// timeline was still running, in which case it begins when that one
// finished.
type gpuTracker struct {
	logger   log.Logger
	metrics  *metrics
	listener event.Listener

	timelines *intern.Pool[string]
	pending   map[gpuKey]*gpuJob
	rowEnds   map[uint64][]uint64 // per timeline, last end per depth row
	lastDone  map[uint64]uint64   // per timeline, last hardware completion
}

func newGpuTracker(logger log.Logger, m *metrics, listener event.Listener) *gpuTracker {
	return &gpuTracker{
		logger:    logger,
		metrics:   m,
		listener:  listener,
		timelines: intern.NewPool[string](),
		pending:   make(map[gpuKey]*gpuJob),
		rowEnds:   make(map[uint64][]uint64),
		lastDone:  make(map[uint64]uint64),
	}
}

func (t *gpuTracker) handleSubmit(ev *event.GpuCommandBufferSubmit) {
	key := gpuKey{timeline: ev.Timeline, context: ev.Context, seqno: ev.Seqno}
	if _, ok := t.pending[key]; ok {
		t.metrics.anomalies.WithLabelValues(reasonDuplicateGpuSubmit).Inc()
		return
	}
	t.pending[key] = &gpuJob{pid: ev.PID, tid: ev.TID, submitTS: ev.TimestampNs}
}

func (t *gpuTracker) handleSchedRun(ev *event.GpuSchedulerRun) {
	key := gpuKey{timeline: ev.Timeline, context: ev.Context, seqno: ev.Seqno}
	job, ok := t.pending[key]
	if !ok {
		// Capture began after the submission; track from here so the
		// fence still completes something.
		t.metrics.anomalies.WithLabelValues(reasonGpuRunWithoutSubmit).Inc()
		job = &gpuJob{pid: ev.PID, tid: ev.TID, submitTS: ev.TimestampNs}
		t.pending[key] = job
	}
	job.schedTS = ev.TimestampNs
}

func (t *gpuTracker) handleFenceSignal(ev *event.GpuFenceSignal) {
	key := gpuKey{timeline: ev.Timeline, context: ev.Context, seqno: ev.Seqno}
	job, ok := t.pending[key]
	if !ok {
		t.metrics.anomalies.WithLabelValues(reasonGpuFenceWithoutSubmit).Inc()
		level.Debug(t.logger).Log(
			"msg", "dropping gpu fence without matching submission",
			"timeline", ev.Timeline, "context", ev.Context, "seqno", ev.Seqno,
		)
		return
	}
	delete(t.pending, key)

	tlKey, created := t.timelines.GetOrAssign(ev.Timeline)
	if created {
		t.listener.OnUniqueTimeline(tlKey, ev.Timeline)
		t.metrics.interned.WithLabelValues(poolTimelines).Set(float64(t.timelines.Len()))
	}

	sched := job.schedTS
	if sched == 0 {
		sched = job.submitTS
	}
	start := sched
	if last := t.lastDone[tlKey]; last > start {
		start = last
	}
	done := ev.TimestampNs
	t.lastDone[tlKey] = done

	t.listener.OnGpuJob(event.GpuJob{
		PID:               job.pid,
		TID:               job.tid,
		Context:           ev.Context,
		Seqno:             ev.Seqno,
		Depth:             t.assignDepth(tlKey, job.submitTS, done),
		TimelineKey:       tlKey,
		SubmitTimestampNs: job.submitTS,
		SchedTimestampNs:  sched,
		StartTimestampNs:  start,
		DoneTimestampNs:   done,
	})
}

// assignDepth packs the job's [submit, done] extent onto the lowest timeline
// row it does not overlap.
func (t *gpuTracker) assignDepth(timeline, start, end uint64) uint32 {
	rows := t.rowEnds[timeline]
	for i, lastEnd := range rows {
		if lastEnd <= start {
			rows[i] = end
			return uint32(i)
		}
	}
	t.rowEnds[timeline] = append(rows, end)
	return uint32(len(rows))
}

func (t *gpuTracker) pendingCount() int { return len(t.pending) }
