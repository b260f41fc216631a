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
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/ordtrace-dev/ordtrace-agent/pkg/event"
	"github.com/ordtrace-dev/ordtrace-agent/pkg/unwind"
)

// recordingListener captures everything the processor emits, in order.
type recordingListener struct {
	slices      []event.SchedulingSlice
	states      []event.ThreadStateSlice
	calls       []event.FunctionCall
	callstacks  map[uint64]event.Callstack
	samples     []event.CallstackSample
	names       []event.ThreadName
	timelines   map[uint64]string
	gpuJobs     []event.GpuJob
	tracepoints map[uint64]event.TracepointInfo
	tpEvents    []event.TracepointEvent
	memory      []event.MemoryUsage
}

var _ event.Listener = (*recordingListener)(nil)

func newRecordingListener() *recordingListener {
	return &recordingListener{
		callstacks:  map[uint64]event.Callstack{},
		timelines:   map[uint64]string{},
		tracepoints: map[uint64]event.TracepointInfo{},
	}
}

func (l *recordingListener) OnSchedulingSlice(s event.SchedulingSlice) {
	l.slices = append(l.slices, s)
}

func (l *recordingListener) OnThreadStateSlice(s event.ThreadStateSlice) {
	l.states = append(l.states, s)
}

func (l *recordingListener) OnFunctionCall(c event.FunctionCall) {
	l.calls = append(l.calls, c)
}

func (l *recordingListener) OnUniqueCallstack(id uint64, cs event.Callstack) {
	l.callstacks[id] = cs
}

func (l *recordingListener) OnCallstackSample(s event.CallstackSample) {
	l.samples = append(l.samples, s)
}

func (l *recordingListener) OnThreadName(n event.ThreadName) {
	l.names = append(l.names, n)
}

func (l *recordingListener) OnUniqueTimeline(id uint64, name string) {
	l.timelines[id] = name
}

func (l *recordingListener) OnGpuJob(j event.GpuJob) {
	l.gpuJobs = append(l.gpuJobs, j)
}

func (l *recordingListener) OnUniqueTracepointInfo(id uint64, info event.TracepointInfo) {
	l.tracepoints[id] = info
}

func (l *recordingListener) OnTracepointEvent(e event.TracepointEvent) {
	l.tpEvents = append(l.tpEvents, e)
}

func (l *recordingListener) OnMemoryUsage(m event.MemoryUsage) {
	l.memory = append(l.memory, m)
}

func testProcessor(t *testing.T, unwinder unwind.Unwinder, cfg Config) (*Processor, *recordingListener) {
	t.Helper()
	rec := newRecordingListener()
	if unwinder == nil {
		unwinder = &unwind.FramePointer{}
	}
	return New(log.NewNopLogger(), prometheus.NewRegistry(), rec, unwinder, cfg), rec
}

func meta(ts uint64, pid, tid int32, cpu uint32) event.Meta {
	return event.Meta{TimestampNs: ts, PID: pid, TID: tid, CPU: cpu}
}

func process(p *Processor, evs ...event.Event) {
	for _, ev := range evs {
		p.ProcessEvent(context.Background(), ev)
	}
}

func anomalies(p *Processor, reason string) float64 {
	return testutil.ToFloat64(p.metrics.anomalies.WithLabelValues(reason))
}

func TestTracepointInfoInternedOnce(t *testing.T) {
	p, rec := testProcessor(t, nil, Config{})

	process(p,
		&event.TracepointHit{Meta: meta(100, 3, 4, 0), Category: "sched", Name: "sched_wakeup_new"},
		&event.TracepointHit{Meta: meta(110, 3, 4, 1), Category: "sched", Name: "sched_wakeup_new"},
		&event.TracepointHit{Meta: meta(120, 3, 4, 1), Category: "irq", Name: "softirq_entry"},
	)

	require.Len(t, rec.tracepoints, 2)
	require.Equal(t, event.TracepointInfo{Category: "sched", Name: "sched_wakeup_new"}, rec.tracepoints[1])
	require.Equal(t, event.TracepointInfo{Category: "irq", Name: "softirq_entry"}, rec.tracepoints[2])

	require.Len(t, rec.tpEvents, 3)
	require.Equal(t, uint64(1), rec.tpEvents[0].InfoKey)
	require.Equal(t, uint64(1), rec.tpEvents[1].InfoKey)
	require.Equal(t, uint64(2), rec.tpEvents[2].InfoKey)
	require.Equal(t, event.TracepointEvent{
		PID: 3, TID: 4, CPU: 0, TimestampNs: 100, InfoKey: 1,
	}, rec.tpEvents[0])
}

func TestMemorySampleForwarded(t *testing.T) {
	p, rec := testProcessor(t, nil, Config{})

	process(p, &event.MemorySample{
		Meta:        meta(500, -1, -1, 0),
		TotalKB:     16_000_000,
		FreeKB:      4_000_000,
		AvailableKB: 9_000_000,
		BuffersKB:   120_000,
		CachedKB:    5_000_000,
		ResidentKB:  350_000,
		MinorFaults: 10_000,
		MajorFaults: 12,
	})

	require.Len(t, rec.memory, 1)
	require.Equal(t, event.MemoryUsage{
		TimestampNs: 500,
		TotalKB:     16_000_000,
		FreeKB:      4_000_000,
		AvailableKB: 9_000_000,
		BuffersKB:   120_000,
		CachedKB:    5_000_000,
		ResidentKB:  350_000,
		MinorFaults: 10_000,
		MajorFaults: 12,
	}, rec.memory[0])
}

func TestThreadNameForwarded(t *testing.T) {
	p, rec := testProcessor(t, nil, Config{})

	process(p, &event.ThreadNameChange{Meta: meta(200, 3, 7, 0), Name: "worker-1", Exec: false})

	require.Len(t, rec.names, 1)
	require.Equal(t, event.ThreadName{PID: 3, TID: 7, Name: "worker-1", TimestampNs: 200}, rec.names[0])
}

func TestLostRecordsProduceNoOutput(t *testing.T) {
	p, rec := testProcessor(t, nil, Config{})

	process(p, &event.LostRecords{Meta: meta(300, -1, -1, 0), Count: 12})

	require.Empty(t, rec.slices)
	require.Empty(t, rec.samples)
	require.Empty(t, rec.calls)
}

type unknownEvent struct{ event.Meta }

func (*unknownEvent) Kind() event.Kind { return event.Kind(250) }

func TestUnknownEventCounted(t *testing.T) {
	p, rec := testProcessor(t, nil, Config{})

	process(p, &unknownEvent{meta(100, 1, 1, 0)})

	require.Equal(t, 1.0, anomalies(p, reasonUnknownKind))
	require.Empty(t, rec.slices)
}

func TestFlushProducesNoEvents(t *testing.T) {
	p, rec := testProcessor(t, nil, Config{})

	// Leave a slice, a call and a GPU job unfinished.
	process(p,
		&event.SwitchIn{Meta: meta(100, 3, 7, 0)},
		&event.FunctionEntry{Meta: meta(110, 3, 7, 0), FunctionID: 1, SP: 0x1000, ReturnAddress: 0x400},
		&event.GpuCommandBufferSubmit{Meta: meta(120, 3, 7, 0), Context: 1, Seqno: 1, Timeline: "gfx"},
	)
	before := len(rec.slices) + len(rec.states) + len(rec.calls) + len(rec.gpuJobs)

	p.Flush()
	p.Flush()

	after := len(rec.slices) + len(rec.states) + len(rec.calls) + len(rec.gpuJobs)
	require.Equal(t, before, after, "flush must discard unfinished state, not fabricate end timestamps")
}
