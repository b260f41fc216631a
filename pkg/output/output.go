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

// Package output serializes capture outputs as JSON lines, one object per
// listener call. Program counters are written as hex strings; plain JSON
// numbers cannot carry a full 64-bit address through every consumer.
package output

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ordtrace-dev/ordtrace-agent/pkg/event"
)

// Writer emits one JSON line per capture output. The session's consumer
// drives it from a single goroutine; it is not safe for concurrent use.
// After a write error all further records are discarded and the error is
// reported by Flush.
type Writer struct {
	logger  log.Logger
	records *prometheus.CounterVec
	buf     *bufio.Writer
	err     error
}

var _ event.Listener = (*Writer)(nil)

func NewWriter(logger log.Logger, reg prometheus.Registerer, w io.Writer) *Writer {
	return &Writer{
		logger: log.With(logger, "component", "output"),
		records: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "ordtrace_output_records_total",
			Help: "Number of JSON lines written, per record type.",
		}, []string{"type"}),
		buf: bufio.NewWriter(w),
	}
}

// Flush drains buffered lines. It reports the first error the writer ran
// into, if any.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	return w.buf.Flush()
}

func (w *Writer) write(kind string, v any) {
	if w.err != nil {
		return
	}
	p, err := json.Marshal(v)
	if err == nil {
		_, err = w.buf.Write(append(p, '\n'))
	}
	if err != nil {
		w.err = err
		level.Error(w.logger).Log("msg", "writing output failed, discarding further records", "err", err)
		return
	}
	w.records.WithLabelValues(kind).Inc()
}

func hexPCs(pcs []uint64) []string {
	out := make([]string, len(pcs))
	for i, pc := range pcs {
		out[i] = fmt.Sprintf("%#x", pc)
	}
	return out
}

func (w *Writer) OnSchedulingSlice(s event.SchedulingSlice) {
	w.write("scheduling_slice", struct {
		Type           string `json:"type"`
		PID            int32  `json:"pid"`
		TID            int32  `json:"tid"`
		CPU            uint32 `json:"cpu"`
		DurationNs     uint64 `json:"duration_ns"`
		OutTimestampNs uint64 `json:"out_timestamp_ns"`
	}{"scheduling_slice", s.PID, s.TID, s.CPU, s.DurationNs, s.OutTimestampNs})
}

func (w *Writer) OnThreadStateSlice(s event.ThreadStateSlice) {
	w.write("thread_state_slice", struct {
		Type           string `json:"type"`
		TID            int32  `json:"tid"`
		State          string `json:"state"`
		DurationNs     uint64 `json:"duration_ns"`
		EndTimestampNs uint64 `json:"end_timestamp_ns"`
	}{"thread_state_slice", s.TID, s.State.String(), s.DurationNs, s.EndTimestampNs})
}

func (w *Writer) OnFunctionCall(c event.FunctionCall) {
	w.write("function_call", struct {
		Type           string `json:"type"`
		PID            int32  `json:"pid"`
		TID            int32  `json:"tid"`
		FunctionID     uint64 `json:"function_id"`
		DurationNs     uint64 `json:"duration_ns"`
		EndTimestampNs uint64 `json:"end_timestamp_ns"`
		Depth          uint32 `json:"depth"`
		ReturnValue    uint64 `json:"return_value"`
	}{"function_call", c.PID, c.TID, c.FunctionID, c.DurationNs, c.EndTimestampNs, c.Depth, c.ReturnValue})
}

func (w *Writer) OnUniqueCallstack(id uint64, cs event.Callstack) {
	w.write("callstack", struct {
		Type    string   `json:"type"`
		ID      uint64   `json:"id"`
		Outcome string   `json:"outcome"`
		PCs     []string `json:"pcs"`
	}{"callstack", id, cs.Outcome.String(), hexPCs(cs.PCs)})
}

func (w *Writer) OnCallstackSample(s event.CallstackSample) {
	w.write("callstack_sample", struct {
		Type        string `json:"type"`
		PID         int32  `json:"pid"`
		TID         int32  `json:"tid"`
		TimestampNs uint64 `json:"timestamp_ns"`
		CallstackID uint64 `json:"callstack_id"`
	}{"callstack_sample", s.PID, s.TID, s.TimestampNs, s.CallstackID})
}

func (w *Writer) OnThreadName(n event.ThreadName) {
	w.write("thread_name", struct {
		Type        string `json:"type"`
		PID         int32  `json:"pid"`
		TID         int32  `json:"tid"`
		Name        string `json:"name"`
		TimestampNs uint64 `json:"timestamp_ns"`
	}{"thread_name", n.PID, n.TID, n.Name, n.TimestampNs})
}

func (w *Writer) OnUniqueTimeline(key uint64, name string) {
	w.write("timeline", struct {
		Type string `json:"type"`
		Key  uint64 `json:"key"`
		Name string `json:"name"`
	}{"timeline", key, name})
}

func (w *Writer) OnGpuJob(j event.GpuJob) {
	w.write("gpu_job", struct {
		Type              string `json:"type"`
		PID               int32  `json:"pid"`
		TID               int32  `json:"tid"`
		Context           uint32 `json:"context"`
		Seqno             uint32 `json:"seqno"`
		Depth             uint32 `json:"depth"`
		TimelineKey       uint64 `json:"timeline_key"`
		SubmitTimestampNs uint64 `json:"submit_timestamp_ns"`
		SchedTimestampNs  uint64 `json:"sched_timestamp_ns"`
		StartTimestampNs  uint64 `json:"start_timestamp_ns"`
		DoneTimestampNs   uint64 `json:"done_timestamp_ns"`
	}{"gpu_job", j.PID, j.TID, j.Context, j.Seqno, j.Depth, j.TimelineKey, j.SubmitTimestampNs, j.SchedTimestampNs, j.StartTimestampNs, j.DoneTimestampNs})
}

func (w *Writer) OnUniqueTracepointInfo(key uint64, info event.TracepointInfo) {
	w.write("tracepoint_info", struct {
		Type     string `json:"type"`
		Key      uint64 `json:"key"`
		Category string `json:"category"`
		Name     string `json:"name"`
	}{"tracepoint_info", key, info.Category, info.Name})
}

func (w *Writer) OnTracepointEvent(e event.TracepointEvent) {
	w.write("tracepoint_event", struct {
		Type        string `json:"type"`
		PID         int32  `json:"pid"`
		TID         int32  `json:"tid"`
		CPU         uint32 `json:"cpu"`
		TimestampNs uint64 `json:"timestamp_ns"`
		InfoKey     uint64 `json:"info_key"`
	}{"tracepoint_event", e.PID, e.TID, e.CPU, e.TimestampNs, e.InfoKey})
}

func (w *Writer) OnMemoryUsage(m event.MemoryUsage) {
	w.write("memory_usage", struct {
		Type        string `json:"type"`
		TimestampNs uint64 `json:"timestamp_ns"`
		TotalKB     uint64 `json:"total_kb"`
		FreeKB      uint64 `json:"free_kb"`
		AvailableKB uint64 `json:"available_kb"`
		BuffersKB   uint64 `json:"buffers_kb"`
		CachedKB    uint64 `json:"cached_kb"`
		ResidentKB  uint64 `json:"resident_kb"`
		MinorFaults uint64 `json:"minor_faults"`
		MajorFaults uint64 `json:"major_faults"`
	}{"memory_usage", m.TimestampNs, m.TotalKB, m.FreeKB, m.AvailableKB, m.BuffersKB, m.CachedKB, m.ResidentKB, m.MinorFaults, m.MajorFaults})
}
