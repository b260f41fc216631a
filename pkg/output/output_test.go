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

package output

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/ordtrace-dev/ordtrace-agent/pkg/event"
)

func TestWriterEmitsOneLinePerRecord(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(log.NewNopLogger(), prometheus.NewRegistry(), &buf)

	w.OnUniqueCallstack(1, event.Callstack{
		PCs:     []uint64{0x40_1000, 0x40_2000},
		Outcome: event.CallstackComplete,
	})
	w.OnCallstackSample(event.CallstackSample{PID: 3, TID: 7, TimestampNs: 1200, CallstackID: 1})
	w.OnSchedulingSlice(event.SchedulingSlice{PID: 3, TID: 7, CPU: 1, DurationNs: 600, OutTimestampNs: 1600})
	w.OnThreadStateSlice(event.ThreadStateSlice{TID: 7, State: event.ThreadStateRunnable, DurationNs: 40, EndTimestampNs: 999})
	require.NoError(t, w.Flush())

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	require.JSONEq(t, `{"type":"callstack","id":1,"outcome":"complete","pcs":["0x401000","0x402000"]}`, lines[0])
	require.JSONEq(t, `{"type":"callstack_sample","pid":3,"tid":7,"timestamp_ns":1200,"callstack_id":1}`, lines[1])
	require.JSONEq(t, `{"type":"scheduling_slice","pid":3,"tid":7,"cpu":1,"duration_ns":600,"out_timestamp_ns":1600}`, lines[2])
	require.JSONEq(t, `{"type":"thread_state_slice","tid":7,"state":"runnable","duration_ns":40,"end_timestamp_ns":999}`, lines[3])
}

func TestWriterCountsRecordsByType(t *testing.T) {
	w := NewWriter(log.NewNopLogger(), prometheus.NewRegistry(), &bytes.Buffer{})

	w.OnSchedulingSlice(event.SchedulingSlice{})
	w.OnSchedulingSlice(event.SchedulingSlice{})
	w.OnMemoryUsage(event.MemoryUsage{})

	require.Equal(t, 2.0, testutil.ToFloat64(w.records.WithLabelValues("scheduling_slice")))
	require.Equal(t, 1.0, testutil.ToFloat64(w.records.WithLabelValues("memory_usage")))
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestWriterReportsWriteError(t *testing.T) {
	w := NewWriter(log.NewNopLogger(), prometheus.NewRegistry(), failingWriter{})

	// Enough records to overflow the buffer and hit the underlying writer.
	for i := 0; i < 200; i++ {
		w.OnCallstackSample(event.CallstackSample{PID: 3, TID: 7, TimestampNs: uint64(i), CallstackID: 1})
	}
	require.ErrorContains(t, w.Flush(), "disk full")
}
