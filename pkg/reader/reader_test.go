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

package reader

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sys/unix"

	"github.com/ordtrace-dev/ordtrace-agent/pkg/byteorder"
	"github.com/ordtrace-dev/ordtrace-agent/pkg/event"
	"github.com/ordtrace-dev/ordtrace-agent/pkg/queue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func switchRecord(ts uint64, pid, tid int32, cpu uint32, out, preempt bool) []byte {
	var misc uint16
	if out {
		misc |= miscSwitchOut
	}
	if preempt {
		misc |= miscSwitchOutPreempt
	}
	return NewRecordBuilder().
		Begin(unix.PERF_RECORD_SWITCH_CPU_WIDE, misc).
		U32(0).U32(0). // next/prev pid and tid, unused
		Trailer(pid, tid, ts, cpu).
		End()
}

func TestDecodeSwitchRecords(t *testing.T) {
	dec := NewDecoder(DecodeConfig{SampleType: BaseSampleType})

	ev, err := dec.Decode(switchRecord(100, 7, 8, 2, true, true))
	require.NoError(t, err)
	out, ok := ev.(*event.SwitchOut)
	require.True(t, ok)
	require.Equal(t, uint64(100), out.Timestamp())
	require.Equal(t, int32(7), out.PID)
	require.Equal(t, int32(8), out.TID)
	require.Equal(t, uint32(2), out.CPU)
	require.True(t, out.Preempted)

	ev, err = dec.Decode(switchRecord(200, 7, 8, 2, false, false))
	require.NoError(t, err)
	in, ok := ev.(*event.SwitchIn)
	require.True(t, ok)
	require.Equal(t, uint64(200), in.Timestamp())
}

func TestDecodeComm(t *testing.T) {
	rec := NewRecordBuilder().
		Begin(unix.PERF_RECORD_COMM, miscCommExec).
		I32(42).I32(43).
		CString("worker-1", 16).
		Trailer(42, 43, 500, 0).
		End()

	ev, err := NewDecoder(DecodeConfig{SampleType: BaseSampleType}).Decode(rec)
	require.NoError(t, err)
	name, ok := ev.(*event.ThreadNameChange)
	require.True(t, ok)
	require.Equal(t, "worker-1", name.Name)
	require.True(t, name.Exec)
	require.Equal(t, int32(42), name.PID)
	require.Equal(t, int32(43), name.TID)
	require.Equal(t, uint64(500), name.Timestamp())
}

func TestDecodeTaskRecords(t *testing.T) {
	dec := NewDecoder(DecodeConfig{SampleType: BaseSampleType})

	fork := NewRecordBuilder().
		Begin(unix.PERF_RECORD_FORK, 0).
		I32(100).I32(42). // child pid, parent pid
		I32(101).I32(43). // child tid, parent tid
		U64(900).
		Trailer(42, 43, 900, 1).
		End()
	ev, err := dec.Decode(fork)
	require.NoError(t, err)
	task, ok := ev.(*event.TaskNew)
	require.True(t, ok)
	require.Equal(t, int32(42), task.PID)
	require.Equal(t, int32(43), task.TID)
	require.Equal(t, int32(101), task.NewTID)

	exit := NewRecordBuilder().
		Begin(unix.PERF_RECORD_EXIT, 0).
		I32(100).I32(42).
		I32(101).I32(43).
		U64(950).
		Trailer(42, 43, 950, 1).
		End()
	ev, err = dec.Decode(exit)
	require.NoError(t, err)
	gone, ok := ev.(*event.TaskExit)
	require.True(t, ok)
	require.Equal(t, int32(100), gone.PID)
	require.Equal(t, int32(101), gone.TID)
	require.Equal(t, uint64(950), gone.Timestamp())
}

func TestDecodeLost(t *testing.T) {
	rec := NewRecordBuilder().
		Begin(unix.PERF_RECORD_LOST, 0).
		U64(5).U64(1234).
		Trailer(0, 0, 777, 3).
		End()

	ev, err := NewDecoder(DecodeConfig{SampleType: BaseSampleType}).Decode(rec)
	require.NoError(t, err)
	lost, ok := ev.(*event.LostRecords)
	require.True(t, ok)
	require.Equal(t, uint64(1234), lost.Count)
	require.Equal(t, uint64(777), lost.Timestamp())
}

func TestDecodeStackSampleWithRegs(t *testing.T) {
	sampleType := uint64(BaseSampleType | unix.PERF_SAMPLE_IP |
		unix.PERF_SAMPLE_REGS_USER | unix.PERF_SAMPLE_STACK_USER)
	stack := make([]byte, 32)
	for i := range stack {
		stack[i] = byte(i)
	}

	rec := NewRecordBuilder().
		Begin(unix.PERF_RECORD_SAMPLE, 0).
		U64(0xdead).       // instruction pointer field, superseded by regs
		I32(42).I32(43).   // pid, tid
		U64(1000).         // time
		U32(2).U32(0).     // cpu, res
		U64(2).            // regs abi
		U64(0x7ffd_2000).  // bp
		U64(0x7ffd_1000).  // sp
		U64(0x40_1000).    // ip
		U64(uint64(len(stack))).
		Bytes(stack).
		U64(24). // dyn size
		End()

	ev, err := NewDecoder(DecodeConfig{
		Sample:     SampleStack,
		SampleType: sampleType,
		RegsMask:   RegsMaskUnwind,
	}).Decode(rec)
	require.NoError(t, err)
	sample, ok := ev.(*event.StackSample)
	require.True(t, ok)
	require.Equal(t, uint64(1000), sample.Timestamp())
	require.Equal(t, int32(42), sample.PID)
	require.Equal(t, uint64(0x40_1000), sample.Regs.IP)
	require.Equal(t, uint64(0x7ffd_1000), sample.Regs.SP)
	require.Equal(t, uint64(0x7ffd_2000), sample.Regs.BP)
	require.Equal(t, uint64(24), sample.StackDynSize)
	require.Equal(t, stack[:24], sample.Stack)
	require.Empty(t, sample.Callchain)
}

func TestDecodeCallchainSample(t *testing.T) {
	sampleType := uint64(BaseSampleType | unix.PERF_SAMPLE_IP | unix.PERF_SAMPLE_CALLCHAIN)
	chain := []uint64{ContextUser, 0x40_1000, 0x40_2000}

	b := NewRecordBuilder().
		Begin(unix.PERF_RECORD_SAMPLE, 0).
		U64(0x40_1000).
		I32(42).I32(43).
		U64(2000).
		U32(1).U32(0).
		U64(uint64(len(chain)))
	for _, pc := range chain {
		b.U64(pc)
	}

	ev, err := NewDecoder(DecodeConfig{
		Sample:     SampleStack,
		SampleType: sampleType,
	}).Decode(b.End())
	require.NoError(t, err)
	sample, ok := ev.(*event.StackSample)
	require.True(t, ok)
	require.Equal(t, uint64(0x40_1000), sample.Regs.IP)
	require.Equal(t, chain, sample.Callchain)
	require.Empty(t, sample.Stack)
}

func TestDecodeFunctionEntry(t *testing.T) {
	sampleType := uint64(BaseSampleType | unix.PERF_SAMPLE_REGS_USER | unix.PERF_SAMPLE_STACK_USER)
	b := NewRecordBuilder().
		Begin(unix.PERF_RECORD_SAMPLE, 0).
		I32(42).I32(43).
		U64(3000).
		U32(0).U32(0).
		U64(2).           // regs abi
		U64(0).           // bp
		U64(0x7ffd_1000). // sp
		U64(0x40_5000).   // ip
		U64(8).           // stack size
		U64(0x40_1234).   // return-address slot
		U64(8)            // dyn size

	ev, err := NewDecoder(DecodeConfig{
		Sample:     SampleFunctionEntry,
		SampleType: sampleType,
		RegsMask:   RegsMaskUnwind,
		FunctionID: 17,
	}).Decode(b.End())
	require.NoError(t, err)
	entry, ok := ev.(*event.FunctionEntry)
	require.True(t, ok)
	require.Equal(t, uint64(17), entry.FunctionID)
	require.Equal(t, uint64(0x7ffd_1000), entry.SP)
	require.Equal(t, uint64(0x40_1234), entry.ReturnAddress)
}

func TestDecodeFunctionExit(t *testing.T) {
	sampleType := uint64(BaseSampleType | unix.PERF_SAMPLE_REGS_USER)
	rec := NewRecordBuilder().
		Begin(unix.PERF_RECORD_SAMPLE, 0).
		I32(42).I32(43).
		U64(4000).
		U32(0).U32(0).
		U64(2).           // regs abi
		U64(99).          // ax
		U64(0).           // bp
		U64(0x7ffd_1000). // sp
		U64(0x40_5000).   // ip
		End()

	ev, err := NewDecoder(DecodeConfig{
		Sample:     SampleFunctionExit,
		SampleType: sampleType,
		RegsMask:   RegsMaskReturn,
		FunctionID: 17,
	}).Decode(rec)
	require.NoError(t, err)
	exit, ok := ev.(*event.FunctionExit)
	require.True(t, ok)
	require.Equal(t, uint64(17), exit.FunctionID)
	require.Equal(t, uint64(99), exit.ReturnValue)
}

// rawTracepointSample wraps a raw tracefs payload in a SAMPLE record.
func rawTracepointSample(ts uint64, pid, tid int32, raw []byte) []byte {
	return NewRecordBuilder().
		Begin(unix.PERF_RECORD_SAMPLE, 0).
		I32(pid).I32(tid).
		U64(ts).
		U32(0).U32(0).
		U32(uint32(len(raw))).
		Bytes(raw).
		End()
}

func TestDecodeGpuSubmitTracepoint(t *testing.T) {
	// Common fields, sched_job_id, timeline data_loc, context, seqno,
	// then the string area the data_loc points into.
	payload := make([]byte, 0, 40)
	payload = append(payload, make([]byte, 8)...)
	payload = appendU64(payload, 555)      // sched_job_id
	payload = appendU32(payload, 4<<16|28) // timeline
	payload = appendU32(payload, 9)        // context
	payload = appendU32(payload, 77)       // seqno
	payload = append(payload, []byte("gfx\x00")...)

	ev, err := NewDecoder(DecodeConfig{
		Sample:     SampleTracepoint,
		SampleType: uint64(BaseSampleType | unix.PERF_SAMPLE_RAW),
		Category:   "amdgpu",
		Name:       "amdgpu_cs_ioctl",
	}).Decode(rawTracepointSample(5000, 42, 43, payload))
	require.NoError(t, err)
	submit, ok := ev.(*event.GpuCommandBufferSubmit)
	require.True(t, ok)
	require.Equal(t, uint32(9), submit.Context)
	require.Equal(t, uint32(77), submit.Seqno)
	require.Equal(t, "gfx", submit.Timeline)
	require.Equal(t, uint64(5000), submit.Timestamp())
}

func TestDecodeFenceSignalTracepoint(t *testing.T) {
	// driver data_loc, timeline data_loc, context, seqno, strings.
	payload := make([]byte, 0, 40)
	payload = append(payload, make([]byte, 8)...) // common fields
	payload = appendU32(payload, 4<<16|24)        // driver
	payload = appendU32(payload, 4<<16|28)        // timeline
	payload = appendU32(payload, 9)               // context
	payload = appendU32(payload, 78)              // seqno
	payload = append(payload, []byte("drm\x00gfx\x00")...)

	ev, err := NewDecoder(DecodeConfig{
		Sample:     SampleTracepoint,
		SampleType: uint64(BaseSampleType | unix.PERF_SAMPLE_RAW),
		Category:   "dma_fence",
		Name:       "dma_fence_signaled",
	}).Decode(rawTracepointSample(6000, 0, 0, payload))
	require.NoError(t, err)
	signal, ok := ev.(*event.GpuFenceSignal)
	require.True(t, ok)
	require.Equal(t, uint32(9), signal.Context)
	require.Equal(t, uint32(78), signal.Seqno)
	require.Equal(t, "gfx", signal.Timeline)
}

func TestDecodeTaskNewtaskTracepoint(t *testing.T) {
	payload := make([]byte, 0, 32)
	payload = append(payload, make([]byte, 8)...)
	payload = appendU32(payload, 321) // new thread id
	comm := make([]byte, 16)
	copy(comm, "spawned")
	payload = append(payload, comm...)

	ev, err := NewDecoder(DecodeConfig{
		Sample:     SampleTracepoint,
		SampleType: uint64(BaseSampleType | unix.PERF_SAMPLE_RAW),
		Category:   "sched",
		Name:       "task_newtask",
	}).Decode(rawTracepointSample(7000, 42, 43, payload))
	require.NoError(t, err)
	task, ok := ev.(*event.TaskNew)
	require.True(t, ok)
	require.Equal(t, int32(321), task.NewTID)
	require.Equal(t, "spawned", task.Comm)
	require.Equal(t, int32(43), task.TID)
}

func TestDecodeSchedWakeupTracepoint(t *testing.T) {
	payload := make([]byte, 0, 32)
	payload = append(payload, make([]byte, 8)...)
	comm := make([]byte, 16)
	copy(comm, "sleeper")
	payload = append(payload, comm...)
	payload = appendU32(payload, 654)

	ev, err := NewDecoder(DecodeConfig{
		Sample:     SampleTracepoint,
		SampleType: uint64(BaseSampleType | unix.PERF_SAMPLE_RAW),
		Category:   "sched",
		Name:       "sched_wakeup",
	}).Decode(rawTracepointSample(8000, 42, 43, payload))
	require.NoError(t, err)
	wake, ok := ev.(*event.SchedWakeup)
	require.True(t, ok)
	require.Equal(t, int32(654), wake.WokenTID)
}

func TestDecodeGenericTracepoint(t *testing.T) {
	ev, err := NewDecoder(DecodeConfig{
		Sample:     SampleTracepoint,
		SampleType: uint64(BaseSampleType | unix.PERF_SAMPLE_RAW),
		Category:   "syscalls",
		Name:       "sys_enter_openat",
	}).Decode(rawTracepointSample(9000, 42, 43, make([]byte, 16)))
	require.NoError(t, err)
	hit, ok := ev.(*event.TracepointHit)
	require.True(t, ok)
	require.Equal(t, "syscalls", hit.Category)
	require.Equal(t, "sys_enter_openat", hit.Name)
	require.Equal(t, uint64(9000), hit.Timestamp())
}

func TestDecodeUnknownType(t *testing.T) {
	rec := NewRecordBuilder().Begin(9999, 0).U64(0).End()
	_, err := NewDecoder(DecodeConfig{}).Decode(rec)
	require.ErrorIs(t, err, ErrUnknownRecordType)
}

func TestDecodeTruncated(t *testing.T) {
	_, err := NewDecoder(DecodeConfig{}).Decode([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrTruncatedRecord)

	// A switch record whose payload cannot hold the identity trailer.
	rec := NewRecordBuilder().Begin(unix.PERF_RECORD_SWITCH, 0).U32(1).End()
	_, err = NewDecoder(DecodeConfig{SampleType: BaseSampleType}).Decode(rec)
	require.ErrorIs(t, err, ErrTruncatedRecord)
}

// droppingSource reports out-of-band loss once the records run out.
type droppingSource struct {
	*StaticSource
	drops uint64
}

func (s *droppingSource) TakeDrops() uint64 {
	n := s.drops
	s.drops = 0
	return n
}

func TestReaderPumpsQueue(t *testing.T) {
	logger := log.NewNopLogger()
	reg := prometheus.NewRegistry()
	q := queue.New(logger, reg)

	junk := NewRecordBuilder().Begin(9999, 0).U64(0).End()
	src := &droppingSource{
		StaticSource: NewStaticSource(
			switchRecord(10, 7, 7, 0, false, false),
			junk,
			switchRecord(20, 7, 7, 0, true, false),
			switchRecord(30, 7, 7, 0, false, false),
		),
		drops: 3,
	}

	r := New(logger, reg, q, Spec{
		ID:     1,
		Name:   "switches/cpu0",
		Source: src,
		Config: DecodeConfig{SampleType: BaseSampleType},
	}, WithPollTimeout(time.Millisecond), WithDrainTimeout(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	popCtx, popCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer popCancel()

	var got []event.Event
	for len(got) < 4 {
		ev, err := q.Next(popCtx)
		require.NoError(t, err)
		got = append(got, ev)
	}
	cancel()
	require.NoError(t, <-done)

	require.Equal(t, uint64(10), got[0].Timestamp())
	require.Equal(t, uint64(20), got[1].Timestamp())
	require.Equal(t, uint64(30), got[2].Timestamp())
	lost, ok := got[3].(*event.LostRecords)
	require.True(t, ok)
	require.Equal(t, uint64(3), lost.Count)
	require.Equal(t, uint64(30), lost.Timestamp())

	require.Equal(t, uint64(3), r.Stats().Records.Load())
	require.Equal(t, uint64(1), r.Stats().DecodeErrors.Load())
	require.Equal(t, uint64(3), r.Stats().Lost.Load())
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	byteorder.Native.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU64(b []byte, v uint64) []byte {
	var tmp [8]byte
	byteorder.Native.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}
