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

// Package event defines the records flowing through the pipeline: the typed,
// immutable records decoded from kernel ring buffers, and the finalized
// domain events delivered to a Listener.
package event

// Kind identifies the variant of a decoded record.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindSwitchIn
	KindSwitchOut
	KindStackSample
	KindFunctionEntry
	KindFunctionExit
	KindTaskNew
	KindTaskExit
	KindSchedWakeup
	KindThreadNameChange
	KindGpuCommandBufferSubmit
	KindGpuSchedulerRun
	KindGpuFenceSignal
	KindTracepointHit
	KindMemorySample
	KindLostRecords
)

func (k Kind) String() string {
	switch k {
	case KindSwitchIn:
		return "switch_in"
	case KindSwitchOut:
		return "switch_out"
	case KindStackSample:
		return "stack_sample"
	case KindFunctionEntry:
		return "function_entry"
	case KindFunctionExit:
		return "function_exit"
	case KindTaskNew:
		return "task_new"
	case KindTaskExit:
		return "task_exit"
	case KindSchedWakeup:
		return "sched_wakeup"
	case KindThreadNameChange:
		return "thread_name_change"
	case KindGpuCommandBufferSubmit:
		return "gpu_command_buffer_submit"
	case KindGpuSchedulerRun:
		return "gpu_scheduler_run"
	case KindGpuFenceSignal:
		return "gpu_fence_signal"
	case KindTracepointHit:
		return "tracepoint_hit"
	case KindMemorySample:
		return "memory_sample"
	case KindLostRecords:
		return "lost_records"
	default:
		return "unknown"
	}
}

// Event is a decoded record. Records are immutable after construction and
// owned by exactly one component at a time: the reader that decoded them,
// then the queue, then the consumer.
type Event interface {
	Timestamp() uint64
	Kind() Kind
}

// Meta carries the kernel-assigned identity fields present on every record.
// A PID or TID of -1 means the kernel did not attribute the record to a task
// (idle, or sampling outside the target).
type Meta struct {
	TimestampNs uint64
	PID         int32
	TID         int32
	CPU         uint32
}

func (m Meta) Timestamp() uint64 { return m.TimestampNs }

// Regs is the register subset captured with stack samples. IP, SP and BP are
// all the provided unwinders consume; the sampling configuration requests
// exactly these.
type Regs struct {
	IP uint64
	SP uint64
	BP uint64
}

// SwitchIn reports a thread being scheduled onto Meta.CPU.
type SwitchIn struct {
	Meta
}

func (*SwitchIn) Kind() Kind { return KindSwitchIn }

// SwitchOut reports a thread being scheduled off Meta.CPU. Preempted is true
// when the thread was still runnable when switched out.
type SwitchOut struct {
	Meta
	Preempted bool
}

func (*SwitchOut) Kind() Kind { return KindSwitchOut }

// StackSample is a periodic sampling interrupt. Depending on the unwinding
// method configured at open time it carries user registers plus a copy of
// the user stack (Stack, with StackDynSize the bytes actually written by the
// kernel), a kernel-collected frame-pointer callchain, or both.
type StackSample struct {
	Meta
	Regs         Regs
	Stack        []byte
	StackDynSize uint64
	Callchain    []uint64
}

func (*StackSample) Kind() Kind { return KindStackSample }

// FunctionEntry is an instrumented function being entered. SP and
// ReturnAddress describe the return-address slot the kernel trampoline
// hijacked, so sampled stacks can later be patched back.
type FunctionEntry struct {
	Meta
	FunctionID    uint64
	SP            uint64
	ReturnAddress uint64
}

func (*FunctionEntry) Kind() Kind { return KindFunctionEntry }

// FunctionExit is an instrumented function returning.
type FunctionExit struct {
	Meta
	FunctionID  uint64
	ReturnValue uint64
}

func (*FunctionExit) Kind() Kind { return KindFunctionExit }

// TaskNew reports a new thread. Meta identifies the creating thread, NewTID
// the created one.
type TaskNew struct {
	Meta
	NewTID int32
	Comm   string
}

func (*TaskNew) Kind() Kind { return KindTaskNew }

// TaskExit reports the thread in Meta exiting.
type TaskExit struct {
	Meta
}

func (*TaskExit) Kind() Kind { return KindTaskExit }

// SchedWakeup reports WokenTID becoming runnable. Meta identifies the waking
// context.
type SchedWakeup struct {
	Meta
	WokenTID int32
}

func (*SchedWakeup) Kind() Kind { return KindSchedWakeup }

// ThreadNameChange reports a comm change. Exec is set when the rename was
// caused by exec(2).
type ThreadNameChange struct {
	Meta
	Name string
	Exec bool
}

func (*ThreadNameChange) Kind() Kind { return KindThreadNameChange }

// GpuCommandBufferSubmit is the user-space ioctl submitting work to a GPU
// timeline. Context and Seqno identify the job on that timeline.
type GpuCommandBufferSubmit struct {
	Meta
	Context  uint32
	Seqno    uint32
	Timeline string
}

func (*GpuCommandBufferSubmit) Kind() Kind { return KindGpuCommandBufferSubmit }

// GpuSchedulerRun is the driver scheduler starting a previously submitted
// job on the hardware.
type GpuSchedulerRun struct {
	Meta
	Context  uint32
	Seqno    uint32
	Timeline string
}

func (*GpuSchedulerRun) Kind() Kind { return KindGpuSchedulerRun }

// GpuFenceSignal is the hardware fence completing a job.
type GpuFenceSignal struct {
	Meta
	Context  uint32
	Seqno    uint32
	Timeline string
}

func (*GpuFenceSignal) Kind() Kind { return KindGpuFenceSignal }

// TracepointHit is a generic tracepoint record forwarded without further
// interpretation.
type TracepointHit struct {
	Meta
	Category string
	Name     string
}

func (*TracepointHit) Kind() Kind { return KindTracepointHit }

// MemorySample is a periodic snapshot of system and target-process memory
// counters, produced by the memory sampler source.
type MemorySample struct {
	Meta
	TotalKB     uint64
	FreeKB      uint64
	AvailableKB uint64
	BuffersKB   uint64
	CachedKB    uint64
	ResidentKB  uint64
	MinorFaults uint64
	MajorFaults uint64
}

func (*MemorySample) Kind() Kind { return KindMemorySample }

// LostRecords reports records the kernel dropped because a ring buffer was
// full. Count is the number of records lost at that point in the stream.
type LostRecords struct {
	Meta
	Count uint64
}

func (*LostRecords) Kind() Kind { return KindLostRecords }
