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

package event

// ThreadState is the scheduler state reconstructed for a thread.
type ThreadState uint8

const (
	ThreadStateUnknown ThreadState = iota
	ThreadStateRunning
	ThreadStateRunnable
	ThreadStateInterruptibleSleep
	ThreadStateDead
)

func (s ThreadState) String() string {
	switch s {
	case ThreadStateRunning:
		return "running"
	case ThreadStateRunnable:
		return "runnable"
	case ThreadStateInterruptibleSleep:
		return "interruptible_sleep"
	case ThreadStateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// CallstackOutcome classifies how a sampled stack was unwound. Failed
// unwinds are emitted with their outcome instead of being dropped, so every
// sample remains attributable.
type CallstackOutcome uint8

const (
	CallstackComplete CallstackOutcome = iota
	CallstackDwarfError
	CallstackFramePointerError
	CallstackInUprobe
	CallstackPatchFailed
	CallstackStackTopTooSmall
)

func (o CallstackOutcome) String() string {
	switch o {
	case CallstackComplete:
		return "complete"
	case CallstackDwarfError:
		return "dwarf_error"
	case CallstackFramePointerError:
		return "frame_pointer_error"
	case CallstackInUprobe:
		return "in_uprobe"
	case CallstackPatchFailed:
		return "patch_failed"
	case CallstackStackTopTooSmall:
		return "stack_top_too_small"
	default:
		return "unknown"
	}
}

// Callstack is an unwound stack: outermost caller last. Interned once per
// distinct (Outcome, PCs) value.
type Callstack struct {
	PCs     []uint64
	Outcome CallstackOutcome
}

// SchedulingSlice is a completed interval of a thread running on a CPU.
type SchedulingSlice struct {
	PID            int32
	TID            int32
	CPU            uint32
	DurationNs     uint64
	OutTimestampNs uint64
}

// ThreadStateSlice is a completed interval of a thread remaining in one
// scheduler state.
type ThreadStateSlice struct {
	TID            int32
	State          ThreadState
	DurationNs     uint64
	EndTimestampNs uint64
}

// FunctionCall is a completed instrumented call. Depth is the nesting level
// among instrumented functions on the same thread, outermost being zero.
type FunctionCall struct {
	PID            int32
	TID            int32
	FunctionID     uint64
	DurationNs     uint64
	EndTimestampNs uint64
	Depth          uint32
	ReturnValue    uint64
}

// CallstackSample attributes one sampling interrupt to an interned
// callstack.
type CallstackSample struct {
	PID         int32
	TID         int32
	TimestampNs uint64
	CallstackID uint64
}

// ThreadName reports the name of a thread at a point in time.
type ThreadName struct {
	PID         int32
	TID         int32
	Name        string
	TimestampNs uint64
}

// GpuJob is a fully matched GPU job: submitted by user space, picked up by
// the driver scheduler, started on hardware, and completed by its fence.
// TimelineKey references an interned string; Depth is the row the job packs
// onto when overlapping jobs share a timeline.
type GpuJob struct {
	PID               int32
	TID               int32
	Context           uint32
	Seqno             uint32
	Depth             uint32
	TimelineKey       uint64
	SubmitTimestampNs uint64
	SchedTimestampNs  uint64
	StartTimestampNs  uint64
	DoneTimestampNs   uint64
}

// TracepointInfo identifies a tracepoint; interned once per (category,
// name).
type TracepointInfo struct {
	Category string
	Name     string
}

// TracepointEvent is a generic tracepoint hit referencing interned info.
type TracepointEvent struct {
	PID         int32
	TID         int32
	CPU         uint32
	TimestampNs uint64
	InfoKey     uint64
}

// MemoryUsage is a snapshot of system-wide and target-process memory
// counters.
type MemoryUsage struct {
	TimestampNs uint64
	TotalKB     uint64
	FreeKB      uint64
	AvailableKB uint64
	BuffersKB   uint64
	CachedKB    uint64
	ResidentKB  uint64
	MinorFaults uint64
	MajorFaults uint64
}
