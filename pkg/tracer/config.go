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

package tracer

import (
	"errors"
	"fmt"
	"time"
)

// UnwindingMethod selects how stack samples become callstacks.
type UnwindingMethod string

const (
	// UnwindDwarf captures user registers plus a stack snapshot per sample
	// and unwinds in user space.
	UnwindDwarf UnwindingMethod = "dwarf"
	// UnwindFramePointers lets the kernel collect the callchain by walking
	// frame pointers at sample time.
	UnwindFramePointers UnwindingMethod = "fp"
)

const (
	DefaultSamplesPerSecond = 1000
	DefaultStackDumpSize    = 65000
	DefaultDrainTimeout     = 250 * time.Millisecond
	DefaultRingBufferPages  = 256
)

// Tracepoint names one tracefs event to instrument.
type Tracepoint struct {
	Category string
	Name     string
}

// UprobeFunction describes one function to instrument with an entry and a
// return probe. FunctionID tags the resulting events; callers pick it.
type UprobeFunction struct {
	Path       string
	Offset     uint64
	FunctionID uint64
}

// Config describes one capture session.
type Config struct {
	// PID is the process to sample. Scheduler, tracepoint and GPU sources
	// are system-wide regardless.
	PID int32

	SamplesPerSecond uint64
	// StackDumpSize is the per-sample stack snapshot in bytes, a multiple
	// of 8. Only used with dwarf unwinding.
	StackDumpSize   uint32
	UnwindingMethod UnwindingMethod

	TraceContextSwitches bool
	// TraceThreadState additionally instruments wakeups and task creation
	// so runnable and sleeping intervals can be told apart. It implies
	// nothing about context switches; enable both for full state slices.
	TraceThreadState bool
	TraceGpuDriver   bool

	Tracepoints     []Tracepoint
	UprobeFunctions []UprobeFunction

	// TrampolineStart and TrampolineEnd bound the return trampoline of the
	// instrumented binary, used to repair callstacks of probed functions.
	TrampolineStart uint64
	TrampolineEnd   uint64

	// MemorySamplingPeriod enables periodic memory snapshots of the target
	// when positive.
	MemorySamplingPeriod time.Duration

	// DrainTimeout bounds how long each reader keeps emptying its ring
	// after the session is stopped.
	DrainTimeout time.Duration

	// RingBufferPages is the per-source ring size in pages, a power of two.
	RingBufferPages int
}

// Validate fills unset fields with defaults and rejects settings the kernel
// would refuse anyway.
func (c *Config) Validate() error {
	if c.PID <= 0 {
		return errors.New("target pid required")
	}
	if c.SamplesPerSecond == 0 {
		c.SamplesPerSecond = DefaultSamplesPerSecond
	}
	if c.StackDumpSize == 0 {
		c.StackDumpSize = DefaultStackDumpSize
	}
	if c.StackDumpSize%8 != 0 {
		return fmt.Errorf("stack dump size %d is not a multiple of 8", c.StackDumpSize)
	}
	switch c.UnwindingMethod {
	case "":
		c.UnwindingMethod = UnwindDwarf
	case UnwindDwarf, UnwindFramePointers:
	default:
		return fmt.Errorf("unknown unwinding method %q", c.UnwindingMethod)
	}
	for _, tp := range c.Tracepoints {
		if tp.Category == "" || tp.Name == "" {
			return fmt.Errorf("tracepoint %q:%q incomplete", tp.Category, tp.Name)
		}
	}
	for _, fn := range c.UprobeFunctions {
		if fn.Path == "" {
			return errors.New("uprobe function without a path")
		}
		if fn.FunctionID == 0 {
			return fmt.Errorf("uprobe %s+%#x needs a nonzero function id", fn.Path, fn.Offset)
		}
	}
	if c.MemorySamplingPeriod < 0 {
		return fmt.Errorf("negative memory sampling period %v", c.MemorySamplingPeriod)
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.RingBufferPages == 0 {
		c.RingBufferPages = DefaultRingBufferPages
	}
	if c.RingBufferPages < 0 || c.RingBufferPages&(c.RingBufferPages-1) != 0 {
		return fmt.Errorf("ring buffer pages %d is not a power of two", c.RingBufferPages)
	}
	return nil
}
