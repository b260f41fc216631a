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

// Listener receives the finalized event stream. All methods are invoked
// from the single consumer goroutine, in ascending order of the timestamp
// of the record that finalized each fact; a fact's own interval may have
// started earlier. Interned values arrive exactly once, before any event
// referencing their key.
type Listener interface {
	OnSchedulingSlice(SchedulingSlice)
	OnThreadStateSlice(ThreadStateSlice)
	OnFunctionCall(FunctionCall)
	OnUniqueCallstack(id uint64, cs Callstack)
	OnCallstackSample(CallstackSample)
	OnThreadName(ThreadName)
	OnUniqueTimeline(id uint64, name string)
	OnGpuJob(GpuJob)
	OnUniqueTracepointInfo(id uint64, info TracepointInfo)
	OnTracepointEvent(TracepointEvent)
	OnMemoryUsage(MemoryUsage)
}

// NopListener discards everything. Embed it to implement only a subset of
// Listener.
type NopListener struct{}

var _ Listener = (*NopListener)(nil)

func (NopListener) OnSchedulingSlice(SchedulingSlice)             {}
func (NopListener) OnThreadStateSlice(ThreadStateSlice)           {}
func (NopListener) OnFunctionCall(FunctionCall)                   {}
func (NopListener) OnUniqueCallstack(uint64, Callstack)           {}
func (NopListener) OnCallstackSample(CallstackSample)             {}
func (NopListener) OnThreadName(ThreadName)                       {}
func (NopListener) OnUniqueTimeline(uint64, string)               {}
func (NopListener) OnGpuJob(GpuJob)                               {}
func (NopListener) OnUniqueTracepointInfo(uint64, TracepointInfo) {}
func (NopListener) OnTracepointEvent(TracepointEvent)             {}
func (NopListener) OnMemoryUsage(MemoryUsage)                     {}
