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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateFillsDefaults(t *testing.T) {
	cfg := Config{PID: 42}
	require.NoError(t, cfg.Validate())
	require.Equal(t, uint64(DefaultSamplesPerSecond), cfg.SamplesPerSecond)
	require.Equal(t, uint32(DefaultStackDumpSize), cfg.StackDumpSize)
	require.Equal(t, UnwindDwarf, cfg.UnwindingMethod)
	require.Equal(t, DefaultDrainTimeout, cfg.DrainTimeout)
	require.Equal(t, DefaultRingBufferPages, cfg.RingBufferPages)
}

func TestValidateKeepsExplicitSettings(t *testing.T) {
	cfg := Config{
		PID:              42,
		SamplesPerSecond: 99,
		StackDumpSize:    4096,
		UnwindingMethod:  UnwindFramePointers,
		DrainTimeout:     time.Second,
		RingBufferPages:  64,
	}
	require.NoError(t, cfg.Validate())
	require.Equal(t, uint64(99), cfg.SamplesPerSecond)
	require.Equal(t, uint32(4096), cfg.StackDumpSize)
	require.Equal(t, UnwindFramePointers, cfg.UnwindingMethod)
	require.Equal(t, time.Second, cfg.DrainTimeout)
	require.Equal(t, 64, cfg.RingBufferPages)
}

func TestValidateRejects(t *testing.T) {
	for name, cfg := range map[string]Config{
		"missing pid":          {},
		"unaligned stack dump": {PID: 1, StackDumpSize: 13},
		"unknown unwinding":    {PID: 1, UnwindingMethod: "lbr"},
		"odd ring size":        {PID: 1, RingBufferPages: 3},
		"negative ring size":   {PID: 1, RingBufferPages: -4},
		"negative mem period":  {PID: 1, MemorySamplingPeriod: -time.Second},
		"bare tracepoint":      {PID: 1, Tracepoints: []Tracepoint{{Category: "sched"}}},
		"pathless uprobe":      {PID: 1, UprobeFunctions: []UprobeFunction{{FunctionID: 7}}},
		"zero function id":     {PID: 1, UprobeFunctions: []UprobeFunction{{Path: "/bin/true", Offset: 0x100}}},
	} {
		t.Run(name, func(t *testing.T) {
			require.Error(t, cfg.Validate())
		})
	}
}
