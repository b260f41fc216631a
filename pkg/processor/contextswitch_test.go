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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ordtrace-dev/ordtrace-agent/pkg/event"
)

func TestSwitchPairEmitsOneSlice(t *testing.T) {
	p, rec := testProcessor(t, nil, Config{})

	process(p,
		&event.SwitchIn{Meta: meta(100, 3, 7, 0)},
		&event.SwitchOut{Meta: meta(150, 3, 7, 0), Preempted: false},
	)

	require.Len(t, rec.slices, 1)
	require.Equal(t, event.SchedulingSlice{
		PID:            3,
		TID:            7,
		CPU:            0,
		DurationNs:     50,
		OutTimestampNs: 150,
	}, rec.slices[0])
}

func TestLoneSwitchOutEmitsNothing(t *testing.T) {
	p, rec := testProcessor(t, nil, Config{})

	process(p, &event.SwitchOut{Meta: meta(200, 3, 9, 0), Preempted: true})

	require.Empty(t, rec.slices)
	require.Equal(t, 1.0, anomalies(p, reasonLoneSwitchOut))
}

func TestStaleSwitchInForceClosesZeroLength(t *testing.T) {
	p, rec := testProcessor(t, nil, Config{})

	// The switch-out between the two switch-ins was lost.
	process(p,
		&event.SwitchIn{Meta: meta(100, 3, 7, 0)},
		&event.SwitchIn{Meta: meta(180, 3, 7, 1)},
		&event.SwitchOut{Meta: meta(250, 3, 7, 1)},
	)

	require.Len(t, rec.slices, 2)
	require.Equal(t, event.SchedulingSlice{
		PID:            3,
		TID:            7,
		CPU:            0,
		DurationNs:     0,
		OutTimestampNs: 100,
	}, rec.slices[0], "stale slice must close zero-length at its own start")
	require.Equal(t, event.SchedulingSlice{
		PID:            3,
		TID:            7,
		CPU:            1,
		DurationNs:     70,
		OutTimestampNs: 250,
	}, rec.slices[1], "the new switch-in must still open normally")
	require.Equal(t, 1.0, anomalies(p, reasonStaleSwitchIn))
}

func TestIdleTaskIgnored(t *testing.T) {
	p, rec := testProcessor(t, nil, Config{})

	process(p,
		&event.SwitchIn{Meta: meta(100, 0, 0, 2)},
		&event.SwitchOut{Meta: meta(150, 0, 0, 2)},
	)

	require.Empty(t, rec.slices)
	require.Empty(t, rec.states)
}

func TestThreadStateLifecycle(t *testing.T) {
	p, rec := testProcessor(t, nil, Config{})

	process(p,
		&event.TaskNew{Meta: meta(100, 3, 2, 0), NewTID: 5, Comm: "worker"},
		&event.SwitchIn{Meta: meta(150, 3, 5, 0)},
		&event.SwitchOut{Meta: meta(200, 3, 5, 0), Preempted: true},
		&event.SwitchIn{Meta: meta(230, 3, 5, 1)},
		&event.SwitchOut{Meta: meta(300, 3, 5, 1), Preempted: false},
		&event.SchedWakeup{Meta: meta(340, 3, 2, 0), WokenTID: 5},
		&event.SwitchIn{Meta: meta(360, 3, 5, 0)},
		&event.SwitchOut{Meta: meta(400, 3, 5, 0), Preempted: false},
		&event.TaskExit{Meta: meta(420, 3, 5, 0)},
	)

	require.Equal(t, []event.ThreadStateSlice{
		{TID: 5, State: event.ThreadStateRunnable, DurationNs: 50, EndTimestampNs: 150},
		{TID: 5, State: event.ThreadStateRunning, DurationNs: 50, EndTimestampNs: 200},
		{TID: 5, State: event.ThreadStateRunnable, DurationNs: 30, EndTimestampNs: 230},
		{TID: 5, State: event.ThreadStateRunning, DurationNs: 70, EndTimestampNs: 300},
		{TID: 5, State: event.ThreadStateInterruptibleSleep, DurationNs: 40, EndTimestampNs: 340},
		{TID: 5, State: event.ThreadStateRunnable, DurationNs: 20, EndTimestampNs: 360},
		{TID: 5, State: event.ThreadStateRunning, DurationNs: 40, EndTimestampNs: 400},
		{TID: 5, State: event.ThreadStateInterruptibleSleep, DurationNs: 20, EndTimestampNs: 420},
	}, rec.states)
}

func TestWakeupWhileRunningIgnored(t *testing.T) {
	p, rec := testProcessor(t, nil, Config{})

	process(p,
		&event.SwitchIn{Meta: meta(100, 3, 4, 0)},
		&event.SchedWakeup{Meta: meta(120, 3, 9, 1), WokenTID: 4},
		&event.SwitchOut{Meta: meta(150, 3, 4, 0), Preempted: false},
	)

	// The racy wakeup must not split the running interval.
	require.Len(t, rec.states, 1)
	require.Equal(t, event.ThreadStateSlice{
		TID:            4,
		State:          event.ThreadStateRunning,
		DurationNs:     50,
		EndTimestampNs: 150,
	}, rec.states[0])
}

func TestFirstEventOpensWithoutSlice(t *testing.T) {
	p, rec := testProcessor(t, nil, Config{})

	// Capture starts mid-run: the first transition has no prior state to
	// close.
	process(p, &event.SwitchOut{Meta: meta(100, 3, 6, 0), Preempted: false})

	require.Empty(t, rec.states)

	process(p, &event.SwitchIn{Meta: meta(140, 3, 6, 0)})

	require.Len(t, rec.states, 1)
	require.Equal(t, event.ThreadStateSlice{
		TID:            6,
		State:          event.ThreadStateInterruptibleSleep,
		DurationNs:     40,
		EndTimestampNs: 140,
	}, rec.states[0])
}
