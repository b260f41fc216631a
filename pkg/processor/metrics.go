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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	labelKind    = "kind"
	labelReason  = "reason"
	labelOutcome = "outcome"
	labelPool    = "pool"
)

const (
	reasonStaleSwitchIn          = "stale_switch_in"
	reasonLoneSwitchOut          = "lone_switch_out"
	reasonUnmatchedFunctionExit  = "unmatched_function_exit"
	reasonMismatchedFunctionExit = "mismatched_function_exit"
	reasonForeignFunctionEvent   = "foreign_function_event"
	reasonDuplicateGpuSubmit     = "duplicate_gpu_submit"
	reasonGpuRunWithoutSubmit    = "gpu_run_without_submit"
	reasonGpuFenceWithoutSubmit  = "gpu_fence_without_submit"
	reasonUnknownKind            = "unknown_kind"
)

const (
	poolCallstacks  = "callstacks"
	poolTimelines   = "timelines"
	poolTracepoints = "tracepoints"
)

type metrics struct {
	events     *prometheus.CounterVec
	anomalies  *prometheus.CounterVec
	callstacks *prometheus.CounterVec
	interned   *prometheus.GaugeVec
	threads    prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		events: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "ordtrace_processor_events_total",
			Help: "Number of ordered events dispatched, by record kind.",
		}, []string{labelKind}),
		anomalies: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "ordtrace_processor_anomalies_total",
			Help: "Number of recoverable anomalies encountered while reconstructing facts.",
		}, []string{labelReason}),
		callstacks: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "ordtrace_processor_callstacks_total",
			Help: "Number of samples resolved to a callstack, by unwinding outcome.",
		}, []string{labelOutcome}),
		interned: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "ordtrace_processor_interned_entries",
			Help: "Distinct values interned per pool.",
		}, []string{labelPool}),
		threads: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "ordtrace_processor_threads_tracked",
			Help: "Threads with live reconstruction state.",
		}),
	}
}
