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

package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const labelKind = "kind"

type metrics struct {
	pushedTotal   prometheus.Counter
	poppedTotal   *prometheus.CounterVec
	blockedTotal  prometheus.Counter
	depth         prometheus.Gauge
	sourcesActive prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		pushedTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ordtrace_event_queue_pushed_total",
			Help: "Number of records pushed into the event queue.",
		}),
		poppedTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "ordtrace_event_queue_popped_total",
			Help: "Number of records released from the event queue in global order.",
		}, []string{labelKind}),
		blockedTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ordtrace_event_queue_blocked_total",
			Help: "Number of pop attempts blocked by a source with an empty backlog.",
		}),
		depth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "ordtrace_event_queue_depth",
			Help: "Records currently buffered across all sources.",
		}),
		sourcesActive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "ordtrace_event_queue_sources_active",
			Help: "Sources still gating the merge.",
		}),
	}
	return m
}
