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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const labelSource = "source"

type metrics struct {
	records      prometheus.Counter
	decodeErrors prometheus.Counter
	lostRecords  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, source string) *metrics {
	labels := prometheus.Labels{labelSource: source}
	return &metrics{
		records: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "ordtrace_reader_records_total",
			Help:        "Number of records decoded and pushed to the event queue.",
			ConstLabels: labels,
		}),
		decodeErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "ordtrace_reader_decode_errors_total",
			Help:        "Number of records dropped because they could not be decoded.",
			ConstLabels: labels,
		}),
		lostRecords: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "ordtrace_reader_lost_records_total",
			Help:        "Number of records the kernel reported as lost before they could be read.",
			ConstLabels: labels,
		}),
	}
}
