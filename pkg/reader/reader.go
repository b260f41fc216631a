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
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/ordtrace-dev/ordtrace-agent/pkg/event"
	"github.com/ordtrace-dev/ordtrace-agent/pkg/queue"
)

const (
	defaultPollTimeout  = 100 * time.Millisecond
	defaultDrainTimeout = 250 * time.Millisecond
)

type Option func(*Reader)

func WithPollTimeout(d time.Duration) Option {
	return func(r *Reader) { r.pollTimeout = d }
}

// WithDrainTimeout bounds how long a reader keeps emptying its buffer after
// cancellation.
func WithDrainTimeout(d time.Duration) Option {
	return func(r *Reader) { r.drainTimeout = d }
}

// Stats are updated by the reader goroutine and may be read from anywhere.
type Stats struct {
	Records      atomic.Uint64
	DecodeErrors atomic.Uint64
	Lost         atomic.Uint64
}

// Reader pumps one source into the event queue.
type Reader struct {
	logger       log.Logger
	metrics      *metrics
	id           queue.SourceID
	name         string
	src          Source
	dec          *Decoder
	q            *queue.EventQueue
	pollTimeout  time.Duration
	drainTimeout time.Duration
	lastTS       uint64
	stats        Stats
}

func New(logger log.Logger, reg prometheus.Registerer, q *queue.EventQueue, spec Spec, opts ...Option) *Reader {
	r := &Reader{
		logger:       log.With(logger, "component", "reader", "source", spec.Name),
		metrics:      newMetrics(reg, spec.Name),
		id:           spec.ID,
		name:         spec.Name,
		src:          spec.Source,
		dec:          NewDecoder(spec.Config),
		q:            q,
		pollTimeout:  defaultPollTimeout,
		drainTimeout: defaultDrainTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reader) Stats() *Stats { return &r.stats }

// Run pumps the source until ctx is cancelled, then drains what the kernel
// already wrote and closes the queue source so the consumer is not left
// waiting on it.
func (r *Reader) Run(ctx context.Context) error {
	r.q.AddSource(r.id)
	defer r.q.CloseSource(r.id)
	defer func() {
		if err := r.src.Close(); err != nil && !errors.Is(err, ErrSourceClosed) {
			level.Debug(r.logger).Log("msg", "closing source", "err", err)
		}
	}()
	if w, ok := r.src.(Waker); ok {
		stop := context.AfterFunc(ctx, w.Wake)
		defer stop()
	}

	for ctx.Err() == nil {
		ready, err := r.src.Poll(r.pollTimeout)
		if err != nil {
			if errors.Is(err, ErrSourceClosed) {
				return nil
			}
			return fmt.Errorf("poll %s: %w", r.name, err)
		}
		if !ready {
			r.takeDrops()
			continue
		}
		if err := r.consume(); err != nil {
			if errors.Is(err, ErrSourceClosed) {
				return nil
			}
			return fmt.Errorf("read %s: %w", r.name, err)
		}
	}
	if err := r.drain(); err != nil {
		return fmt.Errorf("drain %s: %w", r.name, err)
	}
	return nil
}

func (r *Reader) consume() error {
	for {
		raw, ok, err := r.src.ReadNext()
		if err != nil {
			return err
		}
		if !ok {
			r.takeDrops()
			return nil
		}
		r.handle(raw)
	}
}

func (r *Reader) drain() error {
	deadline := time.Now().Add(r.drainTimeout)
	for time.Now().Before(deadline) {
		raw, ok, err := r.src.ReadNext()
		if err != nil {
			if errors.Is(err, ErrSourceClosed) {
				return nil
			}
			return err
		}
		if !ok {
			break
		}
		r.handle(raw)
	}
	r.takeDrops()
	return nil
}

func (r *Reader) handle(raw []byte) {
	ev, err := r.dec.Decode(raw)
	if err != nil {
		r.stats.DecodeErrors.Inc()
		r.metrics.decodeErrors.Inc()
		level.Debug(r.logger).Log("msg", "dropping undecodable record", "err", err)
		return
	}
	if lost, ok := ev.(*event.LostRecords); ok {
		r.stats.Lost.Add(lost.Count)
		r.metrics.lostRecords.Add(float64(lost.Count))
	}
	r.q.Push(r.id, ev)
	r.lastTS = ev.Timestamp()
	r.stats.Records.Inc()
	r.metrics.records.Inc()
}

// takeDrops converts out-of-band loss into an in-stream loss event. The
// event reuses the last seen timestamp, which keeps the source's ordering
// intact while still attributing the loss to roughly when it happened.
func (r *Reader) takeDrops() {
	dc, ok := r.src.(DropCounter)
	if !ok {
		return
	}
	n := dc.TakeDrops()
	if n == 0 {
		return
	}
	r.stats.Lost.Add(n)
	r.metrics.lostRecords.Add(float64(n))
	r.q.Push(r.id, &event.LostRecords{
		Meta:  event.Meta{TimestampNs: r.lastTS},
		Count: n,
	})
}
