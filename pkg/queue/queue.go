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

// Package queue merges per-source record streams into one globally
// time-ordered stream. Each source delivers its own records in
// non-decreasing timestamp order; the queue buffers one FIFO per source and
// releases a record only once no other active source can still produce an
// older one.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ordtrace-dev/ordtrace-agent/pkg/event"
)

// SourceID identifies one record stream, typically a single ring buffer.
type SourceID int32

const defaultPollInterval = 50 * time.Millisecond

// EventQueue is the single synchronization point of the pipeline: any reader
// may Push records for its own source concurrently, while a single consumer
// pops. A source with an empty backlog gates the merge at its last pushed
// timestamp until it pushes again or is closed; closing is explicit so that
// records merely delayed under load are never reordered.
type EventQueue struct {
	logger  log.Logger
	metrics *metrics

	pollInterval time.Duration
	notify       chan struct{}

	mtx     sync.Mutex
	sources map[SourceID]*sourceQueue
	heap    sourceHeap
	size    int
}

type Option func(*EventQueue)

// WithPollInterval bounds how long a blocked Next waits before re-checking,
// guarding against missed wakeups.
func WithPollInterval(d time.Duration) Option {
	return func(q *EventQueue) {
		q.pollInterval = d
	}
}

func New(logger log.Logger, reg prometheus.Registerer, opts ...Option) *EventQueue {
	q := &EventQueue{
		logger:       log.With(logger, "component", "event_queue"),
		metrics:      newMetrics(reg),
		pollInterval: defaultPollInterval,
		notify:       make(chan struct{}, 1),
		sources:      map[SourceID]*sourceQueue{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// AddSource registers a source before its first push. A registered source
// with no records yet gates all pops until it pushes or is closed, so
// readers should register exactly when they start delivering.
func (q *EventQueue) AddSource(id SourceID) {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	if _, ok := q.sources[id]; ok {
		return
	}
	q.addSourceLocked(id)
	q.metrics.sourcesActive.Inc()
}

func (q *EventQueue) addSourceLocked(id SourceID) *sourceQueue {
	s := &sourceQueue{id: id, pos: -1}
	q.sources[id] = s
	heap.Push(&q.heap, s)
	return s
}

// Push appends a record for the given source. Timestamps per source must be
// non-decreasing; a regression means the caller's ring buffer discipline is
// broken and panics, since every downstream guarantee depends on it.
func (q *EventQueue) Push(id SourceID, ev event.Event) {
	ts := ev.Timestamp()

	q.mtx.Lock()
	s, ok := q.sources[id]
	if !ok {
		s = q.addSourceLocked(id)
		q.metrics.sourcesActive.Inc()
	}
	if s.closed {
		q.mtx.Unlock()
		panic(fmt.Sprintf("event queue: push to closed source %d", id))
	}
	if ts < s.last {
		q.mtx.Unlock()
		panic(fmt.Sprintf("event queue: source %d pushed timestamp %d older than its previous %d", id, ts, s.last))
	}

	wasEmpty := s.empty()
	s.buf = append(s.buf, ev)
	s.last = ts
	q.size++
	if wasEmpty {
		// The source's gate moves from its last pushed timestamp to the
		// front record's.
		heap.Fix(&q.heap, s.pos)
	}
	q.mtx.Unlock()

	q.metrics.pushedTotal.Inc()
	q.metrics.depth.Inc()
	q.wake()
}

// PopIfSafe returns the globally oldest buffered record if no active source
// can still produce an older one, ties between sources broken by ascending
// source id. Otherwise it returns false and the caller must retry after
// further pushes or closes.
func (q *EventQueue) PopIfSafe() (event.Event, bool) {
	q.mtx.Lock()
	if len(q.heap) == 0 {
		q.mtx.Unlock()
		return nil, false
	}
	top := q.heap[0]
	if top.empty() {
		// An active source with nothing buffered: anything it produces next
		// may still be older than every other front.
		q.mtx.Unlock()
		q.metrics.blockedTotal.Inc()
		return nil, false
	}
	ev := top.popFront()
	q.size--
	if top.empty() && top.closed {
		heap.Pop(&q.heap)
		top.pos = -1
		q.metrics.sourcesActive.Dec()
	} else {
		heap.Fix(&q.heap, 0)
	}
	q.mtx.Unlock()

	q.metrics.poppedTotal.WithLabelValues(ev.Kind().String()).Inc()
	q.metrics.depth.Dec()
	return ev, true
}

// CloseSource marks a source as end-of-stream. Its remaining backlog stays
// poppable in order; once drained the source no longer gates the merge.
// Closing twice or closing an unknown source is a no-op.
func (q *EventQueue) CloseSource(id SourceID) {
	q.mtx.Lock()
	s, ok := q.sources[id]
	if !ok || s.closed {
		q.mtx.Unlock()
		level.Debug(q.logger).Log("msg", "close of unknown or already closed source", "sourceid", id)
		return
	}
	s.closed = true
	if s.empty() && s.pos >= 0 {
		heap.Remove(&q.heap, s.pos)
		s.pos = -1
		q.metrics.sourcesActive.Dec()
	}
	q.mtx.Unlock()

	q.wake()
}

// Next blocks until a record is safe to pop or the context is done. The wait
// wakes on every push and close and is additionally bounded by the poll
// interval.
func (q *EventQueue) Next(ctx context.Context) (event.Event, error) {
	timer := time.NewTimer(q.pollInterval)
	defer timer.Stop()

	for {
		if ev, ok := q.PopIfSafe(); ok {
			return ev, nil
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(q.pollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		case <-timer.C:
		}
	}
}

// Backlog returns the number of buffered records across all sources.
func (q *EventQueue) Backlog() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.size
}

// OpenSources returns the number of sources that still gate the merge.
func (q *EventQueue) OpenSources() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return len(q.heap)
}

func (q *EventQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// sourceQueue is one source's FIFO plus its merge bookkeeping. The buffer
// reslices from head instead of shifting; it is reclaimed whenever the queue
// fully drains.
type sourceQueue struct {
	id     SourceID
	buf    []event.Event
	head   int
	last   uint64
	closed bool
	pos    int
}

func (s *sourceQueue) empty() bool { return s.head == len(s.buf) }

// bound is the oldest timestamp this source can still deliver: its front
// record's, or its last pushed timestamp while empty.
func (s *sourceQueue) bound() uint64 {
	if !s.empty() {
		return s.buf[s.head].Timestamp()
	}
	return s.last
}

func (s *sourceQueue) popFront() event.Event {
	ev := s.buf[s.head]
	s.buf[s.head] = nil
	s.head++
	if s.empty() {
		s.buf = s.buf[:0]
		s.head = 0
	}
	return ev
}

type sourceHeap []*sourceQueue

func (h sourceHeap) Len() int { return len(h) }

func (h sourceHeap) Less(i, j int) bool {
	bi, bj := h[i].bound(), h[j].bound()
	if bi != bj {
		return bi < bj
	}
	return h[i].id < h[j].id
}

func (h sourceHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *sourceHeap) Push(x any) {
	s := x.(*sourceQueue)
	s.pos = len(*h)
	*h = append(*h, s)
}

func (h *sourceHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return s
}
