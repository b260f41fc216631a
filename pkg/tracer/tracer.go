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

// Package tracer assembles a capture session. It opens one perf source per
// concern per CPU, pumps each through a reader into the ordering queue, and
// feeds the merged stream to the processor until the session is stopped.
package tracer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/ordtrace-dev/ordtrace-agent/pkg/cpuinfo"
	"github.com/ordtrace-dev/ordtrace-agent/pkg/event"
	"github.com/ordtrace-dev/ordtrace-agent/pkg/memory"
	"github.com/ordtrace-dev/ordtrace-agent/pkg/processor"
	"github.com/ordtrace-dev/ordtrace-agent/pkg/queue"
	"github.com/ordtrace-dev/ordtrace-agent/pkg/reader"
	"github.com/ordtrace-dev/ordtrace-agent/pkg/unwind"
)

var ErrAlreadyStarted = errors.New("tracer already started")

type Option func(*Tracer)

// WithSources replaces the perf sources the session would open with
// pre-built ones. Tests use it to drive a session from synthetic streams.
func WithSources(specs ...reader.Spec) Option {
	return func(t *Tracer) { t.injected = specs }
}

// WithUnwinder replaces the frame pointer fallback used to unwind stack
// snapshots in dwarf mode.
func WithUnwinder(u unwind.Unwinder) Option {
	return func(t *Tracer) { t.unwinder = u }
}

// Tracer drives one capture session for one target process. Sessions are
// not restartable: metrics, queue sources and perf file descriptors all
// live for exactly one run, so the next capture gets a fresh Tracer.
type Tracer struct {
	logger   log.Logger
	reg      prometheus.Registerer
	cfg      Config
	q        *queue.EventQueue
	proc     *processor.Processor
	unwinder unwind.Unwinder
	injected []reader.Spec

	stats   *xsync.MapOf[string, *reader.Stats]
	started atomic.Bool

	mu   sync.Mutex
	sess *session
}

// session is one Start/Stop pairing. err is written before done closes.
type session struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// New validates cfg and prepares a tracer. The listener receives the
// session's output from the consumer goroutine, one call at a time.
func New(logger log.Logger, reg prometheus.Registerer, listener event.Listener, cfg Config, opts ...Option) (*Tracer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Tracer{
		logger:   log.With(logger, "component", "tracer"),
		reg:      reg,
		cfg:      cfg,
		unwinder: &unwind.FramePointer{},
		stats:    xsync.NewMapOf[string, *reader.Stats](),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.q = queue.New(logger, reg)
	t.proc = processor.New(logger, reg, listener, t.unwinder, processor.Config{
		TargetPID:       cfg.PID,
		TrampolineStart: cfg.TrampolineStart,
		TrampolineEnd:   cfg.TrampolineEnd,
	})
	return t, nil
}

// ReaderStats visits the per-source reader statistics of the current or
// most recent session.
func (t *Tracer) ReaderStats(fn func(source string, s *reader.Stats) bool) {
	t.stats.Range(fn)
}

// Run captures until ctx is cancelled. On cancellation every reader drains
// what the kernel already wrote, the queue backlog is flushed through the
// processor in order, and unfinished interval state is discarded.
func (t *Tracer) Run(ctx context.Context) error {
	if !t.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	specs := t.injected
	if specs == nil {
		var err error
		specs, err = t.openSources()
		if err != nil {
			return err
		}
	}

	// Register every source before any reader starts, so the queue never
	// releases a record while a later-starting front is still unknown.
	for _, spec := range specs {
		t.q.AddSource(spec.ID)
	}

	var sampler *memory.Sampler
	if t.cfg.MemorySamplingPeriod > 0 {
		id := queue.SourceID(1)
		for _, spec := range specs {
			if spec.ID >= id {
				id = spec.ID + 1
			}
		}
		var err error
		sampler, err = memory.New(t.logger, t.reg, t.q, memory.Config{
			SourceID: id,
			PID:      t.cfg.PID,
			Period:   t.cfg.MemorySamplingPeriod,
		})
		if err != nil {
			t.abort(specs)
			return fmt.Errorf("memory sampler: %w", err)
		}
		t.q.AddSource(id)
		defer t.q.CloseSource(id)
	}

	// Perf sources open disabled; flip them on only once the whole session
	// is assembled so no ring fills while others are still being opened.
	for _, spec := range specs {
		en, ok := spec.Source.(interface{ Enable() error })
		if !ok {
			continue
		}
		if err := en.Enable(); err != nil {
			t.abort(specs)
			return fmt.Errorf("enable %s: %w", spec.Name, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, spec := range specs {
		r := reader.New(t.logger, t.reg, t.q, spec, reader.WithDrainTimeout(t.cfg.DrainTimeout))
		t.stats.Store(spec.Name, r.Stats())
		g.Go(func() error {
			return r.Run(gctx)
		})
	}
	if sampler != nil {
		g.Go(func() error {
			return sampler.Run(gctx)
		})
	}
	level.Debug(t.logger).Log("msg", "session started", "sources", len(specs))

	// The consumer deliberately outlives ctx: after cancellation the
	// readers still drain their rings into the queue, and those records
	// must flow through the same ordered path.
	consumeCtx, stopConsumer := context.WithCancel(context.Background())
	defer stopConsumer()
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for {
			ev, err := t.q.Next(consumeCtx)
			if err != nil {
				return
			}
			t.proc.ProcessEvent(consumeCtx, ev)
		}
	}()

	err := g.Wait()
	stopConsumer()
	<-consumerDone

	// Every source is closed by now, so the rest of the backlog is final
	// and pops in order without blocking.
	for {
		ev, ok := t.q.PopIfSafe()
		if !ok {
			break
		}
		t.proc.ProcessEvent(context.Background(), ev)
	}
	t.proc.Flush()
	level.Debug(t.logger).Log("msg", "session finished", "backlog", t.q.Backlog())

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// Start runs a session in the background until Stop is called. Errors that
// end the session early are returned by Stop.
func (t *Tracer) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess != nil || t.started.Load() {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{cancel: cancel, done: make(chan struct{})}
	t.sess = s
	go func() {
		s.err = t.Run(ctx)
		close(s.done)
	}()
	return nil
}

// Stop ends the session started by Start, waits for the final flush and
// returns the session's outcome. Without a running session it is a no-op.
func (t *Tracer) Stop() error {
	t.mu.Lock()
	s := t.sess
	t.sess = nil
	t.mu.Unlock()
	if s == nil {
		return nil
	}
	s.cancel()
	<-s.done
	return s.err
}

// abort tears down sources that were registered but never got a reader, so
// a failed setup does not leave the queue gated on fronts that will never
// close.
func (t *Tracer) abort(specs []reader.Spec) {
	for _, spec := range specs {
		if err := spec.Source.Close(); err != nil && !errors.Is(err, reader.ErrSourceClosed) {
			level.Debug(t.logger).Log("msg", "closing source", "source", spec.Name, "err", err)
		}
		t.q.CloseSource(spec.ID)
	}
}

// openSources opens the perf sources for the configured concerns, one per
// CPU each, with sequential source IDs. On any failure everything already
// opened is closed again.
func (t *Tracer) openSources() ([]reader.Spec, error) {
	cpus, err := cpuinfo.Online()
	if err != nil {
		return nil, fmt.Errorf("listing online cpus: %w", err)
	}

	var specs []reader.Spec
	nextID := queue.SourceID(0)
	add := func(name string, src *reader.RingSource, dc reader.DecodeConfig) {
		nextID++
		specs = append(specs, reader.Spec{ID: nextID, Name: name, Source: src, Config: dc})
	}
	fail := func(err error) ([]reader.Spec, error) {
		for _, spec := range specs {
			_ = spec.Source.Close()
		}
		return nil, err
	}

	samplerOpts := reader.StackSamplerOptions{
		SampleFreqHz:     t.cfg.SamplesPerSecond,
		StackDumpBytes:   t.cfg.StackDumpSize,
		UseFramePointers: t.cfg.UnwindingMethod == UnwindFramePointers,
		RingPages:        t.cfg.RingBufferPages,
	}
	for _, cpu := range cpus {
		src, dc, err := reader.OpenStackSampler(t.cfg.PID, cpu, samplerOpts)
		if err != nil {
			return fail(err)
		}
		add(fmt.Sprintf("sampler/cpu%d", cpu), src, dc)
	}

	if t.cfg.TraceContextSwitches {
		for _, cpu := range cpus {
			src, dc, err := reader.OpenContextSwitches(cpu, t.cfg.RingBufferPages)
			if err != nil {
				return fail(err)
			}
			add(fmt.Sprintf("switches/cpu%d", cpu), src, dc)
		}
	}

	tracepoints := make([]Tracepoint, 0, len(t.cfg.Tracepoints)+5)
	if t.cfg.TraceThreadState {
		tracepoints = append(tracepoints,
			Tracepoint{Category: "sched", Name: "sched_wakeup"},
			Tracepoint{Category: "sched", Name: "task_newtask"},
		)
	}
	if t.cfg.TraceGpuDriver {
		tracepoints = append(tracepoints,
			Tracepoint{Category: "amdgpu", Name: "amdgpu_cs_ioctl"},
			Tracepoint{Category: "amdgpu", Name: "amdgpu_sched_run_job"},
			Tracepoint{Category: "dma_fence", Name: "dma_fence_signaled"},
		)
	}
	tracepoints = append(tracepoints, t.cfg.Tracepoints...)
	for _, tp := range tracepoints {
		for _, cpu := range cpus {
			src, dc, err := reader.OpenTracepoint(tp.Category, tp.Name, cpu, t.cfg.RingBufferPages)
			if err != nil {
				return fail(err)
			}
			add(fmt.Sprintf("%s:%s/cpu%d", tp.Category, tp.Name, cpu), src, dc)
		}
	}

	for _, fn := range t.cfg.UprobeFunctions {
		for _, retprobe := range []bool{false, true} {
			kind := "uprobe"
			if retprobe {
				kind = "uretprobe"
			}
			for _, cpu := range cpus {
				src, dc, err := reader.OpenUprobe(reader.UprobeConfig{
					Path:       fn.Path,
					Offset:     fn.Offset,
					FunctionID: fn.FunctionID,
					Retprobe:   retprobe,
					RingPages:  t.cfg.RingBufferPages,
				}, cpu)
				if err != nil {
					return fail(err)
				}
				add(fmt.Sprintf("%s/%#x/cpu%d", kind, fn.FunctionID, cpu), src, dc)
			}
		}
	}

	level.Debug(t.logger).Log("msg", "opened perf sources", "sources", len(specs), "cpus", len(cpus))
	return specs, nil
}
