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

// Package memory samples system and target-process memory counters from
// procfs and feeds them into the event queue as a regular source, so memory
// snapshots merge into the same global order as kernel records.
package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"github.com/ordtrace-dev/ordtrace-agent/pkg/event"
	"github.com/ordtrace-dev/ordtrace-agent/pkg/queue"
)

// Config describes one sampling session.
type Config struct {
	// SourceID registers the sampler with the event queue.
	SourceID queue.SourceID

	// PID is the process whose fault and resident counters are read.
	PID int32

	// Period is the sampling interval. Must be positive.
	Period time.Duration
}

type Option func(*Sampler)

// WithProcfs overrides the proc mount, mainly for tests reading a fixture
// tree.
func WithProcfs(fs procfs.FS) Option {
	return func(s *Sampler) {
		s.fs = fs
		s.fsSet = true
	}
}

// Sampler periodically snapshots /proc/meminfo and /proc/<pid>/stat and
// pushes the result into the queue. Timestamps come from CLOCK_MONOTONIC,
// the same clock the kernel stamps perf records with, so samples interleave
// correctly with them.
type Sampler struct {
	logger  log.Logger
	metrics *metrics
	q       *queue.EventQueue
	id      queue.SourceID
	pid     int32
	period  time.Duration
	fs      procfs.FS
	fsSet   bool
	proc    procfs.Proc
}

func New(logger log.Logger, reg prometheus.Registerer, q *queue.EventQueue, cfg Config, opts ...Option) (*Sampler, error) {
	if cfg.Period <= 0 {
		return nil, fmt.Errorf("memory sampling period must be positive, got %v", cfg.Period)
	}
	s := &Sampler{
		logger:  log.With(logger, "component", "memory", "pid", cfg.PID),
		metrics: newMetrics(reg),
		q:       q,
		id:      cfg.SourceID,
		pid:     cfg.PID,
		period:  cfg.Period,
	}
	for _, opt := range opts {
		opt(s)
	}
	if !s.fsSet {
		fs, err := procfs.NewDefaultFS()
		if err != nil {
			return nil, fmt.Errorf("open procfs: %w", err)
		}
		s.fs = fs
	}
	proc, err := s.fs.Proc(int(cfg.PID))
	if err != nil {
		return nil, fmt.Errorf("open proc %d: %w", cfg.PID, err)
	}
	s.proc = proc
	return s, nil
}

// Run samples until ctx is cancelled. A failed read logs, counts and skips
// the tick; the sampler keeps going.
func (s *Sampler) Run(ctx context.Context) error {
	s.q.AddSource(s.id)
	defer s.q.CloseSource(s.id)

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Sampler) sample() {
	now, err := monotonicNow()
	if err != nil {
		s.skip("clock", err)
		return
	}
	mi, err := s.fs.Meminfo()
	if err != nil {
		s.skip("meminfo", err)
		return
	}
	stat, err := s.proc.Stat()
	if err != nil {
		s.skip("stat", err)
		return
	}

	s.q.Push(s.id, &event.MemorySample{
		Meta: event.Meta{
			TimestampNs: now,
			PID:         s.pid,
			TID:         s.pid,
		},
		TotalKB:     kb(mi.MemTotal),
		FreeKB:      kb(mi.MemFree),
		AvailableKB: kb(mi.MemAvailable),
		BuffersKB:   kb(mi.Buffers),
		CachedKB:    kb(mi.Cached),
		ResidentKB:  uint64(stat.ResidentMemory()) / 1024,
		MinorFaults: uint64(stat.MinFlt),
		MajorFaults: uint64(stat.MajFlt),
	})
	s.metrics.samples.Inc()
}

func (s *Sampler) skip(stage string, err error) {
	s.metrics.errors.WithLabelValues(stage).Inc()
	level.Debug(s.logger).Log("msg", "skipping memory sample", "stage", stage, "err", err)
}

func kb(v *uint64) uint64 {
	if v == nil {
		return 0
	}
	return *v
}

func monotonicNow() (uint64, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0, err
	}
	return uint64(ts.Nano()), nil
}
