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

package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	runtimepprof "runtime/pprof"
	"strconv"
	"strings"
	"syscall"
	"time"

	// Sets GOMEMLIMIT from the cgroup memory limit when one applies.
	_ "github.com/KimMachineGun/automemlimit"
	"github.com/alecthomas/kong"
	"github.com/common-nighthawk/go-figure"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	okrun "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ordtrace-dev/ordtrace-agent/pkg/byteorder"
	"github.com/ordtrace-dev/ordtrace-agent/pkg/logger"
	"github.com/ordtrace-dev/ordtrace-agent/pkg/output"
	"github.com/ordtrace-dev/ordtrace-agent/pkg/rlimit"
	"github.com/ordtrace-dev/ordtrace-agent/pkg/tracer"
)

var (
	version string
	commit  string
	date    string
)

type flags struct {
	LogLevel    string `kong:"enum='error,warn,info,debug',help='Log level.',default='info'"`
	LogFormat   string `kong:"enum='logfmt,json',help='Log format.',default='logfmt'"`
	HTTPAddress string `kong:"help='Address to bind the HTTP server to.',default=':7171'"`

	PID int32 `kong:"required,help='Process to trace.'"`

	SamplesPerSecond uint64 `kong:"help='Callstack sampling frequency in Hz.',default='${default_samples_per_second}'"`
	StackDumpSize    uint32 `kong:"help='Bytes of raw stack captured per sample for dwarf unwinding; a multiple of 8.',default='${default_stack_dump_size}'"`
	UnwindingMethod  string `kong:"enum='dwarf,fp',help='How sampled stacks are unwound: dwarf captures stack snapshots for unwinding in user space, fp uses kernel callchains.',default='dwarf'"`

	TraceContextSwitches bool     `kong:"help='Reconstruct per-CPU scheduling slices from context switch records.'"`
	TraceThreadState     bool     `kong:"help='Reconstruct thread state intervals; opens additional sched tracepoints.'"`
	TraceGpuDriver       bool     `kong:"help='Track amdgpu jobs from submission to fence signal.'"`
	Tracepoints          []string `kong:"help='Additional tracepoints to record, each as category:name.'"`

	MemorySamplingPeriod time.Duration `kong:"help='Period between memory usage snapshots of the target. 0 disables memory sampling.'"`
	Duration             time.Duration `kong:"help='Stop the capture after this duration. 0 captures until interrupted.'"`
	Output               string        `kong:"help='File to write JSONL output to. Empty writes to stdout.'"`

	MemlockRlimit   uint64        `kong:"help='Memlock rlimit in bytes to request before mapping ring buffers. 0 removes the limit.'"`
	RingBufferPages int           `kong:"help='Pages per perf ring buffer; a power of two.',default='${default_ring_buffer_pages}'"`
	DrainTimeout    time.Duration `kong:"help='How long readers keep draining their rings after the session stops.',default='${default_drain_timeout}'"`
}

func main() {
	flags := flags{}
	kong.Parse(&flags, kong.Vars{
		"default_samples_per_second": strconv.Itoa(tracer.DefaultSamplesPerSecond),
		"default_stack_dump_size":    strconv.Itoa(tracer.DefaultStackDumpSize),
		"default_ring_buffer_pages":  strconv.Itoa(tracer.DefaultRingBufferPages),
		"default_drain_timeout":      tracer.DefaultDrainTimeout.String(),
	})

	logger := logger.NewLogger(flags.LogLevel, flags.LogFormat, "ordtrace-agent")

	if runtime.GOARCH != "amd64" {
		level.Error(logger).Log("msg", "unsupported architecture, perf register decoding is x86-64 only", "arch", runtime.GOARCH)
		os.Exit(1)
	}
	if byteorder.Native == binary.BigEndian {
		level.Error(logger).Log("msg", "big endian CPUs are not supported")
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	intro := figure.NewColorFigure("Ordtrace Agent", "roman", "yellow", true)
	intro.Print()

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
		level.Info(logger).Log("msg", fmt.Sprintf(format, a...))
	})); err != nil {
		level.Warn(logger).Log("msg", "failed to set GOMAXPROCS automatically", "err", err)
	}

	level.Info(logger).Log(
		"msg", "starting ordtrace-agent",
		"version", version, "commit", commit, "date", date,
		"pid", flags.PID,
	)

	if err := run(logger, reg, flags); err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(1)
	}
}

func run(logger log.Logger, reg *prometheus.Registry, flags flags) error {
	cfg := tracer.Config{
		PID:                  flags.PID,
		SamplesPerSecond:     flags.SamplesPerSecond,
		StackDumpSize:        flags.StackDumpSize,
		UnwindingMethod:      tracer.UnwindingMethod(flags.UnwindingMethod),
		TraceContextSwitches: flags.TraceContextSwitches,
		TraceThreadState:     flags.TraceThreadState,
		TraceGpuDriver:       flags.TraceGpuDriver,
		MemorySamplingPeriod: flags.MemorySamplingPeriod,
		DrainTimeout:         flags.DrainTimeout,
		RingBufferPages:      flags.RingBufferPages,
	}
	for _, tp := range flags.Tracepoints {
		category, name, ok := strings.Cut(tp, ":")
		if !ok {
			return fmt.Errorf("malformed tracepoint %q, want category:name", tp)
		}
		cfg.Tracepoints = append(cfg.Tracepoints, tracer.Tracepoint{Category: category, Name: name})
	}

	limit, err := rlimit.BumpMemlock(flags.MemlockRlimit)
	if err != nil {
		return err
	}
	level.Debug(logger).Log(
		"msg", "memlock rlimit adjusted",
		"cur", rlimit.Humanize(limit.Cur), "max", rlimit.Humanize(limit.Max),
	)

	out := os.Stdout
	if flags.Output != "" {
		f, err := os.OpenFile(flags.Output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("open output file: %w", err)
		}
		defer f.Close()
		out = f
	}
	writer := output.NewWriter(logger, reg, out)

	tr, err := tracer.New(logger, reg, writer, cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	var g okrun.Group

	// Run group for the capture session.
	{
		var (
			runCtx context.Context
			cancel context.CancelFunc
		)
		if flags.Duration > 0 {
			runCtx, cancel = context.WithTimeout(ctx, flags.Duration)
		} else {
			runCtx, cancel = context.WithCancel(ctx)
		}
		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: tracer")
			defer level.Debug(logger).Log("msg", "stopped: tracer")

			var err error
			runtimepprof.Do(runCtx, runtimepprof.Labels("component", "tracer"), func(ctx context.Context) {
				err = tr.Run(ctx)
			})
			if err != nil {
				return err
			}
			return writer.Flush()
		}, func(error) {
			cancel()
		})
	}

	// Run group for the http server.
	{
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		srv := &http.Server{
			Addr:         flags.HTTPAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: time.Minute,
		}

		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: http server", "addr", flags.HTTPAddress)
			defer level.Debug(logger).Log("msg", "stopped: http server")

			var err error
			runtimepprof.Do(ctx, runtimepprof.Labels("component", "http_server"), func(_ context.Context) {
				err = srv.ListenAndServe()
			})

			return err
		}, func(error) {
			srv.Close()
		})
	}

	g.Add(okrun.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	if err := g.Run(); err != nil {
		signalErr := okrun.SignalError{}
		if errors.As(err, &signalErr) {
			level.Info(logger).Log("msg", "terminated by signal", "signal", signalErr.Signal)
			return nil
		}
		return err
	}
	return nil
}
