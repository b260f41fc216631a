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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ordtrace-dev/ordtrace-agent/pkg/byteorder"
)

// RingSource reads records from one mmapped perf event buffer. Poll and
// ReadNext belong to a single goroutine; Close must not race them. Wake may
// be called from anywhere to interrupt a blocked Poll.
type RingSource struct {
	fd      int
	evfd    int
	mapping []byte
	meta    *unix.PerfEventMmapPage
	data    []byte
}

func newRingSource(fd, ringPages int) (*RingSource, error) {
	if ringPages&(ringPages-1) != 0 {
		return nil, fmt.Errorf("ring of %d pages, need a power of two", ringPages)
	}
	pageSize := os.Getpagesize()
	mapping, err := unix.Mmap(fd, 0, (1+ringPages)*pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap ring: %w", err)
	}
	evfd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Munmap(mapping)
		unix.Close(fd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return &RingSource{
		fd:      fd,
		evfd:    evfd,
		mapping: mapping,
		meta:    (*unix.PerfEventMmapPage)(unsafe.Pointer(&mapping[0])),
		data:    mapping[pageSize:],
	}, nil
}

// Enable starts event collection; sources are opened disabled so rings can
// be set up before any record is produced.
func (s *RingSource) Enable() error {
	if err := unix.IoctlSetInt(s.fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		return fmt.Errorf("enable perf event: %w", err)
	}
	return nil
}

func (s *RingSource) hasData() bool {
	if s.meta == nil {
		return false
	}
	return atomic.LoadUint64(&s.meta.Data_head) != atomic.LoadUint64(&s.meta.Data_tail)
}

func (s *RingSource) Poll(timeout time.Duration) (bool, error) {
	if s.meta == nil {
		return false, ErrSourceClosed
	}
	if s.hasData() {
		return true, nil
	}
	fds := []unix.PollFd{
		{Fd: int32(s.fd), Events: unix.POLLIN},
		{Fd: int32(s.evfd), Events: unix.POLLIN},
	}
	ts := unix.NsecToTimespec(timeout.Nanoseconds())
	n, err := unix.Ppoll(fds, &ts, nil)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, fmt.Errorf("ppoll: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	if fds[1].Revents&unix.POLLIN != 0 {
		// Consume the wake token so later polls can block again.
		var buf [8]byte
		_, _ = unix.Read(s.evfd, buf[:])
	}
	return s.hasData(), nil
}

func (s *RingSource) ReadNext() ([]byte, bool, error) {
	if s.meta == nil {
		return nil, false, ErrSourceClosed
	}
	head := atomic.LoadUint64(&s.meta.Data_head)
	tail := atomic.LoadUint64(&s.meta.Data_tail)
	if head == tail {
		return nil, false, nil
	}
	start := tail % uint64(len(s.data))
	var hdr [headerSize]byte
	s.copyWrapped(hdr[:], start)
	size := byteorder.Native.Uint16(hdr[6:8])
	if int(size) < headerSize {
		return nil, false, fmt.Errorf("%w: ring header size %d", ErrTruncatedRecord, size)
	}
	rec := make([]byte, size)
	s.copyWrapped(rec, start)
	// The consumer side owns Data_tail; advancing it hands the bytes back
	// to the kernel.
	atomic.StoreUint64(&s.meta.Data_tail, tail+uint64(size))
	return rec, true, nil
}

// copyWrapped copies len(dst) bytes out of the ring starting at start,
// wrapping around the end of the buffer.
func (s *RingSource) copyWrapped(dst []byte, start uint64) {
	n := copy(dst, s.data[start:])
	if n < len(dst) {
		copy(dst[n:], s.data)
	}
}

// Wake interrupts a blocked Poll.
func (s *RingSource) Wake() {
	var buf [8]byte
	byteorder.Native.PutUint64(buf[:], 1)
	_, _ = unix.Write(s.evfd, buf[:])
}

func (s *RingSource) Close() error {
	if s.meta == nil {
		return nil
	}
	_ = unix.IoctlSetInt(s.fd, unix.PERF_EVENT_IOC_DISABLE, 0)
	err := unix.Munmap(s.mapping)
	s.mapping = nil
	s.meta = nil
	s.data = nil
	return errors.Join(err, unix.Close(s.fd), unix.Close(s.evfd))
}

// StackSamplerOptions shape the sampling sources opened by
// OpenStackSampler.
type StackSamplerOptions struct {
	SampleFreqHz     uint64
	StackDumpBytes   uint32 // multiple of 8; ignored with frame pointers
	UseFramePointers bool
	RingPages        int
}

// OpenStackSampler opens a CPU clock sampler for the target process on one
// CPU. With frame pointers the kernel collects the callchain itself;
// otherwise registers and a stack snapshot are captured for unwinding in
// user space.
func OpenStackSampler(pid int32, cpu int, opts StackSamplerOptions) (*RingSource, DecodeConfig, error) {
	sampleType := uint64(BaseSampleType | unix.PERF_SAMPLE_IP)
	var regsMask uint64
	if opts.UseFramePointers {
		sampleType |= unix.PERF_SAMPLE_CALLCHAIN
	} else {
		sampleType |= unix.PERF_SAMPLE_REGS_USER | unix.PERF_SAMPLE_STACK_USER
		regsMask = RegsMaskUnwind
	}
	attr := &unix.PerfEventAttr{
		Type:              unix.PERF_TYPE_SOFTWARE,
		Config:            unix.PERF_COUNT_SW_CPU_CLOCK,
		Size:              uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Sample:            opts.SampleFreqHz,
		Sample_type:       sampleType,
		Sample_regs_user:  regsMask,
		Sample_stack_user: opts.StackDumpBytes,
		Bits: unix.PerfBitDisabled | unix.PerfBitFreq | unix.PerfBitInherit |
			unix.PerfBitSampleIDAll | unix.PerfBitUseClockID,
		Clockid: unix.CLOCK_MONOTONIC,
		Wakeup:  1,
	}
	if opts.UseFramePointers {
		attr.Sample_stack_user = 0
	}
	fd, err := unix.PerfEventOpen(attr, int(pid), cpu, -1, 0)
	if err != nil {
		return nil, DecodeConfig{}, fmt.Errorf("open stack sampler on cpu %d: %w", cpu, err)
	}
	src, err := newRingSource(fd, opts.RingPages)
	if err != nil {
		return nil, DecodeConfig{}, err
	}
	return src, DecodeConfig{
		Sample:     SampleStack,
		SampleType: sampleType,
		RegsMask:   regsMask,
	}, nil
}

// OpenContextSwitches opens a CPU-wide dummy event that reports scheduler
// switches, comm changes and task lifecycle on one CPU.
func OpenContextSwitches(cpu, ringPages int) (*RingSource, DecodeConfig, error) {
	attr := &unix.PerfEventAttr{
		Type:        unix.PERF_TYPE_SOFTWARE,
		Config:      unix.PERF_COUNT_SW_DUMMY,
		Size:        uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Sample:      1,
		Sample_type: BaseSampleType,
		Bits: unix.PerfBitDisabled | unix.PerfBitSampleIDAll | unix.PerfBitUseClockID |
			unix.PerfBitContextSwitch | unix.PerfBitComm | unix.PerfBitCommExec | unix.PerfBitTask,
		Clockid: unix.CLOCK_MONOTONIC,
		Wakeup:  1,
	}
	fd, err := unix.PerfEventOpen(attr, -1, cpu, -1, 0)
	if err != nil {
		return nil, DecodeConfig{}, fmt.Errorf("open context switches on cpu %d: %w", cpu, err)
	}
	src, err := newRingSource(fd, ringPages)
	if err != nil {
		return nil, DecodeConfig{}, err
	}
	return src, DecodeConfig{
		Sample:     SampleStack,
		SampleType: BaseSampleType,
	}, nil
}

// OpenTracepoint opens a system-wide tracepoint on one CPU, sampling the
// raw tracefs payload on every hit.
func OpenTracepoint(category, name string, cpu, ringPages int) (*RingSource, DecodeConfig, error) {
	id, err := tracepointID(category, name)
	if err != nil {
		return nil, DecodeConfig{}, err
	}
	sampleType := uint64(BaseSampleType | unix.PERF_SAMPLE_RAW)
	attr := &unix.PerfEventAttr{
		Type:        unix.PERF_TYPE_TRACEPOINT,
		Config:      id,
		Size:        uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Sample:      1,
		Sample_type: sampleType,
		Bits:        unix.PerfBitDisabled | unix.PerfBitSampleIDAll | unix.PerfBitUseClockID,
		Clockid:     unix.CLOCK_MONOTONIC,
		Wakeup:      1,
	}
	fd, err := unix.PerfEventOpen(attr, -1, cpu, -1, 0)
	if err != nil {
		return nil, DecodeConfig{}, fmt.Errorf("open tracepoint %s:%s on cpu %d: %w", category, name, cpu, err)
	}
	src, err := newRingSource(fd, ringPages)
	if err != nil {
		return nil, DecodeConfig{}, err
	}
	return src, DecodeConfig{
		Sample:     SampleTracepoint,
		SampleType: sampleType,
		Category:   category,
		Name:       name,
	}, nil
}

// UprobeConfig describes one instrumented function.
type UprobeConfig struct {
	Path       string // probed binary
	Offset     uint64 // file offset of the probe
	FunctionID uint64
	Retprobe   bool
	RingPages  int
}

// OpenUprobe opens a system-wide uprobe on one CPU through the uprobe PMU.
// Entry probes capture the stack's return-address slot alongside the
// registers; return probes capture the return value register.
func OpenUprobe(cfg UprobeConfig, cpu int) (*RingSource, DecodeConfig, error) {
	pmu, err := uprobePMUType()
	if err != nil {
		return nil, DecodeConfig{}, err
	}
	sampleType := uint64(BaseSampleType | unix.PERF_SAMPLE_REGS_USER)
	regsMask := uint64(RegsMaskUnwind)
	var config, stackBytes uint64
	if cfg.Retprobe {
		config = uprobeRetprobeBit()
		regsMask = RegsMaskReturn
	} else {
		sampleType |= unix.PERF_SAMPLE_STACK_USER
		stackBytes = 8
	}
	pathPtr, err := unix.BytePtrFromString(cfg.Path)
	if err != nil {
		return nil, DecodeConfig{}, fmt.Errorf("uprobe path: %w", err)
	}
	attr := &unix.PerfEventAttr{
		Type:              pmu,
		Config:            config,
		Size:              uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Ext1:              uint64(uintptr(unsafe.Pointer(pathPtr))),
		Ext2:              cfg.Offset,
		Sample:            1,
		Sample_type:       sampleType,
		Sample_regs_user:  regsMask,
		Sample_stack_user: uint32(stackBytes),
		Bits:              unix.PerfBitDisabled | unix.PerfBitSampleIDAll | unix.PerfBitUseClockID,
		Clockid:           unix.CLOCK_MONOTONIC,
		Wakeup:            1,
	}
	fd, err := unix.PerfEventOpen(attr, -1, cpu, -1, 0)
	runtime.KeepAlive(pathPtr)
	if err != nil {
		return nil, DecodeConfig{}, fmt.Errorf("open uprobe %s+%#x on cpu %d: %w", cfg.Path, cfg.Offset, cpu, err)
	}
	src, err := newRingSource(fd, cfg.RingPages)
	if err != nil {
		return nil, DecodeConfig{}, err
	}
	kind := SampleFunctionEntry
	if cfg.Retprobe {
		kind = SampleFunctionExit
	}
	return src, DecodeConfig{
		Sample:     kind,
		SampleType: sampleType,
		RegsMask:   regsMask,
		FunctionID: cfg.FunctionID,
	}, nil
}

var tracefsRoots = []string{"/sys/kernel/tracing", "/sys/kernel/debug/tracing"}

func tracepointID(category, name string) (uint64, error) {
	var errs []error
	for _, root := range tracefsRoots {
		b, err := os.ReadFile(filepath.Join(root, "events", category, name, "id"))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return id, nil
	}
	return 0, fmt.Errorf("tracepoint %s:%s id: %w", category, name, errors.Join(errs...))
}

func uprobePMUType() (uint32, error) {
	b, err := os.ReadFile("/sys/bus/event_source/devices/uprobe/type")
	if err != nil {
		return 0, fmt.Errorf("uprobe pmu: %w", err)
	}
	typ, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("uprobe pmu: %w", err)
	}
	return uint32(typ), nil
}

// uprobeRetprobeBit reads which config bit marks a return probe. The format
// file spells it "config:N"; bit 0 on every kernel seen so far.
func uprobeRetprobeBit() uint64 {
	b, err := os.ReadFile("/sys/bus/event_source/devices/uprobe/format/retprobe")
	if err != nil {
		return 1
	}
	s := strings.TrimSpace(string(b))
	n, err := strconv.ParseUint(strings.TrimPrefix(s, "config:"), 10, 6)
	if err != nil {
		return 1
	}
	return 1 << n
}
