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
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ordtrace-dev/ordtrace-agent/pkg/byteorder"
	"github.com/ordtrace-dev/ordtrace-agent/pkg/event"
)

// Records are perf-event-style: an 8-byte header (type u32, misc u16, size
// u16) followed by a type-specific payload. All sources are opened with
// sample_id_all and TID|TIME|CPU, so every non-sample record ends with the
// 24-byte identity trailer.
const (
	headerSize  = 8
	trailerSize = 24

	// Misc bits interpreted by the decoder; x/sys/unix does not define
	// these.
	miscSwitchOut        = 1 << 13
	miscSwitchOutPreempt = 1 << 14
	miscCommExec         = 1 << 13

	// Kernel callchain entries at or above ContextMax are context markers,
	// not program counters. ContextUser starts the user-space portion.
	ContextMax  = uint64(0xfffffffffffff001)
	ContextUser = uint64(0xfffffffffffffe00)

	// An implausible callchain length means a corrupt record.
	maxCallchainLen = 1 << 16
)

// x86_64 sample register numbers, as bit positions in the regs mask.
const (
	regAXBit = 0
	regBPBit = 6
	regSPBit = 7
	regIPBit = 8

	// RegsMaskUnwind covers what the unwinders consume.
	RegsMaskUnwind = 1<<regBPBit | 1<<regSPBit | 1<<regIPBit
	// RegsMaskReturn adds AX for return values on function exit.
	RegsMaskReturn = RegsMaskUnwind | 1<<regAXBit
)

// BaseSampleType is the identity portion every source carries.
const BaseSampleType = unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_TIME | unix.PERF_SAMPLE_CPU

var (
	ErrTruncatedRecord   = errors.New("truncated record")
	ErrUnknownRecordType = errors.New("unknown record type")
)

// SampleKind tells the decoder what a source's SAMPLE records mean: the
// record type alone does not distinguish a sampling interrupt from a uprobe
// hit or a tracepoint.
type SampleKind uint8

const (
	SampleStack SampleKind = iota
	SampleFunctionEntry
	SampleFunctionExit
	SampleTracepoint
)

// DecodeConfig mirrors how a source was opened.
type DecodeConfig struct {
	Sample     SampleKind
	SampleType uint64 // PERF_SAMPLE_* bits present on SAMPLE records
	RegsMask   uint64 // user regs mask when PERF_SAMPLE_REGS_USER is set
	FunctionID uint64 // instrumented function bound to this source
	Category   string // tracepoint bound to this source
	Name       string
}

// Decoder turns raw records from one source into typed events. Decoded
// events own their payloads; the raw buffer may be reused afterwards.
type Decoder struct {
	cfg   DecodeConfig
	order binary.ByteOrder
}

func NewDecoder(cfg DecodeConfig) *Decoder {
	return &Decoder{cfg: cfg, order: byteorder.Native}
}

func (d *Decoder) Decode(raw []byte) (event.Event, error) {
	if len(raw) < headerSize {
		return nil, ErrTruncatedRecord
	}
	typ := d.order.Uint32(raw[0:4])
	misc := d.order.Uint16(raw[4:6])
	size := d.order.Uint16(raw[6:8])
	if int(size) < headerSize || int(size) > len(raw) {
		return nil, fmt.Errorf("%w: header size %d, buffer %d", ErrTruncatedRecord, size, len(raw))
	}
	payload := raw[headerSize:size]

	switch typ {
	case unix.PERF_RECORD_SWITCH, unix.PERF_RECORD_SWITCH_CPU_WIDE:
		return d.decodeSwitch(misc, payload)
	case unix.PERF_RECORD_COMM:
		return d.decodeComm(misc, payload)
	case unix.PERF_RECORD_FORK:
		return d.decodeTask(payload, true)
	case unix.PERF_RECORD_EXIT:
		return d.decodeTask(payload, false)
	case unix.PERF_RECORD_LOST:
		return d.decodeLost(payload)
	case unix.PERF_RECORD_SAMPLE:
		return d.decodeSample(payload)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownRecordType, typ)
	}
}

// trailer extracts the sample_id identity from the end of a non-sample
// payload.
func (d *Decoder) trailer(payload []byte) (event.Meta, error) {
	if len(payload) < trailerSize {
		return event.Meta{}, ErrTruncatedRecord
	}
	t := payload[len(payload)-trailerSize:]
	return event.Meta{
		PID:         int32(d.order.Uint32(t[0:4])),
		TID:         int32(d.order.Uint32(t[4:8])),
		TimestampNs: d.order.Uint64(t[8:16]),
		CPU:         d.order.Uint32(t[16:20]),
	}, nil
}

func (d *Decoder) decodeSwitch(misc uint16, payload []byte) (event.Event, error) {
	meta, err := d.trailer(payload)
	if err != nil {
		return nil, err
	}
	if misc&miscSwitchOut != 0 {
		return &event.SwitchOut{
			Meta:      meta,
			Preempted: misc&miscSwitchOutPreempt != 0,
		}, nil
	}
	return &event.SwitchIn{Meta: meta}, nil
}

func (d *Decoder) decodeComm(misc uint16, payload []byte) (event.Event, error) {
	meta, err := d.trailer(payload)
	if err != nil {
		return nil, err
	}
	body := payload[:len(payload)-trailerSize]
	if len(body) < 8 {
		return nil, ErrTruncatedRecord
	}
	meta.PID = int32(d.order.Uint32(body[0:4]))
	meta.TID = int32(d.order.Uint32(body[4:8]))
	return &event.ThreadNameChange{
		Meta: meta,
		Name: cstring(body[8:]),
		Exec: misc&miscCommExec != 0,
	}, nil
}

func (d *Decoder) decodeTask(payload []byte, fork bool) (event.Event, error) {
	meta, err := d.trailer(payload)
	if err != nil {
		return nil, err
	}
	body := payload[:len(payload)-trailerSize]
	if len(body) < 24 {
		return nil, ErrTruncatedRecord
	}
	pid := int32(d.order.Uint32(body[0:4]))
	ppid := int32(d.order.Uint32(body[4:8]))
	tid := int32(d.order.Uint32(body[8:12]))
	ptid := int32(d.order.Uint32(body[12:16]))
	if fork {
		meta.PID = ppid
		meta.TID = ptid
		return &event.TaskNew{Meta: meta, NewTID: tid}, nil
	}
	meta.PID = pid
	meta.TID = tid
	return &event.TaskExit{Meta: meta}, nil
}

func (d *Decoder) decodeLost(payload []byte) (event.Event, error) {
	meta, err := d.trailer(payload)
	if err != nil {
		return nil, err
	}
	body := payload[:len(payload)-trailerSize]
	if len(body) < 16 {
		return nil, ErrTruncatedRecord
	}
	return &event.LostRecords{
		Meta:  meta,
		Count: d.order.Uint64(body[8:16]),
	}, nil
}

func (d *Decoder) decodeSample(payload []byte) (event.Event, error) {
	c := &cursor{buf: payload, order: d.order}
	st := d.cfg.SampleType

	var (
		meta event.Meta
		ip   uint64
	)
	if st&unix.PERF_SAMPLE_IDENTIFIER != 0 {
		c.skip(8)
	}
	if st&unix.PERF_SAMPLE_IP != 0 {
		ip = c.u64()
	}
	if st&unix.PERF_SAMPLE_TID != 0 {
		meta.PID = c.i32()
		meta.TID = c.i32()
	}
	if st&unix.PERF_SAMPLE_TIME != 0 {
		meta.TimestampNs = c.u64()
	}
	if st&unix.PERF_SAMPLE_ADDR != 0 {
		c.skip(8)
	}
	if st&unix.PERF_SAMPLE_ID != 0 {
		c.skip(8)
	}
	if st&unix.PERF_SAMPLE_STREAM_ID != 0 {
		c.skip(8)
	}
	if st&unix.PERF_SAMPLE_CPU != 0 {
		meta.CPU = c.u32()
		c.skip(4)
	}
	if st&unix.PERF_SAMPLE_PERIOD != 0 {
		c.skip(8)
	}

	var callchain []uint64
	if st&unix.PERF_SAMPLE_CALLCHAIN != 0 {
		nr := c.u64()
		if nr > maxCallchainLen {
			return nil, fmt.Errorf("%w: callchain of %d entries", ErrTruncatedRecord, nr)
		}
		callchain = make([]uint64, 0, nr)
		for i := uint64(0); i < nr; i++ {
			callchain = append(callchain, c.u64())
		}
	}

	var rawData []byte
	if st&unix.PERF_SAMPLE_RAW != 0 {
		sz := c.u32()
		rawData = c.bytes(int(sz))
	}

	var regs sampleRegs
	if st&unix.PERF_SAMPLE_REGS_USER != 0 {
		abi := c.u64()
		if abi != 0 {
			regs = d.readRegs(c)
		}
	}

	var (
		stackData []byte
		dynSize   uint64
	)
	if st&unix.PERF_SAMPLE_STACK_USER != 0 {
		sz := c.u64()
		if sz > 0 {
			stackData = c.bytes(int(sz))
			dynSize = c.u64()
			if dynSize > sz {
				dynSize = sz
			}
		}
	}

	if c.err != nil {
		return nil, c.err
	}

	switch d.cfg.Sample {
	case SampleStack:
		rs := event.Regs{IP: regs.ip, SP: regs.sp, BP: regs.bp}
		if rs.IP == 0 {
			rs.IP = ip
		}
		var stack []byte
		if dynSize > 0 {
			stack = append([]byte(nil), stackData[:dynSize]...)
		}
		return &event.StackSample{
			Meta:         meta,
			Regs:         rs,
			Stack:        stack,
			StackDynSize: dynSize,
			Callchain:    callchain,
		}, nil
	case SampleFunctionEntry:
		// The top of the captured stack is the hijacked return-address
		// slot.
		var retAddr uint64
		if dynSize >= 8 {
			retAddr = d.order.Uint64(stackData[0:8])
		}
		return &event.FunctionEntry{
			Meta:          meta,
			FunctionID:    d.cfg.FunctionID,
			SP:            regs.sp,
			ReturnAddress: retAddr,
		}, nil
	case SampleFunctionExit:
		return &event.FunctionExit{
			Meta:        meta,
			FunctionID:  d.cfg.FunctionID,
			ReturnValue: regs.ax,
		}, nil
	case SampleTracepoint:
		return d.decodeTracepoint(meta, rawData)
	default:
		return nil, fmt.Errorf("%w: sample kind %d", ErrUnknownRecordType, d.cfg.Sample)
	}
}

type sampleRegs struct {
	ax, bp, sp, ip uint64
}

func (d *Decoder) readRegs(c *cursor) sampleRegs {
	var regs sampleRegs
	for bit := 0; bit < 64; bit++ {
		if d.cfg.RegsMask&(1<<bit) == 0 {
			continue
		}
		v := c.u64()
		switch bit {
		case regAXBit:
			regs.ax = v
		case regBPBit:
			regs.bp = v
		case regSPBit:
			regs.sp = v
		case regIPBit:
			regs.ip = v
		}
	}
	return regs
}

// Raw tracepoint payloads follow the tracefs layout of the bound event:
// 8 bytes of common fields, then the event-specific fields at fixed offsets.
func (d *Decoder) decodeTracepoint(meta event.Meta, raw []byte) (event.Event, error) {
	switch d.cfg.Category + ":" + d.cfg.Name {
	case "sched:task_newtask":
		if len(raw) < 28 {
			return nil, ErrTruncatedRecord
		}
		return &event.TaskNew{
			Meta:   meta,
			NewTID: int32(d.order.Uint32(raw[8:12])),
			Comm:   cstring(raw[12:28]),
		}, nil
	case "sched:sched_wakeup":
		if len(raw) < 28 {
			return nil, ErrTruncatedRecord
		}
		return &event.SchedWakeup{
			Meta:     meta,
			WokenTID: int32(d.order.Uint32(raw[24:28])),
		}, nil
	case "amdgpu:amdgpu_cs_ioctl":
		if len(raw) < 28 {
			return nil, ErrTruncatedRecord
		}
		timeline, err := d.dataLocString(raw, 16)
		if err != nil {
			return nil, err
		}
		return &event.GpuCommandBufferSubmit{
			Meta:     meta,
			Context:  d.order.Uint32(raw[20:24]),
			Seqno:    d.order.Uint32(raw[24:28]),
			Timeline: timeline,
		}, nil
	case "amdgpu:amdgpu_sched_run_job":
		if len(raw) < 28 {
			return nil, ErrTruncatedRecord
		}
		timeline, err := d.dataLocString(raw, 16)
		if err != nil {
			return nil, err
		}
		return &event.GpuSchedulerRun{
			Meta:     meta,
			Context:  d.order.Uint32(raw[20:24]),
			Seqno:    d.order.Uint32(raw[24:28]),
			Timeline: timeline,
		}, nil
	case "dma_fence:dma_fence_signaled":
		if len(raw) < 24 {
			return nil, ErrTruncatedRecord
		}
		timeline, err := d.dataLocString(raw, 12)
		if err != nil {
			return nil, err
		}
		return &event.GpuFenceSignal{
			Meta:     meta,
			Context:  d.order.Uint32(raw[16:20]),
			Seqno:    d.order.Uint32(raw[20:24]),
			Timeline: timeline,
		}, nil
	default:
		return &event.TracepointHit{
			Meta:     meta,
			Category: d.cfg.Category,
			Name:     d.cfg.Name,
		}, nil
	}
}

// dataLocString resolves a __data_loc reference: length in the high 16
// bits, offset from the start of the raw payload in the low 16.
func (d *Decoder) dataLocString(raw []byte, at int) (string, error) {
	loc := d.order.Uint32(raw[at : at+4])
	off := int(loc & 0xffff)
	n := int(loc >> 16)
	if off+n > len(raw) {
		return "", fmt.Errorf("%w: data_loc %d+%d beyond payload %d", ErrTruncatedRecord, off, n, len(raw))
	}
	return cstring(raw[off : off+n]), nil
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// cursor reads fields with a sticky error, so decode paths stay linear.
type cursor struct {
	buf   []byte
	off   int
	order binary.ByteOrder
	err   error
}

func (c *cursor) avail(n int) bool {
	if c.err != nil {
		return false
	}
	if c.off+n > len(c.buf) {
		c.err = ErrTruncatedRecord
		return false
	}
	return true
}

func (c *cursor) skip(n int) {
	if c.avail(n) {
		c.off += n
	}
}

func (c *cursor) u32() uint32 {
	if !c.avail(4) {
		return 0
	}
	v := c.order.Uint32(c.buf[c.off:])
	c.off += 4
	return v
}

func (c *cursor) i32() int32 { return int32(c.u32()) }

func (c *cursor) u64() uint64 {
	if !c.avail(8) {
		return 0
	}
	v := c.order.Uint64(c.buf[c.off:])
	c.off += 8
	return v
}

func (c *cursor) bytes(n int) []byte {
	if !c.avail(n) {
		return nil
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b
}
