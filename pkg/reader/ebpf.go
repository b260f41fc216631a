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
	"os"
	"time"

	"github.com/cilium/ebpf/perf"
	"github.com/cilium/ebpf/ringbuf"
	"go.uber.org/atomic"
)

// PerfSource adapts a BPF perf event array to the Source interface. The
// attached BPF programs must emit complete wire records (header, payload,
// trailer) as their output payload; the adapter passes the bytes through
// untouched.
//
// Loss is reported out of band through TakeDrops, since the kernel-side
// loss records carry no usable timestamp by the time the perf reader
// surfaces them.
type PerfSource struct {
	rd      *perf.Reader
	pending []byte
	drops   atomic.Uint64
}

func NewPerfSource(rd *perf.Reader) *PerfSource {
	return &PerfSource{rd: rd}
}

func (s *PerfSource) Poll(timeout time.Duration) (bool, error) {
	if s.pending != nil {
		return true, nil
	}
	s.rd.SetDeadline(time.Now().Add(timeout))
	for {
		rec, err := s.rd.Read()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return false, nil
			}
			if errors.Is(err, perf.ErrClosed) {
				return false, ErrSourceClosed
			}
			return false, err
		}
		if rec.LostSamples > 0 {
			s.drops.Add(rec.LostSamples)
			continue
		}
		if len(rec.RawSample) == 0 {
			continue
		}
		s.pending = rec.RawSample
		return true, nil
	}
}

func (s *PerfSource) ReadNext() ([]byte, bool, error) {
	if s.pending == nil {
		return nil, false, nil
	}
	rec := s.pending
	s.pending = nil
	return rec, true, nil
}

func (s *PerfSource) TakeDrops() uint64 { return s.drops.Swap(0) }

func (s *PerfSource) Close() error { return s.rd.Close() }

// RingbufSource adapts a BPF ring buffer to the Source interface, under the
// same wire-record contract as PerfSource. Ring buffers reject writes at
// reservation time, so there is no out-of-band loss to report.
type RingbufSource struct {
	rd      *ringbuf.Reader
	pending []byte
}

func NewRingbufSource(rd *ringbuf.Reader) *RingbufSource {
	return &RingbufSource{rd: rd}
}

func (s *RingbufSource) Poll(timeout time.Duration) (bool, error) {
	if s.pending != nil {
		return true, nil
	}
	s.rd.SetDeadline(time.Now().Add(timeout))
	rec, err := s.rd.Read()
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return false, nil
		}
		if errors.Is(err, ringbuf.ErrClosed) {
			return false, ErrSourceClosed
		}
		return false, err
	}
	if len(rec.RawSample) == 0 {
		return false, nil
	}
	s.pending = rec.RawSample
	return true, nil
}

func (s *RingbufSource) ReadNext() ([]byte, bool, error) {
	if s.pending == nil {
		return nil, false, nil
	}
	rec := s.pending
	s.pending = nil
	return rec, true, nil
}

func (s *RingbufSource) Close() error { return s.rd.Close() }
