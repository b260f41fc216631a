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

// Package reader drains ring-buffer sources into typed records and feeds
// them to the event queue, one reader goroutine per source.
package reader

import (
	"errors"
	"time"

	"github.com/ordtrace-dev/ordtrace-agent/pkg/queue"
)

// ErrSourceClosed is reported by Poll and ReadNext once the underlying
// buffer has been torn down and no further records can arrive.
var ErrSourceClosed = errors.New("source closed")

// Source is one ring buffer's worth of raw records. Records returned by
// ReadNext are complete wire records (header, payload, trailer) in host byte
// order, delivered in the order the kernel wrote them, which is timestamp
// order within a single source.
type Source interface {
	// Poll waits up to timeout for data. It returns true when records may
	// be available to read.
	Poll(timeout time.Duration) (bool, error)
	// ReadNext returns the next record, or ok == false when the source is
	// currently drained. The returned bytes are owned by the caller.
	ReadNext() ([]byte, bool, error)
	Close() error
}

// Waker is implemented by sources whose Poll can be interrupted from
// another goroutine, so shutdown does not have to wait out a poll timeout.
type Waker interface {
	Wake()
}

// DropCounter is implemented by sources that learn about dropped records
// out of band instead of through in-stream loss records. TakeDrops returns
// the drops accumulated since the last call.
type DropCounter interface {
	TakeDrops() uint64
}

// Spec binds a source to its queue identity and decoding configuration.
type Spec struct {
	ID     queue.SourceID
	Name   string
	Source Source
	Config DecodeConfig
}

// StaticSource replays a fixed set of records; it backs tests and offline
// replays of captured streams.
type StaticSource struct {
	records [][]byte
	next    int
}

func NewStaticSource(records ...[]byte) *StaticSource {
	return &StaticSource{records: records}
}

func (s *StaticSource) Poll(timeout time.Duration) (bool, error) {
	if s.next < len(s.records) {
		return true, nil
	}
	time.Sleep(timeout)
	return false, nil
}

func (s *StaticSource) ReadNext() ([]byte, bool, error) {
	if s.next >= len(s.records) {
		return nil, false, nil
	}
	rec := s.records[s.next]
	s.next++
	return rec, true, nil
}

func (s *StaticSource) Close() error { return nil }
