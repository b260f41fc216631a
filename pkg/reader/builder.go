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
	"fmt"
	"math"

	"github.com/ordtrace-dev/ordtrace-agent/pkg/byteorder"
)

// RecordBuilder assembles wire records in host byte order. One record is in
// flight at a time: Begin starts it, the Put methods append fields, End pads
// to 8 bytes, patches the header size and returns a copy.
//
// It backs decoder tests and the synthesis of loss records for sources that
// report drops out of band.
type RecordBuilder struct {
	buf   []byte
	order binary.ByteOrder
}

func NewRecordBuilder() *RecordBuilder {
	return &RecordBuilder{order: byteorder.Native}
}

func (b *RecordBuilder) Begin(typ uint32, misc uint16) *RecordBuilder {
	b.buf = append(b.buf[:0], make([]byte, headerSize)...)
	b.order.PutUint32(b.buf[0:4], typ)
	b.order.PutUint16(b.buf[4:6], misc)
	return b
}

func (b *RecordBuilder) U16(v uint16) *RecordBuilder {
	var tmp [2]byte
	b.order.PutUint16(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
	return b
}

func (b *RecordBuilder) U32(v uint32) *RecordBuilder {
	var tmp [4]byte
	b.order.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
	return b
}

func (b *RecordBuilder) I32(v int32) *RecordBuilder {
	return b.U32(uint32(v))
}

func (b *RecordBuilder) U64(v uint64) *RecordBuilder {
	var tmp [8]byte
	b.order.PutUint64(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
	return b
}

func (b *RecordBuilder) Bytes(p []byte) *RecordBuilder {
	b.buf = append(b.buf, p...)
	return b
}

// CString appends s as a fixed-size NUL-padded field.
func (b *RecordBuilder) CString(s string, size int) *RecordBuilder {
	field := make([]byte, size)
	copy(field, s)
	if len(s) >= size {
		field[size-1] = 0
	}
	b.buf = append(b.buf, field...)
	return b
}

// Trailer appends the sample_id identity block carried by non-sample
// records.
func (b *RecordBuilder) Trailer(pid, tid int32, timestampNs uint64, cpu uint32) *RecordBuilder {
	return b.I32(pid).I32(tid).U64(timestampNs).U32(cpu).U32(0)
}

func (b *RecordBuilder) End() []byte {
	for len(b.buf)%8 != 0 {
		b.buf = append(b.buf, 0)
	}
	if len(b.buf) > math.MaxUint16 {
		panic(fmt.Sprintf("record builder: record of %d bytes exceeds the size field", len(b.buf)))
	}
	b.order.PutUint16(b.buf[6:8], uint16(len(b.buf)))
	return append([]byte(nil), b.buf...)
}
