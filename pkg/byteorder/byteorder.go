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

// Package byteorder determines the host byte order once at startup. Kernel
// perf records are written in host order, so decoding and encoding must not
// assume little endian.
package byteorder

import (
	"encoding/binary"
	"unsafe"
)

// Native is the byte order of the host.
var Native binary.ByteOrder = determine()

func determine() binary.ByteOrder {
	var probe int32 = 0x01020304
	if *(*byte)(unsafe.Pointer(&probe)) == 0x04 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}
