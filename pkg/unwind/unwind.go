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

// Package unwind defines the boundary to stack unwinders and provides a
// frame-pointer implementation that walks a captured stack snapshot.
package unwind

import (
	"context"
	"errors"

	"github.com/ordtrace-dev/ordtrace-agent/pkg/byteorder"
	"github.com/ordtrace-dev/ordtrace-agent/pkg/event"
)

var (
	// ErrDwarf reports that DWARF-based unwinding failed; the emitted
	// callstack carries the corresponding outcome instead of being dropped.
	ErrDwarf = errors.New("dwarf unwinding failed")
	// ErrFramePointer reports a broken or absent frame-pointer chain.
	ErrFramePointer = errors.New("frame pointer chain broken")
	// ErrStackTooSmall reports that the captured stack snapshot ends before
	// the innermost frame could be read.
	ErrStackTooSmall = errors.New("captured stack too small")
)

// Unwinder reconstructs a callstack from sampled registers and a copy of the
// user stack starting at regs.SP. Implementations classify failures with the
// sentinel errors above, wrapped as needed. DWARF unwinders resolving the
// target's memory layout are external; they implement this same interface.
type Unwinder interface {
	Unwind(ctx context.Context, pid int32, regs event.Regs, stack []byte) ([]uint64, error)
}

const defaultMaxDepth = 128

// FramePointer walks the saved-frame-pointer chain inside the snapshot:
// each frame stores the caller's frame pointer followed by the return
// address. It needs no knowledge of the target's memory layout, only the
// bytes captured with the sample.
type FramePointer struct {
	// MaxDepth caps the number of frames walked; zero means the default.
	MaxDepth int
}

var _ Unwinder = (*FramePointer)(nil)

func (u *FramePointer) Unwind(_ context.Context, _ int32, regs event.Regs, stack []byte) ([]uint64, error) {
	maxDepth := u.MaxDepth
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}

	pcs := make([]uint64, 0, 16)
	pcs = append(pcs, regs.IP)

	fp := regs.BP
	if fp == 0 || fp < regs.SP {
		return pcs, ErrFramePointer
	}

	top := regs.SP + uint64(len(stack))
	for len(pcs) < maxDepth {
		if fp+16 > top {
			if len(pcs) == 1 {
				// Not even the innermost frame record fit the snapshot.
				return pcs, ErrStackTooSmall
			}
			// The chain left the captured region: the walk reached the part
			// of the stack that was not dumped, which terminates it.
			return pcs, nil
		}
		off := fp - regs.SP
		nextFP := byteorder.Native.Uint64(stack[off:])
		retAddr := byteorder.Native.Uint64(stack[off+8:])
		if retAddr == 0 {
			return pcs, nil
		}
		pcs = append(pcs, retAddr)
		if nextFP == 0 {
			return pcs, nil
		}
		if nextFP <= fp {
			return pcs, ErrFramePointer
		}
		fp = nextFP
	}
	return pcs, nil
}
