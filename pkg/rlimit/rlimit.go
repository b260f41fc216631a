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

// Package rlimit adjusts RLIMIT_MEMLOCK at startup. Perf ring buffers are
// mmapped and locked; beyond the small per-user perf allowance the kernel
// charges them against the memlock limit, and a session opens one ring per
// source per CPU.
package rlimit

import (
	"fmt"
	"syscall"

	"github.com/cilium/ebpf/rlimit"
	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"
)

// BumpMemlock raises the memlock limit to limit bytes and returns the
// resulting limit. Zero removes the cap entirely; on kernels of 5.11 and
// later that is a no-op because locked pages are accounted per cgroup
// instead. Requires CAP_SYS_RESOURCE either way.
func BumpMemlock(limit uint64) (syscall.Rlimit, error) {
	if limit == 0 {
		if err := rlimit.RemoveMemlock(); err != nil {
			return syscall.Rlimit{}, fmt.Errorf("remove memlock rlimit: %w", err)
		}
	} else {
		l := syscall.Rlimit{Cur: limit, Max: limit}
		if err := syscall.Setrlimit(unix.RLIMIT_MEMLOCK, &l); err != nil {
			return l, fmt.Errorf("raise memlock rlimit to %d: %w", limit, err)
		}
	}

	var l syscall.Rlimit
	if err := syscall.Getrlimit(unix.RLIMIT_MEMLOCK, &l); err != nil {
		return l, fmt.Errorf("read memlock rlimit: %w", err)
	}
	return l, nil
}

// Humanize renders one rlimit value for log lines.
func Humanize(val uint64) string {
	if val == unix.RLIM_INFINITY {
		return "unlimited"
	}
	return humanize.Bytes(val)
}
