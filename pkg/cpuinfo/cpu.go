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

// Package cpuinfo enumerates the CPUs that per-CPU perf sources must be
// opened on. Offline CPUs reject perf_event_open, so the online list is
// authoritative, not runtime.NumCPU.
package cpuinfo

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const onlinePath = "/sys/devices/system/cpu/online"

// Online returns the indices of all online CPUs, expanded from the kernel's
// range list (for example "0-3,5,7-8").
func Online() ([]int, error) {
	buf, err := os.ReadFile(onlinePath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", onlinePath, err)
	}
	return parseList(strings.TrimSpace(string(buf)))
}

func parseList(s string) ([]int, error) {
	var cpus []int
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		from, to, isRange := strings.Cut(part, "-")
		first, err := strconv.Atoi(from)
		if err != nil {
			return nil, fmt.Errorf("cpu list entry %q: %w", part, err)
		}
		last := first
		if isRange {
			last, err = strconv.Atoi(to)
			if err != nil {
				return nil, fmt.Errorf("cpu list entry %q: %w", part, err)
			}
		}
		if last < first {
			return nil, fmt.Errorf("cpu list entry %q: range ends before it starts", part)
		}
		for cpu := first; cpu <= last; cpu++ {
			cpus = append(cpus, cpu)
		}
	}
	if len(cpus) == 0 {
		return nil, errors.New("empty cpu list")
	}
	return cpus, nil
}
