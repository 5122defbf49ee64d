package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ParseCPUList parses a Linux style cpu list ("0-3,6") into sorted,
// deduplicated cpu numbers. An empty list yields nil.
func ParseCPUList(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	seen := make(map[int]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")

		first, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil || first < 0 {
			return nil, fmt.Errorf("invalid cpu %q", part)
		}
		last := first
		if isRange {
			last, err = strconv.Atoi(strings.TrimSpace(hi))
			if err != nil || last < first {
				return nil, fmt.Errorf("invalid cpu range %q", part)
			}
		}
		if last >= maxHostCPUs {
			return nil, fmt.Errorf("cpu %d out of range", last)
		}

		for cpu := first; cpu <= last; cpu++ {
			seen[cpu] = true
		}
	}

	cpus := make([]int, 0, len(seen))
	for cpu := range seen {
		cpus = append(cpus, cpu)
	}
	sort.Ints(cpus)
	return cpus, nil
}

// maxHostCPUs matches the size of the kernel's cpu_set_t.
const maxHostCPUs = 1024
