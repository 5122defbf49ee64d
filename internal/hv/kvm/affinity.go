//go:build linux

package kvm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// BindThreadAffinity restricts the calling OS thread to cpus. The caller
// must have locked its goroutine to the thread.
func BindThreadAffinity(cpus []int) error {
	var set unix.CPUSet
	set.Zero()
	for _, cpu := range cpus {
		set.Set(cpu)
	}

	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("kvm: sched_setaffinity %v: %w", cpus, err)
	}
	return nil
}
