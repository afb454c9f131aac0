//go:build linux

package exec

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// applyLimits sets resource limits on a running child via prlimit.
// The child is already executing; a failure here leaves it running
// unbounded, so the caller decides whether that is acceptable.
func applyLimits(pid int, limits *Limits) error {
	if limits == nil {
		return nil
	}
	if limits.MaxCPUTime > 0 {
		secs := uint64(limits.MaxCPUTime / time.Second)
		if secs == 0 {
			secs = 1
		}
		if err := setLimit(pid, unix.RLIMIT_CPU, secs); err != nil {
			return fmt.Errorf("cpu limit: %w", err)
		}
	}
	if limits.MaxMemory > 0 {
		if err := setLimit(pid, unix.RLIMIT_AS, uint64(limits.MaxMemory)); err != nil {
			return fmt.Errorf("memory limit: %w", err)
		}
	}
	if limits.MaxOpenFiles > 0 {
		if err := setLimit(pid, unix.RLIMIT_NOFILE, limits.MaxOpenFiles); err != nil {
			return fmt.Errorf("open files limit: %w", err)
		}
	}
	if limits.MaxProcesses > 0 {
		if err := setLimit(pid, unix.RLIMIT_NPROC, limits.MaxProcesses); err != nil {
			return fmt.Errorf("process limit: %w", err)
		}
	}
	return nil
}

func setLimit(pid int, resource int, value uint64) error {
	rlim := &unix.Rlimit{Cur: value, Max: value}
	return unix.Prlimit(pid, resource, rlim, nil)
}
