// Package limits bounds the resources of a worker process at launch. A
// virtual-memory ceiling is applied directly to the process via prlimit;
// optional CPU and memory caps go through a per-job cgroup when a cgroup v2
// root is configured.
package limits

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Resources are the optional per-job cgroup caps. Zero values mean no cap.
type Resources struct {
	MemoryMaxBytes int64
	CPUMaxPercent  int64
}

// SetVirtualMemoryCeiling caps the address space of an already-started
// process. The worker may allocate in the window before the limit lands;
// that window is accepted, since the alternative is re-execing through a
// wrapper.
func SetVirtualMemoryCeiling(pid int, maxBytes int64) error {
	if maxBytes <= 0 {
		return fmt.Errorf("virtual memory ceiling must be positive, got %d", maxBytes)
	}

	rlim := &unix.Rlimit{
		Cur: uint64(maxBytes),
		Max: uint64(maxBytes),
	}

	if err := unix.Prlimit(pid, unix.RLIMIT_AS, rlim, nil); err != nil {
		return fmt.Errorf("set RLIMIT_AS for pid %d: %w", pid, err)
	}

	return nil
}
