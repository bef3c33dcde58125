//go:build linux

package sandbox

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// applyLimits sets RLIMIT_CPU and RLIMIT_AS on a started child.
// Limits are inherited by anything the child forks afterwards.
func applyLimits(pid int, limits ResourceLimits) error {
	if limits.MaxCPUSeconds > 0 {
		lim := &unix.Rlimit{Cur: uint64(limits.MaxCPUSeconds), Max: uint64(limits.MaxCPUSeconds)}
		if err := unix.Prlimit(pid, unix.RLIMIT_CPU, lim, nil); err != nil {
			return fmt.Errorf("setting RLIMIT_CPU: %w", err)
		}
	}
	if limits.MaxMemoryMB > 0 {
		bytes := uint64(limits.MaxMemoryMB) << 20
		lim := &unix.Rlimit{Cur: bytes, Max: bytes}
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, lim, nil); err != nil {
			return fmt.Errorf("setting RLIMIT_AS: %w", err)
		}
	}
	return nil
}
