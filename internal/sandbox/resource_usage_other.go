//go:build !linux

package sandbox

import "fmt"

// readProcUsage has no portable equivalent outside Linux's /proc; on other
// platforms resource polling is a no-op and enforcement relies solely on
// the OS-level limits applied at spawn time (prlimit is POSIX-only too, so
// non-Linux/non-POSIX hosts are development-only for this supervisor).
func readProcUsage(pid int) (usage, error) {
	return usage{}, fmt.Errorf("sandbox: resource usage polling unsupported on this platform")
}
