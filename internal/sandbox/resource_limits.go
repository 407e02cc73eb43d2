package sandbox

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

const cgroupPeriodUs = 100000

// cgroupScope is one Linux cgroup v2 execution scope, created per call when
// cgroupRoot is configured, destroyed on exit. Grounded on the spec's exact
// file-write recipe — no cgroup library exists anywhere in the pack, so
// this is plain os.WriteFile under /sys/fs/cgroup, the same thing every Go
// cgroup wrapper does internally.
type cgroupScope struct {
	path string
}

func newCgroupScope(cgroupRoot string, limits ResourceLimits) (*cgroupScope, error) {
	if cgroupRoot == "" || limits.disabled() {
		return nil, nil
	}

	suffix, err := randomSuffix()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(cgroupRoot, "exec-"+suffix)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: create cgroup scope: %w", err)
	}

	if limits.MemoryBytes > 0 {
		if err := os.WriteFile(filepath.Join(path, "memory.max"), []byte(strconv.FormatInt(limits.MemoryBytes, 10)), 0o644); err != nil {
			return nil, fmt.Errorf("sandbox: write memory.max: %w", err)
		}
	}
	if limits.CPUQuotaMs > 0 {
		quotaUs := limits.CPUQuotaMs * 1000
		cpuMax := fmt.Sprintf("%d %d", quotaUs, cgroupPeriodUs)
		if err := os.WriteFile(filepath.Join(path, "cpu.max"), []byte(cpuMax), 0o644); err != nil {
			return nil, fmt.Errorf("sandbox: write cpu.max: %w", err)
		}
	}

	return &cgroupScope{path: path}, nil
}

func (c *cgroupScope) attach(pid int) error {
	if c == nil {
		return nil
	}
	return os.WriteFile(filepath.Join(c.path, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0o644)
}

func (c *cgroupScope) destroy() {
	if c == nil {
		return
	}
	os.Remove(c.path)
}

func randomSuffix() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// applyPrlimit is the POSIX fallback when no cgroupRoot is configured: it
// shells out to prlimit post-spawn on the already-running child pid, per
// the spec's literal recipe.
func applyPrlimit(pid int, limits ResourceLimits) error {
	if limits.disabled() {
		return nil
	}
	args := []string{fmt.Sprintf("--pid=%d", pid)}
	if limits.CPUQuotaMs > 0 {
		cpuSeconds := limits.CPUQuotaMs / 1000
		if cpuSeconds < 1 {
			cpuSeconds = 1
		}
		args = append(args, fmt.Sprintf("--cpu=%d", cpuSeconds))
	}
	if limits.MemoryBytes > 0 {
		args = append(args, fmt.Sprintf("--as=%d", limits.MemoryBytes))
	}
	if len(args) == 1 {
		return nil
	}
	return exec.Command("prlimit", args...).Run()
}

// usage is a point-in-time resource sample for a running child.
type usage struct {
	UserCPUMs   int64
	SystemCPUMs int64
	MaxRSS      int64 // bytes
}

func (u usage) exceeds(limits ResourceLimits) (exceeded bool, resource string) {
	if limits.CPUQuotaMs > 0 && u.UserCPUMs+u.SystemCPUMs > limits.CPUQuotaMs {
		return true, "cpu"
	}
	if limits.MemoryBytes > 0 && u.MaxRSS > limits.MemoryBytes {
		return true, "memory"
	}
	return false, ""
}
