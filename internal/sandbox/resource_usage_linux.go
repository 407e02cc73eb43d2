//go:build linux

package sandbox

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// clockTicksPerSec matches the kernel's USER_HZ on essentially every modern
// Linux distro; reading it from getconf at runtime is more ceremony than
// the 500ms poll loop warrants.
const clockTicksPerSec = 100

// readProcUsage samples /proc/<pid>/stat (utime/stime, fields 14/15) and
// /proc/<pid>/status (VmRSS) for a running child. Used by the poll loop;
// returns an error once the child has exited and /proc/<pid> disappears,
// which callers treat as "stop polling", not as a resource violation.
func readProcUsage(pid int) (usage, error) {
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return usage{}, err
	}
	// Field 2 (comm) may contain spaces inside parens; split past the
	// closing paren before tokenizing the rest by whitespace.
	closeParen := strings.LastIndexByte(string(stat), ')')
	if closeParen < 0 {
		return usage{}, fmt.Errorf("sandbox: malformed /proc/%d/stat", pid)
	}
	fields := strings.Fields(string(stat)[closeParen+2:])
	// fields[0] is field 3 (state); utime is field 14 -> fields[11], stime field 15 -> fields[12].
	if len(fields) < 13 {
		return usage{}, fmt.Errorf("sandbox: short /proc/%d/stat", pid)
	}
	utime, _ := strconv.ParseInt(fields[11], 10, 64)
	stime, _ := strconv.ParseInt(fields[12], 10, 64)

	var rssKB int64
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err == nil {
		defer f.Close()
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			line := sc.Text()
			if strings.HasPrefix(line, "VmRSS:") {
				parts := strings.Fields(line)
				if len(parts) >= 2 {
					rssKB, _ = strconv.ParseInt(parts[1], 10, 64)
				}
				break
			}
		}
	}

	return usage{
		UserCPUMs:   utime * 1000 / clockTicksPerSec,
		SystemCPUMs: stime * 1000 / clockTicksPerSec,
		MaxRSS:      rssKB * 1024,
	}, nil
}
