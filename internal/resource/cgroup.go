package resource

import (
	"os"
	"strconv"
	"strings"
)

// memoryLimit reads the container memory limit from the cgroup filesystem,
// preferring cgroup v2 and falling back to v1, adapted from the teacher's
// cgroup.go. Returns 0 when neither file is readable (bare metal, VMs) or
// cgroup v2 reports "max"; an unconstrained cgroup v1 reports its own very
// large value, which is returned as is.
func memoryLimit() int64 {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		if limitStr != "max" {
			if v, err := strconv.ParseInt(limitStr, 10, 64); err == nil {
				return v
			}
		}
	}
	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		if v, err := strconv.ParseInt(limitStr, 10, 64); err == nil {
			return v
		}
	}
	return 0
}
