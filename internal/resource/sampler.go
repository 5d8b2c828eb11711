// Package resource samples host/container resource usage to feed the
// garbage collector's throttle decisions and the /health endpoint,
// grounded in the teacher's gopsutil + cgroup-file approach to
// container-aware limits (ws/cgroup.go).
package resource

import (
	"context"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is a point-in-time resource reading.
type Snapshot struct {
	CPUPercent    float64
	MemoryUsed    uint64
	MemoryLimit   uint64 // 0 means "no cgroup limit detected"
	MemoryPercent float64
}

type Sampler struct {
	cgroupLimit int64
}

func NewSampler() *Sampler {
	return &Sampler{cgroupLimit: memoryLimit()}
}

// Sample takes one resource reading. cpu.PercentWithContext(0) returns the
// percentage since the previous call, matching gopsutil's usual
// non-blocking usage.
func (s *Sampler) Sample(ctx context.Context) (Snapshot, error) {
	percentages, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Snapshot{}, err
	}
	var cpuPct float64
	if len(percentages) > 0 {
		cpuPct = percentages[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	limit := uint64(s.cgroupLimit)
	if limit == 0 {
		limit = vm.Total
	}
	var memPct float64
	if limit > 0 {
		memPct = float64(vm.Used) / float64(limit) * 100
	}

	return Snapshot{
		CPUPercent:    cpuPct,
		MemoryUsed:    vm.Used,
		MemoryLimit:   limit,
		MemoryPercent: memPct,
	}, nil
}

// Overloaded reports whether the host is under enough pressure that the
// garbage collector's sweep should back off (used to widen GC_THROTTLE
// dynamically under load).
func (s Snapshot) Overloaded() bool {
	return s.CPUPercent > 90 || s.MemoryPercent > 90
}
