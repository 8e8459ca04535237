package telemetry

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ResourceSample captures a point-in-time reading of this process's resource
// usage. No health score is computed from it.
type ResourceSample struct {
	CPUPercent    float64
	MemoryPercent float32
	RSSBytes      uint64
	NumGoroutine  int
	SampledAt     time.Time
}

// ResourceSampler samples the current process's resource usage on demand.
// Sampling is pull-based rather than a background ticker so callers control
// how often the (non-trivial) CPU percent calculation runs.
type ResourceSampler struct {
	proc *process.Process
}

// NewResourceSampler builds a sampler bound to the current OS process.
func NewResourceSampler() (*ResourceSampler, error) {
	proc, err := process.NewProcess(int32(pid()))
	if err != nil {
		return nil, err
	}
	return &ResourceSampler{proc: proc}, nil
}

// Sample returns the current resource usage. CPUPercent is measured over a
// short internal interval and therefore blocks for roughly that long.
func (s *ResourceSampler) Sample() (ResourceSample, error) {
	cpuPercent, err := s.proc.Percent(100 * time.Millisecond)
	if err != nil {
		return ResourceSample{}, err
	}

	memInfo, err := s.proc.MemoryInfo()
	if err != nil {
		return ResourceSample{}, err
	}

	memPercent, err := s.proc.MemoryPercent()
	if err != nil {
		return ResourceSample{}, err
	}

	return ResourceSample{
		CPUPercent:    cpuPercent,
		MemoryPercent: memPercent,
		RSSBytes:      memInfo.RSS,
		NumGoroutine:  numGoroutine(),
		SampledAt:     time.Now(),
	}, nil
}

// HostLoad reports system-wide CPU and memory pressure. The backpressure
// manager does not read it; its decisions use queue depth only.
func HostLoad() (cpuPercent float64, memPercent float64, err error) {
	percents, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		return 0, 0, err
	}
	if len(percents) > 0 {
		cpuPercent = percents[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return cpuPercent, 0, err
	}
	return cpuPercent, vm.UsedPercent, nil
}
