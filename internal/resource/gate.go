// Package resource samples host CPU, memory and disk utilisation and decides
// whether another render may start.
package resource

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
)

// Admission thresholds in percent. A render is admitted only while every
// reading is at or below its threshold.
const (
	MaxCPUPercent    = 90.0
	MaxMemoryPercent = 85.0
	MaxDiskPercent   = 95.0
)

// Sample is a point-in-time utilisation reading
type Sample struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
}

// Sampler reads host utilisation and capacity
type Sampler interface {
	Sample() (Sample, error)
	// Host returns physical core count and total memory in GiB
	Host() (cores int, memGiB float64, err error)
}

// HostSampler reads the local machine through gopsutil
type HostSampler struct {
	DiskPath string // volume to check; defaults to the filesystem root
}

// Sample implements Sampler
func (h HostSampler) Sample() (Sample, error) {
	cpuPct, err := cpu.Percent(0, false)
	if err != nil {
		return Sample{}, fmt.Errorf("reading cpu: %w", err)
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return Sample{}, fmt.Errorf("reading memory: %w", err)
	}
	du, err := disk.Usage(h.diskPath())
	if err != nil {
		return Sample{}, fmt.Errorf("reading disk: %w", err)
	}

	s := Sample{MemoryPercent: vm.UsedPercent, DiskPercent: du.UsedPercent}
	if len(cpuPct) > 0 {
		s.CPUPercent = cpuPct[0]
	}
	return s, nil
}

// Host implements Sampler
func (h HostSampler) Host() (int, float64, error) {
	cores, err := cpu.Counts(false)
	if err != nil {
		return 0, 0, fmt.Errorf("counting cores: %w", err)
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, fmt.Errorf("reading memory: %w", err)
	}
	return cores, float64(vm.Total) / (1 << 30), nil
}

func (h HostSampler) diskPath() string {
	if h.DiskPath != "" {
		return h.DiskPath
	}
	wd, err := os.Getwd()
	if err != nil {
		return string(filepath.Separator)
	}
	return filepath.VolumeName(wd) + string(filepath.Separator)
}

// Gate is a fixed threshold admission check. It has no smoothing or
// hysteresis; every call takes a fresh sample.
type Gate struct {
	sampler Sampler
	logger  *zap.Logger
}

// NewGate creates a gate over sampler
func NewGate(sampler Sampler, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{sampler: sampler, logger: logger.Named("resource")}
}

// Sample returns the current reading, or zeros if the host could not be read
func (g *Gate) Sample() Sample {
	s, err := g.sampler.Sample()
	if err != nil {
		g.logger.Error("reading system resources failed", zap.Error(err))
		return Sample{}
	}
	return s
}

// ShouldAdmit reports whether a new render may start now
func (g *Gate) ShouldAdmit() bool {
	return Admits(g.Sample())
}

// Admits applies the thresholds to a sample
func Admits(s Sample) bool {
	return s.CPUPercent <= MaxCPUPercent &&
		s.MemoryPercent <= MaxMemoryPercent &&
		s.DiskPercent <= MaxDiskPercent
}

// OptimalWorkerCount returns the default worker count for this host, or 1
// when the host cannot be read.
func (g *Gate) OptimalWorkerCount() int {
	cores, memGiB, err := g.sampler.Host()
	if err != nil {
		g.logger.Error("reading host capacity failed", zap.Error(err))
		return 1
	}
	return OptimalWorkerCount(cores, memGiB)
}

// OptimalWorkerCount leaves cores free for the OS on low-memory machines:
// under 8 GiB two, under 16 GiB one, otherwise none.
func OptimalWorkerCount(cores int, memGiB float64) int {
	var n int
	switch {
	case memGiB < 8:
		n = cores - 2
	case memGiB < 16:
		n = cores - 1
	default:
		n = cores
	}
	return max(1, n)
}
