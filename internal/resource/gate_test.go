package resource

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type fakeSampler struct {
	sample Sample
	err    error
	cores  int
	memGiB float64
}

func (f fakeSampler) Sample() (Sample, error) { return f.sample, f.err }

func (f fakeSampler) Host() (int, float64, error) { return f.cores, f.memGiB, f.err }

func TestGate_ShouldAdmit(t *testing.T) {
	tests := []struct {
		name   string
		sample Sample
		want   bool
	}{
		{"idle host", Sample{CPUPercent: 50, MemoryPercent: 50, DiskPercent: 50}, true},
		{"cpu saturated", Sample{CPUPercent: 95, MemoryPercent: 50, DiskPercent: 50}, false},
		{"memory saturated", Sample{CPUPercent: 10, MemoryPercent: 86, DiskPercent: 50}, false},
		{"disk full", Sample{CPUPercent: 10, MemoryPercent: 10, DiskPercent: 96}, false},
		{"exactly at thresholds", Sample{CPUPercent: 90, MemoryPercent: 85, DiskPercent: 95}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := NewGate(fakeSampler{sample: tt.sample}, zap.NewNop())
			assert.Equal(t, tt.want, gate.ShouldAdmit())
		})
	}
}

func TestGate_SampleFailureReturnsZeros(t *testing.T) {
	gate := NewGate(fakeSampler{sample: Sample{CPUPercent: 99}, err: errors.New("no /proc")}, zap.NewNop())

	assert.Equal(t, Sample{}, gate.Sample())
	assert.True(t, gate.ShouldAdmit(), "zeros admit")
}

func TestOptimalWorkerCount(t *testing.T) {
	tests := []struct {
		cores  int
		memGiB float64
		want   int
	}{
		{8, 4, 6},
		{8, 12, 7},
		{8, 32, 8},
		{8, 8, 7},
		{8, 16, 8},
		{2, 4, 1},
		{1, 12, 1},
		{0, 64, 1},
	}
	for _, tt := range tests {
		if got := OptimalWorkerCount(tt.cores, tt.memGiB); got != tt.want {
			t.Errorf("OptimalWorkerCount(%d, %.0f) = %d, want %d", tt.cores, tt.memGiB, got, tt.want)
		}
	}
}

func TestGate_OptimalWorkerCount(t *testing.T) {
	gate := NewGate(fakeSampler{cores: 8, memGiB: 12}, zap.NewNop())
	assert.Equal(t, 7, gate.OptimalWorkerCount())

	broken := NewGate(fakeSampler{err: errors.New("unavailable")}, zap.NewNop())
	assert.Equal(t, 1, broken.OptimalWorkerCount())
}

func TestHostSampler_ReadsLocalMachine(t *testing.T) {
	s, err := HostSampler{}.Sample()
	if err != nil {
		t.Skipf("host sampling unavailable: %v", err)
	}
	assert.GreaterOrEqual(t, s.MemoryPercent, 0.0)
	assert.LessOrEqual(t, s.DiskPercent, 100.0)
}
