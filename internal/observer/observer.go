// Package observer keeps render metrics and flags renders that run longer
// than expected.
package observer

import (
	"sync"
	"time"

	"github.com/hochfrequenz/render-queue/internal/domain"
	"github.com/hochfrequenz/render-queue/internal/events"
)

// Observer collects completion metrics from the event bus
type Observer struct {
	stuckThreshold time.Duration

	completions []completion
	failures    int
	mu          sync.RWMutex
}

type completion struct {
	TaskID      string
	Duration    time.Duration
	Outputs     int
	CompletedAt time.Time
}

// Metrics holds aggregated metrics
type Metrics struct {
	TotalCompleted int           `json:"total_completed"`
	TotalFailed    int           `json:"total_failed"`
	TotalOutputs   int           `json:"total_outputs"`
	AvgDuration    time.Duration `json:"avg_duration"`
}

// New creates a new Observer
func New(stuckThreshold time.Duration) *Observer {
	return &Observer{
		stuckThreshold: stuckThreshold,
	}
}

// Subscribe records terminal task events from bus. The returned func
// unsubscribes.
func (o *Observer) Subscribe(bus *events.Bus) func() {
	return bus.Subscribe(func(e events.Event) {
		if e.Task == nil {
			return
		}
		switch e.Type {
		case events.TaskCompleted:
			d, _ := e.Task.Duration()
			o.RecordCompletion(e.Task.ID, d, len(e.Task.OutputFiles))
		case events.TaskFailed:
			o.RecordFailure(e.Task.ID)
		}
	}, events.TaskCompleted, events.TaskFailed)
}

// IsStuck returns true if a render has been running longer than the
// threshold
func (o *Observer) IsStuck(task *domain.RenderTask) bool {
	if task.Status != domain.StatusRunning {
		return false
	}
	if task.StartedAt == nil {
		return false
	}
	return time.Since(*task.StartedAt) > o.stuckThreshold
}

// StuckTasks filters tasks down to the stuck ones
func (o *Observer) StuckTasks(tasks []*domain.RenderTask) []*domain.RenderTask {
	var stuck []*domain.RenderTask
	for _, t := range tasks {
		if o.IsStuck(t) {
			stuck = append(stuck, t)
		}
	}
	return stuck
}

// RecordCompletion records a successful render
func (o *Observer) RecordCompletion(taskID string, duration time.Duration, outputs int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.completions = append(o.completions, completion{
		TaskID:      taskID,
		Duration:    duration,
		Outputs:     outputs,
		CompletedAt: time.Now(),
	})
}

// RecordFailure records a failed render
func (o *Observer) RecordFailure(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures++
}

// GetMetrics returns aggregated metrics
func (o *Observer) GetMetrics() Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	metrics := Metrics{TotalFailed: o.failures}
	var totalDuration time.Duration

	for _, c := range o.completions {
		metrics.TotalCompleted++
		metrics.TotalOutputs += c.Outputs
		totalDuration += c.Duration
	}

	if metrics.TotalCompleted > 0 {
		metrics.AvgDuration = totalDuration / time.Duration(metrics.TotalCompleted)
	}

	return metrics
}

// GetRecentCompletions returns ids of tasks completed within since
func (o *Observer) GetRecentCompletions(since time.Duration) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := time.Now().Add(-since)
	var result []string

	for _, c := range o.completions {
		if c.CompletedAt.After(cutoff) {
			result = append(result, c.TaskID)
		}
	}

	return result
}
