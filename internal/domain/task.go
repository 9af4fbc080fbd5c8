package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidTransition is returned when a status change is not allowed
// from the task's current status.
var ErrInvalidTransition = errors.New("invalid status transition")

// RenderTask is one requested render job with its parameters and lifecycle status
type RenderTask struct {
	ID              string        `json:"id" yaml:"id,omitempty" validate:"required"`
	Name            string        `json:"name" yaml:"name" validate:"required"`
	ProjectPath     string        `json:"project_path" yaml:"project" validate:"required"`
	OutputFolder    string        `json:"output_folder" yaml:"output,omitempty"`
	RendererVersion string        `json:"renderer_version" yaml:"version" validate:"required"`
	StartFrame      *int          `json:"start_frame" yaml:"start_frame,omitempty" validate:"omitempty,gte=0"`
	EndFrame        *int          `json:"end_frame" yaml:"end_frame,omitempty" validate:"omitempty,gte=0"`
	Options         RenderOptions `json:"options" yaml:"options,omitempty"`
	QueuePriority   int           `json:"queue_priority" yaml:"queue_priority,omitempty"`
	Status          TaskStatus    `json:"status" yaml:"-" validate:"required"`
	CreatedAt       time.Time     `json:"created_at" yaml:"-"`
	StartedAt       *time.Time    `json:"started_at" yaml:"-"`
	CompletedAt     *time.Time    `json:"completed_at" yaml:"-"`
	ErrorMessage    string        `json:"error_message" yaml:"-"`
	OutputFiles     []string      `json:"output_files" yaml:"-"`
}

// NewTask creates a pending task with a fresh id
func NewTask(name, projectPath, outputFolder, version string) *RenderTask {
	return &RenderTask{
		ID:              uuid.NewString(),
		Name:            name,
		ProjectPath:     projectPath,
		OutputFolder:    outputFolder,
		RendererVersion: version,
		Status:          StatusPending,
		CreatedAt:       time.Now(),
	}
}

// SetFrames sets an inclusive frame range. A single frame has start == end.
func (t *RenderTask) SetFrames(start, end int) {
	t.StartFrame = &start
	t.EndFrame = &end
}

// Duration returns the wall time between start and completion. ok is false
// unless both timestamps are present.
func (t *RenderTask) Duration() (d time.Duration, ok bool) {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0, false
	}
	return t.CompletedAt.Sub(*t.StartedAt), true
}

// MarkRunning moves a pending task to running and stamps the start time
func (t *RenderTask) MarkRunning(now time.Time) error {
	if t.Status != StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusRunning)
	}
	t.Status = StatusRunning
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
	return nil
}

// MarkCompleted finishes a running task successfully
func (t *RenderTask) MarkCompleted(now time.Time) error {
	if t.Status != StatusRunning {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusCompleted)
	}
	t.Status = StatusCompleted
	t.CompletedAt = &now
	return nil
}

// MarkFailed finishes a pending or running task with an error message.
// A pending task fails when it is rejected before the renderer starts.
func (t *RenderTask) MarkFailed(now time.Time, msg string) error {
	if t.Status != StatusRunning && t.Status != StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusFailed)
	}
	t.Status = StatusFailed
	t.CompletedAt = &now
	if msg != "" {
		t.ErrorMessage = msg
	}
	return nil
}

// MarkCancelled cancels a task that has not been dispatched yet
func (t *RenderTask) MarkCancelled(now time.Time) error {
	if t.Status != StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusCancelled)
	}
	t.Status = StatusCancelled
	t.CompletedAt = &now
	return nil
}

// Clone returns a deep copy safe to hand to another goroutine
func (t *RenderTask) Clone() *RenderTask {
	if t == nil {
		return nil
	}
	c := *t
	c.StartFrame = cloneInt(t.StartFrame)
	c.EndFrame = cloneInt(t.EndFrame)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	if t.OutputFiles != nil {
		c.OutputFiles = append([]string(nil), t.OutputFiles...)
	}
	return &c
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// WorkerStatus describes one execution slot for display
type WorkerStatus struct {
	ID   int         `json:"id"`
	Busy bool        `json:"busy"`
	Task *RenderTask `json:"task,omitempty"`
}
