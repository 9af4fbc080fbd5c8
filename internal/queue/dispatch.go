package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/render-queue/internal/domain"
	"github.com/hochfrequenz/render-queue/internal/events"
)

// serialLoop renders one task at a time in FIFO order
func (m *Manager) serialLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}

		task, ok := m.next()
		if !ok {
			if !sleep(stop, m.pollInterval) {
				return
			}
			continue
		}
		slot, _ := m.slots.acquire(task)
		m.process(task, slot)
	}
}

// poolLoop hands tasks to free worker slots while the host admits more work
func (m *Manager) poolLoop(stop <-chan struct{}, done chan<- struct{}, group *errgroup.Group) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}

		if !m.slots.free() {
			if !sleep(stop, m.retryInterval) {
				return
			}
			continue
		}
		if m.gate != nil && !m.gate.ShouldAdmit() {
			m.logger.Debug("admission denied by resource gate")
			if !sleep(stop, m.retryInterval) {
				return
			}
			continue
		}

		task, ok := m.next()
		if !ok {
			if !sleep(stop, m.pollInterval) {
				return
			}
			continue
		}
		slot, ok := m.slots.acquire(task)
		if !ok {
			// only this loop acquires slots, so this means a bookkeeping bug
			task.ErrorMessage = "no free worker slot"
			m.finish(task, -1, false)
			continue
		}
		group.Go(func() error {
			m.process(task, slot)
			return nil
		})
	}
}

// next pops the first dispatchable task and marks it running. Entries
// whose task is gone or no longer pending are discarded. A task whose
// output folder is in use by a running render waits, so each render's
// output files can be told apart.
func (m *Manager) next() (*domain.RenderTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		id, ok := m.pending.PopFirst(func(id string) bool {
			t, exists := m.byID[id]
			if !exists || t.Status != domain.StatusPending {
				return true
			}
			return !m.folderBusyLocked(t.OutputFolder)
		})
		if !ok {
			return nil, false
		}
		t, exists := m.byID[id]
		if !exists || t.Status != domain.StatusPending {
			continue
		}
		if err := t.MarkRunning(time.Now()); err != nil {
			m.logger.Error("starting task", zap.String("task_id", id), zap.Error(err))
			continue
		}
		m.persistLocked()
		return t.Clone(), true
	}
}

// folderBusyLocked reports whether a running task writes to folder, to a
// folder inside it or to one of its parents. Output watching is recursive,
// so any of these would mix the two renders' files.
func (m *Manager) folderBusyLocked(folder string) bool {
	if folder == "" {
		return false
	}
	for _, t := range m.tasks {
		if t.Status == domain.StatusRunning && t.OutputFolder != "" && nested(folder, t.OutputFolder) {
			return true
		}
	}
	return false
}

// nested reports whether a and b are the same folder or one contains the other
func nested(a, b string) bool {
	a, b = filepath.Clean(a), filepath.Clean(b)
	if a == b {
		return true
	}
	sep := string(filepath.Separator)
	return strings.HasPrefix(b, strings.TrimSuffix(a, sep)+sep) ||
		strings.HasPrefix(a, strings.TrimSuffix(b, sep)+sep)
}

// process renders task on a worker slot. task is a private copy; results
// are written back by finish. A panic fails the task and never stops the
// dispatcher.
func (m *Manager) process(task *domain.RenderTask, slot int) {
	finished := false
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("task panicked", zap.String("task_id", task.ID), zap.Any("panic", r))
			if !finished {
				task.ErrorMessage = fmt.Sprintf("internal error: %v", r)
				m.finish(task, slot, false)
			}
		}
	}()

	log := m.logger.With(zap.String("task_id", task.ID), zap.String("task", task.Name), zap.Int("worker", slot+1))
	log.Info("task started")
	m.bus.Publish(events.Event{Type: events.TaskStarted, Task: task.Clone(), WorkerID: slot + 1})

	if issues := m.runner.ValidateProject(task); len(issues) > 0 {
		task.ErrorMessage = strings.Join(issues, "; ")
		finished = true
		m.finish(task, slot, false)
		return
	}

	stopWatch := m.watchOutputs(task)
	ok := m.runner.Execute(context.Background(), task)
	if stopWatch != nil {
		task.OutputFiles = appendUnique(task.OutputFiles, stopWatch()...)
	}

	finished = true
	m.finish(task, slot, ok)
}

func (m *Manager) watchOutputs(task *domain.RenderTask) func() []string {
	if m.outputs == nil || task.OutputFolder == "" {
		return nil
	}
	stop, err := m.outputs.Watch(task.OutputFolder)
	if err != nil {
		m.logger.Warn("watching output folder",
			zap.String("task_id", task.ID), zap.String("folder", task.OutputFolder), zap.Error(err))
		return nil
	}
	return stop
}

// finish records the result of a render on the owned task, persists the
// list, frees the slot and announces the outcome.
func (m *Manager) finish(result *domain.RenderTask, slot int, ok bool) {
	now := time.Now()

	m.mu.Lock()
	t, exists := m.byID[result.ID]
	if !exists {
		t = result
	}
	var err error
	if ok {
		err = t.MarkCompleted(now)
	} else {
		msg := result.ErrorMessage
		if msg == "" {
			msg = "render failed"
		}
		err = t.MarkFailed(now, msg)
	}
	if err != nil {
		m.logger.Error("finishing task", zap.String("task_id", t.ID), zap.Error(err))
	}
	t.OutputFiles = appendUnique(t.OutputFiles, result.OutputFiles...)
	m.persistLocked()
	snap := t.Clone()
	m.mu.Unlock()

	m.slots.release(slot)

	log := m.logger.With(zap.String("task_id", snap.ID), zap.String("task", snap.Name))
	if snap.Status == domain.StatusCompleted {
		d, _ := snap.Duration()
		log.Info("task completed", zap.Duration("duration", d), zap.Int("outputs", len(snap.OutputFiles)))
		m.bus.Publish(events.Event{Type: events.TaskCompleted, Task: snap, WorkerID: slot + 1})
		return
	}
	log.Error("task failed", zap.String("error", snap.ErrorMessage))
	m.bus.Publish(events.Event{Type: events.TaskFailed, Task: snap, WorkerID: slot + 1})
}

// sleep waits for d and reports false if stop closed first
func sleep(stop <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-stop:
		return false
	case <-timer.C:
		return true
	}
}

func appendUnique(dst []string, src ...string) []string {
	seen := make(map[string]bool, len(dst))
	for _, s := range dst {
		seen[s] = true
	}
	for _, s := range src {
		if !seen[s] {
			seen[s] = true
			dst = append(dst, s)
		}
	}
	return dst
}
