package queue

import (
	"sync"

	"github.com/hochfrequenz/render-queue/internal/domain"
)

// slots is a fixed set of worker slots. Each slot is free or holds a
// snapshot of the task it runs.
type slots struct {
	mu        sync.Mutex
	tasks     []*domain.RenderTask // nil = free
	onChanged func(domain.WorkerStatus)
}

func newSlots(n int) *slots {
	if n < 1 {
		n = 1
	}
	return &slots{tasks: make([]*domain.RenderTask, n)}
}

// setOnChanged sets a callback invoked after a slot is taken or released
func (s *slots) setOnChanged(callback func(domain.WorkerStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChanged = callback
}

// acquire claims the lowest free slot for task. ok is false when every
// slot is busy.
func (s *slots) acquire(task *domain.RenderTask) (id int, ok bool) {
	s.mu.Lock()
	id = -1
	for i, t := range s.tasks {
		if t == nil {
			id = i
			break
		}
	}
	if id < 0 {
		s.mu.Unlock()
		return 0, false
	}
	s.tasks[id] = task.Clone()
	status := s.statusLocked(id)
	callback := s.onChanged
	s.mu.Unlock()

	// Notify outside of lock to avoid deadlock
	if callback != nil {
		callback(status)
	}
	return id, true
}

// release frees slot id
func (s *slots) release(id int) {
	s.mu.Lock()
	if id < 0 || id >= len(s.tasks) {
		s.mu.Unlock()
		return
	}
	s.tasks[id] = nil
	status := s.statusLocked(id)
	callback := s.onChanged
	s.mu.Unlock()

	if callback != nil {
		callback(status)
	}
}

// free reports whether at least one slot is free
func (s *slots) free() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t == nil {
			return true
		}
	}
	return false
}

func (s *slots) busy() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t != nil {
			n++
		}
	}
	return n
}

func (s *slots) size() int {
	return len(s.tasks)
}

func (s *slots) snapshot() []domain.WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.WorkerStatus, len(s.tasks))
	for i := range s.tasks {
		out[i] = s.statusLocked(i)
	}
	return out
}

// statusLocked numbers workers from 1 for display
func (s *slots) statusLocked(i int) domain.WorkerStatus {
	t := s.tasks[i]
	return domain.WorkerStatus{ID: i + 1, Busy: t != nil, Task: t.Clone()}
}
