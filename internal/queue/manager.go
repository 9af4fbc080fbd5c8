// Package queue owns the render task list and dispatches pending tasks to
// the renderer, one at a time or across a pool of worker slots.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/render-queue/internal/config"
	"github.com/hochfrequenz/render-queue/internal/domain"
	"github.com/hochfrequenz/render-queue/internal/events"
)

// InterruptedMessage is set on tasks that were running when the previous
// process exited.
const InterruptedMessage = "interrupted: render-queue exited while the task was running"

const (
	defaultPollInterval  = 100 * time.Millisecond
	defaultRetryInterval = 500 * time.Millisecond
)

// Runner validates and executes a single task
type Runner interface {
	ValidateProject(task *domain.RenderTask) []string
	Execute(ctx context.Context, task *domain.RenderTask) bool
}

// Store persists the task list
type Store interface {
	SaveAll(tasks []*domain.RenderTask) error
	Delete(task *domain.RenderTask) error
	LoadAll() ([]*domain.RenderTask, error)
}

// Admitter decides whether the host can take another render
type Admitter interface {
	ShouldAdmit() bool
}

// OutputWatcher collects files created in a folder until stop is called
type OutputWatcher interface {
	Watch(dir string) (stop func() []string, err error)
}

// Options configures a Manager
type Options struct {
	// Mode is config.ModeSerial (default) or config.ModePool
	Mode string
	// Workers is the pool size; serial mode always uses one worker
	Workers int
	// PollInterval is the idle wait when nothing is pending
	PollInterval time.Duration
	// RetryInterval is the wait when no worker is free or admission is denied
	RetryInterval time.Duration
	Gate          Admitter
	Outputs       OutputWatcher
}

// Manager holds all tasks and the pending queue behind one mutex. Callers
// only ever receive copies.
type Manager struct {
	runner  Runner
	store   Store
	gate    Admitter
	outputs OutputWatcher
	bus     *events.Bus
	logger  *zap.Logger

	mode          string
	pollInterval  time.Duration
	retryInterval time.Duration
	slots         *slots

	mu         sync.Mutex
	tasks      []*domain.RenderTask
	byID       map[string]*domain.RenderTask
	pending    pending
	processing bool
	stopCh     chan struct{}
	loopDone   chan struct{}
	inflight   *errgroup.Group
}

// NewManager creates an idle manager with an empty task list. bus may be
// nil.
func NewManager(runner Runner, store Store, bus *events.Bus, logger *zap.Logger, opts Options) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bus == nil {
		bus = events.NewBus(logger)
	}
	if opts.Mode == "" {
		opts.Mode = config.ModeSerial
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}

	m := &Manager{
		runner:        runner,
		store:         store,
		gate:          opts.Gate,
		outputs:       opts.Outputs,
		bus:           bus,
		logger:        logger.Named("queue"),
		mode:          opts.Mode,
		pollInterval:  opts.PollInterval,
		retryInterval: opts.RetryInterval,
		byID:          make(map[string]*domain.RenderTask),
	}
	if m.mode == config.ModePool {
		m.pending = newPriorityQueue()
		m.slots = newSlots(opts.Workers)
	} else {
		m.pending = &fifo{}
		m.slots = newSlots(1)
	}
	m.slots.setOnChanged(func(ws domain.WorkerStatus) {
		m.bus.Publish(events.Event{Type: events.WorkerChanged, Worker: &ws, WorkerID: ws.ID, Task: ws.Task})
	})
	return m
}

// Bus returns the event bus the manager publishes to
func (m *Manager) Bus() *events.Bus {
	return m.bus
}

// Mode returns the dispatch mode
func (m *Manager) Mode() string {
	return m.mode
}

// Load replaces the task list with the persisted tasks. Pending tasks are
// queued in creation order; tasks left running by a previous process are
// marked failed. Only the process that owns the task directory may call it.
func (m *Manager) Load() error {
	return m.load(true)
}

// LoadSnapshot replaces the task list with the persisted tasks as they are
// on disk. Nothing is written, so it is safe while another process renders.
func (m *Manager) LoadSnapshot() error {
	return m.load(false)
}

func (m *Manager) load(owner bool) error {
	loaded, err := m.store.LoadAll()
	if err != nil {
		return fmt.Errorf("loading tasks: %w", err)
	}

	now := time.Now()
	m.mu.Lock()
	m.tasks = m.tasks[:0]
	m.byID = make(map[string]*domain.RenderTask, len(loaded))
	for m.pending.Len() > 0 {
		m.pending.Pop()
	}
	interrupted := 0
	for _, t := range loaded {
		if _, dup := m.byID[t.ID]; dup {
			m.logger.Warn("duplicate task id in store", zap.String("task_id", t.ID))
			continue
		}
		if owner && t.Status == domain.StatusRunning {
			_ = t.MarkFailed(now, InterruptedMessage)
			interrupted++
		}
		m.tasks = append(m.tasks, t)
		m.byID[t.ID] = t
		if t.Status == domain.StatusPending {
			m.pending.Push(t.ID, t.QueuePriority)
		}
	}
	if interrupted > 0 {
		m.persistLocked()
	}
	pendingCount := m.pending.Len()
	m.mu.Unlock()

	m.logger.Info("tasks loaded",
		zap.Int("total", len(loaded)),
		zap.Int("pending", pendingCount),
		zap.Int("interrupted", interrupted))
	return nil
}

// Enqueue validates task, appends it to the list and queues it
func (m *Manager) Enqueue(task *domain.RenderTask) error {
	if task.Status == "" {
		task.Status = domain.StatusPending
	}
	if task.Status != domain.StatusPending {
		return fmt.Errorf("enqueue %s: %w", task.ID, ErrNotPending)
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	if err := task.Validate(); err != nil {
		return err
	}

	t := task.Clone()
	m.mu.Lock()
	if _, exists := m.byID[t.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("task %s already queued", t.ID)
	}
	m.tasks = append(m.tasks, t)
	m.byID[t.ID] = t
	m.pending.Push(t.ID, t.QueuePriority)
	m.persistLocked()
	snap := t.Clone()
	m.mu.Unlock()

	m.logger.Info("task added",
		zap.String("task_id", snap.ID),
		zap.String("task", snap.Name),
		zap.String("project", snap.ProjectPath))
	m.bus.Publish(events.Event{Type: events.TaskQueued, Task: snap})
	return nil
}

// Cancel removes a pending task from the queue and the list and deletes
// its file. Running tasks cannot be cancelled.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	t, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", id, ErrTaskNotFound)
	}
	switch t.Status {
	case domain.StatusPending:
	case domain.StatusRunning:
		m.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", id, ErrCancelUnsupported)
	default:
		m.mu.Unlock()
		return fmt.Errorf("cancel %s (%s): %w", id, t.Status, ErrNotPending)
	}

	if err := t.MarkCancelled(time.Now()); err != nil {
		m.mu.Unlock()
		return err
	}
	m.pending.Remove(id)
	m.removeLocked(id)
	if err := m.store.Delete(t); err != nil {
		m.logger.Error("deleting task file", zap.String("task_id", id), zap.Error(err))
	}
	snap := t.Clone()
	m.mu.Unlock()

	m.logger.Info("task cancelled", zap.String("task_id", id), zap.String("task", snap.Name))
	m.bus.Publish(events.Event{Type: events.TaskCancelled, Task: snap})
	return nil
}

// Edit replaces a pending task wholesale. The id, creation time and
// pending status are kept.
func (m *Manager) Edit(id string, replacement *domain.RenderTask) error {
	r := replacement.Clone()
	r.ID = id
	r.Status = domain.StatusPending
	r.StartedAt = nil
	r.CompletedAt = nil
	r.ErrorMessage = ""
	r.OutputFiles = nil

	m.mu.Lock()
	t, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("edit %s: %w", id, ErrTaskNotFound)
	}
	if t.Status != domain.StatusPending {
		m.mu.Unlock()
		return fmt.Errorf("edit %s (%s): %w", id, t.Status, ErrNotPending)
	}
	r.CreatedAt = t.CreatedAt
	if err := r.Validate(); err != nil {
		m.mu.Unlock()
		return err
	}

	for i, existing := range m.tasks {
		if existing.ID == id {
			m.tasks[i] = r
			break
		}
	}
	m.byID[id] = r
	if r.QueuePriority != t.QueuePriority && m.pending.Remove(id) {
		m.pending.Push(id, r.QueuePriority)
	}
	m.persistLocked()
	snap := r.Clone()
	m.mu.Unlock()

	m.logger.Info("task edited", zap.String("task_id", id), zap.String("task", snap.Name))
	m.bus.Publish(events.Event{Type: events.TaskUpdated, Task: snap})
	return nil
}

// Start begins dispatching. It is a no-op while already processing.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.processing {
		m.mu.Unlock()
		return
	}
	m.processing = true
	for _, t := range m.tasks {
		if t.Status == domain.StatusPending && !m.pending.Contains(t.ID) {
			m.pending.Push(t.ID, t.QueuePriority)
		}
	}
	m.stopCh = make(chan struct{})
	m.loopDone = make(chan struct{})
	m.inflight = &errgroup.Group{}
	stop, done, group := m.stopCh, m.loopDone, m.inflight
	m.mu.Unlock()

	m.logger.Info("queue processing started", zap.String("mode", m.mode), zap.Int("workers", m.slots.size()))
	if m.mode == config.ModePool {
		go m.poolLoop(stop, done, group)
	} else {
		go m.serialLoop(stop, done)
	}
}

// Stop ends dispatching and waits for the loop and every render already in
// flight to finish. Running renders are never interrupted.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.processing {
		m.mu.Unlock()
		return
	}
	m.processing = false
	close(m.stopCh)
	done, group := m.loopDone, m.inflight
	m.mu.Unlock()

	<-done
	_ = group.Wait()
	m.logger.Info("queue processing stopped")
}

// Processing reports whether the dispatch loop is running
func (m *Manager) Processing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processing
}

// Tasks returns copies of all tasks in list order
func (m *Manager) Tasks() []*domain.RenderTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.RenderTask, len(m.tasks))
	for i, t := range m.tasks {
		out[i] = t.Clone()
	}
	return out
}

// Task returns a copy of one task
func (m *Manager) Task(id string) (*domain.RenderTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	return t.Clone(), nil
}

// Workers returns the status of every worker slot
func (m *Manager) Workers() []domain.WorkerStatus {
	return m.slots.snapshot()
}

// PendingCount returns the number of queued tasks
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending.Len()
}

// Busy returns the number of tasks being rendered
func (m *Manager) Busy() int {
	return m.slots.busy()
}

// Idle reports whether no task is pending or running and every worker
// slot is free
func (m *Manager) Idle() bool {
	m.mu.Lock()
	for _, t := range m.tasks {
		if t.Status == domain.StatusPending || t.Status == domain.StatusRunning {
			m.mu.Unlock()
			return false
		}
	}
	m.mu.Unlock()
	return m.slots.busy() == 0
}

// WaitIdle blocks until Idle reports true or ctx is done
func (m *Manager) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		if m.Idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) removeLocked(id string) {
	delete(m.byID, id)
	for i, t := range m.tasks {
		if t.ID == id {
			m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
			return
		}
	}
}

// persistLocked writes the whole list. Failures are logged; the in-memory
// state stays authoritative.
func (m *Manager) persistLocked() {
	if err := m.store.SaveAll(m.tasks); err != nil {
		m.logger.Error("persisting tasks", zap.Error(err))
	}
}
