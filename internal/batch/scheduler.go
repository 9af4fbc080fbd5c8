package batch

import (
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/hochfrequenz/render-queue/internal/events"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron parses a cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// Queue is the part of the queue manager a window drives
type Queue interface {
	Start()
	Stop()
	Processing() bool
	Idle() bool
}

// Scheduler starts the queue when a window opens and stops it when the
// window closes
type Scheduler struct {
	windows map[string]Window
	queue   Queue
	bus     *events.Bus
	logger  *zap.Logger
	cron    *cron.Cron

	idlePoll time.Duration

	mu       sync.RWMutex
	running  map[string]bool
	lastRun  map[string]time.Time
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewScheduler validates windows and creates a scheduler. It does nothing
// until Start is called.
func NewScheduler(windows []Window, queue Queue, bus *events.Bus, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		windows:  make(map[string]Window),
		queue:    queue,
		bus:      bus,
		logger:   logger.Named("batch"),
		cron:     cron.New(cron.WithParser(cronParser)),
		idlePoll: time.Second,
		running:  make(map[string]bool),
		lastRun:  make(map[string]time.Time),
		stopChan: make(chan struct{}),
	}

	for _, w := range windows {
		if err := w.Validate(); err != nil {
			return nil, err
		}
		s.windows[w.Name] = w
		window := w
		if _, err := s.cron.AddFunc(w.Cron, func() { s.RunWindow(window) }); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// NextRun returns the next start time of a window
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.windows[name]
	if !ok {
		return time.Time{}
	}
	sched, err := ParseCron(w.Cron)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(time.Now())
}

// LastRun returns when a window last closed
func (s *Scheduler) LastRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun[name]
}

// IsRunning reports whether a window is open
func (s *Scheduler) IsRunning(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running[name]
}

// ListWindows returns all window names, sorted
func (s *Scheduler) ListWindows() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.windows))
	for name := range s.windows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start begins firing windows on their schedules
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("batch scheduler started", zap.Strings("windows", s.ListWindows()))
}

// Stop stops the scheduler and closes any open window
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	<-s.cron.Stop().Done()
}

// RunWindow opens w and blocks until it closes. A window does not open
// while the queue is already processing, for example after a manual start.
func (s *Scheduler) RunWindow(w Window) {
	if !s.markRunning(w.Name) {
		return
	}
	defer s.markComplete(w.Name)

	log := s.logger.With(zap.String("window", w.Name))
	if s.queue.Processing() {
		log.Info("queue already processing, skipping window")
		return
	}

	limit := make(chan struct{})
	if w.MaxTasks > 0 && s.bus != nil {
		var mu sync.Mutex
		finished := 0
		unsub := s.bus.Subscribe(func(e events.Event) {
			mu.Lock()
			defer mu.Unlock()
			finished++
			if finished == w.MaxTasks {
				close(limit)
			}
		}, events.TaskCompleted, events.TaskFailed)
		defer unsub()
	}

	var idle <-chan time.Time
	if w.StopWhenIdle {
		ticker := time.NewTicker(s.idlePoll)
		defer ticker.Stop()
		idle = ticker.C
	}

	timer := time.NewTimer(w.Duration())
	defer timer.Stop()

	log.Info("processing window opened", zap.Duration("max_duration", w.Duration()), zap.Int("max_tasks", w.MaxTasks))
	s.queue.Start()

	reason := ""
	for reason == "" {
		select {
		case <-timer.C:
			reason = "max duration reached"
		case <-limit:
			reason = "max tasks reached"
		case <-idle:
			if s.queue.Idle() {
				reason = "queue drained"
			}
		case <-s.stopChan:
			reason = "scheduler stopped"
		}
	}

	s.queue.Stop()
	log.Info("processing window closed", zap.String("reason", reason))
}

func (s *Scheduler) markRunning(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[name] {
		return false
	}
	s.running[name] = true
	return true
}

func (s *Scheduler) markComplete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = false
	s.lastRun[name] = time.Now()
}
