// Package events carries task lifecycle and renderer output notifications
// from the dispatcher to any number of subscribers.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/render-queue/internal/domain"
)

// Type identifies an event kind
type Type string

const (
	TaskQueued     Type = "task.queued"
	TaskUpdated    Type = "task.updated"
	TaskStarted    Type = "task.started"
	TaskCompleted  Type = "task.completed"
	TaskFailed     Type = "task.failed"
	TaskCancelled  Type = "task.cancelled"
	RendererOutput Type = "renderer.output"
	WorkerChanged  Type = "worker.changed"
)

// Event is a single notification. Task is a snapshot and may be shared
// between subscribers; treat it as read-only.
type Event struct {
	Type     Type                 `json:"type"`
	Time     time.Time            `json:"time"`
	TaskID   string               `json:"task_id,omitempty"`
	Task     *domain.RenderTask   `json:"task,omitempty"`
	Worker   *domain.WorkerStatus `json:"worker,omitempty"`
	WorkerID int                  `json:"worker_id,omitempty"`
	Line     string               `json:"line,omitempty"`
}

// Handler receives events synchronously on the publisher's goroutine
type Handler func(Event)

type subscription struct {
	id      int
	types   map[Type]bool // nil = all types
	handler Handler
}

// Bus fans events out to registered subscribers
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID int
	logger *zap.Logger
}

// NewBus creates an empty bus
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger.Named("events")}
}

// Subscribe registers handler for the given types, or for every type when
// none are given. The returned func removes the subscription.
func (b *Bus) Subscribe(handler Handler, types ...Type) func() {
	var set map[Type]bool
	if len(types) > 0 {
		set = make(map[Type]bool, len(types))
		for _, t := range types {
			set[t] = true
		}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, types: set, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Channel subscribes a buffered channel. Events are dropped for this
// subscriber while its buffer is full so a slow reader never stalls the
// dispatcher. The returned func unsubscribes and closes the channel.
func (b *Bus) Channel(buffer int, types ...Type) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	var mu sync.Mutex
	closed := false

	unsub := b.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
		}
	}, types...)

	return ch, func() {
		unsub()
		mu.Lock()
		if !closed {
			closed = true
			close(ch)
		}
		mu.Unlock()
	}
}

// Publish delivers e to every matching subscriber. A panicking handler is
// logged and does not affect the others.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if e.TaskID == "" && e.Task != nil {
		e.TaskID = e.Task.ID
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.types != nil && !s.types[e.Type] {
			continue
		}
		b.deliver(s, e)
	}
}

func (b *Bus) deliver(s subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event_type", string(e.Type)),
				zap.Any("panic", r))
		}
	}()
	s.handler(e)
}

// Len returns the number of active subscriptions
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// IsTerminal reports whether t announces the end of a task
func (t Type) IsTerminal() bool {
	return t == TaskCompleted || t == TaskFailed || t == TaskCancelled
}
