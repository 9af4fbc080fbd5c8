package history

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/render-queue/internal/domain"
	"github.com/hochfrequenz/render-queue/internal/events"
)

type opType int

const (
	opStart opType = iota
	opFinish
	opLog
)

// dbOp is one write executed by the writer goroutine
type dbOp struct {
	kind    opType
	task    *domain.RenderTask
	taskID  string
	at      time.Time
	message string
}

// Recorder writes bus events into the history store. All writes go
// through a single goroutine in publish order.
type Recorder struct {
	store  *Store
	logger *zap.Logger

	runsMu sync.Mutex
	runs   map[string]string // task id -> current run id

	mu     sync.Mutex // guards closed and sends on ops
	closed bool

	ops   chan dbOp
	done  chan struct{}
	unsub func()
}

// NewRecorder subscribes to bus and starts the writer goroutine
func NewRecorder(store *Store, bus *events.Bus, logger *zap.Logger) *Recorder {
	return newRecorder(store, bus, logger, 256)
}

func newRecorder(store *Store, bus *events.Bus, logger *zap.Logger, buffer int) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		store:  store,
		logger: logger.Named("history"),
		runs:   make(map[string]string),
		ops:    make(chan dbOp, buffer),
		done:   make(chan struct{}),
	}
	go r.dbWriter()
	r.unsub = bus.Subscribe(r.handle,
		events.TaskStarted, events.TaskCompleted, events.TaskFailed, events.RendererOutput)
	return r
}

func (r *Recorder) handle(e events.Event) {
	switch e.Type {
	case events.TaskStarted:
		if e.Task != nil {
			r.queue(dbOp{kind: opStart, task: e.Task.Clone()})
		}
	case events.TaskCompleted, events.TaskFailed:
		if e.Task != nil && e.Task.StartedAt != nil {
			r.queue(dbOp{kind: opFinish, task: e.Task.Clone()})
		}
	case events.RendererOutput:
		r.queue(dbOp{kind: opLog, taskID: e.TaskID, at: e.Time, message: e.Line})
	}
}

// queue hands op to the writer. A full buffer blocks the publisher until
// the writer catches up, so a run's start, output and result stay ordered.
func (r *Recorder) queue(op dbOp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.ops <- op
}

func (r *Recorder) dbWriter() {
	for op := range r.ops {
		r.apply(op)
	}
	close(r.done)
}

func (r *Recorder) apply(op dbOp) {
	switch op.kind {
	case opStart:
		id, err := r.store.StartRun(op.task)
		if err != nil {
			r.logger.Error("recording run start", zap.String("task_id", op.task.ID), zap.Error(err))
			return
		}
		r.setRun(op.task.ID, id)
	case opFinish:
		if err := r.store.FinishRun(op.task); err != nil {
			r.logger.Error("recording run result", zap.String("task_id", op.task.ID), zap.Error(err))
		}
	case opLog:
		runID := r.runFor(op.taskID)
		if runID == "" {
			return
		}
		if err := r.store.AppendLog(runID, op.at, op.message); err != nil {
			r.logger.Warn("recording output line", zap.String("run_id", runID), zap.Error(err))
		}
	}
}

func (r *Recorder) setRun(taskID, runID string) {
	r.runsMu.Lock()
	r.runs[taskID] = runID
	r.runsMu.Unlock()
}

func (r *Recorder) runFor(taskID string) string {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()
	return r.runs[taskID]
}

// Close unsubscribes from the bus and waits for pending writes
func (r *Recorder) Close() {
	r.unsub()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.ops)
	r.mu.Unlock()
	<-r.done
}
