// Package tui is the terminal dashboard for a running render queue
package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/render-queue/internal/domain"
	"github.com/hochfrequenz/render-queue/internal/events"
	"github.com/hochfrequenz/render-queue/internal/resource"
)

const (
	tabDashboard = iota
	tabTasks
	tabLogs
	tabCount
)

const maxLogLines = 200

// Queue is the part of the queue manager the dashboard reads and drives
type Queue interface {
	Tasks() []*domain.RenderTask
	Workers() []domain.WorkerStatus
	Processing() bool
	Mode() string
	PendingCount() int
	Start()
	Stop()
	Cancel(id string) error
}

// Sampler reports current host load
type Sampler interface {
	Sample() resource.Sample
}

// Model is the TUI application model
type Model struct {
	queue   Queue
	sampler Sampler
	logs    <-chan events.Event

	// Data
	tasks      []*domain.RenderTask
	workers    []domain.WorkerStatus
	sample     resource.Sample
	processing bool
	stopping   bool
	pending    int
	logLines   []logLine

	// UI state
	width       int
	height      int
	activeTab   int
	selectedRow int
	message     string

	refreshEvery time.Duration
	lastRefresh  time.Time
}

type logLine struct {
	at     time.Time
	taskID string
	worker int
	text   string
}

// ModelConfig holds the dependencies of the TUI model
type ModelConfig struct {
	Queue   Queue
	Sampler Sampler
	// Logs delivers renderer output events; usually a bus channel
	Logs         <-chan events.Event
	RefreshEvery time.Duration
}

// NewModel creates a new TUI model and takes an initial snapshot
func NewModel(cfg ModelConfig) Model {
	if cfg.RefreshEvery <= 0 {
		cfg.RefreshEvery = time.Second
	}
	m := Model{
		queue:        cfg.Queue,
		sampler:      cfg.Sampler,
		logs:         cfg.Logs,
		refreshEvery: cfg.RefreshEvery,
	}
	m.refresh(time.Now())
	return m
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(m.refreshEvery),
		waitForLog(m.logs),
	)
}

// TickMsg triggers a refresh
type TickMsg time.Time

// logMsg carries one renderer output event
type logMsg events.Event

// actionMsg reports the outcome of a queue command
type actionMsg struct {
	text string
	err  error
}

// stoppedMsg is sent once Stop has returned
type stoppedMsg struct{}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func waitForLog(ch <-chan events.Event) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return nil
		}
		return logMsg(e)
	}
}

// refresh pulls a fresh snapshot from the queue and sampler
func (m *Model) refresh(now time.Time) {
	if m.queue != nil {
		m.tasks = m.queue.Tasks()
		m.workers = m.queue.Workers()
		m.processing = m.queue.Processing()
		m.pending = m.queue.PendingCount()
	}
	if m.sampler != nil {
		m.sample = m.sampler.Sample()
	}
	if m.selectedRow >= len(m.tasks) {
		m.selectedRow = max(len(m.tasks)-1, 0)
	}
	m.lastRefresh = now
}

func (m *Model) appendLog(e events.Event) {
	m.logLines = append(m.logLines, logLine{at: e.Time, taskID: e.TaskID, worker: e.WorkerID, text: e.Line})
	if len(m.logLines) > maxLogLines {
		m.logLines = m.logLines[len(m.logLines)-maxLogLines:]
	}
}

func (m Model) selectedTask() *domain.RenderTask {
	if m.selectedRow < 0 || m.selectedRow >= len(m.tasks) {
		return nil
	}
	return m.tasks[m.selectedRow]
}
