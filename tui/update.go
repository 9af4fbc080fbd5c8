package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/render-queue/internal/domain"
	"github.com/hochfrequenz/render-queue/internal/events"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		m.refresh(time.Time(msg))
		return m, tickCmd(m.refreshEvery)

	case logMsg:
		m.appendLog(events.Event(msg))
		return m, waitForLog(m.logs)

	case actionMsg:
		if msg.err != nil {
			m.message = "Error: " + msg.err.Error()
		} else {
			m.message = msg.text
		}
		m.refresh(time.Now())

	case stoppedMsg:
		m.stopping = false
		m.message = "Queue stopped"
		m.refresh(time.Now())
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "r":
		m.refresh(time.Now())
	case "tab":
		m.activeTab = (m.activeTab + 1) % tabCount
	case "1":
		m.activeTab = tabDashboard
	case "2":
		m.activeTab = tabTasks
	case "3":
		m.activeTab = tabLogs
	case "j", "down":
		if m.selectedRow < len(m.tasks)-1 {
			m.selectedRow++
		}
	case "k", "up":
		if m.selectedRow > 0 {
			m.selectedRow--
		}
	case "s":
		if m.queue == nil || m.processing {
			return m, nil
		}
		m.queue.Start()
		m.message = "Queue started"
		m.refresh(time.Now())
	case "p":
		if m.queue == nil || !m.processing || m.stopping {
			return m, nil
		}
		m.stopping = true
		m.message = "Stopping after running renders finish..."
		return m, stopCmd(m.queue)
	case "c", "delete":
		t := m.selectedTask()
		if t == nil || m.queue == nil {
			return m, nil
		}
		if t.Status != domain.StatusPending {
			m.message = fmt.Sprintf("Only pending tasks can be cancelled (%s is %s)", t.Name, t.Status)
			return m, nil
		}
		return m, cancelCmd(m.queue, t)
	}
	return m, nil
}

// stopCmd runs Stop off the UI goroutine since it waits for renders
func stopCmd(q Queue) tea.Cmd {
	return func() tea.Msg {
		q.Stop()
		return stoppedMsg{}
	}
}

func cancelCmd(q Queue, t *domain.RenderTask) tea.Cmd {
	id, name := t.ID, t.Name
	return func() tea.Msg {
		if err := q.Cancel(id); err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{text: "Cancelled " + name}
	}
}
