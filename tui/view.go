package tui

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/render-queue/internal/domain"
	"github.com/hochfrequenz/render-queue/internal/resource"
)

var (
	headerStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("236")).
		Foreground(lipgloss.Color("255")).
		Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	sectionTitleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("39"))

	tabActiveStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("244"))

	selectedStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("238"))

	runningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	completedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimmedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))

	statusBarStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("236")).
		Foreground(lipgloss.Color("255"))
)

var tabNames = [tabCount]string{"Dashboard", "Tasks", "Logs"}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(headerStyle.Width(m.width).Render(m.header()))
	b.WriteString("\n")
	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	section := func(s string) {
		b.WriteString(sectionStyle.Width(m.width - 2).Render(s))
		b.WriteString("\n")
	}
	switch m.activeTab {
	case tabDashboard:
		section(m.renderWorkers())
		section(m.renderResources())
		section(m.renderQueued())
	case tabTasks:
		section(m.renderTasks())
	case tabLogs:
		section(m.renderLogs(m.logRows()))
	}

	b.WriteString(statusBarStyle.Width(m.width).Render(m.statusBar()))
	return b.String()
}

func (m Model) header() string {
	state := "stopped"
	switch {
	case m.stopping:
		state = "stopping"
	case m.processing:
		state = "processing"
	}
	busy := 0
	for _, w := range m.workers {
		if w.Busy {
			busy++
		}
	}
	var completed, failed int
	for _, t := range m.tasks {
		switch t.Status {
		case domain.StatusCompleted:
			completed++
		case domain.StatusFailed:
			failed++
		}
	}
	return fmt.Sprintf("Render Queue │ %s (%s) │ Workers: %d/%d │ Queued: %d │ Done: %s │ Failed: %d",
		state, m.mode(), busy, len(m.workers), m.pending, humanize.Comma(int64(completed)), failed)
}

func (m Model) mode() string {
	if m.queue == nil {
		return "-"
	}
	return m.queue.Mode()
}

func (m Model) renderTabs() string {
	parts := make([]string, 0, tabCount)
	for i, name := range tabNames {
		label := fmt.Sprintf("%d %s", i+1, name)
		if i == m.activeTab {
			parts = append(parts, tabActiveStyle.Render(label))
		} else {
			parts = append(parts, tabInactiveStyle.Render(label))
		}
	}
	return " " + strings.Join(parts, "   ")
}

func (m Model) renderWorkers() string {
	var b strings.Builder
	b.WriteString(sectionTitleStyle.Render("WORKERS"))
	b.WriteString("\n")
	if len(m.workers) == 0 {
		b.WriteString(dimmedStyle.Render("  no workers"))
		return b.String()
	}
	for _, w := range m.workers {
		if !w.Busy || w.Task == nil {
			b.WriteString(dimmedStyle.Render(fmt.Sprintf("  #%d idle", w.ID)))
			b.WriteString("\n")
			continue
		}
		elapsed := ""
		if w.Task.StartedAt != nil {
			elapsed = formatDuration(m.lastRefresh.Sub(*w.Task.StartedAt))
		}
		line := fmt.Sprintf("  #%d ● %-28s %-8s %s", w.ID, truncate(w.Task.Name, 28), elapsed, frameRange(w.Task))
		b.WriteString(runningStyle.Render(line))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderResources() string {
	var b strings.Builder
	b.WriteString(sectionTitleStyle.Render("HOST"))
	b.WriteString("\n")
	if m.sampler == nil {
		b.WriteString(dimmedStyle.Render("  resource sampling unavailable"))
		return b.String()
	}
	b.WriteString(gauge("CPU", m.sample.CPUPercent, resource.MaxCPUPercent))
	b.WriteString("\n")
	b.WriteString(gauge("Memory", m.sample.MemoryPercent, resource.MaxMemoryPercent))
	b.WriteString("\n")
	b.WriteString(gauge("Disk", m.sample.DiskPercent, resource.MaxDiskPercent))
	return b.String()
}

// gauge draws a 20 cell bar that turns red at or above limit
func gauge(label string, pct, limit float64) string {
	const cells = 20
	filled := int(pct / 100 * cells)
	filled = min(max(filled, 0), cells)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", cells-filled)
	style := completedStyle
	if pct >= limit {
		style = failedStyle
	}
	return fmt.Sprintf("  %-7s %s %5.1f%%", label, style.Render(bar), pct)
}

func (m Model) renderQueued() string {
	var b strings.Builder
	b.WriteString(sectionTitleStyle.Render(fmt.Sprintf("QUEUED (%d)", m.pending)))
	b.WriteString("\n")
	shown := 0
	for _, t := range m.tasks {
		if t.Status != domain.StatusPending {
			continue
		}
		if shown == 8 {
			b.WriteString(dimmedStyle.Render(fmt.Sprintf("  ... and %d more", m.pending-shown)))
			break
		}
		b.WriteString(fmt.Sprintf("  ○ %-28s v%-6s %s\n", truncate(t.Name, 28), t.RendererVersion, dimmedStyle.Render(humanize.Time(t.CreatedAt))))
		shown++
	}
	if shown == 0 {
		b.WriteString(dimmedStyle.Render("  nothing queued"))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderTasks() string {
	var b strings.Builder
	b.WriteString(sectionTitleStyle.Render(fmt.Sprintf("TASKS (%d)", len(m.tasks))))
	b.WriteString("\n")
	if len(m.tasks) == 0 {
		b.WriteString(dimmedStyle.Render("  no tasks"))
		return b.String()
	}

	visible := max(m.height-8, 5)
	start := 0
	if m.selectedRow >= visible {
		start = m.selectedRow - visible + 1
	}
	end := min(start+visible, len(m.tasks))

	for i := start; i < end; i++ {
		line := m.formatTaskLine(m.tasks[i])
		if i == m.selectedRow {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	if t := m.selectedTask(); t != nil {
		b.WriteString("\n")
		b.WriteString(m.renderTaskDetail(t))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) formatTaskLine(t *domain.RenderTask) string {
	icon, style := statusIcon(t.Status)
	when := humanize.Time(t.CreatedAt)
	if t.CompletedAt != nil {
		when = humanize.Time(*t.CompletedAt)
	}
	return fmt.Sprintf("  %s %-28s %-10s %-10s %s",
		style.Render(icon), truncate(t.Name, 28), style.Render(string(t.Status)), frameRange(t), dimmedStyle.Render(when))
}

func (m Model) renderTaskDetail(t *domain.RenderTask) string {
	var b strings.Builder
	fmt.Fprintf(&b, "  Project:  %s\n", t.ProjectPath)
	if t.OutputFolder != "" {
		fmt.Fprintf(&b, "  Output:   %s\n", t.OutputFolder)
	}
	fmt.Fprintf(&b, "  Renderer: %s\n", t.RendererVersion)
	if d, ok := t.Duration(); ok {
		fmt.Fprintf(&b, "  Took:     %s\n", formatDuration(d))
	}
	if len(t.OutputFiles) > 0 {
		fmt.Fprintf(&b, "  Files:    %s in %s\n", humanize.Comma(int64(len(t.OutputFiles))), filepath.Dir(t.OutputFiles[0]))
	}
	if t.ErrorMessage != "" {
		b.WriteString(failedStyle.Render("  Error:    " + truncate(t.ErrorMessage, max(m.width-16, 20))))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) logRows() int {
	return max(m.height-8, 5)
}

func (m Model) renderLogs(rows int) string {
	var b strings.Builder
	b.WriteString(sectionTitleStyle.Render("RENDERER OUTPUT"))
	b.WriteString("\n")
	if len(m.logLines) == 0 {
		b.WriteString(dimmedStyle.Render("  waiting for output"))
		return b.String()
	}
	lines := m.logLines
	if len(lines) > rows {
		lines = lines[len(lines)-rows:]
	}
	for _, l := range lines {
		prefix := dimmedStyle.Render(fmt.Sprintf("%s #%d", l.at.Format("15:04:05"), l.worker))
		b.WriteString(fmt.Sprintf("  %s %s\n", prefix, truncate(l.text, max(m.width-22, 20))))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) statusBar() string {
	keys := " s start │ p stop │ c cancel │ tab switch │ r refresh │ q quit"
	if m.message != "" {
		return keys + " │ " + m.message
	}
	return keys
}

func statusIcon(s domain.TaskStatus) (string, lipgloss.Style) {
	switch s {
	case domain.StatusRunning:
		return "●", runningStyle
	case domain.StatusCompleted:
		return "✓", completedStyle
	case domain.StatusFailed:
		return "✗", failedStyle
	case domain.StatusCancelled:
		return "-", dimmedStyle
	}
	return "○", dimmedStyle
}

func frameRange(t *domain.RenderTask) string {
	switch {
	case t.StartFrame == nil:
		return "all frames"
	case t.EndFrame == nil || *t.EndFrame == *t.StartFrame:
		return fmt.Sprintf("frame %d", *t.StartFrame)
	}
	return fmt.Sprintf("%d-%d", *t.StartFrame, *t.EndFrame)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}
