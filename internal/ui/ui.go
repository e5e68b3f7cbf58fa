// Package ui provides the operator dashboard for the octovalve console.
//
// The dashboard is built with Bubble Tea and styled with Lip Gloss. It
// shows every configured target with its broker status, the selected
// target's approval queue and running commands, and the most recent result.
// Operator decisions flow through the console state's command channels to
// the per-target session loops.
//
// Keyboard interactions:
//
//	tab / shift+tab — Cycle between targets
//	j/k or ↑/↓      — Navigate the approval queue
//	a               — Approve the selected request
//	d               — Deny the selected request
//	c               — Cancel the selected (or a running) request
//	/               — Filter queue entries by id or intent
//	q / Ctrl+C      — Quit
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/octovalve/octovalve/internal/console"
	"github.com/octovalve/octovalve/internal/protocol"
)

// tickMsg drives the periodic re-render so uptime/queue ages stay fresh
// even when no events arrive.
type tickMsg time.Time

// eventMsg wraps a console state-change notification.
type eventMsg console.ConsoleEvent

var (
	titleStyle    = lipgloss.NewStyle().Bold(true)
	readyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	downStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	selectedStyle = lipgloss.NewStyle().Reverse(true)
	dimStyle      = lipgloss.NewStyle().Faint(true)
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

type dashboardModel struct {
	state *console.State

	targets   []string
	selTarget int
	selQueue  int

	filter     textinput.Model
	filterMode bool

	status  string
	refresh time.Duration
	width   int
	height  int
}

// Run starts the dashboard and blocks until the operator quits.
func Run(state *console.State, refreshSeconds int) error {
	if refreshSeconds <= 0 {
		refreshSeconds = 3
	}
	filter := textinput.New()
	filter.Placeholder = "filter by id or intent"
	filter.CharLimit = 64

	model := dashboardModel{
		state:   state,
		targets: state.TargetNames(),
		filter:  filter,
		status:  "tab: targets · a/d/c: approve/deny/cancel · /: filter · q: quit",
		refresh: time.Duration(refreshSeconds) * time.Second,
	}
	_, err := tea.NewProgram(model, tea.WithAltScreen()).Run()
	return err
}

func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(m.tickCmd(), m.waitEventCmd())
}

func (m dashboardModel) tickCmd() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m dashboardModel) waitEventCmd() tea.Cmd {
	events := m.state.Events()
	return func() tea.Msg {
		event, ok := <-events
		if !ok {
			return nil
		}
		return eventMsg(event)
	}
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case tickMsg:
		return m, m.tickCmd()
	case eventMsg:
		m.clampSelection()
		return m, m.waitEventCmd()
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m dashboardModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.filterMode {
		switch msg.String() {
		case "enter", "esc":
			m.filterMode = false
			m.filter.Blur()
			return m, nil
		default:
			var cmd tea.Cmd
			m.filter, cmd = m.filter.Update(msg)
			m.selQueue = 0
			return m, cmd
		}
	}

	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "tab", "right":
		m.selectTarget(1)
	case "shift+tab", "left":
		m.selectTarget(-1)
	case "j", "down":
		m.moveQueue(1)
	case "k", "up":
		m.moveQueue(-1)
	case "/":
		m.filterMode = true
		m.filter.Focus()
	case "esc":
		m.filter.SetValue("")
		m.selQueue = 0
	case "a":
		m.decide(console.CommandApprove, "approve")
	case "d":
		m.decide(console.CommandDeny, "deny")
	case "c":
		m.cancelSelected()
	}
	return m, nil
}

func (m *dashboardModel) selectTarget(delta int) {
	if len(m.targets) == 0 {
		return
	}
	m.selTarget = (m.selTarget + delta + len(m.targets)) % len(m.targets)
	m.selQueue = 0
}

func (m *dashboardModel) moveQueue(delta int) {
	queue := m.visibleQueue()
	if len(queue) == 0 {
		m.selQueue = 0
		return
	}
	m.selQueue = (m.selQueue + delta + len(queue)) % len(queue)
}

func (m *dashboardModel) clampSelection() {
	if queue := m.visibleQueue(); m.selQueue >= len(queue) {
		m.selQueue = 0
	}
}

func (m *dashboardModel) currentTarget() (console.TargetState, bool) {
	if len(m.targets) == 0 {
		return console.TargetState{}, false
	}
	return m.state.Target(m.targets[m.selTarget])
}

func (m *dashboardModel) visibleQueue() []protocol.RequestSnapshot {
	target, ok := m.currentTarget()
	if !ok {
		return nil
	}
	needle := strings.ToLower(strings.TrimSpace(m.filter.Value()))
	if needle == "" {
		return target.Queue
	}
	var out []protocol.RequestSnapshot
	for _, item := range target.Queue {
		if strings.Contains(strings.ToLower(item.ID), needle) ||
			strings.Contains(strings.ToLower(item.Intent), needle) {
			out = append(out, item)
		}
	}
	return out
}

func (m *dashboardModel) decide(kind console.ControlCommandKind, label string) {
	queue := m.visibleQueue()
	if len(queue) == 0 {
		m.status = "queue is empty"
		return
	}
	item := queue[min(m.selQueue, len(queue)-1)]
	if m.state.SendCommand(m.targets[m.selTarget], console.ControlCommand{Kind: kind, ID: item.ID}) {
		m.status = fmt.Sprintf("%s sent for %s", label, item.ID)
	} else {
		m.status = "target session not connected"
	}
}

// cancelSelected cancels the selected queue entry, or the first running
// command when the queue is empty.
func (m *dashboardModel) cancelSelected() {
	if queue := m.visibleQueue(); len(queue) > 0 {
		m.decide(console.CommandCancel, "cancel")
		return
	}
	target, ok := m.currentTarget()
	if !ok || len(target.Running) == 0 {
		m.status = "nothing to cancel"
		return
	}
	id := target.Running[0].ID
	if m.state.SendCommand(target.Spec.Name, console.ControlCommand{Kind: console.CommandCancel, ID: id}) {
		m.status = "cancel sent for " + id
	} else {
		m.status = "target session not connected"
	}
}

func (m dashboardModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("octovalve console"))
	b.WriteString("\n\n")
	b.WriteString(m.renderTargets())
	b.WriteString("\n")

	target, ok := m.currentTarget()
	if ok {
		b.WriteString(m.renderQueue(target))
		b.WriteString(m.renderRunning(target))
		b.WriteString(m.renderLastResult(target))
	}

	if m.filterMode || m.filter.Value() != "" {
		b.WriteString("\nfilter: " + m.filter.View() + "\n")
	}
	b.WriteString("\n" + dimStyle.Render(m.status) + "\n")
	return b.String()
}

func (m dashboardModel) renderTargets() string {
	var parts []string
	for i, info := range m.state.TargetInfos() {
		status := readyStyle.Render("ready")
		if info.Status == console.TargetDown {
			status = downStyle.Render("down")
		}
		label := fmt.Sprintf("%s [%s] q:%d", info.Name, status, info.PendingCount)
		if info.IsDefault {
			label += " *"
		}
		if i == m.selTarget {
			label = selectedStyle.Render(label)
		}
		parts = append(parts, label)
	}
	return strings.Join(parts, "  ") + "\n"
}

func (m dashboardModel) renderQueue(target console.TargetState) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("queue") + "\n")
	queue := m.visibleQueue()
	if len(queue) == 0 {
		b.WriteString(dimStyle.Render("  (empty)") + "\n")
	}
	for i, item := range queue {
		line := fmt.Sprintf("  %s  %s  %s", item.ID, item.Mode, summarize(item.Intent, 48))
		if i == m.selQueue {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line + "\n")
	}
	if target.LastError != "" {
		b.WriteString(errorStyle.Render("  last error: "+summarize(target.LastError, 72)) + "\n")
	}
	return b.String()
}

func (m dashboardModel) renderRunning(target console.TargetState) string {
	if len(target.Running) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("running") + "\n")
	for _, item := range target.Running {
		age := time.Since(time.UnixMilli(int64(item.StartedAtMS))).Round(time.Second)
		b.WriteString(fmt.Sprintf("  %s  %s  %s\n", item.ID, age, summarize(item.Intent, 48)))
	}
	return b.String()
}

func (m dashboardModel) renderLastResult(target console.TargetState) string {
	if target.LastResult == nil {
		return ""
	}
	result := target.LastResult
	var b strings.Builder
	b.WriteString(titleStyle.Render("last result") + "\n")
	summary := fmt.Sprintf("  %s  %s", result.ID, result.Status)
	if result.ExitCode != nil {
		summary += fmt.Sprintf("  exit=%d", *result.ExitCode)
	}
	if result.Error != "" {
		summary += "  " + errorStyle.Render(summarize(result.Error, 48))
	}
	b.WriteString(summary + "\n")
	if result.Stdout != "" {
		b.WriteString(dimStyle.Render(indent(summarize(result.Stdout, 400), "  ")) + "\n")
	}
	return b.String()
}

func summarize(text string, limit int) string {
	text = strings.TrimSpace(text)
	if len(text) > limit {
		return text[:limit] + "…"
	}
	return text
}

func indent(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
