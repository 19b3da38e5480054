// Package tui renders a live dashboard for an in-flight plan execution.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/internal/coordinator"
)

// maxEvents bounds the scrollback kept in memory.
const maxEvents = 200

type eventMsg coordinator.Event

type streamClosedMsg struct{}

type healthTickMsg time.Time

// Monitor is the bubbletea model for one execution.
type Monitor struct {
	planID   string
	events   <-chan coordinator.Event
	healthFn func() coordinator.Health
	resultFn func() *coordinator.PlanResult

	spinner spinner.Model
	log     []coordinator.Event
	health  coordinator.Health
	done    bool
	width   int

	headerStyle lipgloss.Style
	labelStyle  lipgloss.Style
	okStyle     lipgloss.Style
	warnStyle   lipgloss.Style
	failStyle   lipgloss.Style
	dimStyle    lipgloss.Style
}

// NewMonitor builds a monitor over an execution handle's event stream.
// healthFn and resultFn are polled; they must be safe to call from the
// TUI goroutine.
func NewMonitor(planID string, events <-chan coordinator.Event, healthFn func() coordinator.Health, resultFn func() *coordinator.PlanResult) Monitor {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return Monitor{
		planID:   planID,
		events:   events,
		healthFn: healthFn,
		resultFn: resultFn,
		spinner:  sp,
		width:    80,

		headerStyle: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		labelStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		okStyle:     lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		warnStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		failStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		dimStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

// Init implements tea.Model.
func (m Monitor) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForEvent(), healthTick())
}

func (m Monitor) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func healthTick() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return healthTickMsg(t)
	})
}

// Update implements tea.Model.
func (m Monitor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case eventMsg:
		m.log = append(m.log, coordinator.Event(msg))
		if len(m.log) > maxEvents {
			m.log = m.log[len(m.log)-maxEvents:]
		}
		return m, m.waitForEvent()

	case streamClosedMsg:
		m.done = true
		return m, nil

	case healthTickMsg:
		if m.healthFn != nil {
			m.health = m.healthFn()
		}
		if m.done {
			return m, nil
		}
		return m, healthTick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m Monitor) View() string {
	var sb strings.Builder

	status := m.spinner.View() + " running"
	if m.done {
		status = m.renderResult()
	}
	sb.WriteString(m.headerStyle.Render(fmt.Sprintf("plan %s", m.planID)) + "  " + status + "\n\n")

	sb.WriteString(m.renderHealth() + "\n\n")

	tail := m.log
	if len(tail) > 15 {
		tail = tail[len(tail)-15:]
	}
	for _, ev := range tail {
		sb.WriteString(m.renderEvent(ev) + "\n")
	}

	sb.WriteString("\n" + m.dimStyle.Render("q to quit") + "\n")
	return sb.String()
}

func (m Monitor) renderResult() string {
	res := m.resultFn()
	if res == nil {
		return m.warnStyle.Render("finished")
	}
	switch res.Status {
	case coordinator.PlanCompleted:
		return m.okStyle.Render("completed")
	case coordinator.PlanCancelled:
		return m.warnStyle.Render("cancelled")
	default:
		return m.failStyle.Render("failed: " + res.Detail)
	}
}

func (m Monitor) renderHealth() string {
	h := m.health
	style := m.okStyle
	switch h.Status {
	case "degraded":
		style = m.warnStyle
	case "unhealthy":
		style = m.failStyle
	}

	var breakers []string
	for name, state := range h.CircuitStates {
		breakers = append(breakers, fmt.Sprintf("%s=%s", name, state))
	}
	sort.Strings(breakers)

	line := fmt.Sprintf("%s  agents %d  plans %d  pending %d",
		style.Render(h.Status), h.ActiveAgents, h.ActivePlans, h.PendingTasks)
	if len(breakers) > 0 {
		line += "  " + m.dimStyle.Render(strings.Join(breakers, " "))
	}
	return m.labelStyle.Render("health: ") + line
}

func (m Monitor) renderEvent(ev coordinator.Event) string {
	ts := m.dimStyle.Render(ev.Timestamp.Format("15:04:05"))

	var kind string
	switch ev.Kind {
	case coordinator.EventTaskCompleted, coordinator.EventPlanCompleted:
		kind = m.okStyle.Render(string(ev.Kind))
	case coordinator.EventTaskFailed, coordinator.EventPlanFailed:
		kind = m.failStyle.Render(string(ev.Kind))
	case coordinator.EventTaskRequeued, coordinator.EventContingencyApplied, coordinator.EventPlanCancelled:
		kind = m.warnStyle.Render(string(ev.Kind))
	default:
		kind = m.labelStyle.Render(string(ev.Kind))
	}

	parts := []string{ts, kind}
	if ev.TaskID != "" {
		parts = append(parts, ev.TaskID)
	}
	if ev.AgentID != "" {
		parts = append(parts, "@"+ev.AgentID)
	}
	if ev.Detail != "" {
		parts = append(parts, m.dimStyle.Render(ev.Detail))
	}
	return "  " + strings.Join(parts, " ")
}
