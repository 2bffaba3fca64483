// Package tui is the live terminal dashboard behind `formrelay watch`.
//
// The model polls the control plane for status and forwards pause, resume
// and stop key presses as commands.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/formrelay/internal/client"
	"github.com/ChuLiYu/formrelay/pkg/types"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const requestTimeout = 5 * time.Second

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4")).MarginBottom(1)
	valueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575")).Bold(true)
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFAF00"))
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#767676"))
	boxStyle    = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#3C3C3C")).
			Padding(0, 2)
)

// Controller is the part of the control plane client the dashboard uses.
type Controller interface {
	Status(ctx context.Context) (types.StatusSnapshot, error)
	Command(ctx context.Context, action string) error
}

type tickMsg time.Time

type statusMsg struct {
	status types.StatusSnapshot
	err    error
}

type actionMsg struct {
	action string
	err    error
}

// Model is the bubbletea model of the dashboard.
type Model struct {
	ctrl     Controller
	source   string
	interval time.Duration

	progress progress.Model
	status   types.StatusSnapshot
	err      error
	notice   string
	updated  time.Time
	width    int
	quitting bool
}

// NewModel creates a dashboard polling ctrl every interval. source names the
// server in the header.
func NewModel(ctrl Controller, source string, interval time.Duration) Model {
	if interval <= 0 {
		interval = time.Second
	}
	return Model{
		ctrl:     ctrl,
		source:   source,
		interval: interval,
		progress: progress.New(progress.WithGradient("#7D56F4", "#04B575"), progress.WithWidth(50)),
		status:   types.StatusSnapshot{State: types.StateIdle},
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.tick())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progress.Width = max(10, msg.Width-8)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.quitting = true
			return m, tea.Quit
		case "p":
			return m, m.command(client.ActionPause)
		case "r":
			return m, m.command(client.ActionResume)
		case "s":
			return m, m.command(client.ActionStop)
		}

	case tickMsg:
		return m, tea.Batch(m.fetch(), m.tick())

	case statusMsg:
		m.err = msg.err
		if msg.err != nil {
			return m, nil
		}
		m.status = msg.status
		m.updated = time.Now()
		return m, m.progress.SetPercent(msg.status.ProgressPercent / 100)

	case actionMsg:
		if msg.err != nil {
			m.notice = errStyle.Render(fmt.Sprintf("%s failed: %v", msg.action, msg.err))
			return m, nil
		}
		m.notice = subtleStyle.Render(msg.action + " requested")
		return m, m.fetch()

	case progress.FrameMsg:
		pm, cmd := m.progress.Update(msg)
		if pm, ok := pm.(progress.Model); ok {
			m.progress = pm
		}
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder

	b.WriteString(titleStyle.Render("formrelay · " + m.source))
	b.WriteString("\n")

	st := m.status
	header := fmt.Sprintf("State: %s", stateStyle(st.State).Render(string(st.State)))
	if st.RunID != "" {
		header += subtleStyle.Render("   run " + shortID(st.RunID))
	}
	b.WriteString(header)
	b.WriteString("\n\n")

	b.WriteString(m.progress.View())
	b.WriteString("\n\n")

	failed := valueStyle.Render(fmt.Sprint(st.FailedCount))
	if st.FailedCount > 0 {
		failed = errStyle.Render(fmt.Sprint(st.FailedCount))
	}
	stats := fmt.Sprintf(
		"Record     %s / %d\nSucceeded  %s\nFailed     %s\nRetries    %s\nAttempt    p50 %.0f ms · p95 %.0f ms",
		valueStyle.Render(fmt.Sprint(st.CurrentIndex)), st.Total,
		valueStyle.Render(fmt.Sprint(st.SuccessCount)),
		failed,
		warnStyle.Render(fmt.Sprint(st.Retries)),
		st.AttemptP50Ms, st.AttemptP95Ms,
	)
	if st.StartedAt != nil {
		end := time.Now()
		if st.FinishedAt != nil {
			end = *st.FinishedAt
		}
		stats += fmt.Sprintf("\nElapsed    %s", end.Sub(*st.StartedAt).Round(time.Second))
	}
	b.WriteString(boxStyle.Render(stats))
	b.WriteString("\n")

	if st.LastError != "" {
		b.WriteString(errStyle.Render("Last error: " + st.LastError))
		b.WriteString("\n")
	}
	if m.err != nil {
		b.WriteString(errStyle.Render("Control plane unreachable: " + m.err.Error()))
		b.WriteString("\n")
	}
	if m.notice != "" {
		b.WriteString(m.notice)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(subtleStyle.Render("p pause · r resume · s stop · q quit"))
	b.WriteString("\n")
	return b.String()
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) fetch() tea.Cmd {
	ctrl := m.ctrl
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		st, err := ctrl.Status(ctx)
		return statusMsg{status: st, err: err}
	}
}

func (m Model) command(action string) tea.Cmd {
	ctrl := m.ctrl
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return actionMsg{action: action, err: ctrl.Command(ctx, action)}
	}
}

func stateStyle(s types.RunState) lipgloss.Style {
	switch s {
	case types.StateRunning:
		return valueStyle
	case types.StatePaused, types.StateStopping:
		return warnStyle
	case types.StateCompleted:
		return titleStyle.MarginBottom(0)
	}
	return subtleStyle
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Run starts the dashboard on the terminal and blocks until the user quits.
func Run(ctrl Controller, source string, interval time.Duration) error {
	_, err := tea.NewProgram(NewModel(ctrl, source, interval), tea.WithAltScreen()).Run()
	return err
}
