package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/GalaxyXieyu/xhs-runner/internal/ui/components"
	"github.com/GalaxyXieyu/xhs-runner/pkg/models"
)

var (
	orbStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("203")).
			Bold(true)

	headerTextStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")).
			Padding(0, 1)

	questionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("214")).
			Padding(0, 1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	headerStyle = lipgloss.NewStyle().
			Padding(1, 2)
)

// TaskSource is what the watch program reads from. *client.HTTPClient implements it.
type TaskSource interface {
	Status(ctx context.Context, taskID int64) (*models.TaskStatusView, error)
	Follow(ctx context.Context, taskID int64, fromIndex int, fn func(models.Event) error) error
}

type EventMsg struct{ Event models.Event }

type StatusMsg struct{ View *models.TaskStatusView }

// StreamEndedMsg is sent once the event stream is over.
type StreamEndedMsg struct{ Err error }

type statusErrMsg struct{ err error }

const maxFinishedAgents = 20

// WatchModel follows one task's timeline until its stream ends.
type WatchModel struct {
	source   TaskSource
	taskID   int64
	ctx      context.Context
	cancel   context.CancelFunc
	messages chan tea.Msg
	started  bool

	timeline *components.Timeline
	steps    *components.AgentSteps
	status   *models.TaskStatusView

	width        int
	height       int
	sidebarWidth int
	ready        bool
	ended        bool
	quitting     bool
	err          error
}

func NewWatchModel(ctx context.Context, source TaskSource, taskID int64) *WatchModel {
	ctx, cancel := context.WithCancel(ctx)
	return &WatchModel{
		source:   source,
		taskID:   taskID,
		ctx:      ctx,
		cancel:   cancel,
		messages: make(chan tea.Msg, 64),
		timeline: components.NewTimeline(80, 20),
		steps:    components.NewAgentSteps(20),
	}
}

func (m *WatchModel) Init() tea.Cmd {
	if !m.started {
		m.started = true
		go m.follow()
	}
	return tea.Batch(m.pollMessages(), m.fetchStatus())
}

func (m *WatchModel) follow() {
	defer close(m.messages)
	err := m.source.Follow(m.ctx, m.taskID, 0, func(ev models.Event) error {
		select {
		case m.messages <- EventMsg{Event: ev}:
			return nil
		case <-m.ctx.Done():
			return m.ctx.Err()
		}
	})
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	select {
	case m.messages <- StreamEndedMsg{Err: err}:
	case <-m.ctx.Done():
	}
}

func (m *WatchModel) pollMessages() tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-m.messages
		if !ok {
			return nil
		}
		return msg
	}
}

func (m *WatchModel) fetchStatus() tea.Cmd {
	return func() tea.Msg {
		view, err := m.source.Status(m.ctx, m.taskID)
		if err != nil {
			return statusErrMsg{err: err}
		}
		return StatusMsg{View: view}
	}
}

func (m *WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			m.cancel()
			return m, tea.Quit
		}
		if cmd := m.timeline.Update(msg); cmd != nil {
			cmds = append(cmds, cmd)
		}

	case tea.MouseMsg:
		if cmd := m.timeline.Update(msg); cmd != nil {
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		m.recalculateLayout()

	case EventMsg:
		m.timeline.AppendEvent(msg.Event)
		switch msg.Event.Type() {
		case models.EventAgentStart:
			m.steps.Start(msg.Event.Agent())
		case models.EventAgentEnd:
			m.steps.Finish(msg.Event.Agent(), maxFinishedAgents)
		}
		cmds = append(cmds, m.pollMessages(), m.fetchStatus())

	case StreamEndedMsg:
		m.ended = true
		if msg.Err != nil {
			m.err = msg.Err
			m.timeline.AppendStatus("stream error")
		} else {
			m.timeline.AppendStatus("stream ended")
		}
		cmds = append(cmds, m.fetchStatus())

	case StatusMsg:
		m.status = msg.View
		m.recalculateLayout()

	case statusErrMsg:
		m.err = msg.err
	}

	return m, tea.Batch(cmds...)
}

func (m *WatchModel) recalculateLayout() {
	if !m.ready {
		return
	}
	m.sidebarWidth = m.width / 4
	if m.sidebarWidth < 20 {
		m.sidebarWidth = 20
	}
	m.steps.Width = m.sidebarWidth - 2

	available := m.height - lipgloss.Height(m.renderHeader()) - lipgloss.Height(m.renderFooter())
	if available < 5 {
		available = 5
	}
	m.timeline.SetSize(m.width-m.sidebarWidth-1, available)
}

func (m *WatchModel) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return fmt.Sprintf("Connecting to task %d...", m.taskID)
	}

	header := m.renderHeader()
	footer := m.renderFooter()
	available := m.height - lipgloss.Height(header) - lipgloss.Height(footer)
	if available < 0 {
		available = 0
	}

	sidebar := lipgloss.NewStyle().
		Width(m.sidebarWidth-1).
		Height(available).
		Border(lipgloss.NormalBorder(), false, true, false, false).
		BorderForeground(lipgloss.Color("240")).
		Render(m.steps.View())

	main := lipgloss.JoinHorizontal(lipgloss.Top, sidebar, m.timeline.View())
	return header + "\n" + main + "\n" + footer
}

func (m *WatchModel) renderHeader() string {
	text := fmt.Sprintf("xhs-runner | task #%d", m.taskID)
	if s := m.status; s != nil {
		text += fmt.Sprintf(" | %s | %s %d%%", s.Status, ProgressBar(s.Progress, 20), s.Progress)
		if s.CurrentAgent != nil && *s.CurrentAgent != "" {
			text += " | " + *s.CurrentAgent
		}
	}

	orb := orbStyle.Render("⬤")
	header := lipgloss.JoinHorizontal(lipgloss.Center, orb, "  ", headerTextStyle.Render(text))
	width := m.width - 4
	if width < 0 {
		width = 0
	}
	return headerStyle.Width(width).Render(header)
}

func (m *WatchModel) renderFooter() string {
	var parts []string

	if s := m.status; s != nil && s.Status == models.TaskStatusPaused && s.HitlSnapshot != nil {
		q := s.HitlSnapshot.Question
		for _, opt := range s.HitlSnapshot.Options {
			q += fmt.Sprintf("\n[%s] %s", opt.ID, opt.Label)
		}
		q += fmt.Sprintf("\nAnswer with: xhsrunner respond %d --action approve", m.taskID)
		parts = append(parts, questionStyle.Render(q))
	}
	if s := m.status; s != nil && s.ErrorMessage != nil && s.Status == models.TaskStatusFailed {
		parts = append(parts, errorStyle.Render("Failed: "+*s.ErrorMessage))
	}
	if m.err != nil {
		parts = append(parts, errorStyle.Render("Error: "+m.err.Error()))
	}

	help := "Press 'q' to quit • ↑/↓ to scroll"
	if m.ended {
		help = "Stream ended • press 'q' to quit"
	}
	parts = append(parts, helpStyle.Render(help))
	return strings.Join(parts, "\n")
}

// ProgressBar renders percent as a fixed-width bar.
func ProgressBar(percent, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := percent * width / 100
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

// RunWatch shows the live timeline of taskID until the user quits.
func RunWatch(ctx context.Context, source TaskSource, taskID int64) error {
	m := NewWatchModel(ctx, source, taskID)
	defer m.cancel()

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
