package ui

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/GalaxyXieyu/xhs-runner/pkg/models"
)

var (
	menuTitleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203")).Padding(1, 2, 0, 2)
	itemStyle         = lipgloss.NewStyle().PaddingLeft(2)
	selectedItemStyle = lipgloss.NewStyle().PaddingLeft(2).Foreground(lipgloss.Color("39")).Bold(true)
	descStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// MenuEntry is one command offered by the menu.
type MenuEntry struct {
	Command     string
	Description string
	// PickTask makes the menu ask for a task before running the command.
	PickTask bool
	// AllTasks adds a row that runs the command without a task id.
	AllTasks bool
}

// DefaultEntries are the commands that make sense without extra flags.
var DefaultEntries = []MenuEntry{
	{Command: "watch", Description: "Follow a task's agents and questions live", PickTask: true},
	{Command: "status", Description: "Show a task, or a summary of all tasks", PickTask: true, AllTasks: true},
	{Command: "events", Description: "Print a task's stored event log", PickTask: true},
	{Command: "export", Description: "Write a task and its events to a JSONL snapshot", PickTask: true},
	{Command: "list", Description: "List the newest tasks"},
	{Command: "serve", Description: "Run the task engine with its HTTP and SSE API"},
	{Command: "mcp", Description: "Run the task engine as an MCP server over stdio"},
	{Command: "init", Description: "Create the .xhsrunner config and database"},
}

// TaskLister loads the tasks offered in the task picker. *client.HTTPClient implements it.
type TaskLister interface {
	List(ctx context.Context, filter models.TaskFilter) ([]*models.TaskStatusView, error)
}

// Selection is the command line the menu resolved to.
type Selection struct {
	Command string
	Args    []string
}

const pickerLimit = 10

type tasksLoadedMsg struct {
	tasks []*models.TaskStatusView
	err   error
}

// MenuModel lets the user pick a command, and a task for commands that need one,
// when xhsrunner runs without arguments.
type MenuModel struct {
	ctx     context.Context
	lister  TaskLister
	entries []MenuEntry
	cursor  int

	// picking is the entry whose task list is shown, nil on the command list.
	picking *MenuEntry
	tasks   []*models.TaskStatusView
	loading bool
	loadErr error

	selection *Selection
	quitting  bool
}

// NewMenuModel builds the menu. A nil lister skips the task picker.
func NewMenuModel(ctx context.Context, lister TaskLister, entries []MenuEntry) MenuModel {
	return MenuModel{ctx: ctx, lister: lister, entries: entries}
}

func (m MenuModel) Init() tea.Cmd {
	return nil
}

func (m MenuModel) loadTasks() tea.Cmd {
	lister, ctx := m.lister, m.ctx
	return func() tea.Msg {
		tasks, err := lister.List(ctx, models.TaskFilter{Limit: pickerLimit})
		return tasksLoadedMsg{tasks: tasks, err: err}
	}
}

// rows is the number of selectable lines on the current screen.
func (m MenuModel) rows() int {
	if m.picking == nil {
		return len(m.entries)
	}
	n := len(m.tasks)
	if m.picking.AllTasks {
		n++
	}
	return n
}

func (m MenuModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tasksLoadedMsg:
		if m.picking == nil {
			return m, nil
		}
		m.loading = false
		m.tasks, m.loadErr = msg.tasks, msg.err
		m.cursor = 0
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit

		case "esc", "backspace":
			if m.picking != nil {
				m.cursor = m.entryIndex(m.picking.Command)
				m.picking, m.tasks, m.loadErr, m.loading = nil, nil, nil, false
			}

		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}

		case "down", "j":
			if m.cursor < m.rows()-1 {
				m.cursor++
			}

		case "enter":
			if m.picking == nil {
				return m.chooseEntry()
			}
			return m.chooseTask()
		}
	}

	return m, nil
}

func (m MenuModel) chooseEntry() (tea.Model, tea.Cmd) {
	entry := m.entries[m.cursor]
	if !entry.PickTask || m.lister == nil {
		m.selection = &Selection{Command: entry.Command}
		return m, tea.Quit
	}
	m.picking = &entry
	m.loading = true
	m.cursor = 0
	return m, m.loadTasks()
}

func (m MenuModel) chooseTask() (tea.Model, tea.Cmd) {
	if m.loading {
		return m, nil
	}
	sel := &Selection{Command: m.picking.Command}
	idx := m.cursor
	if m.picking.AllTasks {
		idx--
	}
	// Without a task row under the cursor the command runs bare and reports
	// the missing task itself.
	if idx >= 0 && idx < len(m.tasks) {
		sel.Args = []string{strconv.FormatInt(m.tasks[idx].ID, 10)}
	}
	m.selection = sel
	return m, tea.Quit
}

func (m MenuModel) entryIndex(command string) int {
	for i, e := range m.entries {
		if e.Command == command {
			return i
		}
	}
	return 0
}

func (m MenuModel) View() string {
	if m.quitting || m.selection != nil {
		return ""
	}

	var s strings.Builder
	if m.picking == nil {
		s.WriteString(menuTitleStyle.Render("xhs-runner"))
		s.WriteString("\n\n")
		for i, e := range m.entries {
			line := fmt.Sprintf("%-8s %s", e.Command, descStyle.Render(e.Description))
			s.WriteString(m.renderRow(i, line))
		}
		s.WriteString(helpStyle.Render("\n(j/k to move, enter to select, q to quit)\n"))
		return s.String()
	}

	s.WriteString(menuTitleStyle.Render(fmt.Sprintf("%s: pick a task", m.picking.Command)))
	s.WriteString("\n\n")
	switch {
	case m.loading:
		s.WriteString(itemStyle.Render("Loading tasks..."))
		s.WriteString("\n")
	case m.loadErr != nil:
		s.WriteString(itemStyle.Render(errorStyle.Render("Failed to load tasks: " + m.loadErr.Error())))
		s.WriteString("\n")
	default:
		row := 0
		if m.picking.AllTasks {
			s.WriteString(m.renderRow(row, "All tasks"))
			row++
		}
		for _, t := range m.tasks {
			s.WriteString(m.renderRow(row, taskLine(t)))
			row++
		}
		if len(m.tasks) == 0 {
			s.WriteString(itemStyle.Render(descStyle.Render("No tasks yet. Submit one with: xhsrunner submit -m <brief> --theme <id>")))
			s.WriteString("\n")
		}
	}
	s.WriteString(helpStyle.Render("\n(j/k to move, enter to select, esc to go back, q to quit)\n"))
	return s.String()
}

func (m MenuModel) renderRow(i int, line string) string {
	if m.cursor == i {
		return selectedItemStyle.Render("> "+line) + "\n"
	}
	return itemStyle.Render("  "+line) + "\n"
}

// taskLine is the one-line picker label of a task.
func taskLine(t *models.TaskStatusView) string {
	detail := ""
	switch {
	case t.Status == models.TaskStatusPaused && t.HitlSnapshot != nil:
		detail = t.HitlSnapshot.Question
	case t.CurrentAgent != nil:
		detail = *t.CurrentAgent
	}
	return fmt.Sprintf("#%-5d %-9s %3d%%  %s", t.ID, RenderStatus(t.Status), t.Progress, descStyle.Render(detail))
}

// Selected returns the chosen command line, or nil if the user quit.
func (m MenuModel) Selected() *Selection {
	return m.selection
}

// RunMenu shows the menu and returns what the user chose.
func RunMenu(ctx context.Context, lister TaskLister) (*Selection, error) {
	m := NewMenuModel(ctx, lister, DefaultEntries)
	p := tea.NewProgram(m, tea.WithContext(ctx))
	finalModel, err := p.Run()
	if err != nil {
		return nil, err
	}
	return finalModel.(MenuModel).Selected(), nil
}
