package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/conductor/internal/events"
)

const timeFormat = "15:04:05"

// TaskView is what the dashboard knows about one task.
type TaskView struct {
	ID        string
	Status    string
	Reason    string
	Wave      int
	Agent     string
	Iteration int
	Log       []string
}

// TaskPaneModel is the task list and the selected task's timeline.
type TaskPaneModel struct {
	tasks       map[string]*TaskView
	taskOrder   []string // first-seen order
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

// NewTaskPaneModel creates a new task pane model.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskView),
		viewport: viewport.New(0, 0),
	}
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.taskOrder)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskStatusEvent:
		t := m.task(msg.ID)
		t.Status = msg.To
		t.Wave = msg.Wave
		t.Reason = msg.Reason
		line := fmt.Sprintf("%s -> %s", msg.From, msg.To)
		if msg.Reason != "" {
			line += " (" + msg.Reason + ")"
		}
		return m.logLine(msg.ID, msg.Timestamp, line)

	case events.IterationFinishedEvent:
		t := m.task(msg.ID)
		t.Iteration = msg.Iteration
		return m.logLine(msg.ID, msg.Timestamp, fmt.Sprintf("iteration %d: %s, %d errors, %s",
			msg.Iteration, msg.Outcome, msg.Errors, msg.Duration.Round(time.Second)))

	case events.QAStuckEvent:
		return m.logLine(msg.ID, msg.Timestamp, fmt.Sprintf("same failure %d times in a row", msg.Repeats))

	case events.TaskMergedEvent:
		line := "merged"
		if !msg.Merged {
			line = fmt.Sprintf("merge blocked: %s conflict in %s", msg.ConflictClass, strings.Join(msg.ConflictFiles, ", "))
		} else if msg.ConflictClass != "none" && msg.ConflictClass != "" {
			line = fmt.Sprintf("merged after %s conflict", msg.ConflictClass)
		}
		return m.logLine(msg.ID, msg.Timestamp, line)

	case events.EscalationEvent:
		return m.logLine(msg.ID, msg.Timestamp, fmt.Sprintf("escalated (%s) after %d iterations: %s\nworktree kept at %s",
			msg.Reason, msg.Iterations, msg.Summary, msg.Worktree))

	case events.AgentStateEvent:
		if msg.Task != "" {
			m.task(msg.Task).Agent = msg.AgentID
		}

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// task returns the view for id, creating it on first sight.
func (m *TaskPaneModel) task(id string) *TaskView {
	t, ok := m.tasks[id]
	if !ok {
		t = &TaskView{ID: id, Status: "pending"}
		m.tasks[id] = t
		m.taskOrder = append(m.taskOrder, id)
		if len(m.taskOrder) == 1 {
			m.selectedIdx = 0
			m.updateViewportContent()
		}
	}
	return t
}

// logLine appends to a task's timeline and schedules a debounced refresh
// when that task is on screen.
func (m TaskPaneModel) logLine(id string, at time.Time, line string) (TaskPaneModel, tea.Cmd) {
	t := m.task(id)
	t.Log = append(t.Log, fmt.Sprintf("[%s] %s", at.Format(timeFormat), line))
	if m.getSelectedTaskID() != id {
		return m, nil
	}
	m.updateTag++
	tag := m.updateTag
	return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
		return tickMsg{tag: tag}
	})
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 28
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.taskOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range m.taskOrder {
		t := m.tasks[id]
		name := id
		if t.Iteration > 0 {
			name = fmt.Sprintf("%s #%d", id, t.Iteration)
		}
		if len(name) > width-6 {
			name = name[:width-9] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(t.Status), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled indicator for a task status.
func StatusIcon(status string) string {
	switch status {
	case "assigned", "running", "qa_iterating":
		return StyleStatusRunning.Render("●")
	case "completed":
		return StyleStatusComplete.Render("✓")
	case "failed":
		return StyleStatusFailed.Render("✗")
	case "escalated":
		return StyleStatusEscalated.Render("!")
	case "skipped":
		return StyleStatusPending.Render("-")
	default:
		return StyleStatusPending.Render("○")
	}
}

func (m TaskPaneModel) getSelectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.taskOrder) {
		return m.taskOrder[m.selectedIdx]
	}
	return ""
}

func (m *TaskPaneModel) updateViewportContent() {
	t, ok := m.tasks[m.getSelectedTaskID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	header := fmt.Sprintf("%s  wave %d  %s", t.ID, t.Wave, t.Status)
	if t.Agent != "" {
		header += "  " + t.Agent
	}
	m.viewport.SetContent(header + "\n\n" + strings.Join(t.Log, "\n"))
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-28-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
