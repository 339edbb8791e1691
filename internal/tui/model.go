// Package tui is a read-only status dashboard for a run. It renders what
// the event bus reports and forwards pause, resume and abort to a Controller.
package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/conductor/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneRun
)

const paneCount = 2

// Controller is the part of the coordinator the dashboard may drive.
type Controller interface {
	Pause() error
	Resume() error
	Abort() error
}

// controlResultMsg reports the outcome of a control key.
type controlResultMsg struct {
	action string
	err    error
}

// busClosedMsg is delivered once the event bus shuts down.
type busClosedMsg struct{}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	taskPane    TaskPaneModel
	wavePane    WavePaneModel
	focusedPane PaneID
	eventSub    <-chan events.Event
	ctl         Controller
	status      string
	width       int
	height      int
	quitting    bool
}

// New creates a new TUI model subscribed to every topic of eventBus.
// ctl may be nil for a view-only dashboard.
func New(eventBus *events.EventBus, ctl Controller) Model {
	return Model{
		taskPane:    NewTaskPaneModel(),
		wavePane:    NewWavePaneModel(),
		focusedPane: PaneTasks,
		eventSub:    eventBus.SubscribeAll(events.DefaultBuffer),
		ctl:         ctl,
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return busClosedMsg{}
		}
		return event
	}
}

func control(action string, fn func() error) tea.Cmd {
	return func() tea.Msg {
		return controlResultMsg{action: action, err: fn()}
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyPause, KeyResume, KeyAbort:
			if m.ctl == nil {
				m.status = "read-only dashboard"
				break
			}
			switch msg.String() {
			case KeyPause:
				cmds = append(cmds, control("pause", m.ctl.Pause))
			case KeyResume:
				cmds = append(cmds, control("resume", m.ctl.Resume))
			case KeyAbort:
				cmds = append(cmds, control("abort", m.ctl.Abort))
			}

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneRun
			m.updateFocusStates()

		default:
			if m.focusedPane == PaneTasks {
				var cmd tea.Cmd
				m.taskPane, cmd = m.taskPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case controlResultMsg:
		if msg.err != nil {
			m.status = msg.action + " failed: " + msg.err.Error()
		} else {
			m.status = msg.action + " requested"
		}

	case tickMsg:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)

	case busClosedMsg:
		m.status = "event stream closed"

	case events.Event:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)
		m.wavePane, cmd = m.wavePane.Update(msg)
		cmds = append(cmds, cmd)
		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	body := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), m.wavePane.View())

	footer := HelpView()
	if m.status != "" {
		footer = lipgloss.JoinHorizontal(lipgloss.Top, footer, StyleHelp.Render("  | "+m.status))
	}
	return lipgloss.JoinVertical(lipgloss.Left, body, footer)
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 60) / 100
	availableHeight := m.height - 1 // help bar

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.wavePane.SetSize(m.width-leftWidth, availableHeight)
	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.wavePane.SetFocused(m.focusedPane == PaneRun)
}
