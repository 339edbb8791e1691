package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/conductor/internal/events"
)

// maxEscalations is how many escalations the pane lists.
const maxEscalations = 5

// WavePaneModel shows run state, wave progress, the agent pool and
// escalations.
type WavePaneModel struct {
	runState   string
	wave       int
	waves      int
	total      int
	completed  int
	running    int
	failed     int
	escalated  int
	pending    int
	agents     map[string]string // agent id -> state
	crashes    int
	escalation []string
	checkpoint string
	width      int
	height     int
	focused    bool
}

// NewWavePaneModel creates a new wave pane model.
func NewWavePaneModel() WavePaneModel {
	return WavePaneModel{runState: "idle", agents: make(map[string]string)}
}

// Update handles messages for the wave pane.
func (m WavePaneModel) Update(msg tea.Msg) (WavePaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.RunStateEvent:
		m.runState = msg.To

	case events.RunProgressEvent:
		m.wave = msg.Wave
		m.waves = msg.Waves
		m.total = msg.Total
		m.completed = msg.Completed
		m.running = msg.Running
		m.failed = msg.Failed
		m.escalated = msg.Escalated
		m.pending = msg.Pending

	case events.WaveStartedEvent:
		m.wave = msg.Index

	case events.AgentStateEvent:
		if msg.State == "terminated" {
			delete(m.agents, msg.AgentID)
		} else {
			m.agents[msg.AgentID] = msg.State
		}

	case events.AgentCrashedEvent:
		m.crashes++
		delete(m.agents, msg.AgentID)

	case events.EscalationEvent:
		m.escalation = append(m.escalation, fmt.Sprintf("%s: %s", msg.ID, msg.Reason))

	case events.CheckpointCreatedEvent:
		m.checkpoint = fmt.Sprintf("%s (%s) at %s", shortID(msg.CheckpointID), msg.Trigger, msg.Timestamp.Format(timeFormat))

	case events.CheckpointRestoredEvent:
		m.checkpoint = fmt.Sprintf("restored %s, %d requeued", shortID(msg.CheckpointID), len(msg.Requeued))
	}

	return m, nil
}

// View renders the wave pane.
func (m WavePaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Run")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	wave := "-"
	if m.waves > 0 {
		wave = fmt.Sprintf("%d/%d", min(m.wave+1, m.waves), m.waves)
	}
	fmt.Fprintf(&b, "State:     %s\n", m.runState)
	fmt.Fprintf(&b, "Wave:      %s\n\n", wave)

	fmt.Fprintf(&b, "Total:     %d\n", m.total)
	fmt.Fprintf(&b, "Completed: %s\n", StyleStatusComplete.Render(fmt.Sprintf("%d", m.completed)))
	fmt.Fprintf(&b, "Running:   %s\n", StyleStatusRunning.Render(fmt.Sprintf("%d", m.running)))
	fmt.Fprintf(&b, "Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprintf("%d", m.failed)))
	fmt.Fprintf(&b, "Escalated: %s\n", StyleStatusEscalated.Render(fmt.Sprintf("%d", m.escalated)))
	fmt.Fprintf(&b, "Pending:   %s\n", StyleStatusPending.Render(fmt.Sprintf("%d", m.pending)))
	b.WriteString("\n")

	if m.total > 0 {
		barWidth := min(m.width-4, 40)
		completedWidth := (m.completed * barWidth) / m.total
		failedWidth := ((m.failed + m.escalated) * barWidth) / m.total
		runningWidth := (m.running * barWidth) / m.total
		pendingWidth := barWidth - completedWidth - failedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completedWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))

		fmt.Fprintf(&b, "[%s]  %d/%d\n\n", bar, m.completed, m.total)
	}

	busy := 0
	for _, state := range m.agents {
		if state != "idle" {
			busy++
		}
	}
	fmt.Fprintf(&b, "Agents:    %d busy, %d idle", busy, len(m.agents)-busy)
	if m.crashes > 0 {
		fmt.Fprintf(&b, ", %s", StyleStatusFailed.Render(fmt.Sprintf("%d crashed", m.crashes)))
	}
	b.WriteString("\n")

	if m.checkpoint != "" {
		fmt.Fprintf(&b, "Checkpoint: %s\n", m.checkpoint)
	}

	if len(m.escalation) > 0 {
		b.WriteString("\n")
		b.WriteString(StyleStatusEscalated.Render("Needs attention"))
		b.WriteString("\n")
		start := max(0, len(m.escalation)-maxEscalations)
		for _, line := range m.escalation[start:] {
			b.WriteString("  " + line + "\n")
		}
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *WavePaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *WavePaneModel) SetFocused(focused bool) {
	m.focused = focused
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
