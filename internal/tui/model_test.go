package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/conductor/internal/events"
)

type fakeController struct {
	calls []string
	err   error
}

func (f *fakeController) Pause() error  { f.calls = append(f.calls, "pause"); return f.err }
func (f *fakeController) Resume() error { f.calls = append(f.calls, "resume"); return f.err }
func (f *fakeController) Abort() error  { f.calls = append(f.calls, "abort"); return f.err }

func key(s string) tea.KeyMsg {
	switch s {
	case KeyTab:
		return tea.KeyMsg{Type: tea.KeyTab}
	case KeyShiftTab:
		return tea.KeyMsg{Type: tea.KeyShiftTab}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func newModel(t *testing.T, ctl Controller) Model {
	t.Helper()
	bus := events.NewEventBus()
	t.Cleanup(bus.Close)
	m := New(bus, ctl)
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return updated.(Model)
}

func send(m Model, msg tea.Msg) (Model, tea.Cmd) {
	updated, cmd := m.Update(msg)
	return updated.(Model), cmd
}

func TestModel_EventsReachBothPanes(t *testing.T) {
	m := newModel(t, nil)
	now := time.Now()

	m, _ = send(m, events.TaskStatusEvent{ID: "a", From: "pending", To: "running", Wave: 0, Timestamp: now})
	m, _ = send(m, events.IterationFinishedEvent{ID: "a", Iteration: 3, Outcome: "failed", Errors: 2, Timestamp: now})
	m, _ = send(m, events.RunProgressEvent{Wave: 0, Waves: 2, Total: 4, Running: 1, Pending: 3})
	m, _ = send(m, events.RunStateEvent{From: "idle", To: "executing"})

	task := m.taskPane.tasks["a"]
	require.NotNil(t, task)
	assert.Equal(t, "running", task.Status)
	assert.Equal(t, 3, task.Iteration)
	assert.Len(t, task.Log, 2)
	assert.Contains(t, task.Log[1], "iteration 3: failed, 2 errors")

	assert.Equal(t, "executing", m.wavePane.runState)
	assert.Equal(t, 4, m.wavePane.total)
	assert.Equal(t, 2, m.wavePane.waves)

	view := m.View()
	assert.Contains(t, view, "Tasks")
	assert.Contains(t, view, "executing")
}

func TestModel_EventReturnsNextWait(t *testing.T) {
	m := newModel(t, nil)
	_, cmd := send(m, events.RunStateEvent{From: "idle", To: "planning"})
	assert.NotNil(t, cmd)
}

func TestModel_ControlKeys(t *testing.T) {
	tests := []struct {
		key    string
		action string
	}{
		{KeyPause, "pause"},
		{KeyResume, "resume"},
		{KeyAbort, "abort"},
	}
	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			ctl := &fakeController{}
			m := newModel(t, ctl)

			m, cmd := send(m, key(tt.key))
			require.NotNil(t, cmd)
			msg := cmd()
			result, ok := msg.(controlResultMsg)
			require.True(t, ok, "got %T", msg)
			assert.Equal(t, []string{tt.action}, ctl.calls)

			m, _ = send(m, result)
			assert.Equal(t, tt.action+" requested", m.status)
		})
	}
}

func TestModel_ControlFailureShownInStatus(t *testing.T) {
	ctl := &fakeController{err: errors.New("not running")}
	m := newModel(t, ctl)

	m, cmd := send(m, key(KeyPause))
	require.NotNil(t, cmd)
	m, _ = send(m, cmd())

	assert.Equal(t, "pause failed: not running", m.status)
	assert.Contains(t, m.View(), "pause failed")
}

func TestModel_NilControllerIsReadOnly(t *testing.T) {
	m := newModel(t, nil)
	m, _ = send(m, key(KeyAbort))
	assert.Equal(t, "read-only dashboard", m.status)
}

func TestModel_FocusCycling(t *testing.T) {
	m := newModel(t, nil)
	assert.Equal(t, PaneTasks, m.focusedPane)
	assert.True(t, m.taskPane.focused)

	m, _ = send(m, key(KeyTab))
	assert.Equal(t, PaneRun, m.focusedPane)
	assert.True(t, m.wavePane.focused)
	assert.False(t, m.taskPane.focused)

	m, _ = send(m, key(KeyTab))
	assert.Equal(t, PaneTasks, m.focusedPane)

	m, _ = send(m, key(KeyShiftTab))
	assert.Equal(t, PaneRun, m.focusedPane)

	m, _ = send(m, key(KeyPane1))
	assert.Equal(t, PaneTasks, m.focusedPane)
}

func TestModel_TaskSelection(t *testing.T) {
	m := newModel(t, nil)
	for _, id := range []string{"a", "b", "c"} {
		m, _ = send(m, events.TaskStatusEvent{ID: id, From: "pending", To: "assigned", Timestamp: time.Now()})
	}
	assert.Equal(t, "a", m.taskPane.getSelectedTaskID())

	m, _ = send(m, key(KeyJ))
	m, _ = send(m, key(KeyJ))
	m, _ = send(m, key(KeyJ))
	assert.Equal(t, "c", m.taskPane.getSelectedTaskID())

	m, _ = send(m, key(KeyK))
	assert.Equal(t, "b", m.taskPane.getSelectedTaskID())
}

func TestModel_EscalationListed(t *testing.T) {
	m := newModel(t, nil)
	m, _ = send(m, events.EscalationEvent{ID: "stuck", Reason: "iteration_limit", Iterations: 50, Worktree: "/tmp/wt", Timestamp: time.Now()})

	assert.Equal(t, []string{"stuck: iteration_limit"}, m.wavePane.escalation)
	log := strings.Join(m.taskPane.tasks["stuck"].Log, "\n")
	assert.Contains(t, log, "after 50 iterations")
	assert.Contains(t, log, "/tmp/wt")
}

func TestModel_BusClosedAndQuit(t *testing.T) {
	m := newModel(t, nil)
	m, _ = send(m, busClosedMsg{})
	assert.Equal(t, "event stream closed", m.status)

	m, cmd := send(m, key(KeyQuit))
	assert.True(t, m.quitting)
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestWaitForEvent_ClosedChannel(t *testing.T) {
	ch := make(chan events.Event)
	close(ch)
	assert.Equal(t, busClosedMsg{}, waitForEvent(ch)())
}
