package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/aristath/conductor/internal/events"
)

type recordingNotifier struct {
	escalated    []string
	checkpointed []string
}

func (r *recordingNotifier) Escalated(_ context.Context, n EscalationNotice) {
	r.escalated = append(r.escalated, n.TaskID)
}

func (r *recordingNotifier) Checkpointed(_ context.Context, ev events.CheckpointCreatedEvent) {
	r.checkpointed = append(r.checkpointed, ev.CheckpointID)
}

func TestBusNotifierPublishesEscalation(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	ch := bus.Subscribe(events.TopicEscalation, 1)

	BusNotifier{Bus: bus}.Escalated(context.Background(), EscalationNotice{
		TaskID: "api", Reason: "merge_conflict", Iterations: 3, Worktree: "/wt/api",
	})

	select {
	case ev := <-ch:
		esc, ok := ev.(events.EscalationEvent)
		require.True(t, ok)
		assert.Equal(t, "api", esc.TaskID())
		assert.Equal(t, "merge_conflict", esc.Reason)
		assert.Equal(t, "/wt/api", esc.Worktree)
		assert.False(t, esc.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no escalation event")
	}
}

func TestLogNotifierWritesFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := LogNotifier{Logger: zap.New(core)}

	n.Escalated(context.Background(), EscalationNotice{TaskID: "api", Reason: "iteration_limit", Iterations: 50})
	n.Checkpointed(context.Background(), events.CheckpointCreatedEvent{CheckpointID: "cp1", Trigger: "milestone"})

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "task needs attention", entries[0].Message)
	assert.Equal(t, "api", entries[0].ContextMap()["task_id"])
	assert.Equal(t, "cp1", entries[1].ContextMap()["checkpoint_id"])
}

func TestNilSinksAreNoops(t *testing.T) {
	assert.NotPanics(t, func() {
		LogNotifier{}.Escalated(context.Background(), EscalationNotice{TaskID: "a"})
		BusNotifier{}.Escalated(context.Background(), EscalationNotice{TaskID: "a"})
	})
}

func TestMultiNotifierFansOut(t *testing.T) {
	a, b := &recordingNotifier{}, &recordingNotifier{}
	m := MultiNotifier{a, b}

	m.Escalated(context.Background(), EscalationNotice{TaskID: "x"})
	m.Checkpointed(context.Background(), events.CheckpointCreatedEvent{CheckpointID: "cp"})

	for _, r := range []*recordingNotifier{a, b} {
		assert.Equal(t, []string{"x"}, r.escalated)
		assert.Equal(t, []string{"cp"}, r.checkpointed)
	}
}
