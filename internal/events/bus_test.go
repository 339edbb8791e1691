package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func assertEmpty(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s", ev.EventType())
	case <-time.After(10 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 10)
	bus.Publish(TopicTask, TaskStatusEvent{ID: "task-1", From: "pending", To: "ready", Timestamp: time.Now()})

	got := receive(t, ch)
	assert.Equal(t, "task-1", got.TaskID())
	assert.Equal(t, EventTypeTaskStatus, got.EventType())
}

func TestMultipleSubscribersSameOrder(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch1 := bus.Subscribe(TopicTask, 10)
	ch2 := bus.Subscribe(TopicTask, 10)

	for _, id := range []string{"a", "b", "c"} {
		bus.Publish(TopicTask, TaskStatusEvent{ID: id})
	}

	for _, ch := range []<-chan Event{ch1, ch2} {
		for _, want := range []string{"a", "b", "c"} {
			assert.Equal(t, want, receive(t, ch).TaskID())
		}
	}
}

func TestTopicIsolation(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	taskCh := bus.Subscribe(TopicTask, 10)
	waveCh := bus.Subscribe(TopicWave, 10)

	bus.Publish(TopicTask, TaskStatusEvent{ID: "task-1"})
	bus.Publish(TopicWave, WaveStartedEvent{Index: 0})

	assert.Equal(t, EventTypeTaskStatus, receive(t, taskCh).EventType())
	assert.Equal(t, EventTypeWaveStarted, receive(t, waveCh).EventType())
	assertEmpty(t, taskCh)
	assertEmpty(t, waveCh)
}

func TestSubscribeAll(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	all := bus.SubscribeAll(20)
	bus.Publish(TopicTask, TaskStatusEvent{ID: "task-1"})
	bus.Publish(TopicCheckpoint, CheckpointCreatedEvent{CheckpointID: "cp-1"})

	assert.Equal(t, EventTypeTaskStatus, receive(t, all).EventType())
	assert.Equal(t, EventTypeCheckpointCreated, receive(t, all).EventType())
	assertEmpty(t, all)
}

func TestNonBlockingPublishCountsDrops(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(TopicTask, TaskStatusEvent{ID: "t"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("publisher blocked on a full subscriber")
	}

	assert.NotNil(t, receive(t, ch))
	assert.Equal(t, uint64(9), bus.Dropped())
}

func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 4)
	other := bus.Subscribe(TopicTask, 4)
	bus.Unsubscribe(ch)

	_, ok := <-ch
	assert.False(t, ok, "unsubscribed channel should be closed")

	bus.Publish(TopicTask, TaskStatusEvent{ID: "x"})
	assert.Equal(t, "x", receive(t, other).TaskID())
}

func TestCloseIsIdempotentAndClosesSubscribers(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TopicTask, 10)
	all := bus.SubscribeAll(10)

	bus.Close()
	bus.Close()

	_, ok := <-ch
	assert.False(t, ok)
	_, ok = <-all
	assert.False(t, ok)

	assert.NotPanics(t, func() { bus.Publish(TopicTask, TaskStatusEvent{ID: "late"}) })

	late := bus.Subscribe(TopicTask, 1)
	_, ok = <-late
	assert.False(t, ok, "subscribing after close returns a closed channel")
}

func TestConcurrentPublish(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.SubscribeAll(1000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(TopicAgent, AgentStateEvent{AgentID: "a"})
			}
		}()
	}
	wg.Wait()

	assert.Len(t, ch, 500)
}

func TestSeparateBusesAreIndependent(t *testing.T) {
	first := NewEventBus()
	second := NewEventBus()
	defer first.Close()
	defer second.Close()

	ch := second.Subscribe(TopicRun, 4)
	first.Publish(TopicRun, RunStateEvent{From: "idle", To: "planning"})

	assertEmpty(t, ch)
}
