package events

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the channel capacity used when a subscriber asks for <= 0.
const DefaultBuffer = 256

// subscription is one registered listener. Topic is empty for all-topic listeners.
type subscription struct {
	id    uint64
	topic string
	ch    chan Event
}

// EventBus is a channel-based pub-sub hub scoped to a single orchestration run.
// There is no package-level instance: callers construct one and pass it down.
//
// Delivery within a topic follows subscription order. Publish never blocks;
// a subscriber whose buffer is full misses the event and the drop is counted.
type EventBus struct {
	mu      sync.RWMutex
	subs    []*subscription // registration order, topic and all-topic mixed
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe creates a subscription to a single topic.
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	return b.add(topic, bufSize)
}

// SubscribeAll creates a subscription that receives events from every topic.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	return b.add("", bufSize)
}

func (b *EventBus) add(topic string, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = DefaultBuffer
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	b.nextID++
	b.subs = append(b.subs, &subscription{id: b.nextID, topic: topic, ch: ch})
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
// Unknown channels are ignored.
func (b *EventBus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if (<-chan Event)(s.ch) == ch {
			close(s.ch)
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers an event to every subscriber of topic and to all-topic subscribers.
func (b *EventBus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, s := range b.subs {
		if s.topic != "" && s.topic != topic {
			continue
		}
		select {
		case s.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes the bus and every subscriber channel. Safe to call more than once.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
}
