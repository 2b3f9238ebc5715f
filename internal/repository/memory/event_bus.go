package memory

import (
	"context"
	"sync"

	"peercall-backend/internal/events"
)

// EventBus is an in-process events.Bus. Each subscriber has a one-slot
// buffer: while a notification is pending, further ones for that
// subscriber are coalesced into it.
type EventBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan []byte
}

var _ events.Bus = (*EventBus)(nil)

// NewEventBus creates an empty bus
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string]map[int]chan []byte)}
}

// Publish fans payload out to every subscriber of topic without blocking
func (b *EventBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[topic] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber for topic
func (b *EventBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 1)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]chan []byte)
	}
	b.subs[topic][id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[topic], id)
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
			close(ch)
			b.mu.Unlock()
		})
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return ch, cancel, nil
}

// Subscribers returns the number of live subscriptions on topic
func (b *EventBus) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}
