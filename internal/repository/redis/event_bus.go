package redis

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"peercall-backend/internal/database"
	"peercall-backend/internal/events"
	"peercall-backend/pkg/logger"
)

// EventBus fans change notifications out across service instances with
// Redis pub/sub. Like the in-process bus, every subscriber has a one-slot
// buffer and pending notifications are coalesced.
type EventBus struct {
	client *database.RedisClient
}

var _ events.Bus = (*EventBus)(nil)

// NewEventBus creates a Redis-backed bus
func NewEventBus(client *database.RedisClient) *EventBus {
	return &EventBus{client: client}
}

// Publish sends payload to every subscriber of topic
func (b *EventBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.SafePublish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe listens on topic until cancel is called or ctx is done. It only
// returns once Redis has confirmed the subscription, so nothing published
// afterwards is missed.
func (b *EventBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error) {
	pubsub := b.client.SafeSubscribe(ctx, topic)
	if pubsub == nil {
		return nil, nil, fmt.Errorf("failed to subscribe to %s: %w", topic, database.ErrRedisDegraded)
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	out := make(chan []byte, 1)
	subCtx, stop := context.WithCancel(ctx)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			stop()
			if err := pubsub.Close(); err != nil {
				logger.Debug("Failed to close Redis subscription",
					zap.String("topic", topic),
					zap.Error(err))
			}
		})
	}

	go func() {
		defer close(out)
		defer cancel()

		msgs := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				default:
				}
			}
		}
	}()

	return out, cancel, nil
}
