package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus wraps an in-process Bus and additionally fans events out over a
// Redis pub/sub channel. The node that emits an execution event is not
// necessarily the node a dashboard subscriber is attached to once the
// recovery sweeper has claimed an execution elsewhere, so local-only
// delivery is not sufficient for cross-instance observability.
type RedisBus struct {
	local   Bus
	client  *redis.Client
	channel string

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

// NewRedisBus constructs a Bus that publishes locally and additionally
// pushes a JSON-encoded copy of every event to channel on client. Call
// Relay to start relaying remote events into local subscribers.
func NewRedisBus(client *redis.Client, channel string) *RedisBus {
	return &RedisBus{
		local:   NewBus(),
		client:  client,
		channel: channel,
	}
}

// Publish delivers the event to local subscribers and publishes it to the
// configured Redis channel. A Redis failure is swallowed after local
// delivery succeeds: cross-instance fan-out is best-effort, matching the
// rest of the observer/sink design (spec.md §9).
func (b *RedisBus) Publish(ctx context.Context, event ExecutionEvent) error {
	if err := b.local.Publish(ctx, event); err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil
	}
	_ = b.client.Publish(ctx, b.channel, payload).Err()
	return nil
}

// Register adds a local subscriber, same as Bus.
func (b *RedisBus) Register(sub Subscriber) (Subscription, error) {
	return b.local.Register(sub)
}

// Relay subscribes to the Redis channel and republishes every received
// event into the local bus, until ctx is canceled. Run this once per
// process that wants to observe events emitted by other instances.
func (b *RedisBus) Relay(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("hooks: redis subscription channel closed")
			}
			var event ExecutionEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			_ = b.local.Publish(ctx, event)
		}
	}
}
