package stores

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// wildcardUser marks an invalidate-everything event on the wire, since an
// empty pub/sub payload is indistinguishable from a missing one.
const wildcardUser = "*"

// DefaultInvalidationChannel is the pub/sub channel used when none is
// given.
const DefaultInvalidationChannel = "gatekeeper:invalidations"

// RedisInvalidationBus fans permission-change events across gateway
// replicas over Redis pub/sub. Implements gatekeeper.InvalidationBus.
type RedisInvalidationBus struct {
	client  *redis.Client
	channel string
}

func NewRedisInvalidationBus(client *redis.Client, channel string) *RedisInvalidationBus {
	if channel == "" {
		channel = DefaultInvalidationChannel
	}
	return &RedisInvalidationBus{client: client, channel: channel}
}

// Publish announces that the user's permissions changed. An empty user ID
// means every cached set is stale.
func (b *RedisInvalidationBus) Publish(ctx context.Context, userID string) error {
	payload := userID
	if payload == "" {
		payload = wildcardUser
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

// Subscribe feeds remote invalidation events to the handler until the
// context is cancelled.
func (b *RedisInvalidationBus) Subscribe(ctx context.Context, handler func(userID string)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("invalidation subscription closed")
			}
			payload := msg.Payload
			if payload == wildcardUser {
				payload = ""
			}
			handler(payload)
		}
	}
}
