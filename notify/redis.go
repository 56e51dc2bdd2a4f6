package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hazyhaar/vigie/idgen"
)

// RedisChannel publishes the JSON envelope on a Redis pub/sub channel. The
// route address is the pub/sub channel name.
type RedisChannel struct {
	client redis.UniversalClient
	newID  func() string
}

// NewRedisChannel wraps an existing client.
func NewRedisChannel(client redis.UniversalClient) *RedisChannel {
	return &RedisChannel{client: client, newID: idgen.Prefixed("dlv_", idgen.UUIDv7())}
}

// Name implements Channel.
func (c *RedisChannel) Name() string { return "redis" }

// Send implements Channel. A publish that reaches zero subscribers still
// counts as delivered.
func (c *RedisChannel) Send(ctx context.Context, address string, p Payload) error {
	data, err := json.Marshal(Envelope{
		Type:        EnvelopeType,
		ID:          c.newID(),
		Timestamp:   time.Now().UTC(),
		RecipientID: p.RecipientID,
		Payload:     p,
	})
	if err != nil {
		return fmt.Errorf("redis: marshal: %w", err)
	}
	if err := c.client.Publish(ctx, address, data).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", address, err)
	}
	return nil
}
