package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/dtroode/academysync/internal/model"
)

var _ model.Pusher = (*Pusher)(nil)

// Pusher publishes alert notifications on a Redis channel for the push relay.
type Pusher struct {
	client  redis.UniversalClient
	channel string
}

func NewPusher(client redis.UniversalClient, channel string) *Pusher {
	return &Pusher{client: client, channel: channel}
}

func (p *Pusher) Push(ctx context.Context, event model.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", event.ID, err)
	}
	return nil
}
