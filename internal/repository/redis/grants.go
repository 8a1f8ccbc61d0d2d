package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dtroode/academysync/internal/policy"
)

// GrantsCache stores resolved grants under a generation number so that one
// INCR invalidates the entries of every process sharing the Redis.
type GrantsCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewGrantsCache(client redis.UniversalClient, prefix string, ttl time.Duration) *GrantsCache {
	return &GrantsCache{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (c *GrantsCache) generationKey() string {
	return c.prefix + ":rbac:generation"
}

func (c *GrantsCache) entryKey(generation int64, userID string) string {
	return fmt.Sprintf("%s:rbac:grants:%d:%s", c.prefix, generation, userID)
}

func (c *GrantsCache) generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, c.generationKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read grants generation: %w", err)
	}
	return gen, nil
}

func (c *GrantsCache) Get(ctx context.Context, userID string) (policy.Grants, bool, error) {
	gen, err := c.generation(ctx)
	if err != nil {
		return policy.Grants{}, false, err
	}

	data, err := c.client.Get(ctx, c.entryKey(gen, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return policy.Grants{}, false, nil
	}
	if err != nil {
		return policy.Grants{}, false, fmt.Errorf("failed to read grants: %w", err)
	}

	var g policy.Grants
	if err := json.Unmarshal(data, &g); err != nil {
		return policy.Grants{}, false, fmt.Errorf("failed to unmarshal grants: %w", err)
	}
	return g, true, nil
}

func (c *GrantsCache) Set(ctx context.Context, userID string, grants policy.Grants) error {
	gen, err := c.generation(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(grants)
	if err != nil {
		return fmt.Errorf("failed to marshal grants: %w", err)
	}
	return c.client.Set(ctx, c.entryKey(gen, userID), data, c.ttl).Err()
}

// Invalidate moves to a new generation; old entries expire on their TTL.
func (c *GrantsCache) Invalidate(ctx context.Context) error {
	if err := c.client.Incr(ctx, c.generationKey()).Err(); err != nil {
		return fmt.Errorf("failed to bump grants generation: %w", err)
	}
	return nil
}
