package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtroode/academysync/internal/policy"
)

func TestGrantsCache(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 9, 1, 9, 0, 0, 0, time.UTC)
	c := NewGrantsCache(time.Minute, 0)
	c.now = func() time.Time { return now }

	_, ok, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "u1", policy.Grants{UserID: "u1"}))
	g, ok, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "u1", g.UserID)

	t.Run("expires after ttl", func(t *testing.T) {
		now = now.Add(time.Minute)
		_, ok, _ := c.Get(ctx, "u1")
		assert.False(t, ok)
	})

	t.Run("invalidate clears everything", func(t *testing.T) {
		require.NoError(t, c.Set(ctx, "u2", policy.Grants{UserID: "u2"}))
		require.NoError(t, c.Invalidate(ctx))
		assert.Equal(t, 0, c.Size())
	})
}

func TestGrantsCache_MaxSize(t *testing.T) {
	ctx := context.Background()
	c := NewGrantsCache(time.Hour, 2)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, c.Set(ctx, id, policy.Grants{UserID: id}))
	}
	assert.Equal(t, 2, c.Size())

	_, ok, _ := c.Get(ctx, "c")
	assert.True(t, ok)
}
