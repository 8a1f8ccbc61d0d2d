// Package memory provides process-local caches.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/dtroode/academysync/internal/policy"
)

type grantsEntry struct {
	grants    policy.Grants
	expiresAt time.Time
}

// GrantsCache keeps resolved grants per user for a fixed TTL.
type GrantsCache struct {
	mu      sync.RWMutex
	entries map[string]grantsEntry
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// NewGrantsCache creates a cache; maxSize of zero means unbounded.
func NewGrantsCache(ttl time.Duration, maxSize int) *GrantsCache {
	return &GrantsCache{
		entries: make(map[string]grantsEntry),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

func (c *GrantsCache) Get(_ context.Context, userID string) (policy.Grants, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[userID]
	if !ok || !c.now().Before(entry.expiresAt) {
		return policy.Grants{}, false, nil
	}
	return entry.grants, true, nil
}

func (c *GrantsCache) Set(_ context.Context, userID string, grants policy.Grants) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		for id, e := range c.entries {
			if !now.Before(e.expiresAt) {
				delete(c.entries, id)
			}
		}
		// still full: drop an arbitrary entry
		if len(c.entries) >= c.maxSize {
			for id := range c.entries {
				delete(c.entries, id)
				break
			}
		}
	}

	c.entries[userID] = grantsEntry{grants: grants, expiresAt: now.Add(c.ttl)}
	return nil
}

// Invalidate drops every entry.
func (c *GrantsCache) Invalidate(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]grantsEntry)
	return nil
}

func (c *GrantsCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
