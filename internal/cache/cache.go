package cache

import (
	"context"
	"sync"
	"time"
)

// EventDedup remembers webhook events that were already committed. It is an
// advisory fast path; the processed_events table stays authoritative.
type EventDedup interface {
	Get(ctx context.Context, eventKey string) (string, bool, error)
	Set(ctx context.Context, eventKey string, transactionID string, ttl time.Duration) error
}

type NoopEventDedup struct{}

func (NoopEventDedup) Get(_ context.Context, _ string) (string, bool, error) {
	return "", false, nil
}

func (NoopEventDedup) Set(_ context.Context, _ string, _ string, _ time.Duration) error {
	return nil
}

// MemoryEventDedup is a process-local EventDedup for single-node setups.
type MemoryEventDedup struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	transactionID string
	expiresAt     time.Time
}

func NewMemoryEventDedup() *MemoryEventDedup {
	return &MemoryEventDedup{entries: map[string]memoryEntry{}, now: time.Now}
}

func (c *MemoryEventDedup) Get(_ context.Context, eventKey string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[eventKey]
	if !ok {
		return "", false, nil
	}
	if !entry.expiresAt.IsZero() && c.now().After(entry.expiresAt) {
		delete(c.entries, eventKey)
		return "", false, nil
	}
	return entry.transactionID, true, nil
}

func (c *MemoryEventDedup) Set(_ context.Context, eventKey string, transactionID string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := memoryEntry{transactionID: transactionID}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}
	c.entries[eventKey] = entry
	return nil
}
