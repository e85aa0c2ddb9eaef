package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryEventDedupExpires(t *testing.T) {
	c := NewMemoryEventDedup()
	clock := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }
	ctx := context.Background()

	if err := c.Set(ctx, "midtrans:INV-1:mt-1:settlement", "INV-1", time.Hour); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	txID, ok, err := c.Get(ctx, "midtrans:INV-1:mt-1:settlement")
	if err != nil || !ok || txID != "INV-1" {
		t.Fatalf("expected hit, got %q %v %v", txID, ok, err)
	}

	clock = clock.Add(2 * time.Hour)
	if _, ok, _ := c.Get(ctx, "midtrans:INV-1:mt-1:settlement"); ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestNoopEventDedupNeverHits(t *testing.T) {
	var c EventDedup = NoopEventDedup{}
	_ = c.Set(context.Background(), "k", "tx", time.Hour)
	if _, ok, _ := c.Get(context.Background(), "k"); ok {
		t.Fatalf("noop cache must never hit")
	}
}
