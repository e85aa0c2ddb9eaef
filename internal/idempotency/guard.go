// Package idempotency derives duplicate-suppression keys for both entry
// points: client keys on checkout and event keys on gateway webhooks.
package idempotency

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"kasirpay/backend/internal/cache"
	"kasirpay/backend/internal/domain"
)

const (
	HeaderKey = "X-Idempotency-Key"

	maxClientKeyLength = 128
)

// EventKey identifies one gateway delivery. Providers that send a stable
// event id are keyed by it; the rest fall back to the provider status, so
// (order, status) redeliveries collapse into one key.
func EventKey(ev domain.PaymentEvent) string {
	discriminator := strings.TrimSpace(ev.EventID)
	if discriminator == "" {
		discriminator = strings.ToLower(strings.TrimSpace(ev.ProviderStatus))
	}
	return strings.ToLower(strings.TrimSpace(ev.Provider)) + ":" + strings.TrimSpace(ev.OrderID) + ":" + discriminator
}

// NormalizeClientKey picks the header key over the body field. It returns
// false when the chosen key is unusable.
func NormalizeClientKey(header, body string) (string, bool) {
	key := strings.TrimSpace(header)
	if key == "" {
		key = strings.TrimSpace(body)
	}
	if key == "" {
		return "", true
	}
	if len(key) > maxClientKeyLength || strings.ContainsAny(key, "\r\n\t ") {
		return "", false
	}
	return key, true
}

// Guard fronts the authoritative processed-events record with a cache.
// Cache failures degrade to a miss and are never returned to callers.
type Guard struct {
	cache  cache.EventDedup
	ttl    time.Duration
	logger *zap.Logger
}

func NewGuard(dedup cache.EventDedup, ttl time.Duration, logger *zap.Logger) *Guard {
	if dedup == nil {
		dedup = cache.NoopEventDedup{}
	}
	if ttl <= 0 {
		ttl = cache.DefaultDedupTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{cache: dedup, ttl: ttl, logger: logger.Named("idempotency")}
}

func (g *Guard) AlreadyProcessed(ctx context.Context, eventKey string) (string, bool) {
	txID, ok, err := g.cache.Get(ctx, eventKey)
	if err != nil {
		g.logger.Warn("dedup cache read failed", zap.String("event_key", eventKey), zap.Error(err))
		return "", false
	}
	return txID, ok
}

func (g *Guard) MarkProcessed(ctx context.Context, eventKey, transactionID string) {
	if err := g.cache.Set(ctx, eventKey, transactionID, g.ttl); err != nil {
		g.logger.Warn("dedup cache write failed", zap.String("event_key", eventKey), zap.Error(err))
	}
}
