// Package gateway turns provider-specific webhook payloads into normalized
// payment events.
package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"kasirpay/backend/internal/domain"
)

var (
	ErrUnknownProvider  = errors.New("unknown payment provider")
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// Request is an inbound webhook as received on the wire.
type Request struct {
	Headers http.Header
	Target  string
	Body    []byte
}

type Adapter interface {
	Name() string
	Verify(req Request) bool
	Normalize(req Request) (domain.PaymentEvent, error)
}

type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		r.adapters[a.Name()] = a
	}
	return r
}

func (r *Registry) Lookup(provider string) (Adapter, error) {
	a, ok := r.adapters[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return a, nil
}

// PayloadHash identifies a payload in logs without exposing its content.
func PayloadHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func logUnmapped(logger *zap.Logger, provider, status, orderID string) {
	logger.Warn("unmapped provider status treated as pending",
		zap.String("provider", provider),
		zap.String("provider_status", status),
		zap.String("order_id", orderID),
	)
}

func normalizeLabel(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
