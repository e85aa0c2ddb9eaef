// Package notify publishes reconciliation events after they are committed.
// Publishing never blocks or fails the caller.
package notify

import (
	"context"

	"go.uber.org/zap"

	"kasirpay/backend/internal/domain"
)

type Notifier interface {
	Publish(ctx context.Context, event domain.ReconciliationEvent)
}

type Noop struct{}

func (Noop) Publish(context.Context, domain.ReconciliationEvent) {}

// Log writes events to the application log, for deployments without a broker.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger.Named("notify")}
}

func (l *Log) Publish(_ context.Context, event domain.ReconciliationEvent) {
	fields := []zap.Field{
		zap.String("type", event.Type),
		zap.String("order_id", event.TransactionID),
		zap.String("status", string(event.Status)),
		zap.String("payment_status", string(event.PaymentStatus)),
	}
	if event.Provider != "" {
		fields = append(fields, zap.String("provider", event.Provider))
	}
	if event.NeedsReview {
		l.logger.Warn("transaction flagged for review", append(fields, zap.String("review_reason", event.ReviewReason))...)
		return
	}
	l.logger.Info("reconciliation event", fields...)
}

// Multi fans an event out to several notifiers in order.
type Multi []Notifier

func (m Multi) Publish(ctx context.Context, event domain.ReconciliationEvent) {
	for _, n := range m {
		if n != nil {
			n.Publish(ctx, event)
		}
	}
}
