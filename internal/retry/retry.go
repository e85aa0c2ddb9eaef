package retry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultAttempts  = 3
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 8 * time.Second
)

// Executor reruns an operation with exponential backoff while Retryable
// reports its error as transient. Any other error is returned immediately.
type Executor struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Retryable func(error) bool
	Logger    *zap.Logger
}

func New(attempts int, baseDelay time.Duration, retryable func(error) bool, logger *zap.Logger) *Executor {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		Attempts:  attempts,
		BaseDelay: baseDelay,
		MaxDelay:  DefaultMaxDelay,
		Retryable: retryable,
		Logger:    logger,
	}
}

func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := e.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := e.delay(attempt)
			if e.Logger != nil {
				e.Logger.Warn("retrying transient failure",
					zap.Int("attempt", attempt+1),
					zap.Duration("delay", delay),
					zap.Error(lastErr),
				)
			}
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if e.Retryable == nil || !e.Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// delay is 1x, 2x, 4x ... BaseDelay, capped at MaxDelay.
func (e *Executor) delay(attempt int) time.Duration {
	d := e.BaseDelay << (attempt - 1)
	if d <= 0 || (e.MaxDelay > 0 && d > e.MaxDelay) {
		return e.MaxDelay
	}
	return d
}
