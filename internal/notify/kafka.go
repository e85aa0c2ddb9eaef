package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"kasirpay/backend/internal/domain"
)

const DefaultKafkaTopic = "pos.reconciliation"

// Kafka publishes events keyed by transaction id, so every event of one order
// lands on the same partition in commit order.
type Kafka struct {
	w       *kafka.Writer
	inbox   chan kafka.Message
	done    chan struct{}
	logger  *zap.Logger
	mu      sync.RWMutex
	closed  bool
	started sync.Once
}

func NewKafka(brokers []string, topic string, buf int, logger *zap.Logger) *Kafka {
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	if buf <= 0 {
		buf = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("kafka")

	return &Kafka{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        true,
			BatchTimeout: 50 * time.Millisecond,
			Completion: func(messages []kafka.Message, err error) {
				if err != nil {
					logger.Error("publish failed", zap.Int("messages", len(messages)), zap.Error(err))
				}
			},
		},
		inbox:  make(chan kafka.Message, buf),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (k *Kafka) Start() {
	k.started.Do(func() {
		go k.loop()
	})
}

func (k *Kafka) loop() {
	defer close(k.done)
	for m := range k.inbox {
		if err := k.w.WriteMessages(context.Background(), m); err != nil {
			k.logger.Error("enqueue failed", zap.ByteString("key", m.Key), zap.Error(err))
		}
	}
	if err := k.w.Close(); err != nil {
		k.logger.Warn("writer close failed", zap.Error(err))
	}
}

func (k *Kafka) Publish(_ context.Context, event domain.ReconciliationEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		k.logger.Error("marshal event failed", zap.String("order_id", event.TransactionID), zap.Error(err))
		return
	}
	msg := kafka.Message{
		Key:   []byte(event.TransactionID),
		Value: payload,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return
	}
	select {
	case k.inbox <- msg:
	default:
		k.logger.Warn("publish buffer full, event dropped",
			zap.String("type", event.Type),
			zap.String("order_id", event.TransactionID),
		)
	}
}

// Close stops accepting events and flushes the buffer. It blocks until the
// writer is closed when Start was called.
func (k *Kafka) Close() {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return
	}
	k.closed = true
	close(k.inbox)
	k.mu.Unlock()

	k.started.Do(func() {
		close(k.done)
	})
	<-k.done
}
