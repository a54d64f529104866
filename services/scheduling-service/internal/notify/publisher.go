// Package notify emits scheduling events after state changes have committed. Delivery
// is best-effort: callers log failures and carry on.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/imescheduling/libs/kafkax"
	"github.com/segmentio/kafka-go"
)

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer  messageWriter
	logger  *slog.Logger
	timeout time.Duration
}

type KafkaConfig struct {
	Brokers string
	// WriteTimeout bounds a single publish. Defaults to five seconds.
	WriteTimeout time.Duration
}

// New returns a Kafka publisher, or a LogPublisher when no brokers are configured.
func New(logger *slog.Logger, cfg KafkaConfig) Publisher {
	brokers := kafkax.SplitBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		logger.Warn("event publishing disabled (no kafka brokers configured)")
		return LogPublisher{Logger: logger}
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
	return newKafkaPublisher(writer, logger, cfg.WriteTimeout)
}

func newKafkaPublisher(w messageWriter, logger *slog.Logger, timeout time.Duration) *KafkaPublisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KafkaPublisher{writer: w, logger: logger, timeout: timeout}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := kafka.Message{
		Topic:   e.EventType,
		Key:     []byte(e.AggregateID),
		Value:   e.Payload,
		Headers: kafkax.EventHeaders(ctx, uuid.NewString(), e.EventType),
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher records events in the log instead of sending them.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(_ context.Context, e Event) error {
	p.Logger.Info("event not published (kafka disabled)",
		"event_type", e.EventType,
		"aggregate_type", e.AggregateType,
		"aggregate_id", e.AggregateID,
	)
	return nil
}
