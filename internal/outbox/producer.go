package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

const defaultBatchTimeout = 10 * time.Millisecond

// KafkaProducer publishes outbox records with one lazily created writer per topic.
// Records are partitioned by key hash, so every event for one user (or one webhook
// owner) lands on the same partition and the consumer sees them in commit order.
type KafkaProducer struct {
	brokers      []string
	batchTimeout time.Duration
	logger       zerolog.Logger

	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

// ProducerOption customises the KafkaProducer.
type ProducerOption func(*KafkaProducer)

// WithProducerLogger routes writer errors to logger.
func WithProducerLogger(logger zerolog.Logger) ProducerOption {
	return func(p *KafkaProducer) {
		p.logger = logger
	}
}

// WithBatchTimeout bounds how long a synchronous write waits to fill a batch.
func WithBatchTimeout(timeout time.Duration) ProducerOption {
	return func(p *KafkaProducer) {
		if timeout > 0 {
			p.batchTimeout = timeout
		}
	}
}

// NewKafkaProducer creates a KafkaProducer for brokers.
func NewKafkaProducer(brokers []string, opts ...ProducerOption) *KafkaProducer {
	p := &KafkaProducer{
		brokers:      brokers,
		batchTimeout: defaultBatchTimeout,
		logger:       zerolog.Nop(),
		writers:      make(map[string]*kafka.Writer),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WriteMessages publishes msgs to topic and blocks until every broker replica acked.
func (p *KafkaProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	return p.writerForTopic(topic).WriteMessages(ctx, msgs...)
}

func (p *KafkaProducer) writerForTopic(topic string) *kafka.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if writer, ok := p.writers[topic]; ok {
		return writer
	}

	logger := p.logger.With().Str("topic", topic).Logger()
	writer := &kafka.Writer{
		Addr:         kafka.TCP(p.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		BatchTimeout: p.batchTimeout,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			logger.Error().Msgf(msg, args...)
		}),
	}
	p.writers[topic] = writer
	return writer
}

// Close flushes and releases every writer.
func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for topic, writer := range p.writers {
		if err := writer.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(p.writers, topic)
	}
	return errors.Join(errs...)
}
