package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ordersaga/internal/listener"
	"ordersaga/internal/logging"
	"ordersaga/internal/messages"
	"ordersaga/internal/observability"
	"ordersaga/internal/outbox"
	"ordersaga/internal/reliability"
	"ordersaga/internal/saga"

	"github.com/rs/zerolog"
	kafka "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// messageReader is the slice of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DeadLetterWriter publishes a message that could not be handled.
type DeadLetterWriter interface {
	Write(ctx context.Context, msg outbox.Message) error
}

// ConsumerConfig configures the consumer group reader.
type ConsumerConfig struct {
	Brokers  []string
	GroupID  string
	Topics   []string
	MinBytes int
	MaxBytes int
	MaxWait  time.Duration
}

// Consumer reads inbound topics in one consumer group and dispatches each message to its handler.
// Offsets are committed only after the handler succeeded or the message was dead-lettered.
type Consumer struct {
	reader   messageReader
	handlers map[string]listener.HandlerFunc
	retry    reliability.RetryPolicy
	dlq      DeadLetterWriter
	metrics  *observability.Metrics
	logger   zerolog.Logger

	propagator propagation.TextMapPropagator
}

// NewReader builds the kafka-go group reader.
func NewReader(cfg ConsumerConfig) *kafka.Reader {
	groupID := cfg.GroupID
	if groupID == "" {
		groupID = messages.ConsumerGroup
	}
	topics := cfg.Topics
	if len(topics) == 0 {
		topics = messages.InboundTopics()
	}
	minBytes := cfg.MinBytes
	if minBytes <= 0 {
		minBytes = 1
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 10e6
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     groupID,
		GroupTopics: topics,
		MinBytes:    minBytes,
		MaxBytes:    maxBytes,
		MaxWait:     cfg.MaxWait,
		StartOffset: kafka.FirstOffset,
	})
}

// NewConsumer wires a reader to handlers. Retryable handler errors are retried with policy;
// permanent or exhausted errors go to the topic's dead-letter queue.
func NewConsumer(reader messageReader, handlers map[string]listener.HandlerFunc, policy reliability.RetryPolicy, dlq DeadLetterWriter, metrics *observability.Metrics, logger zerolog.Logger) *Consumer {
	policy.ShouldRetry = func(err error) bool {
		return !saga.IsPermanent(err) && reliability.DefaultShouldRetry(err)
	}
	return &Consumer{
		reader:   reader,
		handlers: handlers,
		retry:    policy,
		dlq:      dlq,
		metrics:  metrics,
		logger:   logger,

		propagator: otel.GetTextMapPropagator(),
	}
}

// Run consumes until ctx is cancelled. Messages of one partition are handled serially.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka: fetch: %w", err)
		}

		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka: commit %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
		}
	}
}

// Close closes the reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// handle returns nil when the message may be committed. Handlers run under the
// span context carried in the message headers.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	env := fromKafka(msg)
	ctx = extractTrace(ctx, c.propagator, env.Headers)
	log := logging.WithTrace(ctx, c.logger).With().
		Str("topic", msg.Topic).
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Str("saga_id", env.Header(messages.HeaderSagaID)).
		Logger()

	handler, ok := c.handlers[msg.Topic]
	if !ok {
		return c.deadLetter(ctx, env, fmt.Errorf("no handler for topic %s", msg.Topic), log)
	}

	err := c.retry.Do(ctx, func(attempt int) error {
		err := handler(ctx, env)
		if err != nil && !saga.IsPermanent(err) {
			log.Warn().Err(err).Int("attempt", attempt).Msg("handler failed")
		}
		return err
	})
	if err == nil {
		return nil
	}
	if saga.IsCanceled(err) && ctx.Err() != nil {
		return err
	}
	return c.deadLetter(ctx, env, err, log)
}

func (c *Consumer) deadLetter(ctx context.Context, env messages.Envelope, cause error, log zerolog.Logger) error {
	if c.dlq == nil {
		return fmt.Errorf("no dead-letter writer for %s: %w", env.Topic, cause)
	}
	headers := make(map[string]string, len(env.Headers)+2)
	for k, v := range env.Headers {
		headers[k] = v
	}
	headers[messages.HeaderTopic] = env.Topic
	headers[messages.HeaderError] = cause.Error()

	topic := messages.DLQTopic(env.Topic)
	msg := outbox.Message{Topic: topic, Key: env.Key, Value: env.Value, Headers: headers}
	if err := c.retry.Do(ctx, func(int) error { return c.dlq.Write(ctx, msg) }); err != nil {
		return errors.Join(fmt.Errorf("dead-letter to %s: %w", topic, err), cause)
	}
	c.metrics.ObserveDeadLetter(topic)
	log.Error().Err(cause).Str("dlq", topic).Msg("message dead-lettered")
	return nil
}
