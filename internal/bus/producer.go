// Package bus moves saga messages over Kafka.
package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ordersaga/internal/messages"
	"ordersaga/internal/outbox"
	"ordersaga/internal/saga"

	"github.com/rs/zerolog"
	kafka "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// messageWriter is the slice of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ProducerConfig configures the Kafka writer.
type ProducerConfig struct {
	Brokers      []string
	WriteTimeout time.Duration
	BatchTimeout time.Duration
}

// Producer publishes commands, state changes and dead letters. Messages are keyed by saga id
// and partitioned with a hash balancer so one saga's messages stay ordered. The span context of
// the publishing ctx travels in the message headers.
type Producer struct {
	writer       messageWriter
	writeTimeout time.Duration
	logger       zerolog.Logger
	propagator   propagation.TextMapPropagator

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// NewProducer builds a Producer on a kafka-go writer.
func NewProducer(cfg ProducerConfig, logger zerolog.Logger) *Producer {
	batch := cfg.BatchTimeout
	if batch <= 0 {
		batch = 10 * time.Millisecond
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           batch,
		AllowAutoTopicCreation: true,
	}
	return newProducer(w, cfg.WriteTimeout, logger)
}

func newProducer(w messageWriter, writeTimeout time.Duration, logger zerolog.Logger) *Producer {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Producer{writer: w, writeTimeout: writeTimeout, logger: logger, propagator: otel.GetTextMapPropagator()}
}

// Publish implements outbox.Publisher. It returns at once and reports the broker's verdict through done.
func (p *Producer) Publish(ctx context.Context, msg outbox.Message, done func(error)) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		done(fmt.Errorf("kafka producer closed"))
		return
	}
	p.inflight.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.inflight.Done()
		done(p.Write(context.WithoutCancel(ctx), msg))
	}()
}

// Write publishes msg and waits for the broker.
func (p *Producer) Write(ctx context.Context, msg outbox.Message) error {
	ctx, cancel := context.WithTimeout(ctx, p.writeTimeout)
	defer cancel()
	msg.Headers = injectTrace(ctx, p.propagator, msg.Headers)
	if err := p.writer.WriteMessages(ctx, toKafka(msg)); err != nil {
		return fmt.Errorf("kafka: write to %s: %w", msg.Topic, err)
	}
	return nil
}

// Notify publishes a committed transition on the state topic with the new state as the value.
func (p *Producer) Notify(ctx context.Context, change saga.StateChange) error {
	return p.Write(ctx, outbox.Message{
		Topic: messages.TopicState,
		Key:   change.SagaID,
		Value: []byte(change.To),
		Headers: map[string]string{
			messages.HeaderSagaID:    change.SagaID,
			messages.HeaderEventType: string(change.Event),
		},
	})
}

// Close waits for in-flight publishes then closes the writer.
func (p *Producer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.inflight.Wait()
	return p.writer.Close()
}

func toKafka(msg outbox.Message) kafka.Message {
	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	headers := make([]kafka.Header, 0, len(keys))
	for _, k := range keys {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(msg.Headers[k])})
	}
	return kafka.Message{
		Topic:   msg.Topic,
		Key:     []byte(msg.Key),
		Value:   msg.Value,
		Headers: headers,
	}
}

func fromKafka(msg kafka.Message) messages.Envelope {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	return messages.Envelope{
		Topic:   msg.Topic,
		Key:     string(msg.Key),
		Value:   msg.Value,
		Headers: headers,
	}
}
