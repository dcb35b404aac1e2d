// Package outbox publishes recorded outbox rows and keeps their publish status current.
package outbox

import (
	"context"
	"time"

	"ordersaga/internal/messages"
	"ordersaga/internal/observability"

	"github.com/rs/zerolog"
)

// Message is one outbound transport message.
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// Publisher hands a message to the transport without waiting for the broker.
// done is called exactly once, possibly from another goroutine.
type Publisher interface {
	Publish(ctx context.Context, msg Message, done func(error))
}

// MessageFor builds the transport message for a row. The saga id is the partition key.
func MessageFor(ev Event) Message {
	headers := map[string]string{
		messages.HeaderSagaID:    ev.SagaID,
		messages.HeaderOutboxID:  ev.ID,
		messages.HeaderEventType: ev.EventType,
	}
	if ev.StepID != "" {
		headers[messages.HeaderStepID] = ev.StepID
	}
	return Message{
		Topic:   ev.Topic,
		Key:     ev.SagaID,
		Value:   []byte(ev.Payload),
		Headers: headers,
	}
}

// Outbox dispatches rows and records the transport's verdict in an independent write.
type Outbox struct {
	statuses    StatusStore
	publisher   Publisher
	metrics     *observability.Metrics
	logger      zerolog.Logger
	now         func() time.Time
	markTimeout time.Duration
}

// Option configures an Outbox.
type Option func(*Outbox)

func WithMetrics(m *observability.Metrics) Option {
	return func(o *Outbox) { o.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *Outbox) { o.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(o *Outbox) { o.now = now }
}

// WithMarkTimeout bounds the status update run after each send.
func WithMarkTimeout(d time.Duration) Option {
	return func(o *Outbox) {
		if d > 0 {
			o.markTimeout = d
		}
	}
}

// New constructs an Outbox.
func New(statuses StatusStore, publisher Publisher, opts ...Option) *Outbox {
	o := &Outbox{
		statuses:    statuses,
		publisher:   publisher,
		logger:      zerolog.Nop(),
		now:         time.Now,
		markTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Dispatch publishes ev and returns immediately. The row is marked PUBLISHED or FAILED once
// the transport reports back, on a context detached from the caller's.
func (o *Outbox) Dispatch(ctx context.Context, ev Event) {
	detached := context.WithoutCancel(ctx)
	o.publisher.Publish(ctx, MessageFor(ev), func(err error) {
		o.complete(detached, ev, err)
	})
}

func (o *Outbox) complete(ctx context.Context, ev Event, sendErr error) {
	ctx, cancel := context.WithTimeout(ctx, o.markTimeout)
	defer cancel()

	o.metrics.ObservePublish(ev.EventType, sendErr)
	log := o.logger.With().
		Str("outbox_id", ev.ID).
		Str("saga_id", ev.SagaID).
		Str("topic", ev.Topic).
		Str("event_type", ev.EventType).
		Logger()

	at := o.now().UTC()
	if sendErr != nil {
		log.Error().Err(sendErr).Msg("publish failed")
		if err := o.statuses.MarkFailed(ctx, ev.ID, at); err != nil {
			log.Error().Err(err).Msg("mark outbox event failed")
		}
		return
	}
	log.Debug().Msg("published")
	if err := o.statuses.MarkPublished(ctx, ev.ID, at); err != nil {
		log.Error().Err(err).Msg("mark outbox event published")
	}
}

// PublishSync publishes msg and waits for the transport's verdict.
func PublishSync(ctx context.Context, p Publisher, msg Message) error {
	done := make(chan error, 1)
	p.Publish(ctx, msg, func(err error) { done <- err })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
