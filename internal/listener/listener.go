// Package listener turns inbound participant messages into saga events.
package listener

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ordersaga/internal/engine"
	"ordersaga/internal/logging"
	"ordersaga/internal/messages"
	"ordersaga/internal/observability"
	"ordersaga/internal/saga"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Engine is the part of the saga engine the listeners drive.
type Engine interface {
	Ensure(ctx context.Context, initial saga.EngineContext) (saga.EngineContext, error)
	Send(ctx context.Context, sagaID string, event saga.Event, headers map[string]string) (engine.Outcome, error)
}

// HandlerFunc handles one inbound message.
type HandlerFunc func(ctx context.Context, env messages.Envelope) error

// Listener owns every inbound handler.
type Listener struct {
	engine    Engine
	instances saga.InstanceStore
	ledger    saga.StepLedger
	metrics   *observability.Metrics
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
	newID     func() string
}

// Option configures a Listener.
type Option func(*Listener)

func WithMetrics(m *observability.Metrics) Option {
	return func(l *Listener) { l.metrics = m }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Listener) { l.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(l *Listener) { l.now = now }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(l *Listener) {
		if t != nil {
			l.tracer = t
		}
	}
}

// WithIDGenerator overrides how saga ids are minted.
func WithIDGenerator(newID func() string) Option {
	return func(l *Listener) { l.newID = newID }
}

// New constructs a Listener.
func New(eng Engine, instances saga.InstanceStore, ledger saga.StepLedger, opts ...Option) *Listener {
	l := &Listener{
		engine:    eng,
		instances: instances,
		ledger:    ledger,
		logger:    zerolog.Nop(),
		tracer:    otel.Tracer("ordersaga/listener"),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Handlers maps every inbound topic to its handler.
func (l *Listener) Handlers() map[string]HandlerFunc {
	out := make(map[string]HandlerFunc, len(routes)+1)
	out[messages.TopicOrderCreated] = l.instrument(messages.TopicOrderCreated, l.handleOrderCreated)
	for topic, r := range routes {
		r := r
		out[topic] = l.instrument(topic, func(ctx context.Context, env messages.Envelope) error {
			return l.handleResult(ctx, env, r)
		})
	}
	return out
}

func (l *Listener) instrument(topic string, fn HandlerFunc) HandlerFunc {
	return func(ctx context.Context, env messages.Envelope) error {
		ctx, span := l.tracer.Start(ctx, "saga.listen", trace.WithAttributes(
			attribute.String("messaging.destination", topic),
			attribute.String("saga.id", env.Header(messages.HeaderSagaID)),
		))
		defer span.End()
		timer := l.metrics.StartMessage(topic)

		err := fn(ctx, env)
		switch {
		case err == nil:
			timer.End("ok")
		case saga.IsPermanent(err):
			timer.End("rejected")
			span.RecordError(err)
			span.SetStatus(codes.Error, "permanent failure")
			log := logging.WithTrace(ctx, l.logger)
			log.Error().Err(err).Str("topic", topic).Msg("message cannot be processed")
		default:
			timer.End("error")
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler failed")
		}
		return err
	}
}

func (l *Listener) handleOrderCreated(ctx context.Context, env messages.Envelope) error {
	order, err := messages.DecodeOrderCreated(env.Value)
	if err != nil {
		return fmt.Errorf("%w: order created: %v", saga.ErrMalformedMessage, err)
	}

	inst, created, err := l.instances.Create(ctx, saga.Instance{
		ID:      l.newID(),
		Type:    saga.TypeOrder,
		State:   saga.StateOrderCreated,
		OrderID: order.OrderID,
		Context: string(env.Value),
	})
	if err != nil {
		return fmt.Errorf("create saga for order %s: %w", order.OrderID, err)
	}
	log := logging.WithTrace(ctx, l.logger).With().Str("saga_id", inst.ID).Str("order_id", order.OrderID).Logger()
	if !created && inst.State != saga.StateOrderCreated {
		log.Info().Str("state", string(inst.State)).Msg("duplicate order created event ignored")
		return nil
	}

	if _, err := l.engine.Ensure(ctx, saga.NewOrderContext(inst.ID, order, l.now())); err != nil {
		return err
	}
	out, err := l.engine.Send(ctx, inst.ID, saga.EventStartOrder, l.headers(ctx, env, inst.ID, ""))
	if err != nil {
		return err
	}
	if out.Accepted {
		if err := l.instances.UpdateState(ctx, inst.ID, out.To); err != nil {
			return fmt.Errorf("saga %s: update state: %w", inst.ID, err)
		}
	}
	log.Info().Bool("created", created).Str("state", string(out.To)).Msg("saga started")
	return nil
}

func (l *Listener) handleResult(ctx context.Context, env messages.Envelope, r route) error {
	result, err := messages.DecodeResult(env.Value)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", saga.ErrMalformedMessage, env.Topic, err)
	}
	sagaID := result.SagaID
	if sagaID == "" {
		sagaID = env.Header(messages.HeaderSagaID)
	}
	if sagaID == "" {
		return fmt.Errorf("%w: %s: no saga id", saga.ErrMalformedMessage, env.Topic)
	}
	log := logging.WithTrace(ctx, l.logger).With().
		Str("saga_id", sagaID).
		Str("step_id", result.StepID).
		Str("topic", env.Topic).
		Logger()

	if _, err := l.instances.Get(ctx, sagaID); err != nil {
		return err
	}
	step, err := l.ledger.GetStep(ctx, result.StepID)
	if err != nil {
		return err
	}
	if step.SagaID != sagaID || step.Name != r.stepName {
		return fmt.Errorf("%w: step %s (%s) does not belong to saga %s as %s",
			saga.ErrStepNotFound, step.ID, step.Name, sagaID, r.stepName)
	}

	if err := l.ledger.UpdateStatus(ctx, step.ID, r.status, string(env.Value)); err != nil {
		if errors.Is(err, saga.ErrStepStatusRegression) {
			log.Warn().Str("status", string(step.Status)).Msg("late result for settled step ignored")
			return nil
		}
		return err
	}

	if r.gate {
		siblings, err := l.ledger.StepsByName(ctx, sagaID, r.stepName)
		if err != nil {
			return err
		}
		if !saga.AllTerminalSuccess(siblings) {
			log.Debug().Int("steps", len(siblings)).Msg("waiting for sibling steps")
			return nil
		}
	}

	headers := l.headers(ctx, env, sagaID, step.ID)
	if reason := result.FailureReason(); reason != "" {
		headers[messages.HeaderReason] = reason
	}
	out, err := l.engine.Send(ctx, sagaID, r.event, headers)
	if err != nil {
		return err
	}
	if !out.Accepted {
		log.Debug().Str("event", string(r.event)).Str("state", string(out.From)).Msg("event not applicable")
		return nil
	}
	if err := l.instances.UpdateState(ctx, sagaID, out.To); err != nil {
		return fmt.Errorf("saga %s: update state: %w", sagaID, err)
	}
	return nil
}

func (l *Listener) headers(ctx context.Context, env messages.Envelope, sagaID, stepID string) map[string]string {
	h := map[string]string{
		messages.HeaderSagaID: sagaID,
		messages.HeaderTopic:  env.Topic,
	}
	if stepID != "" {
		h[messages.HeaderStepID] = stepID
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		h[messages.HeaderTraceID] = sc.TraceID().String()
	}
	return h
}
