// Package engine drives the order saga state machine. An engine holds no per-saga state:
// every Send restores the context from storage, applies one event, and persists the result.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"ordersaga/internal/messages"
	"ordersaga/internal/observability"
	"ordersaga/internal/saga"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Notifier receives every committed transition. Failures are logged, never propagated.
type Notifier interface {
	Notify(ctx context.Context, change saga.StateChange) error
}

// Outcome reports what Send did. When Accepted is false the event was ignored and From == To.
type Outcome struct {
	Accepted bool
	From     saga.State
	To       saga.State
	Event    saga.Event
}

// Engine applies events to persisted saga contexts.
type Engine struct {
	contexts saga.ContextPersister
	actions  map[saga.Action]saga.ActionFunc
	notifier Notifier
	metrics  *observability.Metrics
	logger   zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	notifyTimeout time.Duration
	locks         [lockStripes]sync.Mutex
}

const (
	defaultNotifyTimeout = 2 * time.Second
	lockStripes          = 64
)

// Option configures an Engine.
type Option func(*Engine)

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithNotifyTimeout bounds how long Send waits on the notifier.
func WithNotifyTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.notifyTimeout = d
		}
	}
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// New builds an engine whose action registry is assembled from providers.
// Every action referenced by the transition table must be provided exactly once.
func New(contexts saga.ContextPersister, providers []saga.ActionProvider, opts ...Option) (*Engine, error) {
	if contexts == nil {
		return nil, errors.New("engine: context persister is required")
	}
	registry := make(map[saga.Action]saga.ActionFunc)
	for _, p := range providers {
		for action, fn := range p.Actions() {
			if _, dup := registry[action]; dup {
				return nil, fmt.Errorf("engine: action %s provided twice", action)
			}
			registry[action] = fn
		}
	}
	for _, action := range saga.Actions() {
		if registry[action] == nil {
			return nil, fmt.Errorf("engine: %w: %s", saga.ErrMissingAction, action)
		}
	}

	e := &Engine{
		contexts: contexts,
		actions:  registry,
		logger:   zerolog.Nop(),
		tracer:   otel.Tracer("ordersaga/engine"),
		now:      time.Now,

		notifyTimeout: defaultNotifyTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// lock serializes Ensure and Send per saga within this process, so the recovery
// sweeper and the Kafka listener never apply events to the same saga at once.
func (e *Engine) lock(sagaID string) func() {
	h := fnv.New32a()
	h.Write([]byte(sagaID))
	mu := &e.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// Ensure persists initial unless a context already exists for the saga, and returns the stored one.
func (e *Engine) Ensure(ctx context.Context, initial saga.EngineContext) (saga.EngineContext, error) {
	defer e.lock(initial.MachineID)()
	existing, err := e.contexts.Load(ctx, initial.MachineID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, saga.ErrSagaNotFound) {
		return saga.EngineContext{}, err
	}
	if err := e.contexts.Save(ctx, initial); err != nil {
		return saga.EngineContext{}, fmt.Errorf("saga %s: persist initial context: %w", initial.MachineID, err)
	}
	return initial, nil
}

// Current returns the committed state of a saga.
func (e *Engine) Current(ctx context.Context, sagaID string) (saga.State, error) {
	ec, err := e.contexts.Load(ctx, sagaID)
	if err != nil {
		return "", err
	}
	return ec.State, nil
}

// Send feeds one event to the saga. The transition's action runs before the new state is
// committed; if it fails nothing is committed and the error is returned.
func (e *Engine) Send(ctx context.Context, sagaID string, event saga.Event, headers map[string]string) (Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "saga.send", trace.WithAttributes(
		attribute.String("saga.id", sagaID),
		attribute.String("saga.event", string(event)),
	))
	defer span.End()
	defer e.lock(sagaID)()

	ec, err := e.contexts.Load(ctx, sagaID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load context")
		return Outcome{}, err
	}

	log := e.logger.With().Str("saga_id", sagaID).Str("event", string(event)).Str("state", string(ec.State)).Logger()

	tr, ok := saga.Lookup(ec.State, event)
	if !ok {
		e.metrics.ObserveRejected(string(ec.State), string(event))
		log.Debug().Msg("event not valid for current state, ignoring")
		return Outcome{From: ec.State, To: ec.State, Event: event}, nil
	}

	hdrs := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		hdrs[k] = v
	}
	hdrs[messages.HeaderSagaID] = sagaID

	machineID := ec.MachineID
	if machineID == "" {
		machineID = sagaID
	}
	vars := ec.Variables

	if tr.Action != saga.ActionNone {
		fn := e.actions[tr.Action]
		err := fn(ctx, saga.ActionContext{
			MachineID: machineID,
			Source:    tr.Source,
			Target:    tr.Target,
			Event:     event,
			Headers:   hdrs,
			Variables: &vars,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "action failed")
			return Outcome{}, fmt.Errorf("saga %s: action %s: %w", sagaID, tr.Action, err)
		}
	}

	now := e.now().UTC()
	vars.Transitions++
	vars.UpdatedAt = now
	if step := hdrs[messages.HeaderStepID]; step != "" {
		vars.LastStepID = step
	}
	if reason := hdrs[messages.HeaderReason]; reason != "" {
		vars.FailureReason = reason
	}

	ec.MachineID = machineID
	ec.State = tr.Target
	ec.Event = event
	ec.Headers = hdrs
	ec.Variables = vars
	if err := e.contexts.Save(ctx, ec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist context")
		return Outcome{}, fmt.Errorf("saga %s: persist context: %w", sagaID, err)
	}

	e.metrics.ObserveTransition(string(tr.Source), string(tr.Target), string(event))
	log.Info().Str("target", string(tr.Target)).Msg("saga transitioned")

	if e.notifier != nil {
		change := saga.StateChange{SagaID: sagaID, From: tr.Source, To: tr.Target, Event: event, At: now}
		notifyCtx, cancel := context.WithTimeout(ctx, e.notifyTimeout)
		err := e.notifier.Notify(notifyCtx, change)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("broadcast state change")
		}
	}

	return Outcome{Accepted: true, From: tr.Source, To: tr.Target, Event: event}, nil
}
