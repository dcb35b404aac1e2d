package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"ordersaga/internal/messages"
	"ordersaga/internal/observability"
	"ordersaga/internal/outbox"
	"ordersaga/internal/saga"
)

// Outbox event types for compensations that could not complete.
const (
	EventTypePaymentCompensateDeadLetter   = "paymentCompensateDeadLetter"
	EventTypeInventoryCompensateDeadLetter = "inventoryCompensateDeadLetter"
)

// DeadLetterGateway parks sagas whose compensation failed for an operator to resolve.
// It never retries the compensation, and a saga is parked at most once per compensation kind.
type DeadLetterGateway struct {
	base
	metrics *observability.Metrics
}

// NewDeadLetterGateway constructs a DeadLetterGateway.
func NewDeadLetterGateway(d Deps, metrics *observability.Metrics) *DeadLetterGateway {
	return &DeadLetterGateway{base: newBase(d), metrics: metrics}
}

// Actions implements saga.ActionProvider.
func (g *DeadLetterGateway) Actions() map[saga.Action]saga.ActionFunc {
	return map[saga.Action]saga.ActionFunc{
		saga.ActionPaymentCompensateDeadLetter: func(ctx context.Context, ac saga.ActionContext) error {
			return g.park(ctx, ac, saga.StepPaymentCompensate, EventTypePaymentCompensateDeadLetter)
		},
		saga.ActionInventoryCompensateDeadLetter: func(ctx context.Context, ac saga.ActionContext) error {
			return g.park(ctx, ac, saga.StepInventoryCompensate, EventTypeInventoryCompensateDeadLetter)
		},
	}
}

func (g *DeadLetterGateway) park(ctx context.Context, ac saga.ActionContext, stepName, eventType string) error {
	st, err := g.load(ctx, ac)
	if err != nil {
		return err
	}

	var failed []string
	for _, step := range saga.FilterSteps(st.steps, stepName) {
		if step.Status == saga.StepFailed {
			failed = append(failed, step.ID)
		}
	}
	body, err := json.Marshal(messages.DeadLetterPayload{
		SagaID:        st.instance.ID,
		OrderID:       st.order.OrderID,
		State:         string(ac.Source),
		Event:         string(ac.Event),
		FailedStepIDs: failed,
		Reason:        ac.Headers[messages.HeaderReason],
	})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}

	rec := outbox.Record{
		SagaID:        st.instance.ID,
		AggregateType: saga.TypeOrder,
		AggregateID:   st.instance.ID,
		EventType:     eventType,
		Kind:          outbox.KindError,
		Topic:         messages.TopicDeadLetter,
		Payload:       string(body),
	}
	var ev outbox.Event
	parked := false
	err = g.work.Do(ctx, func(tx saga.Tx) error {
		exists, err := tx.HasEvent(ctx, rec.SagaID, rec.EventType, rec.Kind)
		if err != nil || exists {
			parked = exists
			return err
		}
		ev, err = tx.Enqueue(ctx, rec)
		return err
	})
	if err != nil {
		return fmt.Errorf("dead-letter saga %s: %w", st.instance.ID, err)
	}
	if parked {
		g.logger.Info().Str("saga_id", st.instance.ID).Str("event_type", eventType).Msg("saga already parked, skipping dead letter")
		return nil
	}
	g.dispatcher.Dispatch(ctx, ev)
	g.metrics.ObserveDeadLetter(messages.TopicDeadLetter)
	g.logger.Error().
		Str("saga_id", st.instance.ID).
		Strs("failed_steps", failed).
		Str("event", string(ac.Event)).
		Msg("compensation failed, saga parked for operator review")
	return nil
}
