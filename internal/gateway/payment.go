package gateway

import (
	"context"
	"fmt"

	"ordersaga/internal/messages"
	"ordersaga/internal/saga"
)

// Outbox event types emitted by the payment gateway.
const (
	EventTypePaymentRequest    = "PaymentRequest"
	EventTypePaymentCompensate = "inventoryFailurePaymentCompensate"
)

// PaymentGateway issues payment commands.
type PaymentGateway struct {
	base
}

// NewPaymentGateway constructs a PaymentGateway.
func NewPaymentGateway(d Deps) *PaymentGateway {
	return &PaymentGateway{base: newBase(d)}
}

// Actions implements saga.ActionProvider.
func (g *PaymentGateway) Actions() map[saga.Action]saga.ActionFunc {
	return map[saga.Action]saga.ActionFunc{
		saga.ActionRequestPayment:    g.RequestPayment,
		saga.ActionCompensatePayment: g.CompensatePayment,
	}
}

// RequestPayment records one payment step for the whole order.
func (g *PaymentGateway) RequestPayment(ctx context.Context, ac saga.ActionContext) error {
	st, err := g.load(ctx, ac)
	if err != nil {
		return err
	}
	if existing := saga.FilterSteps(st.steps, saga.StepPaymentRequest); len(existing) > 0 {
		g.logger.Info().Str("saga_id", st.instance.ID).Msg("payment request already recorded")
		ac.Variables.PaymentID = existing[0].AggregateID
		return nil
	}

	stepID := g.newID()
	paymentID := g.newID()
	cmd, err := newCommand(commandSpec{
		sagaID:        st.instance.ID,
		stepID:        stepID,
		stepName:      saga.StepPaymentRequest,
		stepType:      saga.StepForward,
		status:        saga.StepInProgress,
		aggregateType: saga.AggregatePayment,
		aggregateID:   paymentID,
		eventType:     EventTypePaymentRequest,
		topic:         messages.TopicPaymentRequestCommand,
		payload: messages.PaymentRequestPayload{
			CommandHeader:   messages.CommandHeader{SagaID: st.instance.ID, StepID: stepID},
			OrderID:         st.order.OrderID,
			UserID:          st.order.CustomerID,
			PaymentID:       paymentID,
			Amount:          st.order.TotalPrice,
			PaymentMethodID: st.order.PaymentMethodID,
			Currency:        st.order.Currency,
		},
	})
	if err != nil {
		return err
	}
	if err := g.record(ctx, []command{cmd}); err != nil {
		return fmt.Errorf("request payment for saga %s: %w", st.instance.ID, err)
	}
	ac.Variables.PaymentID = paymentID
	return nil
}

// CompensatePayment refunds every completed payment step.
func (g *PaymentGateway) CompensatePayment(ctx context.Context, ac saga.ActionContext) error {
	st, err := g.load(ctx, ac)
	if err != nil {
		return err
	}
	if len(saga.FilterSteps(st.steps, saga.StepPaymentCompensate)) > 0 {
		g.logger.Info().Str("saga_id", st.instance.ID).Msg("payment compensation already recorded")
		return nil
	}

	var cmds []command
	for _, paid := range saga.FilterSteps(st.steps, saga.StepPaymentRequest) {
		if paid.Status != saga.StepDone {
			continue
		}
		stepID := g.newID()
		cmd, err := newCommand(commandSpec{
			sagaID:            st.instance.ID,
			stepID:            stepID,
			stepName:          saga.StepPaymentCompensate,
			stepType:          saga.StepCompensation,
			status:            saga.StepCompensating,
			aggregateType:     saga.AggregatePayment,
			aggregateID:       paid.AggregateID,
			eventType:         EventTypePaymentCompensate,
			topic:             messages.TopicPaymentCompensateCommand,
			compensatesStepID: paid.ID,
			payload: messages.PaymentCompensatePayload{
				CommandHeader: messages.CommandHeader{SagaID: st.instance.ID, StepID: stepID},
				PaymentID:     paid.AggregateID,
			},
		})
		if err != nil {
			return err
		}
		cmds = append(cmds, cmd)
	}
	if len(cmds) == 0 {
		return fmt.Errorf("compensate payment for saga %s: %w: %w", st.instance.ID, saga.ErrStepNotFound, errNothingToCompensate)
	}
	if err := g.record(ctx, cmds); err != nil {
		return fmt.Errorf("compensate payment for saga %s: %w", st.instance.ID, err)
	}
	return nil
}
