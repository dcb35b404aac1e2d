package gateway

import (
	"context"
	"fmt"

	"ordersaga/internal/messages"
	"ordersaga/internal/saga"
)

// Outbox event types emitted by the inventory gateway.
const (
	EventTypeInventoryReserve    = "inventoryReserve"
	EventTypeInventoryCompensate = "InventoryFailureInventoryCompensate"
)

// InventoryGateway issues inventory commands, one per order line.
type InventoryGateway struct {
	base
}

// NewInventoryGateway constructs an InventoryGateway.
func NewInventoryGateway(d Deps) *InventoryGateway {
	return &InventoryGateway{base: newBase(d)}
}

// Actions implements saga.ActionProvider.
func (g *InventoryGateway) Actions() map[saga.Action]saga.ActionFunc {
	return map[saga.Action]saga.ActionFunc{
		saga.ActionReserveInventory:    g.ReserveInventory,
		saga.ActionCompensateInventory: g.CompensateInventory,
	}
}

// ReserveInventory fans out one reservation step per order line.
func (g *InventoryGateway) ReserveInventory(ctx context.Context, ac saga.ActionContext) error {
	st, err := g.load(ctx, ac)
	if err != nil {
		return err
	}
	if len(saga.FilterSteps(st.steps, saga.StepInventoryReserve)) > 0 {
		g.logger.Info().Str("saga_id", st.instance.ID).Msg("inventory reservations already recorded")
		return nil
	}

	cmds := make([]command, 0, len(st.order.Items))
	for _, item := range st.order.Items {
		stepID := g.newID()
		reservationID := g.newID()
		cmd, err := newCommand(commandSpec{
			sagaID:        st.instance.ID,
			stepID:        stepID,
			stepName:      saga.StepInventoryReserve,
			stepType:      saga.StepForward,
			status:        saga.StepInProgress,
			aggregateType: saga.AggregateInventory,
			aggregateID:   reservationID,
			eventType:     EventTypeInventoryReserve,
			topic:         messages.TopicInventoryReserveCommand,
			payload: messages.InventoryReservePayload{
				CommandHeader: messages.CommandHeader{SagaID: st.instance.ID, StepID: stepID},
				ReservationID: reservationID,
				ProductID:     item.ProductID,
				OrderID:       st.order.OrderID,
				Quantity:      item.Quantity,
			},
		})
		if err != nil {
			return err
		}
		cmds = append(cmds, cmd)
	}
	if err := g.record(ctx, cmds); err != nil {
		return fmt.Errorf("reserve inventory for saga %s: %w", st.instance.ID, err)
	}
	return nil
}

// CompensateInventory releases every reservation the saga requested, whatever its outcome.
func (g *InventoryGateway) CompensateInventory(ctx context.Context, ac saga.ActionContext) error {
	st, err := g.load(ctx, ac)
	if err != nil {
		return err
	}
	if len(saga.FilterSteps(st.steps, saga.StepInventoryCompensate)) > 0 {
		g.logger.Info().Str("saga_id", st.instance.ID).Msg("inventory compensation already recorded")
		return nil
	}

	reserved := saga.FilterSteps(st.steps, saga.StepInventoryReserve)
	cmds := make([]command, 0, len(reserved))
	for _, res := range reserved {
		stepID := g.newID()
		cmd, err := newCommand(commandSpec{
			sagaID:            st.instance.ID,
			stepID:            stepID,
			stepName:          saga.StepInventoryCompensate,
			stepType:          saga.StepCompensation,
			status:            saga.StepCompensating,
			aggregateType:     saga.AggregateInventory,
			aggregateID:       res.AggregateID,
			eventType:         EventTypeInventoryCompensate,
			topic:             messages.TopicInventoryCompensateCommand,
			compensatesStepID: res.ID,
			payload: messages.InventoryCompensatePayload{
				CommandHeader: messages.CommandHeader{SagaID: st.instance.ID, StepID: stepID},
				InventoryID:   res.AggregateID,
			},
		})
		if err != nil {
			return err
		}
		cmds = append(cmds, cmd)
	}
	if len(cmds) == 0 {
		return fmt.Errorf("compensate inventory for saga %s: %w: %w", st.instance.ID, saga.ErrStepNotFound, errNothingToCompensate)
	}
	if err := g.record(ctx, cmds); err != nil {
		return fmt.Errorf("compensate inventory for saga %s: %w", st.instance.ID, err)
	}
	return nil
}
