// Package gateway turns saga transitions into ledger steps and outbox commands.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"ordersaga/internal/messages"
	"ordersaga/internal/outbox"
	"ordersaga/internal/saga"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Dispatcher publishes a committed outbox row without blocking.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev outbox.Event)
}

// Deps are shared by every gateway.
type Deps struct {
	Instances  saga.InstanceStore
	Work       saga.UnitOfWork
	Dispatcher Dispatcher
	Logger     zerolog.Logger
	// NewID generates step, payment and reservation ids. Defaults to uuid.NewString.
	NewID func() string
}

type base struct {
	instances  saga.InstanceStore
	work       saga.UnitOfWork
	dispatcher Dispatcher
	logger     zerolog.Logger
	newID      func() string
}

func newBase(d Deps) base {
	newID := d.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return base{
		instances:  d.Instances,
		work:       d.Work,
		dispatcher: d.Dispatcher,
		logger:     d.Logger,
		newID:      newID,
	}
}

type loaded struct {
	instance saga.Instance
	steps    []saga.Step
	order    messages.OrderCreatedEvent
}

func (b base) load(ctx context.Context, ac saga.ActionContext) (loaded, error) {
	sagaID := ac.SagaID()
	if sagaID == "" {
		return loaded{}, fmt.Errorf("%w: action %s has no saga id", saga.ErrSagaNotFound, ac.Event)
	}
	inst, steps, err := b.instances.GetWithSteps(ctx, sagaID)
	if err != nil {
		return loaded{}, err
	}
	order, err := inst.Order()
	if err != nil {
		return loaded{}, err
	}
	return loaded{instance: inst, steps: steps, order: order}, nil
}

// command is one step plus the outbox row that carries it.
type command struct {
	step   saga.StepRecord
	outbox outbox.Record
}

type commandSpec struct {
	sagaID            string
	stepID            string
	stepName          string
	stepType          saga.StepType
	status            saga.StepStatus
	aggregateType     string
	aggregateID       string
	eventType         string
	topic             string
	compensatesStepID string
	payload           any
}

func newCommand(spec commandSpec) (command, error) {
	body, err := json.Marshal(spec.payload)
	if err != nil {
		return command{}, fmt.Errorf("encode %s command: %w", spec.stepName, err)
	}
	return command{
		step: saga.StepRecord{
			ID:                spec.stepID,
			SagaID:            spec.sagaID,
			Name:              spec.stepName,
			AggregateID:       spec.aggregateID,
			AggregateType:     spec.aggregateType,
			Type:              spec.stepType,
			Status:            spec.status,
			Command:           string(body),
			CompensatesStepID: spec.compensatesStepID,
		},
		outbox: outbox.Record{
			SagaID:        spec.sagaID,
			StepID:        spec.stepID,
			AggregateType: spec.aggregateType,
			AggregateID:   spec.aggregateID,
			EventType:     spec.eventType,
			Kind:          outbox.KindCommand,
			Topic:         spec.topic,
			Payload:       string(body),
		},
	}, nil
}

// record writes every step and its outbox row in one transaction, then dispatches the rows.
func (b base) record(ctx context.Context, cmds []command) error {
	if len(cmds) == 0 {
		return nil
	}
	events := make([]outbox.Event, 0, len(cmds))
	err := b.work.Do(ctx, func(tx saga.Tx) error {
		for _, cmd := range cmds {
			step, err := tx.RecordStep(ctx, cmd.step)
			if err != nil {
				return err
			}
			rec := cmd.outbox
			rec.StepID = step.ID
			ev, err := tx.Enqueue(ctx, rec)
			if err != nil {
				return err
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, ev := range events {
		b.dispatcher.Dispatch(ctx, ev)
	}
	return nil
}

var errNothingToCompensate = errors.New("no completed step to compensate")
