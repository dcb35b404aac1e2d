package sagadb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ordersaga/internal/outbox"
	"ordersaga/internal/saga"

	"github.com/google/uuid"
)

// Do runs fn inside one database transaction, committing only if fn returns nil.
func (s *Store) Do(ctx context.Context, fn func(tx saga.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&sqlTx{tx: tx, now: s.now}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

type sqlTx struct {
	tx  *sql.Tx
	now func() time.Time
}

// RecordStep claims the next execution order from the instance's counter and inserts the step.
func (t *sqlTx) RecordStep(ctx context.Context, rec saga.StepRecord) (saga.Step, error) {
	var seq int
	err := t.tx.QueryRowContext(ctx, `
		UPDATE saga_instance
		SET step_seq = step_seq + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING step_seq`,
		rec.SagaID,
	).Scan(&seq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return saga.Step{}, fmt.Errorf("record step for %s: %w", rec.SagaID, saga.ErrSagaNotFound)
		}
		return saga.Step{}, err
	}

	now := t.now().UTC()
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO saga_step (id, saga_id, name, aggregate_id, aggregate_type, step_type, status,
			execution_order, command, compensates_step_id, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.SagaID, rec.Name, rec.AggregateID, rec.AggregateType, rec.Type, rec.Status,
		seq, nullString(rec.Command), nullString(rec.CompensatesStepID), now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return saga.Step{}, fmt.Errorf("record step: duplicate step id %s: %w", rec.ID, err)
		}
		return saga.Step{}, err
	}

	return saga.Step{
		ID:                rec.ID,
		SagaID:            rec.SagaID,
		Name:              rec.Name,
		AggregateID:       rec.AggregateID,
		AggregateType:     rec.AggregateType,
		Type:              rec.Type,
		Status:            rec.Status,
		ExecutionOrder:    seq,
		Command:           rec.Command,
		CompensatesStepID: rec.CompensatesStepID,
		StartedAt:         now,
	}, nil
}

// Enqueue inserts a PENDING outbox row.
func (t *sqlTx) Enqueue(ctx context.Context, rec outbox.Record) (outbox.Event, error) {
	ev := outbox.NewEvent(uuid.NewString(), rec, t.now().UTC())
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO outbox_event (id, saga_id, step_id, aggregate_type, aggregate_id, event_type, kind,
			topic, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ev.ID, ev.SagaID, nullString(ev.StepID), ev.AggregateType, ev.AggregateID, ev.EventType, ev.Kind,
		ev.Topic, ev.Payload, ev.Status, ev.CreatedAt,
	)
	if err != nil {
		return outbox.Event{}, fmt.Errorf("outbox: enqueue %s: %w", ev.EventType, err)
	}
	return ev, nil
}

// HasEvent reports whether a row of eventType and kind was already enqueued for the saga.
func (t *sqlTx) HasEvent(ctx context.Context, sagaID, eventType string, kind outbox.Kind) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM outbox_event
			WHERE saga_id = $1 AND event_type = $2 AND kind = $3
		)`,
		sagaID, eventType, kind,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("outbox: lookup %s: %w", eventType, err)
	}
	return exists, nil
}
