package sagadb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ordersaga/internal/saga"
)

const instanceColumns = `id, saga_type, state, order_id, context, step_seq, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (saga.Instance, error) {
	var inst saga.Instance
	var state string
	if err := row.Scan(&inst.ID, &inst.Type, &state, &inst.OrderID, &inst.Context, &inst.StepSeq, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		return saga.Instance{}, err
	}
	inst.State = saga.State(state)
	return inst, nil
}

// Create inserts inst unless an instance already exists for its order id.
func (s *Store) Create(ctx context.Context, inst saga.Instance) (saga.Instance, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO saga_instance (id, saga_type, state, order_id, context)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (order_id) DO NOTHING`,
		inst.ID, inst.Type, inst.State, inst.OrderID, inst.Context,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return saga.Instance{}, false, fmt.Errorf("saga instance %s already exists: %w", inst.ID, err)
		}
		return saga.Instance{}, false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return saga.Instance{}, false, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+instanceColumns+`
		FROM saga_instance
		WHERE order_id = $1`,
		inst.OrderID,
	)
	stored, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return saga.Instance{}, false, fmt.Errorf("saga for order %s not found after insert", inst.OrderID)
		}
		return saga.Instance{}, false, err
	}
	return stored, affected == 1, nil
}

// Get loads one instance.
func (s *Store) Get(ctx context.Context, id string) (saga.Instance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+instanceColumns+`
		FROM saga_instance
		WHERE id = $1`,
		id,
	)
	inst, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return saga.Instance{}, fmt.Errorf("instance %s: %w", id, saga.ErrSagaNotFound)
		}
		return saga.Instance{}, err
	}
	return inst, nil
}

// GetWithSteps loads an instance and its steps in execution order.
func (s *Store) GetWithSteps(ctx context.Context, id string) (saga.Instance, []saga.Step, error) {
	inst, err := s.Get(ctx, id)
	if err != nil {
		return saga.Instance{}, nil, err
	}
	steps, err := s.querySteps(ctx, `
		SELECT `+stepColumns+`
		FROM saga_step
		WHERE saga_id = $1
		ORDER BY execution_order`,
		id,
	)
	if err != nil {
		return saga.Instance{}, nil, err
	}
	return inst, steps, nil
}

// UpdateState sets the denormalized state column.
func (s *Store) UpdateState(ctx context.Context, id string, state saga.State) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE saga_instance
		SET state = $2, updated_at = NOW()
		WHERE id = $1`,
		id, state,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("instance %s: %w", id, saga.ErrSagaNotFound)
	}
	return nil
}

// ListStalled returns non-terminal instances last updated before the cutoff, oldest first.
func (s *Store) ListStalled(ctx context.Context, before time.Time, limit int) ([]saga.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+instanceColumns+`
		FROM saga_instance
		WHERE state NOT IN ($1, $2, $3) AND updated_at < $4
		ORDER BY updated_at
		LIMIT $5`,
		saga.StateOrderCompleted, saga.StateCompensated, saga.StateFailed, before, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []saga.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}
