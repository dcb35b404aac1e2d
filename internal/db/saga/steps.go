package sagadb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ordersaga/internal/saga"
)

const stepColumns = `id, saga_id, name, aggregate_id, aggregate_type, step_type, status, execution_order,
	command, result, compensates_step_id, started_at, ended_at`

func scanStep(row rowScanner) (saga.Step, error) {
	var (
		step                         saga.Step
		stepType, status             string
		command, result, compensates sql.NullString
		ended                        sql.NullTime
	)
	if err := row.Scan(&step.ID, &step.SagaID, &step.Name, &step.AggregateID, &step.AggregateType,
		&stepType, &status, &step.ExecutionOrder, &command, &result, &compensates, &step.StartedAt, &ended); err != nil {
		return saga.Step{}, err
	}
	step.Type = saga.StepType(stepType)
	step.Status = saga.StepStatus(status)
	step.Command = command.String
	step.Result = result.String
	step.CompensatesStepID = compensates.String
	if ended.Valid {
		t := ended.Time
		step.EndedAt = &t
	}
	return step, nil
}

func (s *Store) querySteps(ctx context.Context, query string, args ...any) ([]saga.Step, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []saga.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

// GetStep loads one step.
func (s *Store) GetStep(ctx context.Context, id string) (saga.Step, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+stepColumns+`
		FROM saga_step
		WHERE id = $1`,
		id,
	)
	step, err := scanStep(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return saga.Step{}, fmt.Errorf("step %s: %w", id, saga.ErrStepNotFound)
		}
		return saga.Step{}, err
	}
	return step, nil
}

// StepsByName returns a saga's steps with the given name in execution order.
func (s *Store) StepsByName(ctx context.Context, sagaID, name string) ([]saga.Step, error) {
	return s.querySteps(ctx, `
		SELECT `+stepColumns+`
		FROM saga_step
		WHERE saga_id = $1 AND name = $2
		ORDER BY execution_order`,
		sagaID, name,
	)
}

// UpdateStatus advances a step under a row lock, refusing to regress terminal steps.
func (s *Store) UpdateStatus(ctx context.Context, id string, status saga.StepStatus, result string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM saga_step WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("step %s: %w", id, saga.ErrStepNotFound)
		}
		return err
	}
	from := saga.StepStatus(current)
	if from == status {
		return nil
	}
	if !from.CanMoveTo(status) {
		return fmt.Errorf("step %s %s -> %s: %w", id, from, status, saga.ErrStepStatusRegression)
	}

	var ended sql.NullTime
	if status.Terminal() {
		ended = sql.NullTime{Time: s.now().UTC(), Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE saga_step
		SET status = $2, result = COALESCE($3, result), ended_at = COALESCE($4, ended_at)
		WHERE id = $1`,
		id, status, nullString(result), ended,
	); err != nil {
		return fmt.Errorf("step ledger: update %s: %w", id, err)
	}
	return tx.Commit()
}
