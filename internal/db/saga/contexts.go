package sagadb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ordersaga/internal/saga"
)

// Load returns the engine context stored for a saga.
func (s *Store) Load(ctx context.Context, sagaID string) (saga.EngineContext, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT context
		FROM saga_state_machine
		WHERE machine_id = $1`,
		sagaID,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return saga.EngineContext{}, fmt.Errorf("engine context %s: %w", sagaID, saga.ErrSagaNotFound)
		}
		return saga.EngineContext{}, err
	}
	return saga.UnmarshalContext(data)
}

// Save upserts the engine context for a saga.
func (s *Store) Save(ctx context.Context, ec saga.EngineContext) error {
	data, err := ec.Marshal()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO saga_state_machine (machine_id, state, context, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (machine_id) DO UPDATE
		SET state = EXCLUDED.state, context = EXCLUDED.context, updated_at = NOW()`,
		ec.MachineID, ec.State, string(data),
	)
	return err
}
