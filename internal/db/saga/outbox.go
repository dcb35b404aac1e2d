package sagadb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ordersaga/internal/outbox"
)

const outboxColumns = `id, saga_id, step_id, aggregate_type, aggregate_id, event_type, kind, topic, payload,
	status, created_at, published_at`

// MarkPublished flags an outbox row as accepted by the transport.
func (s *Store) MarkPublished(ctx context.Context, id string, at time.Time) error {
	return s.mark(ctx, id, outbox.StatusPublished, at)
}

// MarkFailed flags an outbox row as rejected by the transport.
func (s *Store) MarkFailed(ctx context.Context, id string, at time.Time) error {
	return s.mark(ctx, id, outbox.StatusFailed, at)
}

func (s *Store) mark(ctx context.Context, id string, status outbox.Status, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_event
		SET status = $2, published_at = $3
		WHERE id = $1`,
		id, status, at,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("outbox event %s not found", id)
	}
	return nil
}

// ListRepublishable returns FAILED rows and PENDING rows created before staleBefore, oldest first.
func (s *Store) ListRepublishable(ctx context.Context, staleBefore time.Time, limit int) ([]outbox.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_event
		WHERE status = $1 OR (status = $2 AND created_at < $3)
		ORDER BY created_at
		LIMIT $4`,
		outbox.StatusFailed, outbox.StatusPending, staleBefore, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []outbox.Event
	for rows.Next() {
		var (
			ev           outbox.Event
			stepID       sql.NullString
			kind, status string
			published    sql.NullTime
		)
		if err := rows.Scan(&ev.ID, &ev.SagaID, &stepID, &ev.AggregateType, &ev.AggregateID, &ev.EventType,
			&kind, &ev.Topic, &ev.Payload, &status, &ev.CreatedAt, &published); err != nil {
			return nil, err
		}
		ev.StepID = stepID.String
		ev.Kind = outbox.Kind(kind)
		ev.Status = outbox.Status(status)
		if published.Valid {
			t := published.Time
			ev.PublishedAt = &t
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
