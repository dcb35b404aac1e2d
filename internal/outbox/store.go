package outbox

import (
	"context"
	"time"
)

// StatusStore records the transport's verdict for a message.
type StatusStore interface {
	MarkPublished(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, at time.Time) error
}

// Store is the full outbox surface used by the relay.
type Store interface {
	StatusStore
	// ListRepublishable returns FAILED rows and PENDING rows created before staleBefore, oldest first.
	ListRepublishable(ctx context.Context, staleBefore time.Time, limit int) ([]Event, error)
}
