// Package sagadb persists saga instances, steps, engine contexts and outbox rows in Postgres.
package sagadb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// Store implements the saga persistence ports over database/sql.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for timestamps written from Go.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore constructs a Store backed by Postgres.
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewStoreWithSchema initializes the schema then returns the store.
func NewStoreWithSchema(ctx context.Context, db *sql.DB, opts ...Option) (*Store, error) {
	store := NewStore(db, opts...)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the saga tables if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS saga_instance (
			id TEXT PRIMARY KEY,
			saga_type TEXT NOT NULL,
			state TEXT NOT NULL,
			order_id TEXT UNIQUE NOT NULL,
			context TEXT NOT NULL,
			step_seq INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS saga_step (
			id TEXT PRIMARY KEY,
			saga_id TEXT NOT NULL,
			name TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			step_type TEXT NOT NULL,
			status TEXT NOT NULL,
			execution_order INTEGER NOT NULL,
			command TEXT,
			result TEXT,
			compensates_step_id TEXT,
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			ended_at TIMESTAMPTZ,
			UNIQUE (saga_id, execution_order),
			FOREIGN KEY (saga_id) REFERENCES saga_instance(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS saga_step_saga_name_idx ON saga_step (saga_id, name)`,
		`CREATE TABLE IF NOT EXISTS outbox_event (
			id TEXT PRIMARY KEY,
			saga_id TEXT NOT NULL,
			step_id TEXT,
			aggregate_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			kind TEXT NOT NULL,
			topic TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			published_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS outbox_event_status_idx ON outbox_event (status, created_at)`,
		`CREATE TABLE IF NOT EXISTS saga_state_machine (
			machine_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			context JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
