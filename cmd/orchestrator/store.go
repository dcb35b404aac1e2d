package main

import (
	"context"
	"database/sql"

	"ordersaga/cmd/orchestrator/config"
	sagadb "ordersaga/internal/db/saga"
	"ordersaga/internal/outbox"
	"ordersaga/internal/saga"
	"ordersaga/internal/saga/memstore"

	"github.com/rs/zerolog"
)

// sagaStore is every persistence port the orchestrator wires.
type sagaStore interface {
	saga.InstanceStore
	saga.StepLedger
	saga.ContextPersister
	saga.UnitOfWork
	outbox.Store
}

var openSagaDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

// buildStore opens Postgres when a database is configured and falls back to the in-memory store.
// The returned ping is nil for the in-memory store.
func buildStore(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (sagaStore, func(context.Context) error, func(), error) {
	if cfg.URL == "" {
		logger.Warn().Msg("DATABASE_URL not set, sagas are kept in memory")
		return memstore.New(), nil, func() {}, nil
	}

	db, err := openSagaDB("pgx", cfg.URL)
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := sagadb.NewStoreWithSchema(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}
	cleanup := func() {
		if err := db.Close(); err != nil {
			logger.Error().Err(err).Msg("close saga db")
		}
	}
	return store, store.Ping, cleanup, nil
}
