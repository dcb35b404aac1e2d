package main

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"ordersaga/cmd/orchestrator/config"
	"ordersaga/internal/observability"
	"ordersaga/internal/saga/memstore"

	"github.com/rs/zerolog"
)

func TestBuildStoreWithoutDatabaseUsesMemory(t *testing.T) {
	store, ping, cleanup, err := buildStore(context.Background(), config.DatabaseConfig{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer cleanup()
	if _, ok := store.(*memstore.Store); !ok {
		t.Fatalf("expected in-memory store, got %T", store)
	}
	if ping != nil {
		t.Fatalf("expected no database probe")
	}
}

func TestBuildStorePropagatesOpenError(t *testing.T) {
	orig := openSagaDB
	t.Cleanup(func() { openSagaDB = orig })
	openSagaDB = func(driver, dsn string) (*sql.DB, error) {
		if driver != "pgx" {
			t.Fatalf("unexpected driver %s", driver)
		}
		return nil, errors.New("bad dsn")
	}

	if _, _, _, err := buildStore(context.Background(), config.DatabaseConfig{URL: "postgres://x"}, zerolog.Nop()); err == nil {
		t.Fatalf("expected open error")
	}
}

func TestBuildRedisSinkRejectsBadURL(t *testing.T) {
	_, _, _, err := buildRedisSink(context.Background(), config.RedisConfig{URL: "http://not-redis"}, zerolog.Nop())
	if err == nil {
		t.Fatalf("expected url parse error")
	}
}

func TestBuildScheduler(t *testing.T) {
	cfg := config.Config{
		Recovery: config.SweepConfig{Schedule: "@every 1m", StaleAfter: time.Minute, BatchSize: 10},
		Relay:    config.SweepConfig{Schedule: "@every 30s", StaleAfter: time.Minute, BatchSize: 10},
	}
	if _, err := buildScheduler(cfg, memstore.New(), nil, nil, nil, zerolog.Nop()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg.Relay.Schedule = "every now and then"
	if _, err := buildScheduler(cfg, memstore.New(), nil, nil, nil, zerolog.Nop()); err == nil {
		t.Fatalf("expected invalid schedule error")
	}
}

func TestBuildLimiter(t *testing.T) {
	if l := buildLimiter(config.GRPCConfig{}, nil); l != nil {
		t.Fatalf("expected no limiter when unset, got %T", l)
	}
	l := buildLimiter(config.GRPCConfig{RateLimitInterval: time.Millisecond, RateLimitBurst: 2}, observability.NewMetrics())
	if l == nil {
		t.Fatalf("expected limiter")
	}
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected wait error: %v", err)
	}
}
