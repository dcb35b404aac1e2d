package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ordersaga/internal/observability"
	"ordersaga/internal/reliability"

	"github.com/rs/zerolog"
)

// RelayConfig configures a Relay.
type RelayConfig struct {
	StaleAfter time.Duration
	BatchSize  int
}

// Relay republishes rows the transport rejected or never confirmed.
type Relay struct {
	store     Store
	publisher Publisher
	guard     *reliability.Guard
	cfg       RelayConfig
	metrics   *observability.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

// NewRelay constructs a Relay. A nil guard publishes each row once.
func NewRelay(store Store, publisher Publisher, guard *reliability.Guard, cfg RelayConfig, metrics *observability.Metrics, logger zerolog.Logger) *Relay {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		guard:     guard,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// Sweep republishes one batch and returns how many rows were published.
// It stops early when the circuit breaker opens.
func (r *Relay) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.cfg.StaleAfter)
	events, err := r.store.ListRepublishable(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("outbox relay: list: %w", err)
	}

	published := 0
	for _, ev := range events {
		sendErr := r.guard.Run(ctx, func(ctx context.Context) error {
			return PublishSync(ctx, r.publisher, MessageFor(ev))
		})
		r.metrics.ObserveRelay(sendErr)

		log := r.logger.With().Str("outbox_id", ev.ID).Str("saga_id", ev.SagaID).Str("topic", ev.Topic).Logger()
		at := r.now().UTC()
		if sendErr == nil {
			published++
			if err := r.store.MarkPublished(context.WithoutCancel(ctx), ev.ID, at); err != nil {
				log.Error().Err(err).Msg("relay: mark published")
			}
			continue
		}

		if errors.Is(sendErr, reliability.ErrCircuitOpen) || ctx.Err() != nil {
			log.Warn().Err(sendErr).Msg("relay: stopping sweep")
			return published, nil
		}
		log.Error().Err(sendErr).Msg("relay: republish failed")
		if ev.Status != StatusFailed {
			if err := r.store.MarkFailed(context.WithoutCancel(ctx), ev.ID, at); err != nil {
				log.Error().Err(err).Msg("relay: mark failed")
			}
		}
	}
	return published, nil
}
