package reliability

import (
	"context"
	"time"
)

// Config collects the knobs for a Guard.
type Config struct {
	RetryMaxAttempts    int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
	RateLimitInterval   time.Duration
	RateLimitBurst      int
}

// Guard applies rate limiting, circuit breaking and retries to a call, in that order per attempt.
type Guard struct {
	Limiter *RateLimiter
	Breaker *CircuitBreaker
	Retry   RetryPolicy
}

// NewGuard builds a Guard from cfg.
func NewGuard(cfg Config) *Guard {
	g := &Guard{
		Retry: RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		},
		Breaker: NewCircuitBreaker(BreakerConfig{
			MaxFailures:  cfg.BreakerMaxFailures,
			ResetTimeout: cfg.BreakerResetTimeout,
		}),
	}
	if cfg.RateLimitInterval > 0 && cfg.RateLimitBurst > 0 {
		g.Limiter = NewRateLimiter(cfg.RateLimitInterval, cfg.RateLimitBurst)
	}
	return g
}

// Run executes fn under the guard.
func (g *Guard) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if g == nil {
		return fn(ctx)
	}
	return g.Retry.Do(ctx, func(int) error {
		if err := g.Limiter.Wait(ctx); err != nil {
			return err
		}
		return g.Breaker.Execute(func() error { return fn(ctx) })
	})
}
