package reliability

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket refilled with one token per interval.
type RateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	burst    int
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
	onWait   func(time.Duration)

	tokens int
	last   time.Time
}

// NewRateLimiter returns a full bucket. A zero interval or burst disables limiting.
func NewRateLimiter(interval time.Duration, burst int) *RateLimiter {
	l := &RateLimiter{
		interval: interval,
		burst:    burst,
		now:      time.Now,
		sleep:    sleepWithContext,
		tokens:   burst,
	}
	l.last = l.now()
	return l
}

// OnWait registers fn to observe every throttled wait. It must be called before the limiter is shared.
func (l *RateLimiter) OnWait(fn func(time.Duration)) *RateLimiter {
	if l != nil {
		l.onWait = fn
	}
	return l
}

// Wait blocks until a token is available or ctx ends.
func (l *RateLimiter) Wait(ctx context.Context) error {
	if l == nil || l.interval <= 0 || l.burst <= 0 {
		return ctx.Err()
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.mu.Lock()
		now := l.now()
		l.refill(now)
		if l.tokens > 0 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}
		wait := l.interval - now.Sub(l.last)
		l.mu.Unlock()
		if wait <= 0 {
			continue
		}
		if l.onWait != nil {
			l.onWait(wait)
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (l *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(l.last)
	if elapsed < l.interval {
		return
	}
	add := int(elapsed / l.interval)
	l.tokens = min(l.tokens+add, l.burst)
	l.last = l.last.Add(time.Duration(add) * l.interval)
}
