package reliability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicy_BacksOffExponentially(t *testing.T) {
	var delays []time.Duration
	policy := RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    25 * time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
	}

	var seen []int
	err := policy.Do(context.Background(), func(attempt int) error {
		seen = append(seen, attempt)
		if attempt < 4 {
			return errors.New("broker unavailable")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(seen) != 4 || seen[3] != 4 {
		t.Fatalf("unexpected attempts: %v", seen)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("unexpected delays: %v", delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delay %d: got %v want %v", i, delays[i], want[i])
		}
	}
}

func TestRetryPolicy_StopsOnNonRetryable(t *testing.T) {
	permanent := errors.New("bad payload")
	calls := 0
	policy := RetryPolicy{
		MaxAttempts: 5,
		ShouldRetry: func(err error) bool { return !errors.Is(err, permanent) },
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}

	err := policy.Do(context.Background(), func(int) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("expected single attempt with permanent error, got calls=%d err=%v", calls, err)
	}
}

func TestRetryPolicy_ReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	policy := RetryPolicy{MaxAttempts: 2, Sleep: func(context.Context, time.Duration) error { return nil }}

	err := policy.Do(context.Background(), func(attempt int) error {
		calls++
		return errors.New("attempt failed")
	})
	if err == nil || calls != 2 {
		t.Fatalf("expected 2 failing calls, got calls=%d err=%v", calls, err)
	}
}

func TestCircuitBreaker_OpensThenProbes(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	breaker := NewCircuitBreaker(BreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return now },
	})

	fail := func() error { return errors.New("fail") }
	_ = breaker.Execute(fail)
	_ = breaker.Execute(fail)

	if err := breaker.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open breaker, got %v", err)
	}

	now = now.Add(2 * time.Second)
	if err := breaker.Execute(fail); err == nil || errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected probe to run and fail, got %v", err)
	}
	if err := breaker.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected failed probe to reopen breaker, got %v", err)
	}

	now = now.Add(2 * time.Second)
	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected successful probe, got %v", err)
	}
	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected closed breaker, got %v", err)
	}
}

func TestRateLimiter_WaitsForRefill(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	var waits, observed []time.Duration

	limiter := NewRateLimiter(50*time.Millisecond, 2).OnWait(func(d time.Duration) { observed = append(observed, d) })
	limiter.now = func() time.Time { return now }
	limiter.last = now
	limiter.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		now = now.Add(d)
		return nil
	}

	for i := 0; i < 3; i++ {
		if err := limiter.Wait(context.Background()); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
	if len(waits) != 1 || waits[0] != 50*time.Millisecond {
		t.Fatalf("expected one 50ms wait, got %v", waits)
	}
	if len(observed) != 1 || observed[0] != waits[0] {
		t.Fatalf("expected wait observer to see %v, got %v", waits, observed)
	}
}

func TestGuard_RetriesThroughBreaker(t *testing.T) {
	g := &Guard{
		Retry: RetryPolicy{
			MaxAttempts: 3,
			Sleep:       func(context.Context, time.Duration) error { return nil },
		},
		Breaker: NewCircuitBreaker(BreakerConfig{MaxFailures: 5}),
	}

	calls := 0
	err := g.Run(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("timeout")
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("expected success on second call, got calls=%d err=%v", calls, err)
	}
}

func TestGuard_OpenBreakerIsNotRetried(t *testing.T) {
	g := NewGuard(Config{RetryMaxAttempts: 5, BreakerMaxFailures: 1, BreakerResetTimeout: time.Minute})
	g.Retry.Sleep = func(context.Context, time.Duration) error { return nil }

	calls := 0
	err := g.Run(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("down")
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected breaker to open, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single underlying call, got %d", calls)
	}
}
