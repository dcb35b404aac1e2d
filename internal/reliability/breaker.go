package reliability

import (
	"sync"
	"time"
)

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
	Now          func() time.Time
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// CircuitBreaker opens after MaxFailures consecutive failures and lets a single
// probe through once ResetTimeout has elapsed.
type CircuitBreaker struct {
	mu         sync.Mutex
	maxFails   int
	resetAfter time.Duration
	now        func() time.Time

	state    breakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker applies defaults of one failure and a two second reset.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	b := &CircuitBreaker{
		maxFails:   max(cfg.MaxFailures, 1),
		resetAfter: cfg.ResetTimeout,
		now:        cfg.Now,
	}
	if b.resetAfter <= 0 {
		b.resetAfter = 2 * time.Second
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Execute runs fn unless the breaker is open. A nil breaker always runs fn.
func (b *CircuitBreaker) Execute(fn func() error) error {
	if b == nil {
		return fn()
	}
	now := b.now()
	if !b.admit(now) {
		return ErrCircuitOpen
	}
	err := fn()
	b.record(now, err)
	return err
}

func (b *CircuitBreaker) admit(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerOpen:
		if now.Sub(b.openedAt) < b.resetAfter {
			return false
		}
		b.state = breakerHalfOpen
		b.probing = true
	case breakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
	}
	return true
}

func (b *CircuitBreaker) record(now time.Time, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	wasProbe := b.state == breakerHalfOpen
	b.probing = false
	if err == nil {
		b.state = breakerClosed
		b.failures = 0
		return
	}
	if wasProbe {
		b.state = breakerOpen
		b.openedAt = now
		b.failures = 0
		return
	}
	b.failures++
	if b.failures >= b.maxFails {
		b.state = breakerOpen
		b.openedAt = now
	}
}
