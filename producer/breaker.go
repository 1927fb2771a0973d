package producer

import (
	"sync"
	"time"
)

// CircuitBreaker slows the poll loop down when the POS database keeps
// failing. Five consecutive failures open it; while open, the effective poll
// interval doubles per additional failure up to eight times the base, and a
// single success snaps everything back.
type CircuitBreaker struct {
	mu          sync.Mutex
	threshold   int
	cooldown    time.Duration
	maxMultiple int64

	failures    int
	lastFailure time.Time
	now         func() time.Time
}

func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{
		threshold:   5,
		cooldown:    30 * time.Second,
		maxMultiple: 8,
		now:         time.Now,
	}
}

func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.now()
}

func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// IsOpen reports whether polling should pause entirely. The breaker closes on
// its own once the cooldown since the last failure elapses, letting one probe
// cycle through.
func (b *CircuitBreaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.threshold {
		return false
	}
	return b.now().Sub(b.lastFailure) < b.cooldown
}

// NextInterval stretches the base poll interval while the breaker is
// accumulating failures.
func (b *CircuitBreaker) NextInterval(base time.Duration) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.threshold {
		return base
	}
	multiple := int64(1) << uint(b.failures-b.threshold)
	if multiple > b.maxMultiple {
		multiple = b.maxMultiple
	}
	return base * time.Duration(multiple)
}

// Failures returns the consecutive failure count, for the stats endpoint.
func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
