package payment

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tbourn/chef-meal-orders/internal/metrics"
)

// BreakerState is the circuit state of a Breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "closed"
}

// BreakerConfig tunes a Breaker. Zero values fall back to 5 failures,
// 30s open and 2 half-open successes.
type BreakerConfig struct {
	FailureThreshold  int
	OpenTimeout       time.Duration
	HalfOpenSuccesses int
}

// Breaker is a Gateway decorator that fails fast after consecutive transient
// failures. Terminal errors mean the provider answered and count as success.
type Breaker struct {
	next Gateway
	cfg  BreakerConfig
	now  func() time.Time

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openUntil time.Time
}

// NewBreaker wraps next with a circuit breaker.
func NewBreaker(next Gateway, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = 2
	}
	return &Breaker{next: next, cfg: cfg, now: time.Now}
}

// State returns the current state without transitioning it.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen {
		if b.now().Before(b.openUntil) {
			return NewTransient(op, "gateway_unavailable", "circuit open", nil)
		}
		b.state = BreakerHalfOpen
		b.successes = 0
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || !IsTransient(err) {
		switch b.state {
		case BreakerClosed:
			b.failures = 0
		case BreakerHalfOpen:
			b.successes++
			if b.successes >= b.cfg.HalfOpenSuccesses {
				b.state = BreakerClosed
				b.failures, b.successes = 0, 0
				metrics.BreakerOpen.Set(0)
			}
		}
		return
	}

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case BreakerHalfOpen:
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openUntil = b.now().Add(b.cfg.OpenTimeout)
	b.failures, b.successes = 0, 0
	metrics.BreakerOpen.Set(1)
}

// Name implements Gateway.
func (b *Breaker) Name() string { return b.next.Name() }

// Authorize implements Gateway.
func (b *Breaker) Authorize(ctx context.Context, req AuthorizeRequest) (Hold, error) {
	if err := b.allow(OpAuthorize); err != nil {
		return Hold{}, err
	}
	h, err := b.next.Authorize(ctx, req)
	b.record(err)
	return h, err
}

// Adjust implements Gateway.
func (b *Breaker) Adjust(ctx context.Context, holdRef string, amount decimal.Decimal, currency, key string) (Hold, error) {
	if err := b.allow(OpAdjust); err != nil {
		return Hold{}, err
	}
	h, err := b.next.Adjust(ctx, holdRef, amount, currency, key)
	b.record(err)
	return h, err
}

// Capture implements Gateway.
func (b *Breaker) Capture(ctx context.Context, holdRef, key string) (CaptureReceipt, error) {
	if err := b.allow(OpCapture); err != nil {
		return CaptureReceipt{}, err
	}
	r, err := b.next.Capture(ctx, holdRef, key)
	b.record(err)
	return r, err
}

// Release implements Gateway.
func (b *Breaker) Release(ctx context.Context, holdRef, key string) (Ack, error) {
	if err := b.allow(OpRelease); err != nil {
		return Ack{}, err
	}
	a, err := b.next.Release(ctx, holdRef, key)
	b.record(err)
	return a, err
}

// Refund implements Gateway.
func (b *Breaker) Refund(ctx context.Context, captureRef string, amount decimal.Decimal, currency, key string) (RefundReceipt, error) {
	if err := b.allow(OpRefund); err != nil {
		return RefundReceipt{}, err
	}
	r, err := b.next.Refund(ctx, captureRef, amount, currency, key)
	b.record(err)
	return r, err
}
