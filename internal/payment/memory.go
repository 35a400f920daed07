package payment

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const (
	holdHeld     = "held"
	holdCaptured = "captured"
	holdReleased = "released"
)

type memHold struct {
	ref      string
	amount   decimal.Decimal
	currency string
	state    string
}

type memCapture struct {
	ref      string
	holdRef  string
	amount   decimal.Decimal
	refunded decimal.Decimal
}

// MemoryGateway is an in-process provider used for development and tests.
// Results are remembered per (operation, idempotency key) so retries return
// the original outcome. Payment methods containing "declined" are refused.
type MemoryGateway struct {
	// Latency delays every call; the delay honours context cancellation.
	Latency time.Duration

	mu       sync.Mutex
	seq      int
	holds    map[string]*memHold
	captures map[string]*memCapture
	replies  map[string]any
	calls    map[string]int
	failures map[string][]error
}

// NewMemoryGateway returns an empty in-memory provider.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		holds:    make(map[string]*memHold),
		captures: make(map[string]*memCapture),
		replies:  make(map[string]any),
		calls:    make(map[string]int),
		failures: make(map[string][]error),
	}
}

// Name implements Gateway.
func (g *MemoryGateway) Name() string { return "memory" }

// FailNext queues errors returned by the next calls of op, one per call.
// Scripted failures are not remembered against the idempotency key.
func (g *MemoryGateway) FailNext(op string, errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[op] = append(g.failures[op], errs...)
}

// Calls returns how many times op was invoked, replays included.
func (g *MemoryGateway) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

// HoldState reports the state and amount of a hold.
func (g *MemoryGateway) HoldState(ref string) (string, decimal.Decimal, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.holds[ref]
	if !ok {
		return "", decimal.Zero, false
	}
	return h.state, h.amount, true
}

// Refunded returns the total refunded against a capture receipt.
func (g *MemoryGateway) Refunded(captureRef string) decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.captures[captureRef]; ok {
		return c.refunded
	}
	return decimal.Zero
}

func (g *MemoryGateway) enter(ctx context.Context, op, key string) error {
	g.mu.Lock()
	g.calls[op]++
	var scripted error
	if q := g.failures[op]; len(q) > 0 {
		scripted, g.failures[op] = q[0], q[1:]
	}
	g.mu.Unlock()

	if g.Latency > 0 {
		t := time.NewTimer(g.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return classify(op, ctx.Err())
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return classify(op, err)
	}
	if scripted != nil {
		return scripted
	}
	if strings.TrimSpace(key) == "" {
		return NewTerminal(op, "missing_idempotency_key", "idempotency key is required")
	}
	return nil
}

func (g *MemoryGateway) nextRef(prefix string) string {
	g.seq++
	return fmt.Sprintf("%s_%06d", prefix, g.seq)
}

// Authorize implements Gateway.
func (g *MemoryGateway) Authorize(ctx context.Context, req AuthorizeRequest) (Hold, error) {
	if err := g.enter(ctx, OpAuthorize, req.IdempotencyKey); err != nil {
		return Hold{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	rk := OpAuthorize + "|" + req.IdempotencyKey
	if r, ok := g.replies[rk]; ok {
		return r.(Hold), nil
	}
	if strings.Contains(strings.ToLower(req.PaymentMethod), "declined") {
		return Hold{}, NewTerminal(OpAuthorize, "card_declined", "the card was declined")
	}
	if !req.Amount.IsPositive() {
		return Hold{}, NewTerminal(OpAuthorize, "invalid_amount", "amount must be positive")
	}
	h := &memHold{ref: g.nextRef("hold"), amount: req.Amount, currency: req.Currency, state: holdHeld}
	g.holds[h.ref] = h
	out := Hold{Reference: h.ref, Amount: h.amount, Currency: h.currency}
	g.replies[rk] = out
	return out, nil
}

// Adjust implements Gateway.
func (g *MemoryGateway) Adjust(ctx context.Context, holdRef string, amount decimal.Decimal, currency, key string) (Hold, error) {
	if err := g.enter(ctx, OpAdjust, key); err != nil {
		return Hold{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	rk := OpAdjust + "|" + key
	if r, ok := g.replies[rk]; ok {
		return r.(Hold), nil
	}
	h, ok := g.holds[holdRef]
	if !ok {
		return Hold{}, NewTerminal(OpAdjust, "resource_missing", "no such hold")
	}
	if h.state != holdHeld {
		return Hold{}, NewTerminal(OpAdjust, "hold_not_adjustable", "hold is "+h.state)
	}
	h.amount = amount
	out := Hold{Reference: h.ref, Amount: h.amount, Currency: currency}
	g.replies[rk] = out
	return out, nil
}

// Capture implements Gateway.
func (g *MemoryGateway) Capture(ctx context.Context, holdRef, key string) (CaptureReceipt, error) {
	if err := g.enter(ctx, OpCapture, key); err != nil {
		return CaptureReceipt{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	rk := OpCapture + "|" + key
	if r, ok := g.replies[rk]; ok {
		return r.(CaptureReceipt), nil
	}
	h, ok := g.holds[holdRef]
	if !ok {
		return CaptureReceipt{}, NewTerminal(OpCapture, "resource_missing", "no such hold")
	}
	if h.state != holdHeld {
		return CaptureReceipt{}, NewTerminal(OpCapture, "hold_not_capturable", "hold is "+h.state)
	}
	h.state = holdCaptured
	c := &memCapture{ref: g.nextRef("ch"), holdRef: h.ref, amount: h.amount}
	g.captures[c.ref] = c
	out := CaptureReceipt{Reference: c.ref, HoldReference: h.ref, Amount: c.amount}
	g.replies[rk] = out
	return out, nil
}

// Release implements Gateway.
func (g *MemoryGateway) Release(ctx context.Context, holdRef, key string) (Ack, error) {
	if err := g.enter(ctx, OpRelease, key); err != nil {
		return Ack{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	rk := OpRelease + "|" + key
	if r, ok := g.replies[rk]; ok {
		return r.(Ack), nil
	}
	h, ok := g.holds[holdRef]
	if !ok {
		return Ack{}, NewTerminal(OpRelease, "resource_missing", "no such hold")
	}
	if h.state == holdCaptured {
		return Ack{}, NewTerminal(OpRelease, "hold_captured", "hold was already captured")
	}
	h.state = holdReleased
	out := Ack{Reference: h.ref}
	g.replies[rk] = out
	return out, nil
}

// Refund implements Gateway.
func (g *MemoryGateway) Refund(ctx context.Context, captureRef string, amount decimal.Decimal, currency, key string) (RefundReceipt, error) {
	if err := g.enter(ctx, OpRefund, key); err != nil {
		return RefundReceipt{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	rk := OpRefund + "|" + key
	if r, ok := g.replies[rk]; ok {
		return r.(RefundReceipt), nil
	}
	c, ok := g.captures[captureRef]
	if !ok {
		return RefundReceipt{}, NewTerminal(OpRefund, "resource_missing", "no such charge")
	}
	if c.refunded.Add(amount).GreaterThan(c.amount) {
		return RefundReceipt{}, NewTerminal(OpRefund, "amount_too_large", "refund exceeds captured amount")
	}
	c.refunded = c.refunded.Add(amount)
	out := RefundReceipt{Reference: g.nextRef("re"), Amount: amount}
	g.replies[rk] = out
	return out, nil
}
