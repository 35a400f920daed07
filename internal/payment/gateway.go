// Package payment adapts external payment providers to a hold-then-capture
// model. Every call carries an idempotency key and is safe to retry with the
// same key. The adapter performs no business validation.
package payment

import (
	"context"

	"github.com/shopspring/decimal"
)

// AuthorizeRequest asks the provider to place a hold for Amount.
type AuthorizeRequest struct {
	Amount         decimal.Decimal
	Currency       string
	PaymentMethod  string
	Description    string
	IdempotencyKey string
}

// Hold is an authorized, not yet captured, amount.
type Hold struct {
	Reference string
	Amount    decimal.Decimal
	Currency  string
}

// CaptureReceipt identifies settled funds.
type CaptureReceipt struct {
	Reference     string
	HoldReference string
	Amount        decimal.Decimal
}

// Ack confirms a released hold.
type Ack struct {
	Reference string
}

// RefundReceipt identifies a refund of captured funds.
type RefundReceipt struct {
	Reference string
	Amount    decimal.Decimal
}

// Gateway is the contract every provider adapter satisfies.
type Gateway interface {
	Name() string
	Authorize(ctx context.Context, req AuthorizeRequest) (Hold, error)
	Adjust(ctx context.Context, holdRef string, amount decimal.Decimal, currency, idempotencyKey string) (Hold, error)
	Capture(ctx context.Context, holdRef, idempotencyKey string) (CaptureReceipt, error)
	Release(ctx context.Context, holdRef, idempotencyKey string) (Ack, error)
	Refund(ctx context.Context, captureRef string, amount decimal.Decimal, currency, idempotencyKey string) (RefundReceipt, error)
}

// Operation names used for metrics and errors.
const (
	OpAuthorize = "authorize"
	OpAdjust    = "adjust"
	OpCapture   = "capture"
	OpRelease   = "release"
	OpRefund    = "refund"
)

// ToMinorUnits converts an amount to integer cents.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// FromMinorUnits converts integer cents back to a decimal amount.
func FromMinorUnits(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
