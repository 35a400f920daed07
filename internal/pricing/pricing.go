// Package pricing computes the per-serving price of a chef-meal event from
// the number of servings already accepted.
package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Strategy prices one serving. Implementations must be monotonically
// non-increasing in ordersCount, never return less than minPrice, and
// round to cents.
type Strategy interface {
	PriceFor(ordersCount int, basePrice, minPrice decimal.Decimal) decimal.Decimal
}

// Flat charges the base price regardless of demand.
type Flat struct{}

// PriceFor implements Strategy.
func (Flat) PriceFor(_ int, basePrice, minPrice decimal.Decimal) decimal.Decimal {
	return clamp(basePrice, minPrice)
}

// Tiered lowers the price by StepPercent of the base price for every
// TierSize servings already accepted.
type Tiered struct {
	TierSize    int
	StepPercent decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// PriceFor implements Strategy.
func (t Tiered) PriceFor(ordersCount int, basePrice, minPrice decimal.Decimal) decimal.Decimal {
	if t.TierSize <= 0 || ordersCount <= 0 || !t.StepPercent.IsPositive() {
		return clamp(basePrice, minPrice)
	}
	tiers := decimal.NewFromInt(int64(ordersCount / t.TierSize))
	discount := basePrice.Mul(t.StepPercent).Div(hundred).Mul(tiers)
	return clamp(basePrice.Sub(discount), minPrice)
}

func clamp(price, floor decimal.Decimal) decimal.Decimal {
	if price.LessThan(floor) {
		price = floor
	}
	return price.Round(2)
}

// New returns the strategy registered under name.
func New(name string, tierSize int, stepPercent float64) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "tiered":
		if tierSize <= 0 {
			return nil, fmt.Errorf("pricing: tier size must be > 0, got %d", tierSize)
		}
		if stepPercent < 0 || stepPercent > 100 {
			return nil, fmt.Errorf("pricing: step percent must be in [0,100], got %v", stepPercent)
		}
		return Tiered{TierSize: tierSize, StepPercent: decimal.NewFromFloat(stepPercent)}, nil
	case "flat":
		return Flat{}, nil
	default:
		return nil, fmt.Errorf("pricing: unknown strategy %q", name)
	}
}
