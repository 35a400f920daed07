package scheduler

import (
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/go-faster/errors"

	"github.com/tbourn/chef-meal-orders/internal/domain"
)

// DefaultCaptureRule captures when the event reached its minimum.
const DefaultCaptureRule = "orders_count >= min_orders"

// CapturePolicy decides, at cutoff, whether an event's holds are captured or
// released. The rule is a boolean govaluate expression over the parameters
// orders_count, min_orders, max_orders, base_price and min_price.
type CapturePolicy struct {
	rule string
	expr *govaluate.EvaluableExpression
}

// NewCapturePolicy compiles rule. An empty rule selects DefaultCaptureRule.
func NewCapturePolicy(rule string) (*CapturePolicy, error) {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		rule = DefaultCaptureRule
	}
	expr, err := govaluate.NewEvaluableExpression(rule)
	if err != nil {
		return nil, errors.Wrapf(err, "compile capture rule %q", rule)
	}
	return &CapturePolicy{rule: rule, expr: expr}, nil
}

// Rule returns the source expression.
func (p *CapturePolicy) Rule() string { return p.rule }

// Decide evaluates the rule for ev.
func (p *CapturePolicy) Decide(ev *domain.ChefMealEvent) (domain.SweepDecision, error) {
	base, _ := ev.BasePrice.Float64()
	floor, _ := ev.MinPrice.Float64()
	out, err := p.expr.Evaluate(map[string]any{
		"orders_count": float64(ev.OrdersCount),
		"min_orders":   float64(ev.MinOrders),
		"max_orders":   float64(ev.MaxOrders),
		"base_price":   base,
		"min_price":    floor,
	})
	if err != nil {
		return domain.DecisionNone, errors.Wrapf(err, "evaluate capture rule for event %s", ev.ID)
	}
	ok, isBool := out.(bool)
	if !isBool {
		return domain.DecisionNone, errors.Errorf("capture rule %q returned %T, want bool", p.rule, out)
	}
	if ok {
		return domain.DecisionCapture, nil
	}
	return domain.DecisionRelease, nil
}
