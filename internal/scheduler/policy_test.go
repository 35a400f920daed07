package scheduler

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/chef-meal-orders/internal/domain"
)

func TestCapturePolicy_Default(t *testing.T) {
	p, err := NewCapturePolicy("  ")
	require.NoError(t, err)
	assert.Equal(t, DefaultCaptureRule, p.Rule())

	cases := []struct {
		count, min int
		want       domain.SweepDecision
	}{
		{count: 4, min: 5, want: domain.DecisionRelease},
		{count: 5, min: 5, want: domain.DecisionCapture},
		{count: 7, min: 5, want: domain.DecisionCapture},
		{count: 0, min: 0, want: domain.DecisionCapture},
	}
	for _, tc := range cases {
		got, err := p.Decide(&domain.ChefMealEvent{OrdersCount: tc.count, MinOrders: tc.min, MaxOrders: 10})
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "count=%d min=%d", tc.count, tc.min)
	}
}

func TestCapturePolicy_CustomRule(t *testing.T) {
	p, err := NewCapturePolicy("orders_count >= min_orders && base_price * orders_count >= 100")
	require.NoError(t, err)

	ev := &domain.ChefMealEvent{OrdersCount: 3, MinOrders: 2, MaxOrders: 10, BasePrice: decimal.NewFromInt(30)}
	got, err := p.Decide(ev)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionRelease, got)

	ev.OrdersCount = 4
	got, err = p.Decide(ev)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionCapture, got)
}

func TestCapturePolicy_Errors(t *testing.T) {
	_, err := NewCapturePolicy("orders_count >=")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compile capture rule")

	p, err := NewCapturePolicy("orders_count + 1")
	require.NoError(t, err)
	_, err = p.Decide(&domain.ChefMealEvent{ID: "ev-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want bool")

	p, err = NewCapturePolicy("unknown_param > 1")
	require.NoError(t, err)
	_, err = p.Decide(&domain.ChefMealEvent{ID: "ev-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ev-1")
}
