// Package domain defines the persistence models and the status state machine
// for chef-meal events and the orders placed against them. The types are
// mapped with GORM and shared by the repository and service layers.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ChefMealEvent is a group meal hosted by a chef. Orders are accepted while
// the event is open and before CutoffAt; the capture sweep closes it.
//
// OrdersCount is the number of servings held by accepted orders and is kept
// within [0, MaxOrders] by guarded updates and a CHECK constraint.
type ChefMealEvent struct {
	ID              string          `json:"id"           gorm:"type:char(36);primaryKey"`
	ChefID          string          `json:"chef_id"      gorm:"type:varchar(64);not null;index"`
	Title           string          `json:"title"        gorm:"type:varchar(255);not null"`
	Currency        string          `json:"currency"     gorm:"type:char(3);not null"`
	BasePrice       decimal.Decimal `json:"base_price"   gorm:"type:numeric(12,2);not null"`
	MinPrice        decimal.Decimal `json:"min_price"    gorm:"type:numeric(12,2);not null"`
	MinOrders       int             `json:"min_orders"   gorm:"not null;check:min_orders >= 0"`
	MaxOrders       int             `json:"max_orders"   gorm:"not null;check:max_orders >= min_orders"`
	OrdersCount     int             `json:"orders_count" gorm:"not null;default:0;check:orders_count >= 0 AND orders_count <= max_orders"`
	CutoffAt        time.Time       `json:"cutoff_at"    gorm:"not null;index:idx_events_due,priority:2"`
	EventAt         time.Time       `json:"event_at"     gorm:"not null"`
	Status          EventStatus     `json:"status"       gorm:"type:varchar(16);not null;default:'open';index:idx_events_due,priority:1"`
	SweepDecision   SweepDecision   `json:"sweep_decision,omitempty" gorm:"type:varchar(16);not null;default:''"`
	SweepLeaseUntil *time.Time      `json:"-"`
	SweptAt         *time.Time      `json:"swept_at,omitempty"`
	AlertedAt       *time.Time      `json:"-"`
	CancelReason    string          `json:"cancel_reason,omitempty" gorm:"type:varchar(255)"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// TableName returns the database table name for ChefMealEvent.
func (ChefMealEvent) TableName() string { return "chef_meal_events" }

// Remaining is the number of servings still available.
func (e *ChefMealEvent) Remaining() int { return e.MaxOrders - e.OrdersCount }

// AcceptsOrders reports whether new orders or adjustments may be placed at now.
func (e *ChefMealEvent) AcceptsOrders(now time.Time) bool {
	return e.Status == EventOpen && now.Before(e.CutoffAt)
}
