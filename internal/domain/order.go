package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderTypeChefMeal tags orders that carry a ChefMealOrder line.
const OrderTypeChefMeal = "chef_meal"

// Order is the payment-bearing record. ProviderRef holds the gateway hold
// and CaptureReceipt the settled charge once captured.
//
// ClaimToken and ClaimUntil form a short lease taken before any gateway call
// so that only one actor drives a given order at a time.
type Order struct {
	ID                 string          `json:"id"               gorm:"type:char(36);primaryKey"`
	CustomerID         string          `json:"customer_id"      gorm:"type:varchar(64);not null;index"`
	OrderType          string          `json:"order_type"       gorm:"type:varchar(32);not null;default:'chef_meal'"`
	Amount             decimal.Decimal `json:"amount"           gorm:"type:numeric(12,2);not null"`
	Currency           string          `json:"currency"         gorm:"type:char(3);not null"`
	PaymentMethod      string          `json:"-"                gorm:"type:varchar(128)"`
	CreateKey          string          `json:"-"                gorm:"type:varchar(128);not null;default:''"`
	ProviderRef        string          `json:"provider_ref"     gorm:"type:varchar(128);index"`
	CaptureReceipt     string          `json:"capture_receipt"  gorm:"type:varchar(128);index"`
	RefundReceipt      string          `json:"refund_receipt"   gorm:"type:varchar(128)"`
	Status             OrderStatus     `json:"status"           gorm:"type:varchar(32);not null;index"`
	CaptureAttempts    int             `json:"capture_attempts" gorm:"not null;default:0"`
	LastError          string          `json:"last_error,omitempty" gorm:"type:text"`
	ClaimToken         string          `json:"-"                gorm:"type:varchar(36);not null;default:''"`
	ClaimUntil         *time.Time      `json:"-"`
	Version            int             `json:"version"          gorm:"not null;default:1"`
	CaptureConfirmedAt *time.Time      `json:"capture_confirmed_at,omitempty"`
	RefundConfirmedAt  *time.Time      `json:"refund_confirmed_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// TableName returns the database table name for Order.
func (Order) TableName() string { return "orders" }

// ChefMealOrder is the event line of an order. Its status mirrors the parent
// order and is what the partial unique index ux_chef_meal_orders_active
// constrains: one pending or authorized line per (customer, event).
type ChefMealOrder struct {
	ID           string          `json:"id"          gorm:"type:char(36);primaryKey"`
	OrderID      string          `json:"order_id"    gorm:"type:char(36);not null;uniqueIndex"`
	EventID      string          `json:"event_id"    gorm:"type:char(36);not null;index:idx_lines_event_status,priority:1"`
	CustomerID   string          `json:"customer_id" gorm:"type:varchar(64);not null;index"`
	Quantity     int             `json:"quantity"    gorm:"not null;check:quantity > 0"`
	UnitPrice    decimal.Decimal `json:"unit_price"  gorm:"type:numeric(12,2);not null"`
	Status       OrderStatus     `json:"status"      gorm:"type:varchar(32);not null;index:idx_lines_event_status,priority:2"`
	CancelReason string          `json:"cancel_reason,omitempty" gorm:"type:varchar(255)"`
	CancelKind   CancelKind      `json:"cancel_kind,omitempty"   gorm:"type:varchar(16)"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`

	Order Order         `json:"-" gorm:"foreignKey:OrderID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	Event ChefMealEvent `json:"-" gorm:"foreignKey:EventID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

// TableName returns the database table name for ChefMealOrder.
func (ChefMealOrder) TableName() string { return "chef_meal_orders" }
