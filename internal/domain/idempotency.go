package domain

import "time"

// IdempotencyRecord stores the outcome of a completed mutating request,
// keyed by (customer_id, operation, key). Replays return Response verbatim
// without touching the gateway. Records are never mutated and expire after
// the configured TTL.
type IdempotencyRecord struct {
	ID         string    `gorm:"type:char(36);primaryKey"`
	CustomerID string    `gorm:"type:varchar(64);not null;uniqueIndex:ux_idem_customer_op_key,priority:1"`
	Operation  string    `gorm:"type:varchar(32);not null;uniqueIndex:ux_idem_customer_op_key,priority:2"`
	Key        string    `gorm:"type:varchar(200);not null;uniqueIndex:ux_idem_customer_op_key,priority:3"`
	OrderID    string    `gorm:"type:char(36)"`
	Status     string    `gorm:"type:varchar(32);not null"`
	HTTPStatus int       `gorm:"not null"`
	Response   []byte    `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null"`
	ExpiresAt  time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (IdempotencyRecord) TableName() string { return "idempotency_records" }
