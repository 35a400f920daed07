package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderAudit is an append-only trail of every mutating operation.
type OrderAudit struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	OrderID        string    `gorm:"type:char(36);not null;index"`
	IdempotencyKey string    `gorm:"type:varchar(200)"`
	Actor          string    `gorm:"type:varchar(64);not null"`
	Action         string    `gorm:"type:varchar(32);not null"`
	FromStatus     string    `gorm:"type:varchar(32)"`
	ToStatus       string    `gorm:"type:varchar(32)"`
	Detail         string    `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"not null"`
}

// TableName returns the database table name for OrderAudit.
func (OrderAudit) TableName() string { return "order_audits" }

// OutboxEvent is a notification written in the same transaction as the
// state change it describes and delivered at least once by the dispatcher.
// DedupKey identifies the logical notification for idempotent consumers.
type OutboxEvent struct {
	ID            string     `gorm:"type:char(36);primaryKey"`
	OrderID       string     `gorm:"type:char(36);index"`
	EventID       string     `gorm:"type:char(36);index"`
	Transition    string     `gorm:"type:varchar(64);not null"`
	DedupKey      string     `gorm:"type:varchar(160);not null"`
	Payload       []byte     `gorm:"not null"`
	Attempts      int        `gorm:"not null;default:0"`
	LastError     string     `gorm:"type:text"`
	NextAttemptAt time.Time  `gorm:"not null;index:idx_outbox_pending,priority:2"`
	DeliveredAt   *time.Time `gorm:"index:idx_outbox_pending,priority:1"`
	CreatedAt     time.Time  `gorm:"not null"`
}

// TableName returns the database table name for OutboxEvent.
func (OutboxEvent) TableName() string { return "outbox_events" }

// WebhookEvent records an inbound provider webhook. The (provider,
// provider_event_id) pair is unique so redeliveries are recognized.
type WebhookEvent struct {
	ID              string `gorm:"type:char(36);primaryKey"`
	Provider        string `gorm:"type:varchar(32);not null;uniqueIndex:ux_webhook_provider_event,priority:1"`
	ProviderEventID string `gorm:"type:varchar(128);not null;uniqueIndex:ux_webhook_provider_event,priority:2"`
	EventType       string `gorm:"type:varchar(64);not null"`
	Payload         []byte `gorm:"not null"`
	ProcessedAt     *time.Time
	ProcessingError string    `gorm:"type:text"`
	CreatedAt       time.Time `gorm:"not null"`
}

// TableName returns the database table name for WebhookEvent.
func (WebhookEvent) TableName() string { return "webhook_events" }

// Notification is the JSON payload stored in an outbox row and handed to
// publishers. Consumers dedupe on DedupKey.
type Notification struct {
	DedupKey   string          `json:"dedup_key"`
	Transition string          `json:"transition"`
	OrderID    string          `json:"order_id,omitempty"`
	EventID    string          `json:"event_id"`
	CustomerID string          `json:"customer_id,omitempty"`
	Status     string          `json:"status"`
	Quantity   int             `json:"quantity,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency,omitempty"`
	CancelKind CancelKind      `json:"cancel_kind,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Version    int             `json:"version,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}
