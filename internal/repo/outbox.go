package repo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/chef-meal-orders/internal/domain"
)

// EnqueueOutbox stores a notification in the caller's transaction. The
// payload is JSON encoded.
func EnqueueOutbox(ctx context.Context, tx *gorm.DB, orderID, eventID, transition, dedupKey string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	return tx.WithContext(ctx).Create(&domain.OutboxEvent{
		ID:            uuid.NewString(),
		OrderID:       orderID,
		EventID:       eventID,
		Transition:    transition,
		DedupKey:      dedupKey,
		Payload:       b,
		NextAttemptAt: now,
		CreatedAt:     now,
	}).Error
}

// ClaimOutboxBatch returns up to limit undelivered rows that are due and
// pushes their next_attempt_at forward by lease, so a concurrent
// dispatcher skips them while they are in flight.
func ClaimOutboxBatch(ctx context.Context, db *gorm.DB, now time.Time, lease time.Duration, limit int) ([]domain.OutboxEvent, error) {
	var due []domain.OutboxEvent
	err := db.WithContext(ctx).
		Where("delivered_at IS NULL AND next_attempt_at <= ?", now).
		Order("next_attempt_at ASC, created_at ASC").
		Limit(limit).
		Find(&due).Error
	if err != nil {
		return nil, err
	}
	out := due[:0]
	for _, ev := range due {
		res := db.WithContext(ctx).Model(&domain.OutboxEvent{}).
			Where("id = ? AND delivered_at IS NULL AND attempts = ?", ev.ID, ev.Attempts).
			Updates(map[string]any{
				"attempts":        ev.Attempts + 1,
				"next_attempt_at": now.Add(lease),
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			ev.Attempts++
			out = append(out, ev)
		}
	}
	return out, nil
}

// MarkOutboxDelivered stamps a row as delivered.
func MarkOutboxDelivered(ctx context.Context, db *gorm.DB, id string, at time.Time) error {
	return db.WithContext(ctx).Model(&domain.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{"delivered_at": at, "last_error": ""}).Error
}

// MarkOutboxFailed schedules another attempt at next.
func MarkOutboxFailed(ctx context.Context, db *gorm.DB, id string, next time.Time, lastErr string) error {
	return db.WithContext(ctx).Model(&domain.OutboxEvent{}).
		Where("id = ? AND delivered_at IS NULL", id).
		Updates(map[string]any{"next_attempt_at": next, "last_error": lastErr}).Error
}

// CountPendingOutbox counts undelivered rows.
func CountPendingOutbox(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.OutboxEvent{}).Where("delivered_at IS NULL").Count(&n).Error
	return n, err
}

// ListOutbox returns the rows recorded for an order, oldest first.
func ListOutbox(ctx context.Context, db *gorm.DB, orderID string) ([]domain.OutboxEvent, error) {
	var out []domain.OutboxEvent
	err := db.WithContext(ctx).Where("order_id = ?", orderID).Order("created_at ASC").Find(&out).Error
	return out, err
}
