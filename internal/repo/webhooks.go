package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/chef-meal-orders/internal/domain"
)

// RecordWebhookEvent stores a provider event once. A redelivery of the
// same (provider, event id) returns ErrDuplicate.
func RecordWebhookEvent(ctx context.Context, db *gorm.DB, provider, eventID, eventType string, payload []byte) (*domain.WebhookEvent, error) {
	ev := &domain.WebhookEvent{
		ID:              uuid.NewString(),
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       eventType,
		Payload:         payload,
		CreatedAt:       time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(ev).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return ev, nil
}

// MarkWebhookProcessed stamps a webhook event with its outcome.
func MarkWebhookProcessed(ctx context.Context, db *gorm.DB, id string, at time.Time, procErr error) error {
	msg := ""
	if procErr != nil {
		msg = procErr.Error()
	}
	return db.WithContext(ctx).Model(&domain.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{"processed_at": at, "processing_error": msg}).Error
}

// DeleteWebhookEvent removes a dedupe row so a redelivery of the same
// provider event is processed again.
func DeleteWebhookEvent(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Where("id = ?", id).Delete(&domain.WebhookEvent{}).Error
}
