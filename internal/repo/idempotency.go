package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/chef-meal-orders/internal/domain"
)

// GetIdempotency returns a non-expired record for (customer, operation, key)
// or ErrNotFound.
func GetIdempotency(ctx context.Context, db *gorm.DB, customerID, operation, key string, now time.Time) (*domain.IdempotencyRecord, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrNotFound
	}
	var rec domain.IdempotencyRecord
	err := db.WithContext(ctx).
		Where("customer_id = ? AND operation = ? AND key = ? AND expires_at > ?", customerID, operation, key, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &rec, err
}

// CreateIdempotency inserts a record and returns ErrDuplicate when one
// already exists. The insert uses ON CONFLICT DO NOTHING so a collision does
// not abort the surrounding transaction. An expired record with the same key
// is replaced.
func CreateIdempotency(ctx context.Context, tx *gorm.DB, rec *domain.IdempotencyRecord, ttl time.Duration) error {
	now := time.Now().UTC()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = now
	rec.ExpiresAt = now.Add(ttl)

	if err := tx.WithContext(ctx).
		Where("customer_id = ? AND operation = ? AND key = ? AND expires_at <= ?", rec.CustomerID, rec.Operation, rec.Key, now).
		Delete(&domain.IdempotencyRecord{}).Error; err != nil {
		return err
	}
	res := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return ErrDuplicate
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDuplicate
	}
	return nil
}

// PurgeExpiredIdempotency deletes records that expired before now.
func PurgeExpiredIdempotency(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&domain.IdempotencyRecord{})
	return res.RowsAffected, res.Error
}
