package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/chef-meal-orders/internal/domain"
)

// AppendAudit records one state change of an order.
func AppendAudit(ctx context.Context, tx *gorm.DB, a *domain.OrderAudit) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return tx.WithContext(ctx).Create(a).Error
}

// ListAudit returns an order's audit trail in insertion order.
func ListAudit(ctx context.Context, db *gorm.DB, orderID string) ([]domain.OrderAudit, error) {
	var out []domain.OrderAudit
	err := db.WithContext(ctx).Where("order_id = ?", orderID).Order("id ASC").Find(&out).Error
	return out, err
}
