package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/chef-meal-orders/internal/domain"
)

// OrderView is an order together with its chef-meal line.
type OrderView struct {
	Order domain.Order
	Line  domain.ChefMealOrder
}

// NewOrder describes a reservation to insert in pending_authorization.
type NewOrder struct {
	CustomerID    string
	EventID       string
	Quantity      int
	UnitPrice     decimal.Decimal
	Amount        decimal.Decimal
	Currency      string
	PaymentMethod string
	// IdempotencyKey is the key of the create request that placed it.
	IdempotencyKey string
}

// CreateOrder inserts an Order and its ChefMealOrder line in
// pending_authorization inside its own transaction. A collision on the
// active-order index returns ErrDuplicateActive.
func CreateOrder(ctx context.Context, db *gorm.DB, in NewOrder) (*OrderView, error) {
	now := time.Now().UTC()
	v := &OrderView{
		Order: domain.Order{
			ID:            uuid.NewString(),
			CustomerID:    in.CustomerID,
			OrderType:     domain.OrderTypeChefMeal,
			Amount:        in.Amount,
			Currency:      in.Currency,
			PaymentMethod: in.PaymentMethod,
			CreateKey:     in.IdempotencyKey,
			Status:        domain.StatusPendingAuthorization,
			Version:       1,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
	}
	v.Line = domain.ChefMealOrder{
		ID:         uuid.NewString(),
		OrderID:    v.Order.ID,
		EventID:    in.EventID,
		CustomerID: in.CustomerID,
		Quantity:   in.Quantity,
		UnitPrice:  in.UnitPrice,
		Status:     domain.StatusPendingAuthorization,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&v.Order).Error; err != nil {
			return err
		}
		return tx.Omit(clause.Associations).Create(&v.Line).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateActive
		}
		return nil, err
	}
	return v, nil
}

// DeleteReservation removes a pending_authorization order and its line.
// Rows in any other state are left untouched.
func DeleteReservation(ctx context.Context, db *gorm.DB, orderID string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("order_id = ? AND status = ?", orderID, domain.StatusPendingAuthorization).
			Delete(&domain.ChefMealOrder{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return tx.Where("id = ? AND status = ?", orderID, domain.StatusPendingAuthorization).
			Delete(&domain.Order{}).Error
	})
}

// DeleteStaleReservations removes pending_authorization rows older than
// cutoff, left behind by a process that died between reserve and commit.
func DeleteStaleReservations(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) (int, error) {
	var ids []string
	if err := db.WithContext(ctx).Model(&domain.Order{}).
		Where("status = ? AND created_at < ?", domain.StatusPendingAuthorization, cutoff).
		Order("created_at ASC").Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := DeleteReservation(ctx, db, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// GetOrderView loads an order and its line.
func GetOrderView(ctx context.Context, db *gorm.DB, orderID string) (*OrderView, error) {
	var v OrderView
	if err := db.WithContext(ctx).Where("id = ?", orderID).First(&v.Order).Error; err != nil {
		return nil, err
	}
	if err := db.WithContext(ctx).Where("order_id = ?", orderID).First(&v.Line).Error; err != nil {
		return nil, err
	}
	return &v, nil
}

// FindActiveOrder returns the customer's pending or authorized order for an event.
func FindActiveOrder(ctx context.Context, db *gorm.DB, customerID, eventID string) (*OrderView, error) {
	var line domain.ChefMealOrder
	err := db.WithContext(ctx).
		Where("customer_id = ? AND event_id = ? AND status IN ?", customerID, eventID, domain.ActiveStatuses).
		First(&line).Error
	if err != nil {
		return nil, err
	}
	return GetOrderView(ctx, db, line.OrderID)
}

// FindOrderByReference matches a provider reference against holds and receipts.
func FindOrderByReference(ctx context.Context, db *gorm.DB, refs ...string) (*OrderView, error) {
	if len(refs) == 0 {
		return nil, ErrNotFound
	}
	var o domain.Order
	err := db.WithContext(ctx).
		Where("provider_ref IN ? OR capture_receipt IN ?", refs, refs).
		Order("created_at DESC").
		First(&o).Error
	if err != nil {
		return nil, err
	}
	return GetOrderView(ctx, db, o.ID)
}

// Mutation lists the optional columns changed together with a status CAS.
// ClaimToken, when set, must match the row's current claim.
type Mutation struct {
	ClaimToken     string
	Quantity       *int
	UnitPrice      *decimal.Decimal
	Amount         *decimal.Decimal
	ProviderRef    *string
	CaptureReceipt *string
	RefundReceipt  *string
	LastError      *string
	CancelReason   *string
	CancelKind     domain.CancelKind
}

// UpdateStatus moves an order and its line from expected to next. It fails
// with ErrStaleState when either row is no longer in expected, when the
// claim token does not match, or when an unclaimed update meets a live claim.
// The claim is cleared on success.
func UpdateStatus(ctx context.Context, tx *gorm.DB, orderID string, expected, next domain.OrderStatus, m Mutation) error {
	if err := domain.Transition(expected, next); err != nil {
		return err
	}
	now := time.Now().UTC()

	orderUpd := map[string]any{
		"status":      next,
		"updated_at":  now,
		"version":     gorm.Expr("version + 1"),
		"claim_token": "",
		"claim_until": nil,
	}
	lineUpd := map[string]any{
		"status":     next,
		"updated_at": now,
	}
	if m.Amount != nil {
		orderUpd["amount"] = *m.Amount
	}
	if m.ProviderRef != nil {
		orderUpd["provider_ref"] = *m.ProviderRef
	}
	if m.CaptureReceipt != nil {
		orderUpd["capture_receipt"] = *m.CaptureReceipt
	}
	if m.RefundReceipt != nil {
		orderUpd["refund_receipt"] = *m.RefundReceipt
	}
	if m.LastError != nil {
		orderUpd["last_error"] = *m.LastError
	}
	if m.Quantity != nil {
		lineUpd["quantity"] = *m.Quantity
	}
	if m.UnitPrice != nil {
		lineUpd["unit_price"] = *m.UnitPrice
	}
	if m.CancelReason != nil {
		lineUpd["cancel_reason"] = *m.CancelReason
	}
	if m.CancelKind != "" {
		lineUpd["cancel_kind"] = m.CancelKind
	}

	q := tx.WithContext(ctx).Model(&domain.Order{}).Where("id = ? AND status = ?", orderID, expected)
	if m.ClaimToken != "" {
		q = q.Where("claim_token = ?", m.ClaimToken)
	} else {
		q = q.Where("(claim_until IS NULL OR claim_until < ?)", now)
	}
	res := q.Updates(orderUpd)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleState
	}

	res = tx.WithContext(ctx).Model(&domain.ChefMealOrder{}).
		Where("order_id = ? AND status = ?", orderID, expected).
		Updates(lineUpd)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleState
	}
	return nil
}

// ClaimOrder takes a lease on an order in the expected status. It returns
// the claim token, or ErrStaleState when the order moved or is already claimed.
func ClaimOrder(ctx context.Context, db *gorm.DB, orderID string, expected domain.OrderStatus, lease time.Duration) (string, error) {
	now := time.Now().UTC()
	token := uuid.NewString()
	res := db.WithContext(ctx).Model(&domain.Order{}).
		Where("id = ? AND status = ? AND (claim_until IS NULL OR claim_until < ?)", orderID, expected, now).
		Updates(map[string]any{
			"claim_token": token,
			"claim_until": now.Add(lease),
		})
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 0 {
		return "", ErrStaleState
	}
	return token, nil
}

// ReleaseClaim drops a claim without changing status.
func ReleaseClaim(ctx context.Context, db *gorm.DB, orderID, token string) error {
	return db.WithContext(ctx).Model(&domain.Order{}).
		Where("id = ? AND claim_token = ?", orderID, token).
		Updates(map[string]any{"claim_token": "", "claim_until": nil}).Error
}

// RecordCaptureAttempt stores a failed gateway attempt and drops the claim.
func RecordCaptureAttempt(ctx context.Context, db *gorm.DB, orderID, token string, attempts int, lastErr string) error {
	res := db.WithContext(ctx).Model(&domain.Order{}).
		Where("id = ? AND claim_token = ?", orderID, token).
		Updates(map[string]any{
			"capture_attempts": attempts,
			"last_error":       lastErr,
			"claim_token":      "",
			"claim_until":      nil,
			"updated_at":       time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleState
	}
	return nil
}

// StampOrder sets a confirmation timestamp column if it is still empty.
func StampOrder(ctx context.Context, db *gorm.DB, orderID, column string, at time.Time) error {
	switch column {
	case "capture_confirmed_at", "refund_confirmed_at":
	default:
		return errors.New("repo: unsupported stamp column " + column)
	}
	return db.WithContext(ctx).Model(&domain.Order{}).
		Where("id = ? AND "+column+" IS NULL", orderID).
		Update(column, at).Error
}

// ListPendingForEvent returns the active lines of an event whose
// cutoff is at or before asOf, oldest first, with their orders loaded.
func ListPendingForEvent(ctx context.Context, db *gorm.DB, eventID string, asOf time.Time) ([]OrderView, error) {
	var lines []domain.ChefMealOrder
	err := db.WithContext(ctx).
		Preload("Order").
		Joins("JOIN chef_meal_events ON chef_meal_events.id = chef_meal_orders.event_id").
		Where("chef_meal_orders.event_id = ? AND chef_meal_orders.status IN ? AND chef_meal_events.cutoff_at <= ?",
			eventID, domain.ActiveStatuses, asOf).
		Order("chef_meal_orders.created_at ASC, chef_meal_orders.id ASC").
		Find(&lines).Error
	if err != nil {
		return nil, err
	}
	return toViews(lines), nil
}

// ListLinesByStatus returns an event's lines in any of statuses, oldest first.
func ListLinesByStatus(ctx context.Context, db *gorm.DB, eventID string, statuses ...domain.OrderStatus) ([]OrderView, error) {
	var lines []domain.ChefMealOrder
	err := db.WithContext(ctx).
		Preload("Order").
		Where("event_id = ? AND status IN ?", eventID, statuses).
		Order("created_at ASC, id ASC").
		Find(&lines).Error
	if err != nil {
		return nil, err
	}
	return toViews(lines), nil
}

// CountLinesByStatus counts an event's lines per status.
func CountLinesByStatus(ctx context.Context, db *gorm.DB, eventID string) (map[domain.OrderStatus]int64, error) {
	type row struct {
		Status domain.OrderStatus
		N      int64
	}
	var rows []row
	err := db.WithContext(ctx).Model(&domain.ChefMealOrder{}).
		Select("status, COUNT(*) AS n").
		Where("event_id = ?", eventID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[domain.OrderStatus]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// SumSeats returns the servings held by an event's accepted lines.
func SumSeats(ctx context.Context, db *gorm.DB, eventID string) (int, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.ChefMealOrder{}).
		Select("COALESCE(SUM(quantity), 0)").
		Where("event_id = ? AND status IN ?", eventID,
			[]domain.OrderStatus{domain.StatusAuthorized, domain.StatusCaptured, domain.StatusCompleted}).
		Scan(&total).Error
	return int(total), err
}

// ListOrdersForEvent returns a page of an event's orders, newest first.
func ListOrdersForEvent(ctx context.Context, db *gorm.DB, eventID string, offset, limit int) ([]OrderView, int64, error) {
	var total int64
	base := db.WithContext(ctx).Model(&domain.ChefMealOrder{}).Where("event_id = ?", eventID)
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var lines []domain.ChefMealOrder
	err := db.WithContext(ctx).
		Preload("Order").
		Where("event_id = ?", eventID).
		Order("created_at DESC, id DESC").
		Offset(offset).Limit(limit).
		Find(&lines).Error
	if err != nil {
		return nil, 0, err
	}
	return toViews(lines), total, nil
}

func toViews(lines []domain.ChefMealOrder) []OrderView {
	out := make([]OrderView, 0, len(lines))
	for _, l := range lines {
		o := l.Order
		l.Order = domain.Order{}
		out = append(out, OrderView{Order: o, Line: l})
	}
	return out
}
