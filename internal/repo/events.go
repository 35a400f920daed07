package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/chef-meal-orders/internal/domain"
)

// CreateEvent inserts a new open event.
func CreateEvent(ctx context.Context, db *gorm.DB, ev *domain.ChefMealEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Status == "" {
		ev.Status = domain.EventOpen
	}
	return db.WithContext(ctx).Create(ev).Error
}

// GetEvent loads an event by ID.
func GetEvent(ctx context.Context, db *gorm.DB, id string) (*domain.ChefMealEvent, error) {
	var ev domain.ChefMealEvent
	if err := db.WithContext(ctx).Where("id = ?", id).First(&ev).Error; err != nil {
		return nil, err
	}
	return &ev, nil
}

// CountGuard restricts a positive orders_count change.
type CountGuard struct {
	RequireOpen bool
	Before      time.Time
}

// AdjustOrdersCount changes orders_count by delta in one conditional UPDATE.
// Increments are rejected with ErrCountGuard when they would exceed
// max_orders or when the guard does not hold. Decrements never go below zero.
func AdjustOrdersCount(ctx context.Context, tx *gorm.DB, eventID string, delta int, g CountGuard) error {
	if delta == 0 {
		return nil
	}
	q := tx.WithContext(ctx).Model(&domain.ChefMealEvent{}).Where("id = ?", eventID)
	if delta > 0 {
		q = q.Where("orders_count + ? <= max_orders", delta)
		if g.RequireOpen {
			q = q.Where("status = ?", domain.EventOpen)
		}
		if !g.Before.IsZero() {
			q = q.Where("cutoff_at > ?", g.Before)
		}
	} else {
		q = q.Where("orders_count + ? >= 0", delta)
	}
	res := q.Updates(map[string]any{
		"orders_count": gorm.Expr("orders_count + ?", delta),
		"updated_at":   time.Now().UTC(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrCountGuard
	}
	return nil
}

// claimAttempts bounds how often ClaimDueEvent re-reads an event whose
// orders_count moved between the read and the CAS.
const claimAttempts = 3

// ClaimDueEvent closes an open event whose cutoff has passed and fixes its
// sweep decision in the same statement. decide is called with the event
// as read; the CAS matches both status and the orders_count that decide
// saw, so a count change committed in between forces a re-read. It returns
// ErrStaleState when the event was not open, the cutoff is still ahead, or
// the count kept moving.
func ClaimDueEvent(ctx context.Context, db *gorm.DB, id string, now time.Time, lease time.Duration,
	decide func(*domain.ChefMealEvent) (domain.SweepDecision, error),
) (*domain.ChefMealEvent, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		ev, err := GetEvent(ctx, db, id)
		if err != nil {
			return nil, err
		}
		if ev.Status != domain.EventOpen || now.Before(ev.CutoffAt) {
			return nil, ErrStaleState
		}
		d, err := decide(ev)
		if err != nil {
			return nil, err
		}
		until := now.Add(lease)
		res := db.WithContext(ctx).Model(&domain.ChefMealEvent{}).
			Where("id = ? AND status = ? AND orders_count = ?", id, domain.EventOpen, ev.OrdersCount).
			Updates(map[string]any{
				"status":            domain.EventClosed,
				"sweep_decision":    d,
				"sweep_lease_until": until,
				"swept_at":          now,
				"updated_at":        now,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			ev.Status = domain.EventClosed
			ev.SweepDecision = d
			ev.SweepLeaseUntil = &until
			ev.SweptAt = &now
			return ev, nil
		}
	}
	return nil, ErrStaleState
}

// ClaimSweepRetry re-leases a closed event whose previous sweep lease has
// expired, so a later pass can finish it.
func ClaimSweepRetry(ctx context.Context, db *gorm.DB, id string, now time.Time, lease time.Duration) (*domain.ChefMealEvent, error) {
	until := now.Add(lease)
	res := db.WithContext(ctx).Model(&domain.ChefMealEvent{}).
		Where("id = ? AND status = ? AND sweep_decision <> '' AND (sweep_lease_until IS NULL OR sweep_lease_until < ?)",
			id, domain.EventClosed, now).
		Updates(map[string]any{"sweep_lease_until": until, "updated_at": now})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrStaleState
	}
	return GetEvent(ctx, db, id)
}

// ReleaseSweepLease clears the sweep lease so the next tick may retry.
func ReleaseSweepLease(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Model(&domain.ChefMealEvent{}).
		Where("id = ?", id).
		Update("sweep_lease_until", nil).Error
}

// SetEventStatus moves an event from expected to next. ErrStaleState is
// returned when the event is no longer in expected.
func SetEventStatus(ctx context.Context, tx *gorm.DB, id string, expected, next domain.EventStatus, reason string) error {
	if err := domain.EventTransition(expected, next); err != nil {
		return err
	}
	upd := map[string]any{"status": next, "updated_at": time.Now().UTC()}
	if reason != "" {
		upd["cancel_reason"] = reason
	}
	res := tx.WithContext(ctx).Model(&domain.ChefMealEvent{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(upd)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleState
	}
	return nil
}

// MarkEventAlerted sets alerted_at once. It reports whether this call set it.
func MarkEventAlerted(ctx context.Context, tx *gorm.DB, id string, at time.Time) (bool, error) {
	res := tx.WithContext(ctx).Model(&domain.ChefMealEvent{}).
		Where("id = ? AND alerted_at IS NULL", id).
		Update("alerted_at", at)
	return res.RowsAffected == 1, res.Error
}

// ListDueEvents returns IDs of open events whose cutoff has passed.
func ListDueEvents(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).Model(&domain.ChefMealEvent{}).
		Where("status = ? AND cutoff_at <= ?", domain.EventOpen, now).
		Order("cutoff_at ASC").Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

// ListEventsNeedingRetry returns closed events with an expired sweep lease
// that still have retryable authorized lines, or none left at all so they
// can be finalized.
func ListEventsNeedingRetry(ctx context.Context, db *gorm.DB, now time.Time, maxAttempts, limit int) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).Model(&domain.ChefMealEvent{}).
		Where("status = ? AND sweep_decision <> '' AND (sweep_lease_until IS NULL OR sweep_lease_until < ?)",
			domain.EventClosed, now).
		Where(`alerted_at IS NULL OR EXISTS (
			SELECT 1 FROM chef_meal_orders l JOIN orders o ON o.id = l.order_id
			WHERE l.event_id = chef_meal_events.id AND l.status = ? AND o.capture_attempts < ?)`,
			domain.StatusAuthorized, maxAttempts).
		Order("cutoff_at ASC").Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

// ListCompletableEvents returns completed events whose service time has
// passed and that still have captured lines.
func ListCompletableEvents(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).Model(&domain.ChefMealEvent{}).
		Where("status = ? AND event_at <= ?", domain.EventCompleted, now).
		Where(`EXISTS (SELECT 1 FROM chef_meal_orders l WHERE l.event_id = chef_meal_events.id AND l.status = ?)`,
			domain.StatusCaptured).
		Order("event_at ASC").Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

// ListCancelledEventsWithOpenOrders returns cancelled events that still
// have authorized or captured lines to unwind.
func ListCancelledEventsWithOpenOrders(ctx context.Context, db *gorm.DB, limit int) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).Model(&domain.ChefMealEvent{}).
		Where("status = ?", domain.EventCancelled).
		Where(`EXISTS (SELECT 1 FROM chef_meal_orders l WHERE l.event_id = chef_meal_events.id AND l.status IN ?)`,
			[]domain.OrderStatus{domain.StatusAuthorized, domain.StatusCaptured}).
		Order("updated_at ASC").Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}
