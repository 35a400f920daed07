package repo

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = gorm.ErrRecordNotFound
	// ErrDuplicate indicates a unique-key collision (idempotency record,
	// webhook event).
	ErrDuplicate = errors.New("duplicate")
	// ErrDuplicateActive indicates the customer already has a pending or
	// authorized order for the event.
	ErrDuplicateActive = errors.New("duplicate active order")
	// ErrStaleState is returned when a compare-and-swap finds the row in a
	// different state (or claimed by someone else).
	ErrStaleState = errors.New("stale state")
	// ErrCountGuard is returned when an orders_count update would leave
	// [0, max_orders] or the event no longer accepts orders.
	ErrCountGuard = errors.New("orders count guard failed")
)

// isUniqueViolation recognizes unique-constraint errors from SQLite and
// PostgreSQL, translated or not.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key value") ||
		strings.Contains(low, "sqlstate 23505")
}
