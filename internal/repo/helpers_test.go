package repo

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/tbourn/chef-meal-orders/internal/domain"
)

// newTestDB opens a migrated in-memory database private to the test.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := OpenSQLite("file:" + name + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func seedEvent(t *testing.T, db *gorm.DB, mutate ...func(*domain.ChefMealEvent)) *domain.ChefMealEvent {
	t.Helper()
	now := time.Now().UTC()
	ev := &domain.ChefMealEvent{
		ChefID:    "chef-1",
		Title:     "Ramen night",
		Currency:  "USD",
		BasePrice: decimal.RequireFromString("40.00"),
		MinPrice:  decimal.RequireFromString("30.00"),
		MinOrders: 2,
		MaxOrders: 10,
		CutoffAt:  now.Add(time.Hour),
		EventAt:   now.Add(48 * time.Hour),
	}
	for _, m := range mutate {
		m(ev)
	}
	if err := CreateEvent(context.Background(), db, ev); err != nil {
		t.Fatalf("seed event: %v", err)
	}
	return ev
}

func seedOrder(t *testing.T, db *gorm.DB, eventID, customer string, qty int) *OrderView {
	t.Helper()
	price := decimal.RequireFromString("40.00")
	v, err := CreateOrder(context.Background(), db, NewOrder{
		CustomerID:    customer,
		EventID:       eventID,
		Quantity:      qty,
		UnitPrice:     price,
		Amount:        price.Mul(decimal.NewFromInt(int64(qty))),
		Currency:      "USD",
		PaymentMethod: "pm_card_visa",
	})
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return v
}

// authorize moves a seeded order to authorized and counts its servings.
func authorize(t *testing.T, db *gorm.DB, v *OrderView) {
	t.Helper()
	ctx := context.Background()
	ref := "hold_" + v.Order.ID[:8]
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := UpdateStatus(ctx, tx, v.Order.ID, domain.StatusPendingAuthorization, domain.StatusAuthorized,
			Mutation{ProviderRef: &ref}); err != nil {
			return err
		}
		return AdjustOrdersCount(ctx, tx, v.Line.EventID, v.Line.Quantity, CountGuard{})
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	v.Order.Status = domain.StatusAuthorized
	v.Order.ProviderRef = ref
	v.Line.Status = domain.StatusAuthorized
}
