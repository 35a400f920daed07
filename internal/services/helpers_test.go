package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/tbourn/chef-meal-orders/internal/domain"
	"github.com/tbourn/chef-meal-orders/internal/payment"
	"github.com/tbourn/chef-meal-orders/internal/pricing"
	"github.com/tbourn/chef-meal-orders/internal/repo"
)

// ---------- test helpers ----------

func newSvcDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", uuid.NewString()))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type fixture struct {
	db     *gorm.DB
	gw     *payment.MemoryGateway
	orders *OrderService
	events *EventService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newSvcDB(t)
	gw := payment.NewMemoryGateway()
	orders := &OrderService{
		DB:                 db,
		Gateway:            gw,
		Pricing:            pricing.Flat{},
		TxTimeout:          5 * time.Second,
		GatewayTimeout:     5 * time.Second,
		MaxCaptureAttempts: 3,
	}
	return &fixture{db: db, gw: gw, orders: orders, events: &EventService{DB: db, Orders: orders}}
}

func (f *fixture) event(t *testing.T, mutate ...func(*domain.ChefMealEvent)) *domain.ChefMealEvent {
	t.Helper()
	now := time.Now().UTC()
	ev := &domain.ChefMealEvent{
		ChefID:    "chef-1",
		Title:     "Dumpling supper",
		Currency:  "USD",
		BasePrice: decimal.RequireFromString("25.00"),
		MinPrice:  decimal.RequireFromString("20.00"),
		MinOrders: 3,
		MaxOrders: 10,
		CutoffAt:  now.Add(time.Hour),
		EventAt:   now.Add(24 * time.Hour),
	}
	for _, m := range mutate {
		m(ev)
	}
	if err := repo.CreateEvent(context.Background(), f.db, ev); err != nil {
		t.Fatalf("seed event: %v", err)
	}
	return ev
}

func (f *fixture) order(t *testing.T, eventID, customer string, qty int) *OrderResult {
	t.Helper()
	res, err := f.orders.CreateOrder(context.Background(), CreateOrderInput{
		CustomerID:     customer,
		EventID:        eventID,
		Quantity:       qty,
		PaymentMethod:  "pm_card_visa",
		IdempotencyKey: "create-" + customer + "-" + eventID,
	})
	if err != nil {
		t.Fatalf("create order for %s: %v", customer, err)
	}
	return res
}

func (f *fixture) reloadEvent(t *testing.T, id string) *domain.ChefMealEvent {
	t.Helper()
	ev, err := repo.GetEvent(context.Background(), f.db, id)
	if err != nil {
		t.Fatalf("reload event: %v", err)
	}
	return ev
}

func (f *fixture) reloadOrder(t *testing.T, id string) *repo.OrderView {
	t.Helper()
	v, err := repo.GetOrderView(context.Background(), f.db, id)
	if err != nil {
		t.Fatalf("reload order: %v", err)
	}
	return v
}

// passCutoff moves the event's cutoff into the past.
func (f *fixture) passCutoff(t *testing.T, eventID string) {
	t.Helper()
	if err := f.db.Model(&domain.ChefMealEvent{}).Where("id = ?", eventID).
		Update("cutoff_at", time.Now().UTC().Add(-time.Minute)).Error; err != nil {
		t.Fatalf("pass cutoff: %v", err)
	}
}

// closeAndSweep closes an event with the given decision and runs one sweep
// plus finalize, the way a scheduler tick does.
func (f *fixture) closeAndSweep(t *testing.T, eventID string, d domain.SweepDecision) SweepReport {
	t.Helper()
	ctx := context.Background()
	f.passCutoff(t, eventID)
	ev, err := repo.ClaimDueEvent(ctx, f.db, eventID, time.Now().UTC(), time.Minute,
		func(*domain.ChefMealEvent) (domain.SweepDecision, error) { return d, nil })
	if err != nil {
		t.Fatalf("claim due event: %v", err)
	}
	rep, err := f.orders.CaptureSweep(ctx, ev)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if _, err := f.orders.FinalizeEvent(ctx, ev); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	return rep
}

// assertCountConsistent checks orders_count against the committed lines.
func (f *fixture) assertCountConsistent(t *testing.T, eventID string) {
	t.Helper()
	seats, err := repo.SumSeats(context.Background(), f.db, eventID)
	if err != nil {
		t.Fatalf("sum seats: %v", err)
	}
	if ev := f.reloadEvent(t, eventID); ev.OrdersCount != seats {
		t.Fatalf("orders_count=%d but committed servings=%d", ev.OrdersCount, seats)
	}
}
