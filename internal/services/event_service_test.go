package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tbourn/chef-meal-orders/internal/domain"
	"github.com/tbourn/chef-meal-orders/internal/payment"
)

func validEventInput() CreateEventInput {
	now := time.Now().UTC()
	return CreateEventInput{
		ChefID:    "chef-1",
		Title:     "  Ramen night ",
		Currency:  "eur",
		BasePrice: decimal.RequireFromString("30"),
		MinPrice:  decimal.RequireFromString("22.5"),
		MinOrders: 4,
		MaxOrders: 12,
		CutoffAt:  now.Add(2 * time.Hour),
		EventAt:   now.Add(26 * time.Hour),
	}
}

func TestCreateEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := validEventInput()
	in.IdempotencyKey = "ev-1"
	ev, replayed, err := f.events.CreateEvent(ctx, in)
	if err != nil || replayed {
		t.Fatalf("create: replayed=%v err=%v", replayed, err)
	}
	if ev.Title != "Ramen night" || ev.Currency != "EUR" || ev.Status != domain.EventOpen || ev.OrdersCount != 0 {
		t.Fatalf("unexpected event: %+v", ev)
	}

	again, replayed, err := f.events.CreateEvent(ctx, in)
	if err != nil || !replayed || again.ID != ev.ID {
		t.Fatalf("replay: ev=%+v replayed=%v err=%v", again, replayed, err)
	}
	var n int64
	f.db.Model(&domain.ChefMealEvent{}).Count(&n)
	if n != 1 {
		t.Fatalf("expected one event row, got %d", n)
	}
}

func TestCreateEvent_Validation(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name   string
		mutate func(*CreateEventInput)
	}{
		{"no chef", func(in *CreateEventInput) { in.ChefID = "" }},
		{"no title", func(in *CreateEventInput) { in.Title = "   " }},
		{"zero base", func(in *CreateEventInput) { in.BasePrice = decimal.Zero }},
		{"min above base", func(in *CreateEventInput) { in.MinPrice = decimal.RequireFromString("31") }},
		{"max below min", func(in *CreateEventInput) { in.MaxOrders = 3 }},
		{"cutoff in past", func(in *CreateEventInput) { in.CutoffAt = time.Now().Add(-time.Minute) }},
		{"event before cutoff", func(in *CreateEventInput) { in.EventAt = in.CutoffAt.Add(-time.Minute) }},
		{"bad currency", func(in *CreateEventInput) { in.Currency = "ZZZ" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := validEventInput()
			tc.mutate(&in)
			if _, _, err := f.events.CreateEvent(context.Background(), in); !errors.Is(err, ErrInvalidEvent) {
				t.Fatalf("expected ErrInvalidEvent, got %v", err)
			}
		})
	}
}

func TestGetEvent_NotFound(t *testing.T) {
	f := newFixture(t)
	if _, err := f.events.GetEvent(context.Background(), "missing"); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}

func TestListEventOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.event(t)
	seedCustomers(t, f, ev.ID, 5)

	page, total, err := f.events.ListEventOrders(ctx, "chef-1", ev.ID, 2, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 || len(page) != 2 {
		t.Fatalf("expected 2 of 5, got %d of %d", len(page), total)
	}
	last, _, _ := f.events.ListEventOrders(ctx, "chef-1", ev.ID, 3, 2)
	if len(last) != 1 {
		t.Fatalf("expected 1 order on last page, got %d", len(last))
	}
	if _, _, err := f.events.ListEventOrders(ctx, "chef-2", ev.ID, 1, 10); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestCancelEvent_SettlesOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.event(t)
	orders := seedCustomers(t, f, ev.ID, 3)

	res, err := f.events.CancelEvent(ctx, "chef-1", ev.ID, "chef is ill", "cancel-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Settled != 3 || res.Event.Status != domain.EventCancelled || res.Event.OrdersCount != 0 {
		t.Fatalf("unexpected result: settled=%d event=%+v", res.Settled, res.Event)
	}
	for _, o := range orders {
		v := f.reloadOrder(t, o.OrderID)
		if v.Order.Status != domain.StatusCancelled || v.Line.CancelKind != domain.CancelByChef || v.Line.CancelReason != "chef is ill" {
			t.Fatalf("order %s: %+v / %+v", o.OrderID, v.Order, v.Line)
		}
	}
	if n := f.gw.Calls(payment.OpRelease); n != 3 {
		t.Fatalf("expected 3 releases, got %d", n)
	}

	again, err := f.events.CancelEvent(ctx, "chef-1", ev.ID, "", "cancel-1")
	if err != nil || !again.Replayed || again.Settled != 3 {
		t.Fatalf("replay: res=%+v err=%v", again, err)
	}
	// A new key on a cancelled event converges without further gateway calls.
	if _, err := f.events.CancelEvent(ctx, "chef-1", ev.ID, "", "cancel-2"); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if n := f.gw.Calls(payment.OpRelease); n != 3 {
		t.Fatalf("expected no extra releases, got %d", n)
	}

	// No new orders on a cancelled event.
	_, err = f.orders.CreateOrder(ctx, CreateOrderInput{CustomerID: "late", EventID: ev.ID, Quantity: 1, IdempotencyKey: "k"})
	if !errors.Is(err, ErrEventNotOpen) {
		t.Fatalf("expected ErrEventNotOpen, got %v", err)
	}
}

func TestCancelEvent_Rules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.event(t)

	if _, err := f.events.CancelEvent(ctx, "chef-1", ev.ID, "", ""); !errors.Is(err, ErrIdempotencyKeyRequired) {
		t.Fatalf("expected ErrIdempotencyKeyRequired, got %v", err)
	}
	if _, err := f.events.CancelEvent(ctx, "chef-2", ev.ID, "", "k"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	done := f.event(t, func(e *domain.ChefMealEvent) { e.MinOrders = 1 })
	f.order(t, done.ID, "cust-1", 1)
	f.closeAndSweep(t, done.ID, domain.DecisionCapture)
	if _, err := f.events.CancelEvent(ctx, "chef-1", done.ID, "", "k2"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for a completed event, got %v", err)
	}
}

func TestCancelEvent_ClosedEventRefundsCaptured(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.event(t)
	orders := seedCustomers(t, f, ev.ID, 2)
	// One capture fails so the event stays closed for reconciliation.
	f.gw.FailNext(payment.OpCapture, payment.NewTerminal(payment.OpCapture, "card_declined", "declined"))
	f.closeAndSweep(t, ev.ID, domain.DecisionCapture)

	res, err := f.events.CancelEvent(ctx, "chef-1", ev.ID, "kitchen flooded", "k")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Settled != 1 {
		t.Fatalf("expected one refund, got %d", res.Settled)
	}
	refunded := 0
	for _, o := range orders {
		if v := f.reloadOrder(t, o.OrderID); v.Order.Status == domain.StatusRefunded {
			refunded++
		}
	}
	if refunded != 1 || f.gw.Calls(payment.OpRefund) != 1 {
		t.Fatalf("expected one refunded order, got %d (calls=%d)", refunded, f.gw.Calls(payment.OpRefund))
	}
	f.assertCountConsistent(t, ev.ID)
}
