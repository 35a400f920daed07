package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/chef-meal-orders/internal/domain"
	"github.com/tbourn/chef-meal-orders/internal/payment"
	"github.com/tbourn/chef-meal-orders/internal/repo"
)

const testWebhookSecret = "whsec_test"

func webhookPayload(id, typ, objectID string) []byte {
	return []byte(fmt.Sprintf(
		`{"id":%q,"type":%q,"created":%d,"data":{"object":{"id":%q,"object":"payment_intent","status":"x"}}}`,
		id, typ, time.Now().Unix(), objectID))
}

func (f *fixture) deliver(t *testing.T, payload []byte) *WebhookResult {
	t.Helper()
	res, err := f.orders.HandleWebhook(context.Background(), "stripe", payload,
		payment.Sign(testWebhookSecret, payload, time.Now()))
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	return res
}

func TestHandleWebhook_CanceledHoldCancelsOrder(t *testing.T) {
	f := newFixture(t)
	f.orders.WebhookSecret = testWebhookSecret
	ev := f.event(t)
	o := f.order(t, ev.ID, "cust-1", 2)

	payload := webhookPayload("evt_1", payment.WebhookIntentCanceled, o.HoldReference)
	res := f.deliver(t, payload)
	if !res.Matched || res.OrderID != o.OrderID || res.Action != "cancelled" {
		t.Fatalf("unexpected result: %+v", res)
	}
	v := f.reloadOrder(t, o.OrderID)
	if v.Order.Status != domain.StatusCancelled || v.Line.CancelKind != domain.CancelByProvider {
		t.Fatalf("expected provider cancellation, got status=%s kind=%s", v.Order.Status, v.Line.CancelKind)
	}
	if got := f.reloadEvent(t, ev.ID).OrdersCount; got != 0 {
		t.Fatalf("expected servings returned, got %d", got)
	}
	if n := f.gw.Calls(payment.OpRelease); n != 0 {
		t.Fatalf("provider-side cancellation must not call release, got %d", n)
	}

	// Redelivery is acknowledged without changes.
	again := f.deliver(t, payload)
	if !again.Duplicate {
		t.Fatalf("expected duplicate, got %+v", again)
	}
	if v2 := f.reloadOrder(t, o.OrderID); v2.Order.Version != v.Order.Version {
		t.Fatalf("duplicate delivery changed the order: %d -> %d", v.Order.Version, v2.Order.Version)
	}
}

func TestHandleWebhook_ConfirmsCapture(t *testing.T) {
	f := newFixture(t)
	f.orders.WebhookSecret = testWebhookSecret
	ev := f.event(t)
	o := f.order(t, ev.ID, "cust-1", 1)
	f.closeAndSweep(t, ev.ID, domain.DecisionCapture)

	res := f.deliver(t, webhookPayload("evt_2", payment.WebhookIntentSucceeded, o.HoldReference))
	if res.Action != "capture_confirmed" {
		t.Fatalf("unexpected action: %+v", res)
	}
	v := f.reloadOrder(t, o.OrderID)
	if v.Order.CaptureConfirmedAt == nil || v.Order.Status != domain.StatusCaptured {
		t.Fatalf("expected confirmed capture, got %+v", v.Order)
	}
}

func TestHandleWebhook_FailedOnCapturedOrderIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.orders.WebhookSecret = testWebhookSecret
	ev := f.event(t)
	o := f.order(t, ev.ID, "cust-1", 1)
	f.closeAndSweep(t, ev.ID, domain.DecisionCapture)

	f.deliver(t, webhookPayload("evt_3", payment.WebhookIntentFailed, o.HoldReference))
	if v := f.reloadOrder(t, o.OrderID); v.Order.Status != domain.StatusCaptured {
		t.Fatalf("late failure must not move a captured order, got %s", v.Order.Status)
	}
}

func TestHandleWebhook_UnknownReferenceAcknowledged(t *testing.T) {
	f := newFixture(t)
	f.orders.WebhookSecret = testWebhookSecret

	res := f.deliver(t, webhookPayload("evt_4", payment.WebhookIntentCanceled, "pi_unknown"))
	if res.Matched || res.Duplicate {
		t.Fatalf("unexpected result: %+v", res)
	}
	var rec domain.WebhookEvent
	if err := f.db.Where("provider_event_id = ?", "evt_4").First(&rec).Error; err != nil {
		t.Fatalf("webhook not recorded: %v", err)
	}
}

func TestHandleWebhook_RejectsBadInput(t *testing.T) {
	f := newFixture(t)
	f.orders.WebhookSecret = testWebhookSecret
	ctx := context.Background()
	payload := webhookPayload("evt_5", payment.WebhookIntentCanceled, "pi_1")

	if _, err := f.orders.HandleWebhook(ctx, "stripe", payload, "t=1,v1=deadbeef"); !errors.Is(err, ErrWebhookSignature) {
		t.Fatalf("expected ErrWebhookSignature, got %v", err)
	}
	if _, err := f.orders.HandleWebhook(ctx, "stripe", payload, ""); !errors.Is(err, ErrWebhookSignature) {
		t.Fatalf("expected ErrWebhookSignature for missing header, got %v", err)
	}
	bad := []byte(`{"type":"payment_intent.canceled"}`)
	if _, err := f.orders.HandleWebhook(ctx, "stripe", bad, payment.Sign(testWebhookSecret, bad, time.Now())); !errors.Is(err, ErrWebhookPayload) {
		t.Fatalf("expected ErrWebhookPayload, got %v", err)
	}
}

func TestHandleWebhook_ClaimedOrderIsRedelivered(t *testing.T) {
	f := newFixture(t)
	f.orders.WebhookSecret = testWebhookSecret
	ctx := context.Background()
	ev := f.event(t)
	o := f.order(t, ev.ID, "cust-1", 1)

	// A concurrent adjust or sweep holds the order.
	token, err := repo.ClaimOrder(ctx, f.db, o.OrderID, domain.StatusAuthorized, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	payload := webhookPayload("evt_6", payment.WebhookIntentCanceled, o.HoldReference)
	sig := payment.Sign(testWebhookSecret, payload, time.Now())

	res, err := f.orders.HandleWebhook(ctx, "stripe", payload, sig)
	if !errors.Is(err, ErrWebhookRetry) || res != nil {
		t.Fatalf("expected ErrWebhookRetry, got res=%+v err=%v", res, err)
	}
	var n int64
	f.db.Model(&domain.WebhookEvent{}).Where("provider_event_id = ?", "evt_6").Count(&n)
	if n != 0 {
		t.Fatalf("failed delivery must not be deduped, found %d rows", n)
	}
	if v := f.reloadOrder(t, o.OrderID); v.Order.Status != domain.StatusAuthorized {
		t.Fatalf("order moved while claimed: %s", v.Order.Status)
	}

	if err := repo.ReleaseClaim(ctx, f.db, o.OrderID, token); err != nil {
		t.Fatalf("release: %v", err)
	}
	again := f.deliver(t, payload)
	if again.Duplicate || again.Action != "cancelled" {
		t.Fatalf("redelivery not applied: %+v", again)
	}
	if v := f.reloadOrder(t, o.OrderID); v.Order.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled after redelivery, got %s", v.Order.Status)
	}
}

type failingStampRepo struct {
	StoreWebhooks
	forgotten []string
}

func (r *failingStampRepo) Stamp(context.Context, *gorm.DB, string, string, time.Time) error {
	return errors.New("database is locked")
}

func (r *failingStampRepo) Forget(ctx context.Context, db *gorm.DB, id string) error {
	r.forgotten = append(r.forgotten, id)
	return r.StoreWebhooks.Forget(ctx, db, id)
}

func TestHandleWebhook_StoreFailureIsNotAcknowledged(t *testing.T) {
	f := newFixture(t)
	f.orders.WebhookSecret = testWebhookSecret
	ev := f.event(t)
	o := f.order(t, ev.ID, "cust-1", 1)
	f.closeAndSweep(t, ev.ID, domain.DecisionCapture)

	store := &failingStampRepo{}
	f.orders.Webhooks = store
	payload := webhookPayload("evt_7", payment.WebhookIntentSucceeded, o.HoldReference)
	_, err := f.orders.HandleWebhook(context.Background(), "stripe", payload,
		payment.Sign(testWebhookSecret, payload, time.Now()))
	if !errors.Is(err, ErrWebhookRetry) {
		t.Fatalf("expected ErrWebhookRetry, got %v", err)
	}
	if len(store.forgotten) != 1 {
		t.Fatalf("expected the dedupe record to be dropped once, got %v", store.forgotten)
	}

	f.orders.Webhooks = nil
	res := f.deliver(t, payload)
	if res.Duplicate || res.Action != "capture_confirmed" {
		t.Fatalf("redelivery not applied: %+v", res)
	}
}
