package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/tbourn/chef-meal-orders/internal/domain"
	"github.com/tbourn/chef-meal-orders/internal/payment"
	"github.com/tbourn/chef-meal-orders/internal/pricing"
	"github.com/tbourn/chef-meal-orders/internal/repo"
)

func TestCreateOrder_AuthorizesAndCommits(t *testing.T) {
	f := newFixture(t)
	ev := f.event(t)

	res := f.order(t, ev.ID, "cust-1", 2)
	if res.Status != domain.StatusAuthorized || res.HoldReference == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !res.PricePaid.Equal(decimal.RequireFromString("50")) {
		t.Fatalf("expected price_paid 50, got %s", res.PricePaid)
	}
	if got := f.reloadEvent(t, ev.ID).OrdersCount; got != 2 {
		t.Fatalf("expected orders_count=2, got %d", got)
	}
	state, amount, ok := f.gw.HoldState(res.HoldReference)
	if !ok || state != "held" || !amount.Equal(res.PricePaid) {
		t.Fatalf("unexpected hold: state=%s amount=%s ok=%v", state, amount, ok)
	}

	ctx := context.Background()
	audit, _ := repo.ListAudit(ctx, f.db, res.OrderID)
	if len(audit) != 1 || audit[0].ToStatus != string(domain.StatusAuthorized) || audit[0].IdempotencyKey == "" {
		t.Fatalf("unexpected audit: %+v", audit)
	}
	outbox, _ := repo.ListOutbox(ctx, f.db, res.OrderID)
	if len(outbox) != 1 || outbox[0].Transition != domain.TransitionAuthorized || outbox[0].DedupKey != res.OrderID+":"+domain.TransitionAuthorized {
		t.Fatalf("unexpected outbox: %+v", outbox)
	}
}

func TestCreateOrder_TieredPriceUsesCurrentCount(t *testing.T) {
	f := newFixture(t)
	f.orders.Pricing = pricing.Tiered{TierSize: 2, StepPercent: decimal.NewFromInt(10)}
	ev := f.event(t)

	first := f.order(t, ev.ID, "cust-1", 2)
	second := f.order(t, ev.ID, "cust-2", 1)
	if !first.UnitPrice.Equal(decimal.RequireFromString("25")) {
		t.Fatalf("expected first unit price 25, got %s", first.UnitPrice)
	}
	if !second.UnitPrice.Equal(decimal.RequireFromString("22.5")) {
		t.Fatalf("expected second unit price 22.50, got %s", second.UnitPrice)
	}
}

func TestCreateOrder_ReplayReturnsSameOrderWithOneAuthorization(t *testing.T) {
	f := newFixture(t)
	ev := f.event(t)
	in := CreateOrderInput{CustomerID: "cust-1", EventID: ev.ID, Quantity: 1, PaymentMethod: "pm", IdempotencyKey: "k-1"}

	first, err := f.orders.CreateOrder(context.Background(), in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 3; i++ {
		again, err := f.orders.CreateOrder(context.Background(), in)
		if err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
		if again.OrderID != first.OrderID || !again.Replayed {
			t.Fatalf("replay %d returned %+v", i, again)
		}
	}
	if n := f.gw.Calls(payment.OpAuthorize); n != 1 {
		t.Fatalf("expected one authorize call, got %d", n)
	}
	if got := f.reloadEvent(t, ev.ID).OrdersCount; got != 1 {
		t.Fatalf("expected orders_count=1, got %d", got)
	}
}

func TestCreateOrder_KeyReusedForOtherEvent(t *testing.T) {
	f := newFixture(t)
	a := f.event(t)
	b := f.event(t)
	in := CreateOrderInput{CustomerID: "cust-1", EventID: a.ID, Quantity: 1, IdempotencyKey: "same"}
	if _, err := f.orders.CreateOrder(context.Background(), in); err != nil {
		t.Fatalf("create: %v", err)
	}
	in.EventID = b.ID
	if _, err := f.orders.CreateOrder(context.Background(), in); !errors.Is(err, ErrIdempotencyKeyReused) {
		t.Fatalf("expected ErrIdempotencyKeyReused, got %v", err)
	}
}

func TestCreateOrder_RequiresKeyAndQuantity(t *testing.T) {
	f := newFixture(t)
	ev := f.event(t)
	ctx := context.Background()

	if _, err := f.orders.CreateOrder(ctx, CreateOrderInput{CustomerID: "c", EventID: ev.ID, Quantity: 1}); !errors.Is(err, ErrIdempotencyKeyRequired) {
		t.Fatalf("expected ErrIdempotencyKeyRequired, got %v", err)
	}
	if _, err := f.orders.CreateOrder(ctx, CreateOrderInput{CustomerID: "c", EventID: ev.ID, Quantity: 0, IdempotencyKey: "k"}); !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity, got %v", err)
	}
	if _, err := f.orders.CreateOrder(ctx, CreateOrderInput{CustomerID: "c", EventID: "missing", Quantity: 1, IdempotencyKey: "k"}); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}

func TestCreateOrder_ConcurrentSameCustomerYieldsOneOrder(t *testing.T) {
	f := newFixture(t)
	ev := f.event(t)

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		dups int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.orders.CreateOrder(context.Background(), CreateOrderInput{
				CustomerID:     "cust-1",
				EventID:        ev.ID,
				Quantity:       1,
				PaymentMethod:  "pm",
				IdempotencyKey: "k-" + string(rune('a'+i)),
			})
			mu.Lock()
			defer mu.Unlock()
			var dup *DuplicateActiveOrderError
			switch {
			case err == nil:
				ok++
			case errors.As(err, &dup):
				dups++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if ok != 1 || dups != workers-1 {
		t.Fatalf("expected 1 order and %d conflicts, got %d/%d", workers-1, ok, dups)
	}
	f.assertCountConsistent(t, ev.ID)
}

func TestCreateOrder_DuplicateNamesExistingOrder(t *testing.T) {
	f := newFixture(t)
	ev := f.event(t)
	first := f.order(t, ev.ID, "cust-1", 1)

	_, err := f.orders.CreateOrder(context.Background(), CreateOrderInput{
		CustomerID: "cust-1", EventID: ev.ID, Quantity: 2, IdempotencyKey: "other",
	})
	var dup *DuplicateActiveOrderError
	if !errors.As(err, &dup) || dup.Existing == nil || dup.Existing.OrderID != first.OrderID {
		t.Fatalf("expected DuplicateActiveOrderError naming %s, got %v", first.OrderID, err)
	}
	if !errors.Is(err, ErrDuplicateActiveOrder) {
		t.Fatalf("expected errors.Is(ErrDuplicateActiveOrder)")
	}
	if n := f.gw.Calls(payment.OpAuthorize); n != 1 {
		t.Fatalf("duplicate must not reach the gateway, got %d calls", n)
	}
}

func TestCreateOrder_SameKeyWhileAuthorizingIsInProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.event(t)

	// The first request has reserved its line and is waiting on the gateway.
	price := decimal.RequireFromString("50")
	pending, err := repo.CreateOrder(ctx, f.db, repo.NewOrder{
		CustomerID: "cust-1", EventID: ev.ID, Quantity: 1, UnitPrice: price, Amount: price,
		Currency: "USD", PaymentMethod: "pm", IdempotencyKey: "k-1",
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	_, err = f.orders.CreateOrder(ctx, CreateOrderInput{CustomerID: "cust-1", EventID: ev.ID, Quantity: 1, IdempotencyKey: "k-1"})
	var inflight *RequestInProgressError
	if !errors.As(err, &inflight) || inflight.Current == nil || inflight.Current.OrderID != pending.Order.ID {
		t.Fatalf("expected RequestInProgressError naming %s, got %v", pending.Order.ID, err)
	}
	if errors.Is(err, ErrDuplicateActiveOrder) {
		t.Fatalf("same-key retry must not look like a second order")
	}

	// Another key still collides with the active order.
	_, err = f.orders.CreateOrder(ctx, CreateOrderInput{CustomerID: "cust-1", EventID: ev.ID, Quantity: 1, IdempotencyKey: "k-2"})
	if !errors.Is(err, ErrDuplicateActiveOrder) {
		t.Fatalf("expected ErrDuplicateActiveOrder, got %v", err)
	}
	if n := f.gw.Calls(payment.OpAuthorize); n != 0 {
		t.Fatalf("conflicting requests must not reach the gateway, got %d", n)
	}
}

// A full event rejects the next order before any hold is placed.
func TestCreateOrder_EventFull(t *testing.T) {
	f := newFixture(t)
	ev := f.event(t, func(e *domain.ChefMealEvent) {
		e.MinOrders = 1
		e.MaxOrders = 2
	})
	f.order(t, ev.ID, "cust-1", 2)

	_, err := f.orders.CreateOrder(context.Background(), CreateOrderInput{
		CustomerID: "cust-2", EventID: ev.ID, Quantity: 1, IdempotencyKey: "k",
	})
	if !errors.Is(err, ErrEventFull) {
		t.Fatalf("expected ErrEventFull, got %v", err)
	}
	var n int64
	f.db.Model(&domain.ChefMealOrder{}).Where("customer_id = ?", "cust-2").Count(&n)
	if n != 0 {
		t.Fatalf("expected no order row, got %d", n)
	}
	if calls := f.gw.Calls(payment.OpAuthorize); calls != 1 {
		t.Fatalf("expected no authorization for the rejected order, got %d calls", calls)
	}
}

func TestCreateOrder_CutoffAndStatusChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	past := f.event(t)
	f.passCutoff(t, past.ID)
	if _, err := f.orders.CreateOrder(ctx, CreateOrderInput{CustomerID: "c", EventID: past.ID, Quantity: 1, IdempotencyKey: "k1"}); !errors.Is(err, ErrCutoffPassed) {
		t.Fatalf("expected ErrCutoffPassed, got %v", err)
	}

	cancelled := f.event(t, func(e *domain.ChefMealEvent) { e.Status = domain.EventCancelled })
	if _, err := f.orders.CreateOrder(ctx, CreateOrderInput{CustomerID: "c", EventID: cancelled.ID, Quantity: 1, IdempotencyKey: "k2"}); !errors.Is(err, ErrEventNotOpen) {
		t.Fatalf("expected ErrEventNotOpen, got %v", err)
	}
}

func TestCreateOrder_DeclinedLeavesNoRows(t *testing.T) {
	f := newFixture(t)
	ev := f.event(t)

	_, err := f.orders.CreateOrder(context.Background(), CreateOrderInput{
		CustomerID: "cust-1", EventID: ev.ID, Quantity: 1, PaymentMethod: "pm_card_declined", IdempotencyKey: "k",
	})
	if !errors.Is(err, ErrPaymentDeclined) {
		t.Fatalf("expected ErrPaymentDeclined, got %v", err)
	}
	var n int64
	f.db.Model(&domain.Order{}).Count(&n)
	if n != 0 {
		t.Fatalf("expected no order rows, got %d", n)
	}
	if got := f.reloadEvent(t, ev.ID).OrdersCount; got != 0 {
		t.Fatalf("expected orders_count=0, got %d", got)
	}

	// A retry with a new card is a fresh attempt.
	res, err := f.orders.CreateOrder(context.Background(), CreateOrderInput{
		CustomerID: "cust-1", EventID: ev.ID, Quantity: 1, PaymentMethod: "pm_card_visa", IdempotencyKey: "k2",
	})
	if err != nil || res.Status != domain.StatusAuthorized {
		t.Fatalf("retry: res=%+v err=%v", res, err)
	}
}

func TestCreateOrder_TransientGatewayIsRetryable(t *testing.T) {
	f := newFixture(t)
	ev := f.event(t)
	f.gw.FailNext(payment.OpAuthorize, payment.NewTransient(payment.OpAuthorize, "timeout", "upstream timeout", nil))
	in := CreateOrderInput{CustomerID: "cust-1", EventID: ev.ID, Quantity: 1, IdempotencyKey: "k"}

	if _, err := f.orders.CreateOrder(context.Background(), in); !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	res, err := f.orders.CreateOrder(context.Background(), in)
	if err != nil || res.Status != domain.StatusAuthorized {
		t.Fatalf("retry with same key: res=%+v err=%v", res, err)
	}
}

func TestAdjustQuantity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.event(t, func(e *domain.ChefMealEvent) { e.MaxOrders = 5 })
	res := f.order(t, ev.ID, "cust-1", 1)
	f.order(t, ev.ID, "cust-2", 1)

	adj, err := f.orders.AdjustQuantity(ctx, AdjustInput{CustomerID: "cust-1", OrderID: res.OrderID, Quantity: 3, IdempotencyKey: "a1"})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if adj.Quantity != 3 || !adj.PricePaid.Equal(decimal.RequireFromString("75")) || adj.Version != res.Version+1 {
		t.Fatalf("unexpected adjusted order: %+v", adj)
	}
	if got := f.reloadEvent(t, ev.ID).OrdersCount; got != 4 {
		t.Fatalf("expected orders_count=4, got %d", got)
	}
	if _, amount, _ := f.gw.HoldState(res.HoldReference); !amount.Equal(adj.PricePaid) {
		t.Fatalf("hold not adjusted: %s", amount)
	}
	outbox, _ := repo.ListOutbox(ctx, f.db, res.OrderID)
	if len(outbox) != 2 || outbox[1].Transition != domain.TransitionAdjusted {
		t.Fatalf("expected adjusted notification, got %+v", outbox)
	}

	// Over capacity.
	if _, err := f.orders.AdjustQuantity(ctx, AdjustInput{CustomerID: "cust-1", OrderID: res.OrderID, Quantity: 5, IdempotencyKey: "a2"}); !errors.Is(err, ErrEventFull) {
		t.Fatalf("expected ErrEventFull, got %v", err)
	}

	// Same quantity is a no-op.
	calls := f.gw.Calls(payment.OpAdjust)
	same, err := f.orders.AdjustQuantity(ctx, AdjustInput{CustomerID: "cust-1", OrderID: res.OrderID, Quantity: 3, IdempotencyKey: "a3"})
	if err != nil || same.Version != adj.Version || f.gw.Calls(payment.OpAdjust) != calls {
		t.Fatalf("expected no-op adjust, got res=%+v err=%v", same, err)
	}

	// Decrease frees servings.
	if _, err := f.orders.AdjustQuantity(ctx, AdjustInput{CustomerID: "cust-1", OrderID: res.OrderID, Quantity: 1, IdempotencyKey: "a4"}); err != nil {
		t.Fatalf("decrease: %v", err)
	}
	f.assertCountConsistent(t, ev.ID)

	// Other customers cannot see the order.
	if _, err := f.orders.AdjustQuantity(ctx, AdjustInput{CustomerID: "cust-2", OrderID: res.OrderID, Quantity: 2, IdempotencyKey: "a5"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestAdjustQuantity_ReplayAndStateChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.event(t)
	res := f.order(t, ev.ID, "cust-1", 1)

	in := AdjustInput{CustomerID: "cust-1", OrderID: res.OrderID, Quantity: 2, IdempotencyKey: "a1"}
	first, err := f.orders.AdjustQuantity(ctx, in)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	again, err := f.orders.AdjustQuantity(ctx, in)
	if err != nil || !again.Replayed || again.Version != first.Version {
		t.Fatalf("expected replay, got res=%+v err=%v", again, err)
	}
	if n := f.gw.Calls(payment.OpAdjust); n != 1 {
		t.Fatalf("expected one adjust call, got %d", n)
	}

	f.closeAndSweep(t, ev.ID, domain.DecisionCapture)
	_, err = f.orders.AdjustQuantity(ctx, AdjustInput{CustomerID: "cust-1", OrderID: res.OrderID, Quantity: 3, IdempotencyKey: "a2"})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on captured order, got %v", err)
	}
}

func TestAdjustQuantity_AfterCutoff(t *testing.T) {
	f := newFixture(t)
	ev := f.event(t)
	res := f.order(t, ev.ID, "cust-1", 1)
	f.passCutoff(t, ev.ID)

	_, err := f.orders.AdjustQuantity(context.Background(), AdjustInput{CustomerID: "cust-1", OrderID: res.OrderID, Quantity: 2, IdempotencyKey: "a"})
	if !errors.Is(err, ErrCutoffPassed) {
		t.Fatalf("expected ErrCutoffPassed, got %v", err)
	}
}

func TestAdjustQuantity_ClaimedOrderIsStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.event(t)
	res := f.order(t, ev.ID, "cust-1", 1)

	if _, err := repo.ClaimOrder(ctx, f.db, res.OrderID, domain.StatusAuthorized, f.orders.claimLease()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	_, err := f.orders.AdjustQuantity(ctx, AdjustInput{CustomerID: "cust-1", OrderID: res.OrderID, Quantity: 2, IdempotencyKey: "a"})
	var stale *StaleStateError
	if !errors.As(err, &stale) || stale.Current.OrderID != res.OrderID {
		t.Fatalf("expected StaleStateError, got %v", err)
	}
	if n := f.gw.Calls(payment.OpAdjust); n != 0 {
		t.Fatalf("claimed order must not reach the gateway, got %d", n)
	}
}

// Cancelling an authorized order releases its hold and returns the servings.
func TestCancelOrder_AuthorizedReleasesHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.event(t)
	res := f.order(t, ev.ID, "cust-1", 3)
	f.order(t, ev.ID, "cust-2", 1)

	out, err := f.orders.CancelOrder(ctx, CancelInput{CustomerID: "cust-1", OrderID: res.OrderID, Reason: "plans changed", IdempotencyKey: "c1"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if out.Status != domain.StatusCancelled || out.CancelKind != domain.CancelByCustomer || out.CancelReason != "plans changed" {
		t.Fatalf("unexpected result: %+v", out)
	}
	if n := f.gw.Calls(payment.OpRelease); n != 1 {
		t.Fatalf("expected one release call, got %d", n)
	}
	if state, _, _ := f.gw.HoldState(res.HoldReference); state != "released" {
		t.Fatalf("expected released hold, got %s", state)
	}
	if got := f.reloadEvent(t, ev.ID).OrdersCount; got != 1 {
		t.Fatalf("expected orders_count=1, got %d", got)
	}
	f.assertCountConsistent(t, ev.ID)

	// A second cancel converges without another gateway call.
	again, err := f.orders.CancelOrder(ctx, CancelInput{CustomerID: "cust-1", OrderID: res.OrderID, IdempotencyKey: "c2"})
	if err != nil || again.Status != domain.StatusCancelled {
		t.Fatalf("convergent cancel: res=%+v err=%v", again, err)
	}
	if n := f.gw.Calls(payment.OpRelease); n != 1 {
		t.Fatalf("expected no extra release, got %d", n)
	}

	// The customer may order again after cancelling.
	again, err = f.orders.CreateOrder(ctx, CreateOrderInput{CustomerID: "cust-1", EventID: ev.ID, Quantity: 1, IdempotencyKey: "rejoin"})
	if err != nil || again.OrderID == res.OrderID || again.Status != domain.StatusAuthorized {
		t.Fatalf("rejoin: res=%+v err=%v", again, err)
	}
}

// Cancelling after capture refunds the charge.
func TestCancelOrder_AfterCaptureRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.event(t, func(e *domain.ChefMealEvent) { e.MinOrders = 1 })
	res := f.order(t, ev.ID, "cust-1", 2)

	f.closeAndSweep(t, ev.ID, domain.DecisionCapture)
	if got := f.reloadOrder(t, res.OrderID); got.Order.Status != domain.StatusCaptured {
		t.Fatalf("expected captured, got %s", got.Order.Status)
	}

	out, err := f.orders.CancelOrder(ctx, CancelInput{CustomerID: "cust-1", OrderID: res.OrderID, IdempotencyKey: "c1"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if out.Status != domain.StatusRefunded || out.RefundReceipt == "" {
		t.Fatalf("expected refunded, got %+v", out)
	}
	if n := f.gw.Calls(payment.OpRelease); n != 0 {
		t.Fatalf("captured order must never be released, got %d calls", n)
	}
	if n := f.gw.Calls(payment.OpRefund); n != 1 {
		t.Fatalf("expected one refund, got %d", n)
	}
	v := f.reloadOrder(t, res.OrderID)
	if refunded := f.gw.Refunded(v.Order.CaptureReceipt); !refunded.Equal(v.Order.Amount) {
		t.Fatalf("expected full refund of %s, got %s", v.Order.Amount, refunded)
	}
	f.assertCountConsistent(t, ev.ID)
}

func TestCancelOrder_RaceWithCaptureClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.event(t)
	res := f.order(t, ev.ID, "cust-1", 1)

	// The sweep holds the claim while the customer cancels.
	if _, err := repo.ClaimOrder(ctx, f.db, res.OrderID, domain.StatusAuthorized, f.orders.claimLease()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	_, err := f.orders.CancelOrder(ctx, CancelInput{CustomerID: "cust-1", OrderID: res.OrderID, IdempotencyKey: "c1"})
	var stale *StaleStateError
	if !errors.As(err, &stale) || stale.Current.Status != domain.StatusAuthorized {
		t.Fatalf("expected StaleStateError with current state, got %v", err)
	}
	if n := f.gw.Calls(payment.OpRelease); n != 0 {
		t.Fatalf("expected no release while claimed, got %d", n)
	}
}

func TestCancelOrder_InvalidStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.event(t)
	res := f.order(t, ev.ID, "cust-1", 1)
	f.db.Model(&domain.Order{}).Where("id = ?", res.OrderID).Update("status", domain.StatusFailed)

	_, err := f.orders.CancelOrder(ctx, CancelInput{CustomerID: "cust-1", OrderID: res.OrderID, IdempotencyKey: "c1"})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := f.orders.CancelOrder(ctx, CancelInput{CustomerID: "cust-1", OrderID: "nope", IdempotencyKey: "c2"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestCancelOrder_TerminalReleaseError(t *testing.T) {
	f := newFixture(t)
	ev := f.event(t)
	res := f.order(t, ev.ID, "cust-1", 1)
	f.gw.FailNext(payment.OpRelease, payment.NewTerminal(payment.OpRelease, "resource_missing", "no such hold"))

	_, err := f.orders.CancelOrder(context.Background(), CancelInput{CustomerID: "cust-1", OrderID: res.OrderID, IdempotencyKey: "c1"})
	if !errors.Is(err, ErrGatewayRejected) {
		t.Fatalf("expected ErrGatewayRejected, got %v", err)
	}
	v := f.reloadOrder(t, res.OrderID)
	if v.Order.Status != domain.StatusAuthorized || v.Order.ClaimToken != "" {
		t.Fatalf("expected unclaimed authorized order, got %+v", v.Order)
	}
}

func TestOrdersCountStaysConsistent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.event(t, func(e *domain.ChefMealEvent) { e.MaxOrders = 20 })

	var ids []string
	for i, qty := range []int{1, 2, 3, 1, 2} {
		res := f.order(t, ev.ID, "cust-"+string(rune('a'+i)), qty)
		ids = append(ids, res.OrderID)
	}
	f.assertCountConsistent(t, ev.ID)

	if _, err := f.orders.AdjustQuantity(ctx, AdjustInput{CustomerID: "cust-b", OrderID: ids[1], Quantity: 4, IdempotencyKey: "x"}); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if _, err := f.orders.CancelOrder(ctx, CancelInput{CustomerID: "cust-c", OrderID: ids[2], IdempotencyKey: "y"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	f.assertCountConsistent(t, ev.ID)

	f.gw.FailNext(payment.OpCapture, payment.NewTerminal(payment.OpCapture, "card_declined", "declined"))
	f.closeAndSweep(t, ev.ID, domain.DecisionCapture)
	f.assertCountConsistent(t, ev.ID)
}

func TestGetOrder(t *testing.T) {
	f := newFixture(t)
	ev := f.event(t)
	res := f.order(t, ev.ID, "cust-1", 1)

	got, err := f.orders.GetOrder(context.Background(), "cust-1", res.OrderID)
	if err != nil || got.OrderID != res.OrderID || got.Status != domain.StatusAuthorized {
		t.Fatalf("GetOrder: res=%+v err=%v", got, err)
	}
	if _, err := f.orders.GetOrder(context.Background(), "cust-2", res.OrderID); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for another customer, got %v", err)
	}
}
