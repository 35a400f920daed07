// Package services – OrderService
//
// This file implements OrderService, which owns the order lifecycle from
// reservation through authorization, adjustment and cancellation. Every
// gateway call is preceded by a database reservation or claim and followed
// by one transaction that moves the status, the event's orders_count, the
// audit trail, the outbox and the idempotency record together.
//
// Observability: public methods are OpenTelemetry-instrumented and every
// committed transition is logged with its idempotency key and both states.

package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/tbourn/chef-meal-orders/internal/domain"
	"github.com/tbourn/chef-meal-orders/internal/metrics"
	"github.com/tbourn/chef-meal-orders/internal/payment"
	"github.com/tbourn/chef-meal-orders/internal/pricing"
	"github.com/tbourn/chef-meal-orders/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultTxTimeout      = 5 * time.Second
	defaultGatewayTimeout = 10 * time.Second
	defaultIdempotencyTTL = 30 * 24 * time.Hour
	defaultMaxAttempts    = 5

	actorScheduler = "scheduler"
	actorProvider  = "provider"
)

// OrderService coordinates the store and the payment gateway.
type OrderService struct {
	DB      *gorm.DB
	Gateway payment.Gateway
	Pricing pricing.Strategy

	IdempotencyTTL     time.Duration
	TxTimeout          time.Duration
	GatewayTimeout     time.Duration
	ClaimLease         time.Duration
	MaxCaptureAttempts int

	// Webhook verification; an empty secret disables signature checks.
	WebhookSecret    string
	WebhookTolerance time.Duration
	// Webhooks defaults to StoreWebhooks when nil.
	Webhooks WebhookRepo

	// Now overrides the clock used for cutoff checks.
	Now func() time.Time
}

// OrderResult is the externally visible state of an order. It is also the
// payload stored in idempotency records.
type OrderResult struct {
	OrderID        string             `json:"order_id"`
	EventID        string             `json:"event_id"`
	CustomerID     string             `json:"customer_id"`
	Status         domain.OrderStatus `json:"status"`
	Quantity       int                `json:"quantity"`
	UnitPrice      decimal.Decimal    `json:"unit_price"`
	PricePaid      decimal.Decimal    `json:"price_paid"`
	Currency       string             `json:"currency"`
	HoldReference  string             `json:"hold_reference,omitempty"`
	CaptureReceipt string             `json:"capture_receipt,omitempty"`
	RefundReceipt  string             `json:"refund_receipt,omitempty"`
	CancelKind     domain.CancelKind  `json:"cancel_kind,omitempty"`
	CancelReason   string             `json:"cancel_reason,omitempty"`
	Version        int                `json:"version"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`

	// Replayed is set when the result came from an idempotency record.
	Replayed bool `json:"-"`
}

func newResult(v *repo.OrderView) *OrderResult {
	return &OrderResult{
		OrderID:        v.Order.ID,
		EventID:        v.Line.EventID,
		CustomerID:     v.Order.CustomerID,
		Status:         v.Order.Status,
		Quantity:       v.Line.Quantity,
		UnitPrice:      v.Line.UnitPrice,
		PricePaid:      v.Order.Amount,
		Currency:       v.Order.Currency,
		HoldReference:  v.Order.ProviderRef,
		CaptureReceipt: v.Order.CaptureReceipt,
		RefundReceipt:  v.Order.RefundReceipt,
		CancelKind:     v.Line.CancelKind,
		CancelReason:   v.Line.CancelReason,
		Version:        v.Order.Version,
		CreatedAt:      v.Order.CreatedAt,
		UpdatedAt:      v.Order.UpdatedAt,
	}
}

// CreateOrderInput is the customer's request to join an event.
type CreateOrderInput struct {
	CustomerID     string
	EventID        string
	Quantity       int
	PaymentMethod  string
	IdempotencyKey string
}

// AdjustInput changes the quantity of an authorized order.
type AdjustInput struct {
	CustomerID     string
	OrderID        string
	Quantity       int
	IdempotencyKey string
}

// CancelInput cancels (or refunds) a customer's order.
type CancelInput struct {
	CustomerID     string
	OrderID        string
	Reason         string
	IdempotencyKey string
}

func (s *OrderService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *OrderService) txTimeout() time.Duration {
	if s.TxTimeout > 0 {
		return s.TxTimeout
	}
	return defaultTxTimeout
}

func (s *OrderService) gatewayTimeout() time.Duration {
	if s.GatewayTimeout > 0 {
		return s.GatewayTimeout
	}
	return defaultGatewayTimeout
}

func (s *OrderService) claimLease() time.Duration {
	if s.ClaimLease > 0 {
		return s.ClaimLease
	}
	return 2 * (s.gatewayTimeout() + s.txTimeout())
}

func (s *OrderService) idempotencyTTL() time.Duration {
	if s.IdempotencyTTL > 0 {
		return s.IdempotencyTTL
	}
	return defaultIdempotencyTTL
}

func (s *OrderService) maxAttempts() int {
	if s.MaxCaptureAttempts > 0 {
		return s.MaxCaptureAttempts
	}
	return defaultMaxAttempts
}

// withTx runs fn in a transaction bounded by the tx timeout. Writes that
// follow a gateway call must not be abandoned with the request, so the
// caller's cancellation is detached.
func (s *OrderService) withTx(ctx context.Context, fn func(ctx context.Context, tx *gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.txTimeout())
	defer cancel()
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, tx)
	})
}

func (s *OrderService) gatewayCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.gatewayTimeout())
}

// derivedKey turns caller-scoped identifiers into a provider idempotency key
// that fits provider length limits.
func derivedKey(prefix string, parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return prefix + hex.EncodeToString(h[:])[:40]
}

// gatewayErr maps a payment error to the service taxonomy.
func gatewayErr(err error, terminal error) error {
	if payment.IsTerminal(err) {
		return fmt.Errorf("%w: %s", terminal, payment.Code(err))
	}
	return fmt.Errorf("%w: %s", ErrGatewayUnavailable, payment.Code(err))
}

func spanErr(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// idemWrite asks commit to store the resulting order under a key.
type idemWrite struct {
	scope      string
	op         string
	key        string
	httpStatus int
}

// change describes one committed transition.
type change struct {
	view       *repo.OrderView
	to         domain.OrderStatus
	mut        repo.Mutation
	delta      int
	guard      repo.CountGuard
	actor      string
	key        string
	action     string
	transition string
	idem       *idemWrite
}

// project returns v as it will look once the change commits.
func project(v *repo.OrderView, to domain.OrderStatus, m repo.Mutation) *repo.OrderView {
	out := *v
	now := time.Now().UTC()
	out.Order.Status, out.Line.Status = to, to
	out.Order.Version++
	out.Order.ClaimToken, out.Order.ClaimUntil = "", nil
	out.Order.UpdatedAt, out.Line.UpdatedAt = now, now
	if m.Quantity != nil {
		out.Line.Quantity = *m.Quantity
	}
	if m.UnitPrice != nil {
		out.Line.UnitPrice = *m.UnitPrice
	}
	if m.Amount != nil {
		out.Order.Amount = *m.Amount
	}
	if m.ProviderRef != nil {
		out.Order.ProviderRef = *m.ProviderRef
	}
	if m.CaptureReceipt != nil {
		out.Order.CaptureReceipt = *m.CaptureReceipt
	}
	if m.RefundReceipt != nil {
		out.Order.RefundReceipt = *m.RefundReceipt
	}
	if m.LastError != nil {
		out.Order.LastError = *m.LastError
	}
	if m.CancelReason != nil {
		out.Line.CancelReason = *m.CancelReason
	}
	if m.CancelKind != "" {
		out.Line.CancelKind = m.CancelKind
	}
	return &out
}

func notificationFor(v *repo.OrderView, transition string, at time.Time) domain.Notification {
	dedup := v.Order.ID + ":" + transition
	if transition == domain.TransitionAdjusted {
		dedup = fmt.Sprintf("%s:v%d", dedup, v.Order.Version)
	}
	return domain.Notification{
		DedupKey:   dedup,
		Transition: transition,
		OrderID:    v.Order.ID,
		EventID:    v.Line.EventID,
		CustomerID: v.Order.CustomerID,
		Status:     string(v.Order.Status),
		Quantity:   v.Line.Quantity,
		Amount:     v.Order.Amount,
		Currency:   v.Order.Currency,
		CancelKind: v.Line.CancelKind,
		Reason:     v.Line.CancelReason,
		Version:    v.Order.Version,
		OccurredAt: at,
	}
}

// commit applies c in one transaction: status CAS, orders_count delta,
// audit row, outbox row and optional idempotency record.
func (s *OrderService) commit(ctx context.Context, c change) (*repo.OrderView, error) {
	from := c.view.Order.Status
	next := project(c.view, c.to, c.mut)
	at := s.now()
	action := c.action
	if action == "" {
		action = string(c.to)
	}

	err := s.withTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
		if err := repo.UpdateStatus(ctx, tx, c.view.Order.ID, from, c.to, c.mut); err != nil {
			return err
		}
		if err := repo.AdjustOrdersCount(ctx, tx, c.view.Line.EventID, c.delta, c.guard); err != nil {
			return err
		}
		detail := ""
		if c.mut.LastError != nil {
			detail = *c.mut.LastError
		}
		if err := repo.AppendAudit(ctx, tx, &domain.OrderAudit{
			OrderID:        c.view.Order.ID,
			IdempotencyKey: c.key,
			Actor:          c.actor,
			Action:         action,
			FromStatus:     string(from),
			ToStatus:       string(c.to),
			Detail:         detail,
			CreatedAt:      at,
		}); err != nil {
			return err
		}
		if c.transition != "" {
			n := notificationFor(next, c.transition, at)
			if err := repo.EnqueueOutbox(ctx, tx, next.Order.ID, next.Line.EventID, c.transition, n.DedupKey, n); err != nil {
				return err
			}
		}
		if c.idem != nil {
			if err := storeResult(ctx, tx, c.idem, newResult(next), s.idempotencyTTL()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.OrderTransitions.WithLabelValues(string(from), string(c.to)).Inc()
	log.Info().
		Str("order_id", c.view.Order.ID).
		Str("event_id", c.view.Line.EventID).
		Str("idempotency_key", c.key).
		Str("actor", c.actor).
		Str("from", string(from)).
		Str("to", string(c.to)).
		Int("orders_delta", c.delta).
		Msg("order transition")
	return next, nil
}

// storeResult writes an idempotency record. A record written by a
// concurrent request with the same key is left in place.
func storeResult(ctx context.Context, tx *gorm.DB, w *idemWrite, res *OrderResult, ttl time.Duration) error {
	body, err := json.Marshal(res)
	if err != nil {
		return err
	}
	err = repo.CreateIdempotency(ctx, tx, &domain.IdempotencyRecord{
		CustomerID: w.scope,
		Operation:  w.op,
		Key:        w.key,
		OrderID:    res.OrderID,
		Status:     string(res.Status),
		HTTPStatus: w.httpStatus,
		Response:   body,
	}, ttl)
	if errors.Is(err, repo.ErrDuplicate) {
		return nil
	}
	return err
}

// remember stores a result outside of a transition, e.g. for a convergent
// cancel. Failures are logged only.
func (s *OrderService) remember(ctx context.Context, w *idemWrite, res *OrderResult) {
	if w == nil {
		return
	}
	err := s.withTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
		return storeResult(ctx, tx, w, res, s.idempotencyTTL())
	})
	if err != nil {
		log.Warn().Err(err).Str("order_id", res.OrderID).Str("idempotency_key", w.key).Msg("store idempotency record")
	}
}

// replay returns the stored result for (scope, op, key), or nil.
func (s *OrderService) replay(ctx context.Context, scope, op, key string) (*OrderResult, error) {
	rec, err := repo.GetIdempotency(ctx, s.DB, scope, op, key, s.now())
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var res OrderResult
	if err := json.Unmarshal(rec.Response, &res); err != nil {
		return nil, err
	}
	res.Replayed = true
	metrics.IdempotencyReplays.WithLabelValues(op).Inc()
	log.Info().
		Str("operation", op).
		Str("idempotency_key", key).
		Str("order_id", res.OrderID).
		Str("status", string(res.Status)).
		Msg("idempotent replay")
	return &res, nil
}

func (s *OrderService) reload(ctx context.Context, orderID string) (*repo.OrderView, error) {
	v, err := repo.GetOrderView(context.WithoutCancel(ctx), s.DB, orderID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	return v, err
}

func (s *OrderService) staleError(ctx context.Context, orderID string) error {
	v, err := s.reload(ctx, orderID)
	if err != nil {
		return err
	}
	return &StaleStateError{Current: newResult(v)}
}

func (s *OrderService) loadOwned(ctx context.Context, customerID, orderID string) (*repo.OrderView, error) {
	v, err := repo.GetOrderView(ctx, s.DB, orderID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if v.Order.CustomerID != customerID {
		return nil, ErrOrderNotFound
	}
	return v, nil
}

func (s *OrderService) releaseClaim(ctx context.Context, orderID, token string) {
	if err := repo.ReleaseClaim(context.WithoutCancel(ctx), s.DB, orderID, token); err != nil {
		log.Warn().Err(err).Str("order_id", orderID).Msg("release claim")
	}
}

func (s *OrderService) dropReservation(ctx context.Context, v *repo.OrderView) {
	if err := repo.DeleteReservation(context.WithoutCancel(ctx), s.DB, v.Order.ID); err != nil {
		log.Error().Err(err).Str("order_id", v.Order.ID).Msg("delete pending reservation")
	}
}

// admission checks whether ev can take qty more servings at now.
func admission(ev *domain.ChefMealEvent, qty int, now time.Time) error {
	if ev.Status != domain.EventOpen {
		return ErrEventNotOpen
	}
	if !now.Before(ev.CutoffAt) {
		return ErrCutoffPassed
	}
	if ev.OrdersCount+qty > ev.MaxOrders {
		return ErrEventFull
	}
	return nil
}

// admissionError explains a failed count guard from the event's current row.
func (s *OrderService) admissionError(ctx context.Context, eventID string, qty int) error {
	ev, err := repo.GetEvent(context.WithoutCancel(ctx), s.DB, eventID)
	if err != nil {
		return ErrEventFull
	}
	if err := admission(ev, qty, s.now()); err != nil {
		return err
	}
	return ErrEventFull
}

// CreateOrder reserves, authorizes and commits a new order.
func (s *OrderService) CreateOrder(ctx context.Context, in CreateOrderInput) (res *OrderResult, err error) {
	tr := otel.Tracer("services/OrderService")
	ctx, span := tr.Start(ctx, "CreateOrder",
		trace.WithAttributes(
			attribute.String("event.id", in.EventID),
			attribute.String("customer.id", in.CustomerID),
			attribute.Int("quantity", in.Quantity),
		),
	)
	defer func() { spanErr(span, err); span.End() }()

	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" {
		return nil, ErrIdempotencyKeyRequired
	}
	if prev, err := s.replay(ctx, in.CustomerID, domain.OpCreateOrder, key); err != nil || prev != nil {
		if prev != nil && prev.EventID != in.EventID {
			return nil, ErrIdempotencyKeyReused
		}
		return prev, err
	}

	if in.Quantity < 1 {
		return nil, ErrInvalidQuantity
	}
	ev, err := repo.GetEvent(ctx, s.DB, in.EventID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := admission(ev, in.Quantity, s.now()); err != nil {
		return nil, err
	}

	price := s.Pricing.PriceFor(ev.OrdersCount, ev.BasePrice, ev.MinPrice)
	amount := price.Mul(decimal.NewFromInt(int64(in.Quantity)))

	v, err := repo.CreateOrder(ctx, s.DB, repo.NewOrder{
		CustomerID:     in.CustomerID,
		EventID:        in.EventID,
		Quantity:       in.Quantity,
		UnitPrice:      price,
		Amount:         amount,
		Currency:       ev.Currency,
		PaymentMethod:  in.PaymentMethod,
		IdempotencyKey: key,
	})
	if errors.Is(err, repo.ErrDuplicateActive) {
		return s.activeOrderConflict(ctx, in, key)
	}
	if err != nil {
		return nil, err
	}

	gctx, cancel := s.gatewayCtx(ctx)
	hold, err := s.Gateway.Authorize(gctx, payment.AuthorizeRequest{
		Amount:         amount,
		Currency:       ev.Currency,
		PaymentMethod:  in.PaymentMethod,
		Description:    ev.Title,
		IdempotencyKey: derivedKey("auth_", in.CustomerID, key),
	})
	cancel()
	if err != nil {
		s.dropReservation(ctx, v)
		log.Warn().Err(err).
			Str("order_id", v.Order.ID).
			Str("idempotency_key", key).
			Str("code", payment.Code(err)).
			Msg("authorization failed")
		return nil, gatewayErr(err, ErrPaymentDeclined)
	}

	ref := hold.Reference
	next, err := s.commit(ctx, change{
		view:       v,
		to:         domain.StatusAuthorized,
		mut:        repo.Mutation{ProviderRef: &ref},
		delta:      in.Quantity,
		guard:      repo.CountGuard{RequireOpen: true, Before: s.now()},
		actor:      in.CustomerID,
		key:        key,
		action:     "create",
		transition: domain.TransitionAuthorized,
		idem:       &idemWrite{scope: in.CustomerID, op: domain.OpCreateOrder, key: key, httpStatus: http.StatusCreated},
	})
	if err != nil {
		s.voidHold(ctx, v.Order.ID, ref)
		s.dropReservation(ctx, v)
		if errors.Is(err, repo.ErrCountGuard) {
			return nil, s.admissionError(ctx, in.EventID, in.Quantity)
		}
		return nil, err
	}
	return newResult(next), nil
}

// activeOrderConflict explains a collision on the active-order index. A
// request with the same key that committed meanwhile is replayed; one that
// is still authorizing is reported as in progress.
func (s *OrderService) activeOrderConflict(ctx context.Context, in CreateOrderInput, key string) (*OrderResult, error) {
	if prev, err := s.replay(ctx, in.CustomerID, domain.OpCreateOrder, key); err != nil || prev != nil {
		if prev != nil && prev.EventID != in.EventID {
			return nil, ErrIdempotencyKeyReused
		}
		return prev, err
	}
	existing, err := repo.FindActiveOrder(ctx, s.DB, in.CustomerID, in.EventID)
	if err != nil {
		return nil, &DuplicateActiveOrderError{}
	}
	if existing.Order.CreateKey == key && existing.Order.Status == domain.StatusPendingAuthorization {
		return nil, &RequestInProgressError{Current: newResult(existing)}
	}
	return nil, &DuplicateActiveOrderError{Existing: newResult(existing)}
}

// voidHold releases a hold whose order could not be committed.
func (s *OrderService) voidHold(ctx context.Context, orderID, ref string) {
	gctx, cancel := s.gatewayCtx(context.WithoutCancel(ctx))
	defer cancel()
	if _, err := s.Gateway.Release(gctx, ref, "release:"+orderID); err != nil {
		metrics.ReconciliationAlerts.WithLabelValues("orphan_hold").Inc()
		log.Error().Err(err).Str("order_id", orderID).Str("hold_reference", ref).Msg("release of uncommitted hold failed")
	}
}

// AdjustQuantity changes the servings of an authorized order before cutoff.
func (s *OrderService) AdjustQuantity(ctx context.Context, in AdjustInput) (res *OrderResult, err error) {
	tr := otel.Tracer("services/OrderService")
	ctx, span := tr.Start(ctx, "AdjustQuantity",
		trace.WithAttributes(
			attribute.String("order.id", in.OrderID),
			attribute.String("customer.id", in.CustomerID),
			attribute.Int("quantity", in.Quantity),
		),
	)
	defer func() { spanErr(span, err); span.End() }()

	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" {
		return nil, ErrIdempotencyKeyRequired
	}
	if prev, err := s.replay(ctx, in.CustomerID, domain.OpAdjustOrder, key); err != nil || prev != nil {
		if prev != nil && prev.OrderID != in.OrderID {
			return nil, ErrIdempotencyKeyReused
		}
		return prev, err
	}
	if in.Quantity < 1 {
		return nil, ErrInvalidQuantity
	}

	v, err := s.loadOwned(ctx, in.CustomerID, in.OrderID)
	if err != nil {
		return nil, err
	}
	switch v.Order.Status {
	case domain.StatusAuthorized:
	case domain.StatusPendingAuthorization:
		return nil, &StaleStateError{Current: newResult(v)}
	default:
		return nil, ErrInvalidTransition
	}

	ev, err := repo.GetEvent(ctx, s.DB, v.Line.EventID)
	if err != nil {
		return nil, err
	}
	delta := in.Quantity - v.Line.Quantity
	if err := admission(ev, max(delta, 0), s.now()); err != nil {
		return nil, err
	}
	idem := &idemWrite{scope: in.CustomerID, op: domain.OpAdjustOrder, key: key, httpStatus: http.StatusOK}
	if delta == 0 {
		out := newResult(v)
		s.remember(ctx, idem, out)
		return out, nil
	}

	price := s.Pricing.PriceFor(ev.OrdersCount-v.Line.Quantity, ev.BasePrice, ev.MinPrice)
	amount := price.Mul(decimal.NewFromInt(int64(in.Quantity)))

	token, err := repo.ClaimOrder(ctx, s.DB, v.Order.ID, domain.StatusAuthorized, s.claimLease())
	if errors.Is(err, repo.ErrStaleState) {
		return nil, s.staleError(ctx, v.Order.ID)
	}
	if err != nil {
		return nil, err
	}

	gwKey := derivedKey("adj_", in.CustomerID, v.Order.ID, key)
	gctx, cancel := s.gatewayCtx(ctx)
	_, err = s.Gateway.Adjust(gctx, v.Order.ProviderRef, amount, v.Order.Currency, gwKey)
	cancel()
	if err != nil {
		s.releaseClaim(ctx, v.Order.ID, token)
		return nil, gatewayErr(err, ErrPaymentDeclined)
	}

	qty := in.Quantity
	next, err := s.commit(ctx, change{
		view:       v,
		to:         domain.StatusAuthorized,
		mut:        repo.Mutation{ClaimToken: token, Quantity: &qty, UnitPrice: &price, Amount: &amount},
		delta:      delta,
		guard:      repo.CountGuard{RequireOpen: true, Before: s.now()},
		actor:      in.CustomerID,
		key:        key,
		action:     "adjust",
		transition: domain.TransitionAdjusted,
		idem:       idem,
	})
	if err != nil {
		// Put the hold back to the committed amount.
		gctx, cancel := s.gatewayCtx(context.WithoutCancel(ctx))
		if _, rerr := s.Gateway.Adjust(gctx, v.Order.ProviderRef, v.Order.Amount, v.Order.Currency, gwKey+":revert"); rerr != nil {
			metrics.ReconciliationAlerts.WithLabelValues("adjust_revert_failed").Inc()
			log.Error().Err(rerr).Str("order_id", v.Order.ID).Msg("revert of hold adjustment failed")
		}
		cancel()
		s.releaseClaim(ctx, v.Order.ID, token)
		switch {
		case errors.Is(err, repo.ErrCountGuard):
			return nil, s.admissionError(ctx, v.Line.EventID, max(delta, 0))
		case errors.Is(err, repo.ErrStaleState):
			return nil, s.staleError(ctx, v.Order.ID)
		}
		return nil, err
	}
	return newResult(next), nil
}

// cancelRequest carries who is cancelling and why.
type cancelRequest struct {
	kind   domain.CancelKind
	reason string
	actor  string
	key    string
	idem   *idemWrite
}

// CancelOrder releases an authorized order or refunds a captured one.
// Cancelling an already cancelled or refunded order returns it unchanged.
func (s *OrderService) CancelOrder(ctx context.Context, in CancelInput) (res *OrderResult, err error) {
	tr := otel.Tracer("services/OrderService")
	ctx, span := tr.Start(ctx, "CancelOrder",
		trace.WithAttributes(
			attribute.String("order.id", in.OrderID),
			attribute.String("customer.id", in.CustomerID),
		),
	)
	defer func() { spanErr(span, err); span.End() }()

	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" {
		return nil, ErrIdempotencyKeyRequired
	}
	if prev, err := s.replay(ctx, in.CustomerID, domain.OpCancelOrder, key); err != nil || prev != nil {
		if prev != nil && prev.OrderID != in.OrderID {
			return nil, ErrIdempotencyKeyReused
		}
		return prev, err
	}

	v, err := s.loadOwned(ctx, in.CustomerID, in.OrderID)
	if err != nil {
		return nil, err
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		reason = "cancelled by customer"
	}
	return s.cancelOne(ctx, v, cancelRequest{
		kind:   domain.CancelByCustomer,
		reason: reason,
		actor:  in.CustomerID,
		key:    key,
		idem:   &idemWrite{scope: in.CustomerID, op: domain.OpCancelOrder, key: key, httpStatus: http.StatusOK},
	})
}

// cancelOne unwinds a single order. A claim conflict re-reads the order
// once, so a capture that committed first turns the cancel into a refund.
func (s *OrderService) cancelOne(ctx context.Context, v *repo.OrderView, r cancelRequest) (*OrderResult, error) {
	for attempt := 0; attempt < 2; attempt++ {
		switch v.Order.Status {
		case domain.StatusCancelled, domain.StatusRefunded:
			out := newResult(v)
			s.remember(ctx, r.idem, out)
			return out, nil
		case domain.StatusPendingAuthorization:
			return nil, &StaleStateError{Current: newResult(v)}
		case domain.StatusAuthorized, domain.StatusCaptured:
			token, err := repo.ClaimOrder(ctx, s.DB, v.Order.ID, v.Order.Status, s.claimLease())
			if errors.Is(err, repo.ErrStaleState) {
				if v, err = s.reload(ctx, v.Order.ID); err != nil {
					return nil, err
				}
				continue
			}
			if err != nil {
				return nil, err
			}
			if v.Order.Status == domain.StatusAuthorized {
				return s.releaseOrder(ctx, v, token, r)
			}
			return s.refundOrder(ctx, v, token, r)
		default:
			return nil, ErrInvalidTransition
		}
	}
	return nil, &StaleStateError{Current: newResult(v)}
}

func (s *OrderService) releaseOrder(ctx context.Context, v *repo.OrderView, token string, r cancelRequest) (*OrderResult, error) {
	gctx, cancel := s.gatewayCtx(ctx)
	_, err := s.Gateway.Release(gctx, v.Order.ProviderRef, "release:"+v.Order.ID)
	cancel()
	if err != nil {
		s.releaseClaim(ctx, v.Order.ID, token)
		return nil, gatewayErr(err, ErrGatewayRejected)
	}

	reason := r.reason
	next, err := s.commit(ctx, change{
		view:       v,
		to:         domain.StatusCancelled,
		mut:        repo.Mutation{ClaimToken: token, CancelReason: &reason, CancelKind: r.kind},
		delta:      -v.Line.Quantity,
		actor:      r.actor,
		key:        r.key,
		action:     "cancel",
		transition: domain.TransitionCancelled,
		idem:       r.idem,
	})
	if errors.Is(err, repo.ErrStaleState) {
		return nil, s.staleError(ctx, v.Order.ID)
	}
	if err != nil {
		return nil, err
	}
	return newResult(next), nil
}

func (s *OrderService) refundOrder(ctx context.Context, v *repo.OrderView, token string, r cancelRequest) (*OrderResult, error) {
	gctx, cancel := s.gatewayCtx(ctx)
	rr, err := s.Gateway.Refund(gctx, v.Order.CaptureReceipt, v.Order.Amount, v.Order.Currency, "refund:"+v.Order.ID)
	cancel()
	if err != nil {
		s.releaseClaim(ctx, v.Order.ID, token)
		return nil, gatewayErr(err, ErrGatewayRejected)
	}

	reason := r.reason
	receipt := rr.Reference
	next, err := s.commit(ctx, change{
		view:       v,
		to:         domain.StatusRefunded,
		mut:        repo.Mutation{ClaimToken: token, RefundReceipt: &receipt, CancelReason: &reason, CancelKind: r.kind},
		delta:      -v.Line.Quantity,
		actor:      r.actor,
		key:        r.key,
		action:     "refund",
		transition: domain.TransitionRefunded,
		idem:       r.idem,
	})
	if errors.Is(err, repo.ErrStaleState) {
		return nil, s.staleError(ctx, v.Order.ID)
	}
	if err != nil {
		return nil, err
	}
	return newResult(next), nil
}

// GetOrder returns a customer's order.
func (s *OrderService) GetOrder(ctx context.Context, customerID, orderID string) (*OrderResult, error) {
	tr := otel.Tracer("services/OrderService")
	ctx, span := tr.Start(ctx, "GetOrder",
		trace.WithAttributes(attribute.String("order.id", orderID)),
	)
	defer span.End()

	v, err := s.loadOwned(ctx, customerID, orderID)
	if err != nil {
		return nil, err
	}
	return newResult(v), nil
}
