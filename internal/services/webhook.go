package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/chef-meal-orders/internal/domain"
	"github.com/tbourn/chef-meal-orders/internal/payment"
	"github.com/tbourn/chef-meal-orders/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const defaultWebhookTolerance = 5 * time.Minute

// errWebhookUnmatched marks an event whose references name no order. It is
// recorded and acknowledged.
var errWebhookUnmatched = errors.New("no order matches the event references")

// WebhookRepo is the persistence the webhook path needs. Every call takes
// the handle to run against so implementations stay stateless.
type WebhookRepo interface {
	// Record stores a provider event once; a redelivery returns repo.ErrDuplicate.
	Record(ctx context.Context, db *gorm.DB, provider, eventID, eventType string, payload []byte) (*domain.WebhookEvent, error)
	// MarkProcessed stamps the stored event with its outcome.
	MarkProcessed(ctx context.Context, db *gorm.DB, id string, at time.Time, procErr error) error
	// Forget deletes the stored event so the next delivery is applied.
	Forget(ctx context.Context, db *gorm.DB, id string) error
	// FindOrder resolves provider references to an order.
	FindOrder(ctx context.Context, db *gorm.DB, refs ...string) (*repo.OrderView, error)
	// Stamp sets a confirmation timestamp column once.
	Stamp(ctx context.Context, db *gorm.DB, orderID, column string, at time.Time) error
}

// StoreWebhooks is the WebhookRepo backed by the repo package.
type StoreWebhooks struct{}

func (StoreWebhooks) Record(ctx context.Context, db *gorm.DB, provider, eventID, eventType string, payload []byte) (*domain.WebhookEvent, error) {
	return repo.RecordWebhookEvent(ctx, db, provider, eventID, eventType, payload)
}

func (StoreWebhooks) MarkProcessed(ctx context.Context, db *gorm.DB, id string, at time.Time, procErr error) error {
	return repo.MarkWebhookProcessed(ctx, db, id, at, procErr)
}

func (StoreWebhooks) Forget(ctx context.Context, db *gorm.DB, id string) error {
	return repo.DeleteWebhookEvent(ctx, db, id)
}

func (StoreWebhooks) FindOrder(ctx context.Context, db *gorm.DB, refs ...string) (*repo.OrderView, error) {
	return repo.FindOrderByReference(ctx, db, refs...)
}

func (StoreWebhooks) Stamp(ctx context.Context, db *gorm.DB, orderID, column string, at time.Time) error {
	return repo.StampOrder(ctx, db, orderID, column, at)
}

func (s *OrderService) webhooks() WebhookRepo {
	if s.Webhooks != nil {
		return s.Webhooks
	}
	return StoreWebhooks{}
}

// WebhookResult describes what a provider event did.
type WebhookResult struct {
	EventID   string `json:"event_id"`
	Type      string `json:"type"`
	OrderID   string `json:"order_id,omitempty"`
	Duplicate bool   `json:"duplicate"`
	Matched   bool   `json:"matched"`
	Action    string `json:"action"`
}

// HandleWebhook verifies, dedupes and applies an asynchronous provider
// notification. Unknown orders and event types are acknowledged without
// changes so the provider stops redelivering them. When a matched event
// cannot be applied its dedupe record is dropped and ErrWebhookRetry is
// returned, so the redelivery gets another chance.
func (s *OrderService) HandleWebhook(ctx context.Context, provider string, payload []byte, signature string) (res *WebhookResult, err error) {
	tr := otel.Tracer("services/OrderService")
	ctx, span := tr.Start(ctx, "HandleWebhook", trace.WithAttributes(attribute.String("provider", provider)))
	defer func() { spanErr(span, err); span.End() }()

	if s.WebhookSecret != "" {
		tol := s.WebhookTolerance
		if tol <= 0 {
			tol = defaultWebhookTolerance
		}
		if err := payment.VerifySignature(s.WebhookSecret, payload, signature, s.now(), tol); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrWebhookSignature, err)
		}
	}
	evt, err := payment.ParseWebhook(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWebhookPayload, err)
	}
	res = &WebhookResult{EventID: evt.ID, Type: evt.Type, Action: "ignored"}
	span.SetAttributes(attribute.String("webhook.type", evt.Type), attribute.String("webhook.id", evt.ID))

	store := s.webhooks()
	rec, err := store.Record(ctx, s.DB, provider, evt.ID, evt.Type, payload)
	if errors.Is(err, repo.ErrDuplicate) {
		res.Duplicate = true
		res.Action = "duplicate"
		return res, nil
	}
	if err != nil {
		return nil, err
	}

	action, procErr := s.applyWebhook(ctx, evt, res)
	if procErr != nil && !errors.Is(procErr, errWebhookUnmatched) {
		if ferr := store.Forget(context.WithoutCancel(ctx), s.DB, rec.ID); ferr != nil {
			log.Error().Err(ferr).Str("webhook_id", evt.ID).Msg("forget webhook")
		}
		log.Warn().
			Err(procErr).
			Str("provider", provider).
			Str("webhook_id", evt.ID).
			Str("type", evt.Type).
			Str("order_id", res.OrderID).
			Msg("webhook not applied")
		return nil, fmt.Errorf("%w: %v", ErrWebhookRetry, procErr)
	}
	if action != "" {
		res.Action = action
	}

	if merr := store.MarkProcessed(ctx, s.DB, rec.ID, s.now(), procErr); merr != nil {
		log.Warn().Err(merr).Str("webhook_id", evt.ID).Msg("mark webhook processed")
	}
	log.Info().
		Str("provider", provider).
		Str("webhook_id", evt.ID).
		Str("type", evt.Type).
		Str("order_id", res.OrderID).
		Str("action", res.Action).
		AnErr("processing_error", procErr).
		Msg("webhook")
	return res, nil
}

// applyWebhook returns the action it completed; an empty action means the
// event changed nothing.
func (s *OrderService) applyWebhook(ctx context.Context, evt *payment.WebhookEvent, res *WebhookResult) (string, error) {
	store := s.webhooks()
	v, err := store.FindOrder(ctx, s.DB, evt.Data.Object.References()...)
	if errors.Is(err, repo.ErrNotFound) {
		return "", errWebhookUnmatched
	}
	if err != nil {
		return "", err
	}
	res.Matched = true
	res.OrderID = v.Order.ID
	at := time.Unix(evt.Created, 0).UTC()
	if evt.Created == 0 {
		at = s.now()
	}

	switch evt.Type {
	case payment.WebhookIntentSucceeded, payment.WebhookChargeCaptured:
		if err := store.Stamp(ctx, s.DB, v.Order.ID, "capture_confirmed_at", at); err != nil {
			return "", err
		}
		return "capture_confirmed", nil

	case payment.WebhookChargeRefunded:
		if err := store.Stamp(ctx, s.DB, v.Order.ID, "refund_confirmed_at", at); err != nil {
			return "", err
		}
		return "refund_confirmed", nil

	case payment.WebhookIntentCanceled:
		if v.Order.Status != domain.StatusAuthorized {
			return "", nil
		}
		reason := "hold cancelled by payment provider"
		if err := s.providerTransition(ctx, v, domain.StatusCancelled, domain.TransitionCancelled,
			repo.Mutation{CancelReason: &reason, CancelKind: domain.CancelByProvider}, evt.ID); err != nil {
			return "", err
		}
		return "cancelled", nil

	case payment.WebhookIntentFailed:
		if v.Order.Status != domain.StatusAuthorized {
			return "", nil
		}
		msg := "payment failed at provider"
		if err := s.providerTransition(ctx, v, domain.StatusFailed, domain.TransitionCaptureFailed,
			repo.Mutation{LastError: &msg}, evt.ID); err != nil {
			return "", err
		}
		return "failed", nil
	}
	return "", nil
}

// providerTransition records a state change the provider already made; no
// gateway call is issued.
func (s *OrderService) providerTransition(ctx context.Context, v *repo.OrderView, to domain.OrderStatus, transition string, m repo.Mutation, webhookID string) error {
	token, err := repo.ClaimOrder(ctx, s.DB, v.Order.ID, domain.StatusAuthorized, s.claimLease())
	if err != nil {
		return err
	}
	m.ClaimToken = token
	_, err = s.commit(ctx, change{
		view:       v,
		to:         to,
		mut:        m,
		delta:      -v.Line.Quantity,
		actor:      actorProvider,
		key:        webhookID,
		action:     "webhook",
		transition: transition,
	})
	if err != nil {
		s.releaseClaim(ctx, v.Order.ID, token)
	}
	return err
}
