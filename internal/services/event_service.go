// Package services – EventService
//
// EventService lets a chef publish an event, read it with its orders and
// cancel it. Cancelling releases or refunds every order that still holds
// funds through the OrderService.

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"gorm.io/gorm"

	"github.com/tbourn/chef-meal-orders/internal/domain"
	"github.com/tbourn/chef-meal-orders/internal/metrics"
	"github.com/tbourn/chef-meal-orders/internal/repo"
	"github.com/tbourn/chef-meal-orders/internal/utils"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const maxTitleLen = 255

// EventService manages chef meal events.
type EventService struct {
	DB     *gorm.DB
	Orders *OrderService
}

// CreateEventInput is a chef's new event.
type CreateEventInput struct {
	ChefID         string
	Title          string
	Currency       string
	BasePrice      decimal.Decimal
	MinPrice       decimal.Decimal
	MinOrders      int
	MaxOrders      int
	CutoffAt       time.Time
	EventAt        time.Time
	IdempotencyKey string
}

// CancelEventResult is the event after cancellation and the number of
// orders settled right away.
type CancelEventResult struct {
	Event    *domain.ChefMealEvent `json:"event"`
	Settled  int                   `json:"settled"`
	Replayed bool                  `json:"-"`
}

func (s *EventService) now() time.Time { return s.Orders.now() }

func invalidEvent(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEvent, fmt.Sprintf(format, args...))
}

func (s *EventService) validate(in *CreateEventInput) error {
	in.Title = strings.TrimSpace(in.Title)
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	switch {
	case in.ChefID == "":
		return invalidEvent("chef is required")
	case in.Title == "":
		return invalidEvent("title is required")
	case len(in.Title) > maxTitleLen:
		return invalidEvent("title longer than %d characters", maxTitleLen)
	case !in.BasePrice.IsPositive():
		return invalidEvent("base_price must be positive")
	case !in.MinPrice.IsPositive() || in.MinPrice.GreaterThan(in.BasePrice):
		return invalidEvent("min_price must be positive and not above base_price")
	case in.MinOrders < 0:
		return invalidEvent("min_orders must not be negative")
	case in.MaxOrders < 1 || in.MaxOrders < in.MinOrders:
		return invalidEvent("max_orders must be at least 1 and not below min_orders")
	case !in.CutoffAt.After(s.now()):
		return invalidEvent("cutoff_at must be in the future")
	case in.EventAt.Before(in.CutoffAt):
		return invalidEvent("event_at must not be before cutoff_at")
	}
	if _, err := currency.ParseISO(in.Currency); err != nil {
		return invalidEvent("unknown currency %q", in.Currency)
	}
	return nil
}

// CreateEvent validates and stores a new open event. With an idempotency
// key, a retried request returns the event created first.
func (s *EventService) CreateEvent(ctx context.Context, in CreateEventInput) (ev *domain.ChefMealEvent, replayed bool, err error) {
	tr := otel.Tracer("services/EventService")
	ctx, span := tr.Start(ctx, "CreateEvent", trace.WithAttributes(attribute.String("chef.id", in.ChefID)))
	defer func() { spanErr(span, err); span.End() }()

	key := strings.TrimSpace(in.IdempotencyKey)
	if key != "" {
		var prev domain.ChefMealEvent
		ok, err := s.replay(ctx, in.ChefID, domain.OpCreateEvent, key, &prev)
		if err != nil || ok {
			return &prev, ok, err
		}
	}
	if err := s.validate(&in); err != nil {
		return nil, false, err
	}

	ev = &domain.ChefMealEvent{
		ChefID:    in.ChefID,
		Title:     in.Title,
		Currency:  in.Currency,
		BasePrice: in.BasePrice.Round(2),
		MinPrice:  in.MinPrice.Round(2),
		MinOrders: in.MinOrders,
		MaxOrders: in.MaxOrders,
		CutoffAt:  in.CutoffAt.UTC(),
		EventAt:   in.EventAt.UTC(),
		Status:    domain.EventOpen,
	}
	err = s.Orders.withTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
		if err := repo.CreateEvent(ctx, tx, ev); err != nil {
			return err
		}
		if key == "" {
			return nil
		}
		return s.store(ctx, tx, in.ChefID, domain.OpCreateEvent, key, http.StatusCreated, ev)
	})
	if err != nil {
		return nil, false, err
	}
	log.Info().Str("event_id", ev.ID).Str("chef_id", ev.ChefID).Str("idempotency_key", key).Msg("event created")
	return ev, false, nil
}

// GetEvent returns an event by ID.
func (s *EventService) GetEvent(ctx context.Context, id string) (*domain.ChefMealEvent, error) {
	tr := otel.Tracer("services/EventService")
	ctx, span := tr.Start(ctx, "GetEvent", trace.WithAttributes(attribute.String("event.id", id)))
	defer span.End()

	ev, err := repo.GetEvent(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrEventNotFound
	}
	return ev, err
}

func (s *EventService) owned(ctx context.Context, chefID, id string) (*domain.ChefMealEvent, error) {
	ev, err := s.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if ev.ChefID != chefID {
		return nil, ErrForbidden
	}
	return ev, nil
}

// ListEventOrders returns a page of an event's orders for its chef.
func (s *EventService) ListEventOrders(ctx context.Context, chefID, eventID string, page, pageSize int) ([]OrderResult, int64, error) {
	tr := otel.Tracer("services/EventService")
	ctx, span := tr.Start(ctx, "ListEventOrders",
		trace.WithAttributes(
			attribute.String("event.id", eventID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if _, err := s.owned(ctx, chefID, eventID); err != nil {
		return nil, 0, err
	}
	page, pageSize = utils.NormalizePage(page, pageSize)
	views, total, err := repo.ListOrdersForEvent(ctx, s.DB, eventID, utils.Offset(page, pageSize), pageSize)
	if err != nil {
		return nil, 0, err
	}
	out := make([]OrderResult, 0, len(views))
	for i := range views {
		out = append(out, *newResult(&views[i]))
	}
	return out, total, nil
}

// CancelEvent cancels an open or closed event on behalf of its chef and
// settles every order still holding funds. Cancelling a cancelled event
// returns it unchanged.
func (s *EventService) CancelEvent(ctx context.Context, chefID, eventID, reason, key string) (res *CancelEventResult, err error) {
	tr := otel.Tracer("services/EventService")
	ctx, span := tr.Start(ctx, "CancelEvent",
		trace.WithAttributes(
			attribute.String("event.id", eventID),
			attribute.String("chef.id", chefID),
		),
	)
	defer func() { spanErr(span, err); span.End() }()

	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrIdempotencyKeyRequired
	}
	var prev CancelEventResult
	if ok, err := s.replay(ctx, chefID, domain.OpCancelEvent, key, &prev); err != nil || ok {
		if ok && prev.Event != nil && prev.Event.ID != eventID {
			return nil, ErrIdempotencyKeyReused
		}
		prev.Replayed = ok
		return &prev, err
	}

	ev, err := s.owned(ctx, chefID, eventID)
	if err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "event cancelled by chef"
	}

	// The scheduler may close the event between the read and the CAS.
	for attempt := 0; ev.Status != domain.EventCancelled; attempt++ {
		if ev.Status == domain.EventCompleted {
			return nil, ErrInvalidTransition
		}
		from := ev.Status
		err = s.Orders.withTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
			if err := repo.SetEventStatus(ctx, tx, ev.ID, from, domain.EventCancelled, reason); err != nil {
				return err
			}
			n := domain.Notification{
				DedupKey:   ev.ID + ":" + domain.TransitionEventCancelled,
				Transition: domain.TransitionEventCancelled,
				EventID:    ev.ID,
				Status:     string(domain.EventCancelled),
				Currency:   ev.Currency,
				CancelKind: domain.CancelByChef,
				Reason:     reason,
				OccurredAt: s.now(),
			}
			return repo.EnqueueOutbox(ctx, tx, "", ev.ID, n.Transition, n.DedupKey, n)
		})
		if err == nil {
			log.Info().
				Str("event_id", ev.ID).
				Str("idempotency_key", key).
				Str("from", string(from)).
				Str("to", string(domain.EventCancelled)).
				Msg("event transition")
		} else if !errors.Is(err, repo.ErrStaleState) || attempt >= 2 {
			return nil, err
		}
		if ev, err = repo.GetEvent(ctx, s.DB, eventID); err != nil {
			return nil, err
		}
	}

	settled, err := s.Orders.DrainCancelledEvent(ctx, ev)
	if err != nil {
		return nil, err
	}
	if ev, err = repo.GetEvent(ctx, s.DB, eventID); err != nil {
		return nil, err
	}
	res = &CancelEventResult{Event: ev, Settled: settled}
	if err := s.Orders.withTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
		return s.store(ctx, tx, chefID, domain.OpCancelEvent, key, http.StatusOK, res)
	}); err != nil {
		log.Warn().Err(err).Str("event_id", eventID).Msg("store idempotency record")
	}
	return res, nil
}

// replay decodes a stored response into out and reports whether one existed.
func (s *EventService) replay(ctx context.Context, scope, op, key string, out any) (bool, error) {
	rec, err := repo.GetIdempotency(ctx, s.DB, scope, op, key, s.now())
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(rec.Response, out); err != nil {
		return false, err
	}
	metrics.IdempotencyReplays.WithLabelValues(op).Inc()
	return true, nil
}

func (s *EventService) store(ctx context.Context, tx *gorm.DB, scope, op, key string, status int, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	err = repo.CreateIdempotency(ctx, tx, &domain.IdempotencyRecord{
		CustomerID: scope,
		Operation:  op,
		Key:        key,
		Status:     "ok",
		HTTPStatus: status,
		Response:   b,
	}, s.Orders.idempotencyTTL())
	if errors.Is(err, repo.ErrDuplicate) {
		return nil
	}
	return err
}
