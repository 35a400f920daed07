package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/chef-meal-orders/internal/domain"
	"github.com/tbourn/chef-meal-orders/internal/metrics"
	"github.com/tbourn/chef-meal-orders/internal/payment"
	"github.com/tbourn/chef-meal-orders/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const thresholdReason = "minimum orders not met"

// SweepFailure names an order the sweep could not settle.
type SweepFailure struct {
	OrderID string `json:"order_id"`
	Code    string `json:"code"`
	Final   bool   `json:"final"`
}

// SweepReport summarizes one pass over an event's orders.
type SweepReport struct {
	EventID  string               `json:"event_id"`
	Decision domain.SweepDecision `json:"decision"`
	Captured int                  `json:"captured"`
	Released int                  `json:"released"`
	Failed   int                  `json:"failed"`
	Retrying int                  `json:"retrying"`
	Skipped  int                  `json:"skipped"`
	Failures []SweepFailure       `json:"failures,omitempty"`
}

func (r *SweepReport) fail(orderID, code string, final bool) {
	r.Failures = append(r.Failures, SweepFailure{OrderID: orderID, Code: code, Final: final})
}

// CaptureSweep applies the event's stored decision to every authorized
// line. Failures of one order never stop the sweep.
func (s *OrderService) CaptureSweep(ctx context.Context, ev *domain.ChefMealEvent) (SweepReport, error) {
	tr := otel.Tracer("services/OrderService")
	ctx, span := tr.Start(ctx, "CaptureSweep",
		trace.WithAttributes(
			attribute.String("event.id", ev.ID),
			attribute.String("decision", string(ev.SweepDecision)),
		),
	)
	defer span.End()

	report := SweepReport{EventID: ev.ID, Decision: ev.SweepDecision}
	if ev.SweepDecision == domain.DecisionNone {
		return report, errors.New("sweep: event has no decision")
	}

	lines, err := repo.ListPendingForEvent(ctx, s.DB, ev.ID, s.now())
	if err != nil {
		return report, err
	}
	for i := range lines {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		v := &lines[i]
		if v.Order.Status != domain.StatusAuthorized {
			// Reservation still in flight; its count guard will fail on a closed event.
			report.Skipped++
			continue
		}
		if v.Order.CaptureAttempts >= s.maxAttempts() && ev.SweepDecision == domain.DecisionRelease {
			report.Skipped++
			continue
		}
		token, err := repo.ClaimOrder(ctx, s.DB, v.Order.ID, domain.StatusAuthorized, s.claimLease())
		if errors.Is(err, repo.ErrStaleState) {
			log.Info().Str("order_id", v.Order.ID).Msg("sweep: order moved or claimed elsewhere, skipping")
			report.Skipped++
			continue
		}
		if err != nil {
			return report, err
		}
		if ev.SweepDecision == domain.DecisionCapture {
			s.captureOne(ctx, v, token, &report)
		} else {
			s.releaseOne(ctx, v, token, &report)
		}
	}

	log.Info().
		Str("event_id", ev.ID).
		Str("decision", string(ev.SweepDecision)).
		Int("captured", report.Captured).
		Int("released", report.Released).
		Int("failed", report.Failed).
		Int("retrying", report.Retrying).
		Int("skipped", report.Skipped).
		Msg("capture sweep")
	return report, nil
}

func (s *OrderService) captureOne(ctx context.Context, v *repo.OrderView, token string, report *SweepReport) {
	decision := string(domain.DecisionCapture)
	gctx, cancel := s.gatewayCtx(ctx)
	rc, err := s.Gateway.Capture(gctx, v.Order.ProviderRef, "capture:"+v.Order.ID)
	cancel()

	switch {
	case err == nil:
		receipt := rc.Reference
		_, cerr := s.commit(ctx, change{
			view:       v,
			to:         domain.StatusCaptured,
			mut:        repo.Mutation{ClaimToken: token, CaptureReceipt: &receipt},
			actor:      actorScheduler,
			key:        "capture:" + v.Order.ID,
			action:     "capture",
			transition: domain.TransitionCaptured,
		})
		if cerr != nil {
			// Funds are captured at the provider; the next pass replays the
			// same key and gets the same receipt.
			metrics.ReconciliationAlerts.WithLabelValues("capture_commit_failed").Inc()
			log.Error().Err(cerr).Str("order_id", v.Order.ID).Str("receipt", receipt).Msg("sweep: captured but not committed")
			s.releaseClaim(ctx, v.Order.ID, token)
			report.Retrying++
			report.fail(v.Order.ID, "commit_failed", false)
			metrics.SweepOrders.WithLabelValues(decision, "retry").Inc()
			return
		}
		report.Captured++
		metrics.SweepOrders.WithLabelValues(decision, "captured").Inc()

	case payment.IsTransient(err):
		attempts := v.Order.CaptureAttempts + 1
		if attempts >= s.maxAttempts() {
			s.failCapture(ctx, v, token, err, "capture_attempts_exhausted", report)
			return
		}
		if rerr := repo.RecordCaptureAttempt(context.WithoutCancel(ctx), s.DB, v.Order.ID, token, attempts, err.Error()); rerr != nil {
			log.Warn().Err(rerr).Str("order_id", v.Order.ID).Msg("sweep: record capture attempt")
		}
		log.Warn().Err(err).Str("order_id", v.Order.ID).Int("attempts", attempts).Msg("sweep: transient capture failure, will retry")
		report.Retrying++
		report.fail(v.Order.ID, payment.Code(err), false)
		metrics.SweepOrders.WithLabelValues(decision, "retry").Inc()

	default:
		s.failCapture(ctx, v, token, err, "capture_declined", report)
	}
}

// failCapture moves an order to failed and raises a reconciliation alert.
func (s *OrderService) failCapture(ctx context.Context, v *repo.OrderView, token string, cause error, reason string, report *SweepReport) {
	msg := cause.Error()
	_, err := s.commit(ctx, change{
		view:       v,
		to:         domain.StatusFailed,
		mut:        repo.Mutation{ClaimToken: token, LastError: &msg},
		delta:      -v.Line.Quantity,
		actor:      actorScheduler,
		key:        "capture:" + v.Order.ID,
		action:     "capture_failed",
		transition: domain.TransitionCaptureFailed,
	})
	if err != nil {
		log.Error().Err(err).Str("order_id", v.Order.ID).Msg("sweep: could not record capture failure")
		s.releaseClaim(ctx, v.Order.ID, token)
		report.Retrying++
		report.fail(v.Order.ID, "commit_failed", false)
		return
	}
	metrics.ReconciliationAlerts.WithLabelValues(reason).Inc()
	metrics.SweepOrders.WithLabelValues(string(domain.DecisionCapture), "failed").Inc()
	log.Error().
		Str("order_id", v.Order.ID).
		Str("event_id", v.Line.EventID).
		Str("code", payment.Code(cause)).
		Str("reason", reason).
		Msg("sweep: capture failed, reconciliation required")
	report.Failed++
	report.fail(v.Order.ID, payment.Code(cause), true)
}

func (s *OrderService) releaseOne(ctx context.Context, v *repo.OrderView, token string, report *SweepReport) {
	decision := string(domain.DecisionRelease)
	gctx, cancel := s.gatewayCtx(ctx)
	_, err := s.Gateway.Release(gctx, v.Order.ProviderRef, "release:"+v.Order.ID)
	cancel()
	if err != nil {
		attempts := v.Order.CaptureAttempts + 1
		if rerr := repo.RecordCaptureAttempt(context.WithoutCancel(ctx), s.DB, v.Order.ID, token, attempts, err.Error()); rerr != nil {
			log.Warn().Err(rerr).Str("order_id", v.Order.ID).Msg("sweep: record release attempt")
		}
		final := payment.IsTerminal(err) || attempts >= s.maxAttempts()
		if final {
			metrics.ReconciliationAlerts.WithLabelValues("release_failed").Inc()
			log.Error().Err(err).Str("order_id", v.Order.ID).Msg("sweep: release failed, reconciliation required")
		}
		report.Retrying++
		report.fail(v.Order.ID, payment.Code(err), final)
		metrics.SweepOrders.WithLabelValues(decision, "retry").Inc()
		return
	}

	reason := thresholdReason
	_, err = s.commit(ctx, change{
		view:       v,
		to:         domain.StatusCancelled,
		mut:        repo.Mutation{ClaimToken: token, CancelReason: &reason, CancelKind: domain.CancelByThreshold},
		delta:      -v.Line.Quantity,
		actor:      actorScheduler,
		key:        "release:" + v.Order.ID,
		action:     "cancel",
		transition: domain.TransitionCancelled,
	})
	if err != nil {
		log.Error().Err(err).Str("order_id", v.Order.ID).Msg("sweep: released but not committed")
		s.releaseClaim(ctx, v.Order.ID, token)
		report.Retrying++
		report.fail(v.Order.ID, "commit_failed", false)
		return
	}
	report.Released++
	metrics.SweepOrders.WithLabelValues(decision, "released").Inc()
}

// FinalizeEvent closes out a swept event once no authorized lines remain.
// A capture decision completes the event only when no line failed;
// otherwise the event stays closed and one reconciliation alert is raised.
// It reports whether the event reached a final state.
func (s *OrderService) FinalizeEvent(ctx context.Context, ev *domain.ChefMealEvent) (bool, error) {
	counts, err := repo.CountLinesByStatus(ctx, s.DB, ev.ID)
	if err != nil {
		return false, err
	}
	if counts[domain.StatusPendingAuthorization] > 0 {
		return false, nil
	}
	if n := counts[domain.StatusAuthorized]; n > 0 {
		exhausted, err := s.allExhausted(ctx, ev.ID)
		if err != nil || !exhausted {
			return false, err
		}
		return false, s.alertEvent(ctx, ev, "authorized_orders_stuck", counts)
	}

	switch ev.SweepDecision {
	case domain.DecisionCapture:
		if counts[domain.StatusFailed] > 0 {
			return false, s.alertEvent(ctx, ev, "capture_failures", counts)
		}
		return s.finishEvent(ctx, ev, domain.EventCompleted, "")
	case domain.DecisionRelease:
		return s.finishEvent(ctx, ev, domain.EventCancelled, thresholdReason)
	}
	return false, nil
}

func (s *OrderService) allExhausted(ctx context.Context, eventID string) (bool, error) {
	lines, err := repo.ListLinesByStatus(ctx, s.DB, eventID, domain.StatusAuthorized)
	if err != nil {
		return false, err
	}
	for _, l := range lines {
		if l.Order.CaptureAttempts < s.maxAttempts() {
			return false, nil
		}
	}
	return true, nil
}

func (s *OrderService) finishEvent(ctx context.Context, ev *domain.ChefMealEvent, to domain.EventStatus, reason string) (bool, error) {
	err := s.withTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
		return repo.SetEventStatus(ctx, tx, ev.ID, domain.EventClosed, to, reason)
	})
	if errors.Is(err, repo.ErrStaleState) {
		log.Info().Str("event_id", ev.ID).Msg("finalize: event already moved")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	log.Info().Str("event_id", ev.ID).Str("from", string(domain.EventClosed)).Str("to", string(to)).Msg("event transition")
	return true, nil
}

// alertEvent raises the event's reconciliation alert at most once.
func (s *OrderService) alertEvent(ctx context.Context, ev *domain.ChefMealEvent, reason string, counts map[domain.OrderStatus]int64) error {
	now := s.now()
	var first bool
	err := s.withTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
		ok, err := repo.MarkEventAlerted(ctx, tx, ev.ID, now)
		if err != nil || !ok {
			return err
		}
		first = true
		n := domain.Notification{
			DedupKey:   ev.ID + ":" + domain.TransitionReconcileRequired,
			Transition: domain.TransitionReconcileRequired,
			EventID:    ev.ID,
			Status:     string(ev.Status),
			Currency:   ev.Currency,
			Reason:     reason,
			Quantity:   int(counts[domain.StatusFailed] + counts[domain.StatusAuthorized]),
			OccurredAt: now,
		}
		return repo.EnqueueOutbox(ctx, tx, "", ev.ID, n.Transition, n.DedupKey, n)
	})
	if err != nil {
		return err
	}
	if first {
		metrics.ReconciliationAlerts.WithLabelValues(reason).Inc()
		log.Error().
			Str("event_id", ev.ID).
			Str("reason", reason).
			Int64("failed", counts[domain.StatusFailed]).
			Int64("authorized", counts[domain.StatusAuthorized]).
			Int64("captured", counts[domain.StatusCaptured]).
			Msg("event needs reconciliation")
	}
	return nil
}

// CompleteEvent moves captured lines of a completed event to completed once
// the service time has passed. It returns the number of orders completed.
func (s *OrderService) CompleteEvent(ctx context.Context, eventID string) (int, error) {
	tr := otel.Tracer("services/OrderService")
	ctx, span := tr.Start(ctx, "CompleteEvent", trace.WithAttributes(attribute.String("event.id", eventID)))
	defer span.End()

	ev, err := repo.GetEvent(ctx, s.DB, eventID)
	if errors.Is(err, repo.ErrNotFound) {
		return 0, ErrEventNotFound
	}
	if err != nil {
		return 0, err
	}
	if ev.Status != domain.EventCompleted || s.now().Before(ev.EventAt) {
		return 0, nil
	}
	lines, err := repo.ListLinesByStatus(ctx, s.DB, eventID, domain.StatusCaptured)
	if err != nil {
		return 0, err
	}
	done := 0
	for i := range lines {
		_, err := s.commit(ctx, change{
			view:       &lines[i],
			to:         domain.StatusCompleted,
			actor:      actorScheduler,
			action:     "complete",
			transition: domain.TransitionCompleted,
		})
		if errors.Is(err, repo.ErrStaleState) {
			continue
		}
		if err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}

// DrainCancelledEvent releases or refunds every order still holding funds
// on a cancelled event. Orders that cannot be settled now are left for the
// next pass. It returns the number of orders settled.
func (s *OrderService) DrainCancelledEvent(ctx context.Context, ev *domain.ChefMealEvent) (int, error) {
	lines, err := repo.ListLinesByStatus(ctx, s.DB, ev.ID, domain.StatusAuthorized, domain.StatusCaptured)
	if err != nil {
		return 0, err
	}
	reason := ev.CancelReason
	if reason == "" {
		reason = "event cancelled by chef"
	}
	settled := 0
	for i := range lines {
		v := &lines[i]
		_, err := s.cancelOne(ctx, v, cancelRequest{
			kind:   domain.CancelByChef,
			reason: reason,
			actor:  ev.ChefID,
			key:    "event-cancel:" + ev.ID,
		})
		if err != nil {
			log.Warn().Err(err).Str("order_id", v.Order.ID).Str("event_id", ev.ID).Msg("drain: order not settled")
			continue
		}
		settled++
	}
	return settled, nil
}

// PurgeStaleReservations deletes pending reservations older than ttl.
func (s *OrderService) PurgeStaleReservations(ctx context.Context, ttl time.Duration, limit int) (int, error) {
	n, err := repo.DeleteStaleReservations(ctx, s.DB, s.now().Add(-ttl), limit)
	if n > 0 {
		log.Warn().Int("count", n).Msg("removed stale pending reservations")
	}
	return n, err
}

// PurgeIdempotency deletes expired idempotency records.
func (s *OrderService) PurgeIdempotency(ctx context.Context) (int64, error) {
	return repo.PurgeExpiredIdempotency(ctx, s.DB, s.now())
}
