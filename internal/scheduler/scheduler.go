// Package scheduler runs the capture sweep: it closes events whose cutoff
// passed, captures or releases their holds, retries what failed, finalizes
// events and performs housekeeping. Several replicas may run it at once;
// every step is coordinated through compare-and-swap writes in the store.
package scheduler

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/chef-meal-orders/internal/config"
	"github.com/tbourn/chef-meal-orders/internal/domain"
	"github.com/tbourn/chef-meal-orders/internal/metrics"
	"github.com/tbourn/chef-meal-orders/internal/repo"
	"github.com/tbourn/chef-meal-orders/internal/services"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const defaultSweepLease = 5 * time.Minute

// Scheduler drives event sweeps on a fixed interval.
type Scheduler struct {
	DB     *gorm.DB
	Orders *services.OrderService
	Policy *CapturePolicy

	Interval       time.Duration
	Batch          int
	MaxAttempts    int
	ReservationTTL time.Duration
	SweepLease     time.Duration

	// Now overrides the clock used to find due events.
	Now func() time.Time
}

// TickReport counts what one tick did.
type TickReport struct {
	Claimed            int   `json:"claimed"`
	Retried            int   `json:"retried"`
	Finalized          int   `json:"finalized"`
	Completed          int   `json:"completed"`
	Drained            int   `json:"drained"`
	ReservationsPurged int   `json:"reservations_purged"`
	IdempotencyPurged  int64 `json:"idempotency_purged"`
	Captured           int   `json:"captured"`
	Released           int   `json:"released"`
	Failed             int   `json:"failed"`
	Retrying           int   `json:"retrying"`
	Errors             int   `json:"errors"`

	swept map[string]bool
}

func (r *TickReport) add(s services.SweepReport) {
	r.Captured += s.Captured
	r.Released += s.Released
	r.Failed += s.Failed
	r.Retrying += s.Retrying
}

func (r *TickReport) busy() bool {
	return r.Claimed+r.Retried+r.Finalized+r.Completed+r.Drained+r.ReservationsPurged+r.Errors > 0 ||
		r.IdempotencyPurged > 0
}

// New builds a Scheduler from configuration.
func New(cfg config.SchedulerConfig, db *gorm.DB, orders *services.OrderService) (*Scheduler, error) {
	policy, err := NewCapturePolicy(cfg.CaptureRule)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		DB:             db,
		Orders:         orders,
		Policy:         policy,
		Interval:       cfg.Interval,
		Batch:          cfg.Batch,
		MaxAttempts:    cfg.MaxAttempts,
		ReservationTTL: cfg.ReservationTTL,
	}, nil
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Scheduler) batch() int {
	if s.Batch > 0 {
		return s.Batch
	}
	return 50
}

func (s *Scheduler) maxAttempts() int {
	if s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return 5
}

func (s *Scheduler) sweepLease() time.Duration {
	if s.SweepLease > 0 {
		return s.SweepLease
	}
	return defaultSweepLease
}

// Run ticks until ctx is cancelled. The first tick runs immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	log.Info().Dur("interval", interval).Str("rule", s.Policy.Rule()).Msg("capture scheduler started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("scheduler tick failed")
		}
		select {
		case <-ctx.Done():
			log.Info().Msg("capture scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one pass. Per-event failures are logged and counted; the
// returned error is set only when a listing query fails.
func (s *Scheduler) Tick(ctx context.Context) (rep TickReport, err error) {
	tr := otel.Tracer("scheduler")
	ctx, span := tr.Start(ctx, "Tick")
	start := time.Now()
	defer func() {
		metrics.SchedulerTickDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
		}
		span.SetAttributes(
			attribute.Int("claimed", rep.Claimed),
			attribute.Int("retried", rep.Retried),
			attribute.Int("finalized", rep.Finalized),
		)
		span.End()
	}()

	rep.swept = make(map[string]bool)
	now := s.now()

	due, err := repo.ListDueEvents(ctx, s.DB, now, s.batch())
	if err != nil {
		return rep, errors.Wrap(err, "list due events")
	}
	for _, id := range due {
		ev, err := repo.ClaimDueEvent(ctx, s.DB, id, now, s.sweepLease(), s.Policy.Decide)
		if errors.Is(err, repo.ErrStaleState) {
			continue
		}
		if err != nil {
			rep.Errors++
			log.Error().Err(err).Str("event_id", id).Msg("claim due event")
			continue
		}
		rep.Claimed++
		log.Info().
			Str("event_id", ev.ID).
			Int("orders_count", ev.OrdersCount).
			Int("min_orders", ev.MinOrders).
			Str("decision", string(ev.SweepDecision)).
			Msg("event closed at cutoff")
		s.sweep(ctx, ev, &rep)
	}

	retry, err := repo.ListEventsNeedingRetry(ctx, s.DB, s.now(), s.maxAttempts(), s.batch())
	if err != nil {
		return rep, errors.Wrap(err, "list events needing retry")
	}
	for _, id := range retry {
		if rep.swept[id] {
			continue
		}
		ev, err := repo.ClaimSweepRetry(ctx, s.DB, id, s.now(), s.sweepLease())
		if errors.Is(err, repo.ErrStaleState) {
			continue
		}
		if err != nil {
			rep.Errors++
			log.Error().Err(err).Str("event_id", id).Msg("claim sweep retry")
			continue
		}
		rep.Retried++
		s.sweep(ctx, ev, &rep)
	}

	completable, err := repo.ListCompletableEvents(ctx, s.DB, s.now(), s.batch())
	if err != nil {
		return rep, errors.Wrap(err, "list completable events")
	}
	for _, id := range completable {
		n, err := s.Orders.CompleteEvent(ctx, id)
		if err != nil {
			rep.Errors++
			log.Error().Err(err).Str("event_id", id).Msg("complete event")
		}
		rep.Completed += n
	}

	cancelled, err := repo.ListCancelledEventsWithOpenOrders(ctx, s.DB, s.batch())
	if err != nil {
		return rep, errors.Wrap(err, "list cancelled events")
	}
	for _, id := range cancelled {
		ev, err := repo.GetEvent(ctx, s.DB, id)
		if err != nil {
			rep.Errors++
			continue
		}
		n, err := s.Orders.DrainCancelledEvent(ctx, ev)
		if err != nil {
			rep.Errors++
			log.Error().Err(err).Str("event_id", id).Msg("drain cancelled event")
		}
		rep.Drained += n
	}

	if s.ReservationTTL > 0 {
		n, err := s.Orders.PurgeStaleReservations(ctx, s.ReservationTTL, s.batch())
		if err != nil {
			rep.Errors++
			log.Error().Err(err).Msg("purge stale reservations")
		}
		rep.ReservationsPurged = n
	}

	n, err := s.Orders.PurgeIdempotency(ctx)
	if err != nil {
		rep.Errors++
		log.Error().Err(err).Msg("purge idempotency records")
	}
	rep.IdempotencyPurged = n

	if rep.busy() {
		log.Info().
			Int("claimed", rep.Claimed).
			Int("retried", rep.Retried).
			Int("captured", rep.Captured).
			Int("released", rep.Released).
			Int("failed", rep.Failed).
			Int("retrying", rep.Retrying).
			Int("finalized", rep.Finalized).
			Int("completed", rep.Completed).
			Int("drained", rep.Drained).
			Int("reservations_purged", rep.ReservationsPurged).
			Int64("idempotency_purged", rep.IdempotencyPurged).
			Int("errors", rep.Errors).
			Msg("scheduler tick")
	}
	return rep, nil
}

// sweep settles a leased event, tries to finalize it and hands the lease
// back so a later tick can retry leftovers.
func (s *Scheduler) sweep(ctx context.Context, ev *domain.ChefMealEvent, rep *TickReport) services.SweepReport {
	rep.swept[ev.ID] = true
	defer func() {
		if err := repo.ReleaseSweepLease(context.WithoutCancel(ctx), s.DB, ev.ID); err != nil {
			log.Warn().Err(err).Str("event_id", ev.ID).Msg("release sweep lease")
		}
	}()

	sr, err := s.Orders.CaptureSweep(ctx, ev)
	rep.add(sr)
	if err != nil {
		rep.Errors++
		log.Error().Err(err).Str("event_id", ev.ID).Msg("capture sweep")
		return sr
	}
	done, err := s.Orders.FinalizeEvent(ctx, ev)
	if err != nil {
		rep.Errors++
		log.Error().Err(err).Str("event_id", ev.ID).Msg("finalize event")
		return sr
	}
	if done {
		rep.Finalized++
	}
	return sr
}

// SweepEvent closes (if due) and sweeps a single event immediately. It is
// used by the CLI to settle one event by hand.
func (s *Scheduler) SweepEvent(ctx context.Context, eventID string) (services.SweepReport, error) {
	tr := otel.Tracer("scheduler")
	ctx, span := tr.Start(ctx, "SweepEvent", trace.WithAttributes(attribute.String("event.id", eventID)))
	defer span.End()

	ev, err := repo.ClaimDueEvent(ctx, s.DB, eventID, s.now(), s.sweepLease(), s.Policy.Decide)
	if errors.Is(err, repo.ErrStaleState) {
		ev, err = repo.ClaimSweepRetry(ctx, s.DB, eventID, s.now(), s.sweepLease())
	}
	if errors.Is(err, repo.ErrNotFound) {
		return services.SweepReport{}, services.ErrEventNotFound
	}
	if err != nil {
		return services.SweepReport{}, errors.Wrapf(err, "claim event %s", eventID)
	}
	rep := TickReport{swept: map[string]bool{}}
	return s.sweep(ctx, ev, &rep), nil
}
