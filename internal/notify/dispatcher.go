package notify

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/go-faster/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/chef-meal-orders/internal/config"
	"github.com/tbourn/chef-meal-orders/internal/domain"
	"github.com/tbourn/chef-meal-orders/internal/metrics"
	"github.com/tbourn/chef-meal-orders/internal/repo"
)

const (
	baseBackoff  = time.Second
	defaultLease = time.Minute
)

// Dispatcher polls the outbox and publishes due rows. Rows that fail are
// retried with exponential backoff capped at MaxBackoff.
type Dispatcher struct {
	DB        *gorm.DB
	Publisher Publisher

	Interval   time.Duration
	Batch      int
	MaxBackoff time.Duration
	Lease      time.Duration

	Now func() time.Time

	closers []io.Closer
}

// New builds a dispatcher from configuration: a log publisher plus one
// webhook publisher per configured URL, wrapped in a BoltDB dedup store
// when DedupPath is set.
func New(cfg config.NotifyConfig, db *gorm.DB) (*Dispatcher, error) {
	pubs := Fanout{LogPublisher{}}
	for _, u := range cfg.WebhookURLs {
		pubs = append(pubs, NewWebhookPublisher(u, 10*time.Second))
	}
	d := &Dispatcher{
		DB:         db,
		Publisher:  pubs,
		Interval:   cfg.Interval,
		Batch:      cfg.Batch,
		MaxBackoff: cfg.MaxBackoff,
	}
	if cfg.DedupPath != "" {
		dd, err := OpenDedup(cfg.DedupPath, pubs)
		if err != nil {
			return nil, err
		}
		d.Publisher = dd
		d.closers = append(d.closers, dd)
	}
	return d, nil
}

// Close releases resources held by the publishers.
func (d *Dispatcher) Close() error {
	var first error
	for _, c := range d.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

// Backoff returns the delay before attempt+1 after attempt failures.
func (d *Dispatcher) Backoff(attempt int) time.Duration {
	ceiling := d.MaxBackoff
	if ceiling <= 0 {
		ceiling = 10 * time.Minute
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := baseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	return delay
}

// Run dispatches until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	interval := d.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	log.Info().Dur("interval", interval).Str("publisher", d.Publisher.Name()).Msg("outbox dispatcher started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("outbox dispatch failed")
		}
		select {
		case <-ctx.Done():
			log.Info().Msg("outbox dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchOnce publishes one batch of due rows and returns how many were
// delivered.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	batch := d.Batch
	if batch <= 0 {
		batch = 100
	}
	lease := d.Lease
	if lease <= 0 {
		lease = defaultLease
	}
	rows, err := repo.ClaimOutboxBatch(ctx, d.DB, d.now(), lease, batch)
	if err != nil {
		return 0, errors.Wrap(err, "claim outbox batch")
	}

	delivered := 0
	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		if d.deliver(ctx, row) {
			delivered++
		}
	}

	if n, err := repo.CountPendingOutbox(ctx, d.DB); err == nil {
		metrics.OutboxBacklog.Set(float64(n))
	}
	return delivered, nil
}

func (d *Dispatcher) deliver(ctx context.Context, row domain.OutboxEvent) bool {
	var n domain.Notification
	err := json.Unmarshal(row.Payload, &n)
	if err == nil {
		if n.DedupKey == "" {
			n.DedupKey = row.DedupKey
		}
		err = d.Publisher.Publish(ctx, n)
	} else {
		err = errors.Wrap(err, "decode payload")
	}

	wctx := context.WithoutCancel(ctx)
	if err != nil {
		next := d.now().Add(d.Backoff(row.Attempts))
		if merr := repo.MarkOutboxFailed(wctx, d.DB, row.ID, next, err.Error()); merr != nil {
			log.Error().Err(merr).Str("outbox_id", row.ID).Msg("mark outbox failed")
		}
		metrics.OutboxDeliveries.WithLabelValues("failed").Inc()
		log.Warn().Err(err).
			Str("outbox_id", row.ID).
			Str("dedup_key", row.DedupKey).
			Int("attempts", row.Attempts).
			Time("next_attempt_at", next).
			Msg("notification delivery failed")
		return false
	}
	if merr := repo.MarkOutboxDelivered(wctx, d.DB, row.ID, d.now()); merr != nil {
		log.Error().Err(merr).Str("outbox_id", row.ID).Msg("mark outbox delivered")
	}
	metrics.OutboxDeliveries.WithLabelValues("delivered").Inc()
	return true
}
