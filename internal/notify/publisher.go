// Package notify delivers order and event notifications recorded in the
// transactional outbox. Delivery is at least once; consumers dedupe on the
// notification's DedupKey.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tbourn/chef-meal-orders/internal/domain"
)

// Publisher hands a notification to a downstream consumer.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, n domain.Notification) error
}

// LogPublisher writes notifications to the application log.
type LogPublisher struct{}

// Name implements Publisher.
func (LogPublisher) Name() string { return "log" }

// Publish implements Publisher.
func (LogPublisher) Publish(_ context.Context, n domain.Notification) error {
	e := log.Info()
	if n.Transition == domain.TransitionReconcileRequired || n.Transition == domain.TransitionCaptureFailed {
		e = log.Warn()
	}
	e.Str("dedup_key", n.DedupKey).
		Str("transition", n.Transition).
		Str("order_id", n.OrderID).
		Str("event_id", n.EventID).
		Str("customer_id", n.CustomerID).
		Str("status", n.Status).
		Str("reason", n.Reason).
		Msg("notification")
	return nil
}

// WebhookPublisher POSTs each notification as JSON to URL. The dedup key is
// sent as the Idempotency-Key header.
type WebhookPublisher struct {
	URL    string
	Client *http.Client
}

// NewWebhookPublisher returns a publisher with an instrumented client.
func NewWebhookPublisher(url string, timeout time.Duration) *WebhookPublisher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookPublisher{
		URL: url,
		Client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Name implements Publisher.
func (p *WebhookPublisher) Name() string { return "webhook:" + p.URL }

// Publish implements Publisher.
func (p *WebhookPublisher) Publish(ctx context.Context, n domain.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "encode notification")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", n.DedupKey)
	req.Header.Set("X-Notification-Type", n.Transition)

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "post %s", p.URL)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("post %s: unexpected status %d", p.URL, resp.StatusCode)
	}
	return nil
}

// Fanout publishes to every publisher. A failure of one does not stop the
// others; the first error is returned so the row is retried.
type Fanout []Publisher

// Name implements Publisher.
func (f Fanout) Name() string { return "fanout" }

// Publish implements Publisher.
func (f Fanout) Publish(ctx context.Context, n domain.Notification) error {
	var first error
	for _, p := range f {
		if err := p.Publish(ctx, n); err != nil {
			log.Warn().Err(err).Str("publisher", p.Name()).Str("dedup_key", n.DedupKey).Msg("publish failed")
			if first == nil {
				first = errors.Wrapf(err, "publisher %s", p.Name())
			}
		}
	}
	return first
}
