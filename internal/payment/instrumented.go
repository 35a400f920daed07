package payment

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tbourn/chef-meal-orders/internal/metrics"
)

var tracer = otel.Tracer("payment/Gateway")

// InstrumentedGateway records a span, Prometheus metrics and a debug log
// line for every call of the wrapped Gateway.
type InstrumentedGateway struct {
	next Gateway
}

// Instrument wraps next.
func Instrument(next Gateway) *InstrumentedGateway {
	return &InstrumentedGateway{next: next}
}

func (g *InstrumentedGateway) observe(ctx context.Context, op, key string) (context.Context, func(error)) {
	ctx, span := tracer.Start(ctx, "Gateway."+op)
	span.SetAttributes(
		attribute.String("payment.provider", g.next.Name()),
		attribute.String("payment.op", op),
	)
	start := time.Now()
	return ctx, func(err error) {
		elapsed := time.Since(start)
		outcome := "ok"
		switch {
		case err == nil:
		case IsTerminal(err):
			outcome = "terminal"
		default:
			outcome = "transient"
		}
		metrics.GatewayCalls.WithLabelValues(op, outcome).Inc()
		metrics.GatewayLatency.WithLabelValues(op).Observe(elapsed.Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
		log.Debug().
			Str("provider", g.next.Name()).
			Str("op", op).
			Str("idempotency_key", key).
			Str("outcome", outcome).
			Dur("latency", elapsed).
			Err(err).
			Msg("payment gateway call")
	}
}

// Name implements Gateway.
func (g *InstrumentedGateway) Name() string { return g.next.Name() }

// Authorize implements Gateway.
func (g *InstrumentedGateway) Authorize(ctx context.Context, req AuthorizeRequest) (Hold, error) {
	ctx, done := g.observe(ctx, OpAuthorize, req.IdempotencyKey)
	h, err := g.next.Authorize(ctx, req)
	done(err)
	return h, err
}

// Adjust implements Gateway.
func (g *InstrumentedGateway) Adjust(ctx context.Context, holdRef string, amount decimal.Decimal, currency, key string) (Hold, error) {
	ctx, done := g.observe(ctx, OpAdjust, key)
	h, err := g.next.Adjust(ctx, holdRef, amount, currency, key)
	done(err)
	return h, err
}

// Capture implements Gateway.
func (g *InstrumentedGateway) Capture(ctx context.Context, holdRef, key string) (CaptureReceipt, error) {
	ctx, done := g.observe(ctx, OpCapture, key)
	r, err := g.next.Capture(ctx, holdRef, key)
	done(err)
	return r, err
}

// Release implements Gateway.
func (g *InstrumentedGateway) Release(ctx context.Context, holdRef, key string) (Ack, error) {
	ctx, done := g.observe(ctx, OpRelease, key)
	a, err := g.next.Release(ctx, holdRef, key)
	done(err)
	return a, err
}

// Refund implements Gateway.
func (g *InstrumentedGateway) Refund(ctx context.Context, captureRef string, amount decimal.Decimal, currency, key string) (RefundReceipt, error) {
	ctx, done := g.observe(ctx, OpRefund, key)
	r, err := g.next.Refund(ctx, captureRef, amount, currency, key)
	done(err)
	return r, err
}
