// Package metrics holds the Prometheus collectors for order lifecycle,
// payment gateway, capture sweep and outbox delivery. HTTP request metrics
// live with the gin middleware.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// GatewayCalls counts payment gateway calls by operation and outcome
	// (ok, transient, terminal).
	GatewayCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_gateway_calls_total",
			Help: "Payment gateway calls by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	// GatewayLatency records gateway round-trip time in seconds.
	GatewayLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_gateway_duration_seconds",
			Help:    "Payment gateway call latency in seconds.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"op"},
	)

	// BreakerOpen is 1 while the gateway circuit breaker rejects calls.
	BreakerOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "payment_gateway_breaker_open",
			Help: "1 when the payment gateway circuit breaker is open.",
		},
	)

	// OrderTransitions counts committed order status changes.
	OrderTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_transitions_total",
			Help: "Committed order status transitions.",
		},
		[]string{"from", "to"},
	)

	// SweepOrders counts orders handled by the capture sweep.
	SweepOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capture_sweep_orders_total",
			Help: "Orders processed by the capture sweep by decision and result.",
		},
		[]string{"decision", "result"},
	)

	// ReconciliationAlerts counts conditions that need operator attention.
	ReconciliationAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciliation_alerts_total",
			Help: "Alerts raised for orders or events that need manual reconciliation.",
		},
		[]string{"reason"},
	)

	// OutboxDeliveries counts outbox publish attempts by result.
	OutboxDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_deliveries_total",
			Help: "Outbox notification publish attempts by result.",
		},
		[]string{"result"},
	)

	// IdempotencyReplays counts requests answered from a stored result.
	IdempotencyReplays = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idempotency_replays_total",
			Help: "Requests served from a stored idempotent result.",
		},
		[]string{"operation"},
	)

	// SchedulerTickDuration observes how long one scheduler tick takes.
	SchedulerTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_tick_duration_seconds",
			Help:    "Duration of one capture scheduler tick.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// OutboxBacklog is the number of undelivered outbox rows.
	OutboxBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_backlog",
			Help: "Undelivered outbox notifications.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		GatewayCalls, GatewayLatency, BreakerOpen,
		OrderTransitions, SweepOrders, ReconciliationAlerts,
		OutboxDeliveries, IdempotencyReplays,
		SchedulerTickDuration, OutboxBacklog,
	)
}
