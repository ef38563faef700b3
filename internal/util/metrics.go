package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CheckoutAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_attempts_total",
		Help: "Total number of checkout attempts",
	})

	CheckoutDeclinedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_declined_total",
		Help: "Total number of declined checkouts",
	}, []string{"reason"})

	ThreeDSInitiatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "threeds_initiated_total",
		Help: "Total number of 3-D Secure charges started",
	}, []string{"provider"})

	CallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_callbacks_total",
		Help: "Total number of 3-D Secure callbacks by outcome",
	}, []string{"outcome"})

	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_webhook_events_total",
		Help: "Total number of provider webhook events by type and outcome",
	}, []string{"type", "outcome"})

	OrdersMaterializedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_materialized_total",
		Help: "Total number of orders created from successful payments",
	})

	OrdersDuplicateTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_duplicate_materializations_total",
		Help: "Total number of materialize calls that found an existing order",
	})

	OrdersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled orders",
	})

	OrderItemsRefundedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "order_items_refunded_total",
		Help: "Total number of order items refunded",
	})

	PendingPaymentsReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pending_payments_reaped_total",
		Help: "Total number of expired pending payments deleted",
	})

	EmailsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emails_sent_total",
		Help: "Total number of notification emails by outcome",
	}, []string{"template", "outcome"})

	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_gateway_latency_seconds",
		Help:    "Latency of payment provider API calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "path"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
