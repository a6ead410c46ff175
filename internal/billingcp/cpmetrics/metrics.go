// Package cpmetrics holds the control plane's Prometheus metrics.
package cpmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CheckoutRequestsTotal counts checkout attempts by outcome.
	CheckoutRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ataboard",
		Subsystem: "cp",
		Name:      "checkout_requests_total",
		Help:      "Total checkout attempts by outcome.",
	}, []string{"outcome"})

	// CheckoutDuration tracks checkout request latency.
	CheckoutDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ataboard",
		Subsystem: "cp",
		Name:      "checkout_duration_seconds",
		Help:      "Checkout request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	// StripeCustomersCreated counts newly created payment-processor customers.
	StripeCustomersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ataboard",
		Subsystem: "cp",
		Name:      "stripe_customers_created_total",
		Help:      "Total Stripe customers created by the checkout path.",
	})

	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ataboard",
		Subsystem: "cp",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// EntitlementAggregations counts entitlement reads by outcome
	// (ok, degraded, absent, error).
	EntitlementAggregations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ataboard",
		Subsystem: "cp",
		Name:      "entitlement_aggregations_total",
		Help:      "Entitlement aggregation reads by outcome.",
	}, []string{"outcome"})
)
