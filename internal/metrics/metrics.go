// Package metrics holds the service's Prometheus collectors. They register
// with the default registry on import and are served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chiroport"

var (
	// RateLimitDecisions counts edge decisions per path class.
	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ratelimit_decisions_total",
		Help:      "Rate limit decisions by path class and outcome.",
	}, []string{"class", "outcome"})

	// RateLimitStoreErrors counts counter store failures and timeouts.
	RateLimitStoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ratelimit_store_errors_total",
		Help:      "Counter store failures and timeouts.",
	}, []string{"store"})

	// CSRFValidations counts CSRF checks on state-changing requests.
	CSRFValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "csrf_validations_total",
		Help:      "CSRF validations by outcome.",
	}, []string{"outcome"})

	// ProviderRequests counts queue provider calls by operation and HTTP status.
	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_requests_total",
		Help:      "Queue provider requests by operation and status.",
	}, []string{"op", "status"})

	// ProviderDuration observes queue provider latency.
	ProviderDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "provider_request_duration_seconds",
		Help:      "Queue provider request latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	// WizardSubmissions counts intake submission outcomes from the submit
	// endpoint and the wizard dispatcher.
	WizardSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "wizard_submissions_total",
		Help:      "Intake submissions by outcome.",
	}, []string{"outcome"})
)
