package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptgate",
			Name:      "requests_total",
			Help:      "Total gate requests by outcome",
		},
		[]string{"endpoint", "status"},
	)

	AuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptgate",
			Name:      "auth_failures_total",
			Help:      "Authentication rejections by reason",
		},
		[]string{"reason"},
	)

	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "promptgate",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter",
		},
	)

	ProviderAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptgate",
			Name:      "provider_attempts_total",
			Help:      "Provider call attempts by outcome",
		},
		[]string{"provider", "outcome"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "promptgate",
			Name:      "dispatch_duration_seconds",
			Help:      "End-to-end dispatch latency including retries",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"provider"},
	)
)
