// Package middleware provides HTTP middleware for the proxy listener.
package middleware

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// middlewareMetrics holds Prometheus metrics for middleware operations.
type middlewareMetrics struct {
	rateLimitAllowed  prometheus.Counter
	rateLimitRejected prometheus.Counter

	circuitBreakerRequests    *prometheus.CounterVec
	circuitBreakerTransitions *prometheus.CounterVec

	panicsRecovered prometheus.Counter
}

var (
	middlewareMetricsInstance *middlewareMetrics
	middlewareMetricsOnce     sync.Once
)

// InitMetrics initializes the singleton middleware metrics with the
// given Prometheus registerer. If registerer is nil, metrics are
// registered with the default registerer. Subsequent calls are no-ops.
func InitMetrics(registerer prometheus.Registerer) {
	middlewareMetricsOnce.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		factory := promauto.With(registerer)
		middlewareMetricsInstance = &middlewareMetrics{
			rateLimitAllowed: factory.NewCounter(
				prometheus.CounterOpts{
					Namespace: "metricsproxy",
					Subsystem: "middleware",
					Name:      "rate_limit_allowed_total",
					Help:      "Total number of requests allowed by the rate limiter",
				},
			),
			rateLimitRejected: factory.NewCounter(
				prometheus.CounterOpts{
					Namespace: "metricsproxy",
					Subsystem: "middleware",
					Name:      "rate_limit_rejected_total",
					Help:      "Total number of requests rejected by the rate limiter",
				},
			),
			circuitBreakerRequests: factory.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "metricsproxy",
					Subsystem: "middleware",
					Name:      "circuit_breaker_requests_total",
					Help:      "Total number of requests through the circuit breaker by state",
				},
				[]string{"state"},
			),
			circuitBreakerTransitions: factory.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "metricsproxy",
					Subsystem: "middleware",
					Name:      "circuit_breaker_transitions_total",
					Help:      "Total number of circuit breaker state transitions",
				},
				[]string{"from", "to"},
			),
			panicsRecovered: factory.NewCounter(
				prometheus.CounterOpts{
					Namespace: "metricsproxy",
					Subsystem: "middleware",
					Name:      "panics_recovered_total",
					Help:      "Total number of panics recovered in handlers",
				},
			),
		}
	})
}

// getMiddlewareMetrics returns the metrics instance, initializing with
// the default registerer if InitMetrics was never called.
func getMiddlewareMetrics() *middlewareMetrics {
	InitMetrics(nil)
	return middlewareMetricsInstance
}
