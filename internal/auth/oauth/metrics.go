package oauth

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric result label values.
const (
	metricResultSuccess      = "success"
	metricResultRequestError = "request_error"
	metricResultNetworkError = "network_error"
	metricResultReadError    = "read_error"
	metricResultTokenError   = "token_error"
	metricResultParseError   = "parse_error"
)

// clientMetrics contains Prometheus metrics for the OAuth2 client.
type clientMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	refreshShared   prometheus.Counter
}

var (
	clientMetricsInstance *clientMetrics
	clientMetricsOnce     sync.Once
)

// InitMetrics initializes the singleton OAuth2 client metrics with the
// given Prometheus registerer. If registerer is nil, metrics are
// registered with the default registerer. Subsequent calls are no-ops.
func InitMetrics(registerer prometheus.Registerer) {
	clientMetricsOnce.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		factory := promauto.With(registerer)
		clientMetricsInstance = &clientMetrics{
			requestsTotal: factory.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "metricsproxy",
					Subsystem: "oauth2",
					Name:      "token_request_total",
					Help:      "Total number of OAuth2 token requests",
				},
				[]string{"result"},
			),
			requestDuration: factory.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: "metricsproxy",
					Subsystem: "oauth2",
					Name:      "token_request_duration_seconds",
					Help:      "Duration of OAuth2 token requests in seconds",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"result"},
			),
			cacheHits: factory.NewCounter(
				prometheus.CounterOpts{
					Namespace: "metricsproxy",
					Subsystem: "oauth2",
					Name:      "token_cache_hits_total",
					Help:      "Total number of OAuth2 token cache hits",
				},
			),
			cacheMisses: factory.NewCounter(
				prometheus.CounterOpts{
					Namespace: "metricsproxy",
					Subsystem: "oauth2",
					Name:      "token_cache_misses_total",
					Help:      "Total number of OAuth2 token cache misses",
				},
			),
			refreshShared: factory.NewCounter(
				prometheus.CounterOpts{
					Namespace: "metricsproxy",
					Subsystem: "oauth2",
					Name:      "token_refresh_shared_total",
					Help:      "Total number of token refreshes shared between concurrent callers",
				},
			),
		}
	})
}

// getClientMetrics returns the metrics instance, initializing with the
// default registerer if InitMetrics was never called.
func getClientMetrics() *clientMetrics {
	InitMetrics(nil)
	return clientMetricsInstance
}
