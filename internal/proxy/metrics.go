package proxy

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Error reasons reported by the forwarder metrics.
const (
	reasonAuth        = "auth"
	reasonTimeout     = "timeout"
	reasonUnavailable = "unavailable"
	reasonCanceled    = "canceled"
)

// forwarderMetrics contains Prometheus metrics for upstream forwarding.
type forwarderMetrics struct {
	upstreamRequestsTotal *prometheus.CounterVec
	upstreamDuration      prometheus.Histogram
	errorsTotal           *prometheus.CounterVec
}

var (
	forwarderMetricsInstance *forwarderMetrics
	forwarderMetricsOnce     sync.Once
)

// InitMetrics initializes the singleton forwarder metrics with the
// given Prometheus registerer. If registerer is nil, metrics are
// registered with the default registerer. Subsequent calls are no-ops.
func InitMetrics(registerer prometheus.Registerer) {
	forwarderMetricsOnce.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		factory := promauto.With(registerer)
		forwarderMetricsInstance = &forwarderMetrics{
			upstreamRequestsTotal: factory.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "metricsproxy",
					Subsystem: "forwarder",
					Name:      "upstream_requests_total",
					Help:      "Total number of requests forwarded upstream",
				},
				[]string{"status"},
			),
			upstreamDuration: factory.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: "metricsproxy",
					Subsystem: "forwarder",
					Name:      "upstream_request_duration_seconds",
					Help:      "Duration of upstream requests in seconds",
					Buckets:   prometheus.DefBuckets,
				},
			),
			errorsTotal: factory.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "metricsproxy",
					Subsystem: "forwarder",
					Name:      "errors_total",
					Help:      "Total number of forwarding errors by reason",
				},
				[]string{"reason"},
			),
		}
	})
}

// getForwarderMetrics returns the metrics instance, initializing with
// the default registerer if InitMetrics was never called.
func getForwarderMetrics() *forwarderMetrics {
	InitMetrics(nil)
	return forwarderMetricsInstance
}

// recordUpstream records one completed upstream round trip.
func (m *forwarderMetrics) recordUpstream(status int, duration time.Duration) {
	m.upstreamRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	m.upstreamDuration.Observe(duration.Seconds())
}
