package clientcert

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// providerMetrics contains Prometheus metrics for certificate handling.
type providerMetrics struct {
	reloadsTotal *prometheus.CounterVec
	certExpiry   prometheus.Gauge
}

var (
	providerMetricsInstance *providerMetrics
	providerMetricsOnce     sync.Once
)

// InitMetrics initializes the singleton certificate metrics with the
// given Prometheus registerer. If registerer is nil, metrics are
// registered with the default registerer. Subsequent calls are no-ops.
func InitMetrics(registerer prometheus.Registerer) {
	providerMetricsOnce.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		factory := promauto.With(registerer)
		providerMetricsInstance = &providerMetrics{
			reloadsTotal: factory.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "metricsproxy",
					Subsystem: "clientcert",
					Name:      "reloads_total",
					Help:      "Total number of client certificate reloads",
				},
				[]string{"result"},
			),
			certExpiry: factory.NewGauge(
				prometheus.GaugeOpts{
					Namespace: "metricsproxy",
					Subsystem: "clientcert",
					Name:      "expiry_timestamp_seconds",
					Help:      "Expiry of the loaded client certificate in unix seconds",
				},
			),
		}
	})
}

// getProviderMetrics returns the metrics instance, initializing with
// the default registerer if InitMetrics was never called.
func getProviderMetrics() *providerMetrics {
	InitMetrics(nil)
	return providerMetricsInstance
}
