package server

import (
	"net/http"

	"github.com/vyrodovalexey/metricsproxy/internal/health"
	"github.com/vyrodovalexey/metricsproxy/internal/middleware"
	"github.com/vyrodovalexey/metricsproxy/internal/proxy"
)

// NewProxyMux builds the handler for the proxy listener: the forwarder
// under its mount path wrapped in the middleware chain, plus probe
// routes served locally so they never hit the endpoint.
func NewProxyMux(forwarder *proxy.Forwarder, checker *health.Checker, middlewares ...middleware.Middleware) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(proxy.MountPath, middleware.Chain(forwarder, middlewares...))
	mux.Handle(proxy.MountPath+"/", middleware.Chain(forwarder, middlewares...))
	mux.HandleFunc("/health", checker.HealthHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", checker.LivenessHandler())
	return mux
}

// NewOpsMux builds the handler for the operational listener: probes
// and the proxy's own telemetry.
func NewOpsMux(checker *health.Checker, metricsHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HealthHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", checker.LivenessHandler())
	mux.Handle("/metrics", metricsHandler)
	return mux
}
