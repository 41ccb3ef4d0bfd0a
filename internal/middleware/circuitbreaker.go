package middleware

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/metricsproxy/internal/observability"
)

// errUpstreamStatus marks a 5xx response so the breaker counts it as a
// failure without altering what was already written to the client.
var errUpstreamStatus = errors.New("upstream returned server error")

// CircuitBreakerStateFunc is called when the breaker changes state.
// The state argument follows gobreaker: 0=closed, 1=half-open, 2=open.
type CircuitBreakerStateFunc func(name string, state int)

// CircuitBreaker shields the endpoint from scrape storms while it is
// failing. Repeated 5xx responses or transport errors trip it open.
type CircuitBreaker struct {
	cb            *gobreaker.CircuitBreaker
	logger        observability.Logger
	stateCallback CircuitBreakerStateFunc
}

// CircuitBreakerOption is a functional option for configuring the
// circuit breaker.
type CircuitBreakerOption func(*CircuitBreaker)

// WithCircuitBreakerLogger sets the logger for the circuit breaker.
func WithCircuitBreakerLogger(logger observability.Logger) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// WithCircuitBreakerStateCallback sets a callback for state changes.
func WithCircuitBreakerStateCallback(fn CircuitBreakerStateFunc) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.stateCallback = fn
	}
}

// NewCircuitBreaker creates a circuit breaker. The breaker trips when
// at least threshold requests have been seen and half of them failed.
func NewCircuitBreaker(
	name string,
	threshold int,
	timeout time.Duration,
	opts ...CircuitBreakerOption,
) *CircuitBreaker {
	cb := &CircuitBreaker{
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(cb)
	}

	thresholdU32 := safeIntToUint32(threshold)

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: thresholdU32,
		Interval:    timeout,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= thresholdU32 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			cb.logger.Info("circuit breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)

			getMiddlewareMetrics().circuitBreakerTransitions.WithLabelValues(
				from.String(), to.String(),
			).Inc()

			if cb.stateCallback != nil {
				cb.stateCallback(name, int(to))
			}
		},
	}

	cb.cb = gobreaker.NewCircuitBreaker(settings)
	return cb
}

// safeIntToUint32 safely converts int to uint32.
func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n)
}

// Execute executes a function with circuit breaker protection.
func (cb *CircuitBreaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	return cb.cb.Execute(fn)
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() gobreaker.State {
	return cb.cb.State()
}

// CircuitBreakerMiddleware returns a middleware that runs the handler
// under circuit breaker protection. An open breaker answers 503
// without touching the endpoint.
func CircuitBreakerMiddleware(cb *CircuitBreaker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			getMiddlewareMetrics().circuitBreakerRequests.WithLabelValues(
				cb.State().String(),
			).Inc()

			_, err := cb.Execute(func() (interface{}, error) {
				rw := &responseWriter{
					ResponseWriter: w,
					status:         http.StatusOK,
				}
				next.ServeHTTP(rw, r)

				if rw.status >= http.StatusInternalServerError {
					return nil, fmt.Errorf("%w: %d", errUpstreamStatus, rw.status)
				}
				return nil, nil
			})

			if err == nil || errors.Is(err, errUpstreamStatus) {
				// The handler already answered.
				return
			}

			// The breaker rejected the request before the handler ran.
			cb.logger.Warn("circuit breaker rejected request",
				observability.String("path", r.URL.Path),
				observability.String("state", cb.State().String()),
				observability.Error(err),
			)

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `{"error":"service unavailable","message":"upstream circuit open"}`)
		})
	}
}
