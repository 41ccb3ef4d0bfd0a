package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/metricsproxy/internal/observability"
)

// RequestIDHeader is the header name for the request ID.
const RequestIDHeader = "X-Request-ID"

// RequestID returns a middleware that assigns a request ID to each
// request. An inbound ID is honored; otherwise a fresh UUID is used.
func RequestID() func(http.Handler) http.Handler {
	return RequestIDWithGenerator(func() string {
		return uuid.New().String()
	})
}

// RequestIDWithGenerator returns a middleware that uses a custom ID
// generator.
func RequestIDWithGenerator(generator func() string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = generator()
			}

			ctx := observability.ContextWithRequestID(r.Context(), requestID)
			r = r.WithContext(ctx)

			w.Header().Set(RequestIDHeader, requestID)

			next.ServeHTTP(w, r)
		})
	}
}
