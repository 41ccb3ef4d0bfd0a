package middleware

import (
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/metricsproxy/internal/observability"
)

// DefaultClientTTL is the TTL for idle per-client limiter entries.
const DefaultClientTTL = 10 * time.Minute

// cleanupInterval bounds how often idle client entries are swept.
const cleanupInterval = time.Minute

// clientEntry holds a limiter and its last access time for TTL-based
// cleanup.
type clientEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter limits inbound scrape requests, either globally or per
// client address.
type RateLimiter struct {
	limiter   *rate.Limiter
	perClient bool
	rps       int
	burst     int
	logger    observability.Logger
	clientTTL time.Duration

	mu      sync.Mutex
	clients map[string]*clientEntry

	stopOnce sync.Once
	stopCh   chan struct{}
}

// RateLimiterOption is a functional option for configuring the rate
// limiter.
type RateLimiterOption func(*RateLimiter)

// WithRateLimiterLogger sets the logger for the rate limiter.
func WithRateLimiterLogger(logger observability.Logger) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.logger = logger
	}
}

// WithClientTTL sets the TTL for idle per-client entries.
func WithClientTTL(ttl time.Duration) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.clientTTL = ttl
	}
}

// NewRateLimiter creates a rate limiter. With perClient set, each
// client address gets its own bucket.
func NewRateLimiter(rps, burst int, perClient bool, opts ...RateLimiterOption) *RateLimiter {
	if burst <= 0 {
		burst = rps
	}

	rl := &RateLimiter{
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		perClient: perClient,
		clients:   make(map[string]*clientEntry),
		rps:       rps,
		burst:     burst,
		logger:    observability.NopLogger(),
		clientTTL: DefaultClientTTL,
		stopCh:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(rl)
	}

	if rl.perClient {
		go rl.cleanupLoop()
	}

	return rl
}

// Allow checks whether a request from the given client is allowed.
func (rl *RateLimiter) Allow(clientIP string) bool {
	if rl.perClient {
		return rl.allowPerClient(clientIP)
	}
	return rl.limiter.Allow()
}

// allowPerClient checks the per-client bucket, creating it on first
// sight. Lookup and lastAccess update share one critical section.
func (rl *RateLimiter) allowPerClient(clientIP string) bool {
	now := time.Now()

	rl.mu.Lock()
	entry, exists := rl.clients[clientIP]
	if !exists {
		entry = &clientEntry{
			limiter: rate.NewLimiter(rate.Limit(rl.rps), rl.burst),
		}
		rl.clients[clientIP] = entry
	}
	entry.lastAccess = now
	rl.mu.Unlock()

	return entry.limiter.Allow()
}

// cleanupLoop sweeps idle client entries until Stop is called.
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

// cleanup removes entries idle longer than the TTL.
func (rl *RateLimiter) cleanup() {
	cutoff := time.Now().Add(-rl.clientTTL)

	rl.mu.Lock()
	for ip, entry := range rl.clients {
		if entry.lastAccess.Before(cutoff) {
			delete(rl.clients, ip)
		}
	}
	rl.mu.Unlock()
}

// Stop stops the background cleanup.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCh)
	})
}

// RateLimit returns a middleware that rejects requests over the limit
// with 429.
func RateLimit(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := clientAddr(r)

			if !rl.Allow(clientIP) {
				getMiddlewareMetrics().rateLimitRejected.Inc()

				rl.logger.Warn("rate limit exceeded",
					observability.String("client_ip", clientIP),
					observability.String("path", r.URL.Path),
				)

				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = io.WriteString(w, `{"error":"too many requests"}`)
				return
			}

			getMiddlewareMetrics().rateLimitAllowed.Inc()
			next.ServeHTTP(w, r)
		})
	}
}

// clientAddr extracts the client address from RemoteAddr. Forwarding
// headers are not trusted.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
