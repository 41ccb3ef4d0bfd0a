package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vyrodovalexey/metricsproxy/internal/auth"
	"github.com/vyrodovalexey/metricsproxy/internal/observability"
)

// MountPath is the inbound path prefix the forwarder serves. Requests
// to MountPath hit the configured endpoint directly; extra path
// segments below it are appended to the endpoint path.
const MountPath = "/metrics"

// copyBufferSize is the chunk size used when streaming response bodies.
const copyBufferSize = 32 * 1024

// hopHeaders are headers that should not be forwarded in either
// direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Forwarder relays scrape requests to the metrics endpoint. It copies
// the inbound request apart from hop-by-hop headers, lets the
// authentication strategy attach credentials, and streams the upstream
// response back without buffering.
type Forwarder struct {
	endpoint    *url.URL
	strategy    auth.Strategy
	client      *http.Client
	logger      observability.Logger
	timeout     time.Duration
	stripHeader string
}

// ForwarderOption is a functional option for configuring the forwarder.
type ForwarderOption func(*Forwarder)

// WithForwarderLogger sets the logger for the forwarder.
func WithForwarderLogger(logger observability.Logger) ForwarderOption {
	return func(f *Forwarder) {
		f.logger = logger
	}
}

// WithTransport sets the transport used for upstream requests. The
// TLS client identity, when configured, lives on this transport.
func WithTransport(transport http.RoundTripper) ForwarderOption {
	return func(f *Forwarder) {
		f.client.Transport = transport
	}
}

// WithUpstreamTimeout bounds each upstream request. Zero means no
// per-request deadline beyond the inbound request context.
func WithUpstreamTimeout(timeout time.Duration) ForwarderOption {
	return func(f *Forwarder) {
		f.timeout = timeout
	}
}

// WithStripHeader names an inbound header the forwarder removes before
// authentication runs. The credential-injecting strategy owns that
// header; a client-supplied value must never leak upstream.
func WithStripHeader(name string) ForwarderOption {
	return func(f *Forwarder) {
		f.stripHeader = name
	}
}

// NewForwarder creates a forwarder for the given endpoint URL.
func NewForwarder(endpoint string, strategy auth.Strategy, opts ...ForwarderOption) (*Forwarder, error) {
	target, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEndpoint, err)
	}
	if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEndpoint, endpoint)
	}

	f := &Forwarder{
		endpoint: target,
		strategy: strategy,
		logger:   observability.NopLogger(),
		client: &http.Client{
			// Redirects from the endpoint are relayed to the scraper,
			// not followed on its behalf.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}

	for _, opt := range opts {
		opt(f)
	}

	return f, nil
}

// Endpoint returns the configured endpoint URL.
func (f *Forwarder) Endpoint() *url.URL {
	return f.endpoint
}

// ServeHTTP implements http.Handler.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target, ok := f.targetURL(r.URL)
	if !ok {
		f.handlePathNotFound(w, r)
		return
	}

	ctx := r.Context()
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), r.Body)
	if err != nil {
		f.handleUpstreamError(w, r, target, NewForwardError("build_request", target.String(), "failed to build upstream request", err))
		return
	}
	out.ContentLength = r.ContentLength
	f.copyRequestHeaders(out.Header, r.Header)
	observability.InjectTraceContext(ctx, out)

	if err := f.strategy.Authenticate(ctx, out); err != nil {
		f.handleAuthError(w, r, err)
		return
	}

	start := time.Now()
	resp, err := f.client.Do(out)
	if err != nil {
		f.handleUpstreamError(w, r, target, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	getForwarderMetrics().recordUpstream(resp.StatusCode, time.Since(start))

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if err := f.streamBody(w, resp.Body); err != nil {
		// The status line is already on the wire; all that is left
		// is to note the truncation.
		f.logger.Warn("upstream response stream interrupted",
			observability.String("target", target.String()),
			observability.Error(err),
		)
	}
}

// targetURL maps the inbound URL onto the endpoint. Requests outside
// the mount path are rejected.
func (f *Forwarder) targetURL(in *url.URL) (*url.URL, bool) {
	var extra string
	switch {
	case in.Path == MountPath:
		extra = ""
	case strings.HasPrefix(in.Path, MountPath+"/"):
		extra = strings.TrimPrefix(in.Path, MountPath+"/")
	default:
		return nil, false
	}

	target := *f.endpoint
	if extra != "" {
		target.Path = strings.TrimRight(target.Path, "/") + "/" + extra
	}
	target.RawQuery = in.RawQuery

	return &target, true
}

// copyRequestHeaders copies inbound headers onto the outbound request,
// dropping hop-by-hop headers and the credential header the strategy
// owns.
func (f *Forwarder) copyRequestHeaders(dst, src http.Header) {
	copyHeaders(dst, src)
	if f.stripHeader != "" {
		dst.Del(f.stripHeader)
	}
}

// copyHeaders copies all headers except hop-by-hop ones.
func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}

// streamBody relays the upstream body chunk by chunk, flushing after
// every write so long-lived scrapes see data as it arrives.
func (f *Forwarder) streamBody(w http.ResponseWriter, body io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, copyBufferSize)

	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// handlePathNotFound rejects requests outside the mount path.
func (f *Forwarder) handlePathNotFound(w http.ResponseWriter, r *http.Request) {
	f.logger.Debug("request outside mount path",
		observability.String("path", r.URL.Path),
		observability.String("method", r.Method),
	)

	writeJSONError(w, http.StatusNotFound, "not found", "no handler for path")
}

// handleAuthError reports a credential failure. The request is never
// sent upstream without credentials.
func (f *Forwarder) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	getForwarderMetrics().errorsTotal.WithLabelValues(reasonAuth).Inc()

	f.logger.Error("upstream authentication failed",
		observability.String("path", r.URL.Path),
		observability.String("method", r.Method),
		observability.Error(err),
	)

	writeJSONError(w, http.StatusBadGateway, "bad gateway", "upstream authentication failed")
}

// handleUpstreamError maps a transport failure onto a response status.
func (f *Forwarder) handleUpstreamError(w http.ResponseWriter, r *http.Request, target *url.URL, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		// The scraper went away; there is nobody left to answer.
		getForwarderMetrics().errorsTotal.WithLabelValues(reasonCanceled).Inc()
		f.logger.Debug("request canceled by client",
			observability.String("target", target.String()),
		)
	case errors.Is(err, context.DeadlineExceeded) || isTimeout(err):
		getForwarderMetrics().errorsTotal.WithLabelValues(reasonTimeout).Inc()
		f.logger.Error("upstream request timed out",
			observability.String("target", target.String()),
			observability.Error(err),
		)
		writeJSONError(w, http.StatusGatewayTimeout, "gateway timeout", ErrUpstreamTimeout.Error())
	default:
		getForwarderMetrics().errorsTotal.WithLabelValues(reasonUnavailable).Inc()
		f.logger.Error("upstream request failed",
			observability.String("target", target.String()),
			observability.Error(err),
		)
		writeJSONError(w, http.StatusBadGateway, "bad gateway", ErrUpstreamUnavailable.Error())
	}
}

// isTimeout reports whether err is a network-level timeout.
func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

// writeJSONError writes a small JSON error body.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, fmt.Sprintf(`{"error":%q,"message":%q}`, code, message))
}
