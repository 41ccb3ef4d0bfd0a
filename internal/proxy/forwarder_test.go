package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/metricsproxy/internal/auth"
	"github.com/vyrodovalexey/metricsproxy/internal/auth/oauth"
)

// staticTokenSource returns a fixed token or error.
type staticTokenSource struct {
	token string
	err   error
}

func (s *staticTokenSource) AccessToken(_ context.Context) (string, error) {
	return s.token, s.err
}

// capturingHandler records the last request seen by the upstream.
type capturingHandler struct {
	method string
	path   string
	query  string
	header http.Header
	body   []byte

	status   int
	respBody string
}

func (h *capturingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.method = r.Method
	h.path = r.URL.Path
	h.query = r.URL.RawQuery
	h.header = r.Header.Clone()
	h.body, _ = io.ReadAll(r.Body)

	status := h.status
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, h.respBody)
}

func TestNewForwarder(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		wantErr  bool
	}{
		{name: "valid http", endpoint: "http://metrics.internal:9100/metrics"},
		{name: "valid https", endpoint: "https://metrics.internal/metrics"},
		{name: "missing scheme", endpoint: "metrics.internal/metrics", wantErr: true},
		{name: "unsupported scheme", endpoint: "ftp://metrics.internal", wantErr: true},
		{name: "garbage", endpoint: "://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewForwarder(tt.endpoint, auth.NewNone())
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidEndpoint)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestForwarder_RoundTrip(t *testing.T) {
	upstream := &capturingHandler{respBody: "metric_a 1\nmetric_b 2\n"}
	server := httptest.NewServer(upstream)
	defer server.Close()

	f, err := NewForwarder(server.URL+"/metrics", auth.NewNone())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://proxy.local/metrics", nil)
	req.Header.Set("Accept", "text/plain")
	rec := httptest.NewRecorder()

	f.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "metric_a 1\nmetric_b 2\n", rec.Body.String())
	assert.Equal(t, "text/plain; version=0.0.4", rec.Header().Get("Content-Type"))
	assert.Equal(t, http.MethodGet, upstream.method)
	assert.Equal(t, "/metrics", upstream.path)
}

func TestForwarder_HeaderTransparency(t *testing.T) {
	upstream := &capturingHandler{respBody: "ok"}
	server := httptest.NewServer(upstream)
	defer server.Close()

	f, err := NewForwarder(server.URL+"/metrics", auth.NewNone())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://proxy.local/metrics", nil)
	req.Header.Set("Accept", "text/plain")
	req.Header.Set("X-Scrape-Job", "node")
	req.Header.Add("X-Multi", "one")
	req.Header.Add("X-Multi", "two")
	// Credentials supplied by the scraper pass through untouched in
	// none mode.
	req.Header.Set("Authorization", "Bearer client-supplied")
	// Hop-by-hop headers must not cross the proxy.
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Proxy-Authorization", "Basic abc")
	rec := httptest.NewRecorder()

	f.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "text/plain", upstream.header.Get("Accept"))
	assert.Equal(t, "node", upstream.header.Get("X-Scrape-Job"))
	assert.Equal(t, []string{"one", "two"}, upstream.header.Values("X-Multi"))
	assert.Equal(t, "Bearer client-supplied", upstream.header.Get("Authorization"))
	assert.Empty(t, upstream.header.Get("Proxy-Authorization"))
	assert.NotEqual(t, "keep-alive", upstream.header.Get("Connection"))
}

func TestForwarder_PathMapping(t *testing.T) {
	tests := []struct {
		name         string
		endpointPath string
		inbound      string
		wantPath     string
		wantQuery    string
		wantStatus   int
	}{
		{
			name:         "mount root maps to endpoint path",
			endpointPath: "/actuator/prometheus",
			inbound:      "/metrics",
			wantPath:     "/actuator/prometheus",
			wantStatus:   http.StatusOK,
		},
		{
			name:         "extra segments appended",
			endpointPath: "/metrics",
			inbound:      "/metrics/federate/subset",
			wantPath:     "/metrics/federate/subset",
			wantStatus:   http.StatusOK,
		},
		{
			name:         "query forwarded verbatim",
			endpointPath: "/metrics",
			inbound:      "/metrics?match[]=up&format=text",
			wantPath:     "/metrics",
			wantQuery:    "match[]=up&format=text",
			wantStatus:   http.StatusOK,
		},
		{
			name:         "empty endpoint path",
			endpointPath: "",
			inbound:      "/metrics/sub",
			wantPath:     "/sub",
			wantStatus:   http.StatusOK,
		},
		{
			name:         "outside mount path",
			endpointPath: "/metrics",
			inbound:      "/other",
			wantStatus:   http.StatusNotFound,
		},
		{
			name:         "prefix without separator",
			endpointPath: "/metrics",
			inbound:      "/metricsfoo",
			wantStatus:   http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := &capturingHandler{respBody: "ok"}
			server := httptest.NewServer(upstream)
			defer server.Close()

			f, err := NewForwarder(server.URL+tt.endpointPath, auth.NewNone())
			require.NoError(t, err)

			req := httptest.NewRequest(http.MethodGet, "http://proxy.local"+tt.inbound, nil)
			rec := httptest.NewRecorder()
			f.ServeHTTP(rec, req)

			require.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, tt.wantPath, upstream.path)
				assert.Equal(t, tt.wantQuery, upstream.query)
			} else {
				assert.Empty(t, upstream.path, "upstream must not be called")
				assert.Contains(t, rec.Body.String(), "not found")
			}
		})
	}
}

func TestForwarder_OAuth2Injection(t *testing.T) {
	upstream := &capturingHandler{respBody: "ok"}
	server := httptest.NewServer(upstream)
	defer server.Close()

	strategy := auth.NewOAuth2(&staticTokenSource{token: "abc"}, "", "")
	f, err := NewForwarder(server.URL+"/metrics", strategy,
		WithStripHeader("Authorization"),
	)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://proxy.local/metrics", nil)
	// A stale credential from the scraper is replaced, never stacked.
	req.Header.Set("Authorization", "Bearer stale")
	rec := httptest.NewRecorder()

	f.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"Bearer abc"}, upstream.header.Values("Authorization"))
}

func TestForwarder_AuthFailure(t *testing.T) {
	var upstreamCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		upstreamCalls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	strategy := auth.NewOAuth2(&staticTokenSource{err: errors.New("token endpoint returned 500")}, "", "")
	f, err := NewForwarder(server.URL+"/metrics", strategy)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://proxy.local/metrics", nil)
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "upstream authentication failed")
	assert.Equal(t, int32(0), upstreamCalls.Load(), "request must not reach upstream without credentials")
}

func TestForwarder_UpstreamUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	endpoint := server.URL + "/metrics"
	server.Close()

	f, err := NewForwarder(endpoint, auth.NewNone())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://proxy.local/metrics", nil)
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "upstream unavailable")
}

func TestForwarder_UpstreamTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	f, err := NewForwarder(server.URL+"/metrics", auth.NewNone(),
		WithUpstreamTimeout(50*time.Millisecond),
	)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://proxy.local/metrics", nil)
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Contains(t, rec.Body.String(), "timed out")
}

func TestForwarder_UpstreamErrorStatusRelayed(t *testing.T) {
	upstream := &capturingHandler{status: http.StatusInternalServerError, respBody: "scrape backend down"}
	server := httptest.NewServer(upstream)
	defer server.Close()

	f, err := NewForwarder(server.URL+"/metrics", auth.NewNone())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://proxy.local/metrics", nil)
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)

	// Upstream error statuses pass through verbatim, they are not
	// rewritten into proxy errors.
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "scrape backend down", rec.Body.String())
}

func TestForwarder_StreamsLargeBody(t *testing.T) {
	chunk := strings.Repeat("metric_large 1\n", 4096)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < 8; i++ {
			_, _ = io.WriteString(w, chunk)
			flusher.Flush()
		}
	}))
	defer server.Close()

	f, err := NewForwarder(server.URL+"/metrics", auth.NewNone())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://proxy.local/metrics", nil)
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 8*len(chunk), rec.Body.Len())
}

func TestForwarder_MethodAndBodyForwarded(t *testing.T) {
	upstream := &capturingHandler{respBody: "ok"}
	server := httptest.NewServer(upstream)
	defer server.Close()

	f, err := NewForwarder(server.URL+"/metrics", auth.NewNone())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "http://proxy.local/metrics", strings.NewReader("match[]=up"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.MethodPost, upstream.method)
	assert.Equal(t, "match[]=up", string(upstream.body))
}

// TestForwarder_OAuth2Scenario wires the real token client through the
// forwarder: the first scrape fetches a token, the second reuses the
// cached one.
func TestForwarder_OAuth2Scenario(t *testing.T) {
	var tokenCalls atomic.Int32
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"abc","expires_in":60}`)
	}))
	defer tokenServer.Close()

	upstream := &capturingHandler{respBody: "up 1\n"}
	server := httptest.NewServer(upstream)
	defer server.Close()

	client, err := oauth.NewClient(&oauth.Config{
		TokenURL:     tokenServer.URL,
		ClientID:     "scraper",
		ClientSecret: "secret",
	})
	require.NoError(t, err)

	f, err := NewForwarder(server.URL+"/metrics", auth.NewOAuth2(client, "", ""),
		WithStripHeader("Authorization"),
	)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "http://proxy.local/metrics", nil)
		rec := httptest.NewRecorder()
		f.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "up 1\n", rec.Body.String())
		assert.Equal(t, "Bearer abc", upstream.header.Get("Authorization"))
	}

	assert.Equal(t, int32(1), tokenCalls.Load(), "second scrape must reuse the cached token")
}

func TestForwardError(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewForwardError("do_request", "http://metrics.internal/metrics", "request failed", cause)

	assert.Contains(t, err.Error(), "do_request")
	assert.Contains(t, err.Error(), "http://metrics.internal/metrics")
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsForwardError(err))
	assert.False(t, IsForwardError(cause))
}
