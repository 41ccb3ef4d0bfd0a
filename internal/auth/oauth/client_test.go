package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestToken_IsExpired(t *testing.T) {
	tests := []struct {
		name      string
		expiresAt time.Time
		expected  bool
	}{
		{
			name:      "expired token",
			expiresAt: time.Now().Add(-1 * time.Hour),
			expected:  true,
		},
		{
			name:      "valid token",
			expiresAt: time.Now().Add(1 * time.Hour),
			expected:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := &Token{AccessToken: "test-token", ExpiresAt: tt.expiresAt}
			assert.Equal(t, tt.expected, token.IsExpired())
		})
	}
}

func TestToken_IsExpiredWithMargin(t *testing.T) {
	tests := []struct {
		name      string
		expiresAt time.Time
		margin    time.Duration
		expected  bool
	}{
		{
			name:      "within margin",
			expiresAt: time.Now().Add(30 * time.Second),
			margin:    1 * time.Minute,
			expected:  true,
		},
		{
			name:      "outside margin",
			expiresAt: time.Now().Add(2 * time.Minute),
			margin:    1 * time.Minute,
			expected:  false,
		},
		{
			name:      "zero margin valid",
			expiresAt: time.Now().Add(1 * time.Minute),
			margin:    0,
			expected:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := &Token{AccessToken: "test-token", ExpiresAt: tt.expiresAt}
			assert.Equal(t, tt.expected, token.IsExpiredWithMargin(tt.margin))
		})
	}
}

func TestNewClient_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr error
	}{
		{
			name:    "nil config",
			config:  nil,
			wantErr: nil, // generic error, checked separately
		},
		{
			name:    "missing token endpoint",
			config:  &Config{ClientID: "id", ClientSecret: "secret"},
			wantErr: ErrMissingTokenEndpoint,
		},
		{
			name:    "missing client ID",
			config:  &Config{TokenURL: "https://idp/token", ClientSecret: "secret"},
			wantErr: ErrMissingClientID,
		},
		{
			name:    "missing client secret",
			config:  &Config{TokenURL: "https://idp/token", ClientID: "id"},
			wantErr: ErrMissingClientSecret,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.config)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestNewClient_Defaults(t *testing.T) {
	client, err := NewClient(&Config{
		TokenURL:     "https://idp.example.com/token",
		ClientID:     "id",
		ClientSecret: "secret",
	})
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, client.timeout)
	assert.Equal(t, 60*time.Second, client.refreshMargin)
	assert.NotNil(t, client.httpClient)
}

// newTokenServer returns a test token endpoint that counts requests.
func newTokenServer(t *testing.T, expiresIn int64, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		assert.Equal(t, "my-client", r.Form.Get("client_id"))
		assert.Equal(t, "my-secret", r.Form.Get("client_secret"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "abc",
			"token_type":   "Bearer",
			"expires_in":   expiresIn,
		})
	}))
}

func newTestClient(t *testing.T, tokenURL string) *Client {
	t.Helper()
	client, err := NewClient(&Config{
		TokenURL:     tokenURL,
		ClientID:     "my-client",
		ClientSecret: "my-secret",
		Logger:       zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return client
}

func TestClient_Token_FastPath(t *testing.T) {
	var calls atomic.Int64
	srv := newTokenServer(t, 3600, &calls)
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	ctx := context.Background()

	token, err := client.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", token.AccessToken)
	assert.Equal(t, int64(1), calls.Load())

	// Cached token is reused without a network call.
	token2, err := client.Token(ctx)
	require.NoError(t, err)
	assert.Same(t, token, token2)
	assert.Equal(t, int64(1), calls.Load())
}

func TestClient_Token_RefreshesExpired(t *testing.T) {
	var calls atomic.Int64
	srv := newTokenServer(t, 3600, &calls)
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	// Seed an expired token.
	client.cacheToken(&Token{
		AccessToken: "stale",
		ExpiresAt:   time.Now().Add(-1 * time.Minute),
	})

	token, err := client.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", token.AccessToken)
	assert.Equal(t, int64(1), calls.Load())
}

func TestClient_Token_RefreshesWithinMargin(t *testing.T) {
	var calls atomic.Int64
	srv := newTokenServer(t, 3600, &calls)
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	// Token expires in 30s, margin is 60s: treated as expired.
	client.cacheToken(&Token{
		AccessToken: "nearly-expired",
		ExpiresAt:   time.Now().Add(30 * time.Second),
	})

	token, err := client.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", token.AccessToken)
	assert.Equal(t, int64(1), calls.Load())
}

func TestClient_Token_SingleFlight(t *testing.T) {
	var calls atomic.Int64
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-block
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "shared",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	const n = 16
	var wg sync.WaitGroup
	tokens := make([]string, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := client.Token(context.Background())
			if err != nil {
				errs[i] = err
				return
			}
			tokens[i] = token.AccessToken
		}(i)
	}

	// Give the goroutines time to pile up behind the in-flight
	// refresh, then release it.
	time.Sleep(100 * time.Millisecond)
	close(block)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", tokens[i])
	}
	assert.Equal(t, int64(1), calls.Load(), "expected exactly one refresh for concurrent callers")
}

func TestClient_Token_RefreshSurvivesCallerCancel(t *testing.T) {
	var calls atomic.Int64
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "survivor",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	tokenCh := make(chan *Token, 1)
	errCh := make(chan error, 1)
	go func() {
		token, err := client.Token(ctx)
		if err != nil {
			errCh <- err
			return
		}
		tokenCh <- token
	}()

	// Cancel the initiating caller while its fetch is in flight, then
	// let the token endpoint respond. The fetch is detached from the
	// caller's context, so the result still lands.
	time.Sleep(50 * time.Millisecond)
	cancel()
	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case token := <-tokenCh:
		assert.Equal(t, "survivor", token.AccessToken)
	case err := <-errCh:
		t.Fatalf("refresh failed after caller cancellation: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("refresh did not complete")
	}
	assert.Equal(t, int64(1), calls.Load())
}

func TestClient_Token_AudienceForwarded(t *testing.T) {
	var gotAudience string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotAudience = r.Form.Get("audience")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "abc",
			"expires_in":   60,
		})
	}))
	defer srv.Close()

	client, err := NewClient(&Config{
		TokenURL:     srv.URL,
		ClientID:     "my-client",
		ClientSecret: "my-secret",
		Audience:     "https://metrics.internal",
	})
	require.NoError(t, err)

	_, err = client.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://metrics.internal", gotAudience)
}

func TestClient_Token_MalformedResponseKeepsPrevious(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token_type":"Bearer","expires_in":60}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	previous := &Token{
		AccessToken: "previous",
		ExpiresAt:   time.Now().Add(-1 * time.Minute),
	}
	client.cacheToken(previous)

	_, err := client.Token(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidResponse)

	// The stale token stays cached for the next attempt.
	client.mu.RLock()
	cached := client.token
	client.mu.RUnlock()
	assert.Same(t, previous, cached)
}

func TestClient_Token_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	_, err := client.Token(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTokenRequestFailed)
}

func TestClient_Token_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // closed before use

	client := newTestClient(t, srv.URL)

	_, err := client.Token(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTokenRequestFailed)
}

func TestClient_Token_DefaultExpiry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"abc"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	token, err := client.Token(context.Background())
	require.NoError(t, err)

	// No expires_in: defaults to one hour from now.
	assert.WithinDuration(t, time.Now().Add(time.Hour), token.ExpiresAt, time.Minute)
}

func TestClient_Invalidate(t *testing.T) {
	var calls atomic.Int64
	srv := newTokenServer(t, 3600, &calls)
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	ctx := context.Background()

	_, err := client.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())

	client.Invalidate()

	_, err = client.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestClient_Authorize(t *testing.T) {
	var calls atomic.Int64
	srv := newTokenServer(t, 3600, &calls)
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	req := httptest.NewRequest(http.MethodGet, "https://metrics.internal/metrics", nil)
	req.Header.Set("X-Auth", "placeholder")

	err := client.Authorize(context.Background(), req, "X-Auth", "Token {}")
	require.NoError(t, err)
	assert.Equal(t, "Token abc", req.Header.Get("X-Auth"))
}

func TestClient_RoundTripper(t *testing.T) {
	var calls atomic.Int64
	tokenSrv := newTokenServer(t, 3600, &calls)
	defer tokenSrv.Close()

	var gotAuth string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	client := newTestClient(t, tokenSrv.URL)

	httpClient := &http.Client{Transport: client.RoundTripper(nil)}
	resp, err := httpClient.Get(backend.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "Bearer abc", gotAuth)
}
