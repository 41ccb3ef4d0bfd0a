// Package oauth provides the OAuth2 client credentials flow for the
// metrics proxy.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Common errors for the OAuth2 client.
var (
	ErrTokenRequestFailed   = errors.New("token request failed")
	ErrInvalidResponse      = errors.New("invalid token response")
	ErrMissingClientID      = errors.New("missing client ID")
	ErrMissingClientSecret  = errors.New("missing client secret")
	ErrMissingTokenEndpoint = errors.New("missing token endpoint")
)

// maxResponseBody bounds the token endpoint response size.
const maxResponseBody = 1024 * 1024

// defaultExpiry is used when the token response carries no expires_in.
const defaultExpiry = time.Hour

// singleflightKey is the key under which concurrent refreshes are
// deduplicated. One cache holds exactly one token, so a single key
// suffices.
const singleflightKey = "token"

// Token represents an OAuth2 access token with its expiry.
type Token struct {
	// AccessToken is the access token.
	AccessToken string `json:"access_token"`

	// TokenType is the type of token (usually "Bearer").
	TokenType string `json:"token_type"`

	// ExpiresIn is the number of seconds until the token expires.
	ExpiresIn int64 `json:"expires_in"`

	// Scope is the scope of the token.
	Scope string `json:"scope,omitempty"`

	// ExpiresAt is the calculated expiration time.
	ExpiresAt time.Time `json:"-"`
}

// IsExpired checks if the token is expired.
func (t *Token) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// IsExpiredWithMargin checks if the token is expired, treating tokens
// within the safety margin of expiry as already expired.
func (t *Token) IsExpiredWithMargin(margin time.Duration) bool {
	return time.Now().Add(margin).After(t.ExpiresAt)
}

// Config holds configuration for the OAuth2 client.
type Config struct {
	// TokenURL is the OAuth2 token endpoint URL.
	TokenURL string

	// ClientID is the OAuth2 client ID.
	ClientID string

	// ClientSecret is the OAuth2 client secret.
	ClientSecret string

	// Audience is an optional audience parameter for the token request.
	Audience string

	// Timeout is the timeout for token requests.
	Timeout time.Duration

	// RefreshMargin is the safety margin before expiry at which the
	// token is refreshed.
	RefreshMargin time.Duration

	// HTTPClient is the HTTP client to use (optional).
	HTTPClient *http.Client

	// Logger is the logger to use (optional).
	Logger *zap.Logger
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Timeout:       30 * time.Second,
		RefreshMargin: 60 * time.Second,
	}
}

// Client is an OAuth2 client credentials flow client with a
// process-wide token cache.
//
// Concurrency: reads take the fast path under a read lock; refreshes
// are deduplicated through a singleflight group so that N concurrent
// callers hitting an expired token trigger exactly one request to the
// token endpoint and all share its result. No lock is held across the
// network call.
type Client struct {
	tokenURL      string
	clientID      string
	clientSecret  string
	audience      string
	timeout       time.Duration
	refreshMargin time.Duration
	httpClient    *http.Client
	logger        *zap.Logger

	mu    sync.RWMutex
	token *Token

	group singleflight.Group
}

// NewClient creates a new OAuth2 client.
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	if config.TokenURL == "" {
		return nil, ErrMissingTokenEndpoint
	}

	if config.ClientID == "" {
		return nil, ErrMissingClientID
	}

	if config.ClientSecret == "" {
		return nil, ErrMissingClientSecret
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	refreshMargin := config.RefreshMargin
	if refreshMargin <= 0 {
		refreshMargin = 60 * time.Second
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		tokenURL:      config.TokenURL,
		clientID:      config.ClientID,
		clientSecret:  config.ClientSecret,
		audience:      config.Audience,
		timeout:       timeout,
		refreshMargin: refreshMargin,
		httpClient:    httpClient,
		logger:        logger,
	}, nil
}

// Token returns a valid access token, refreshing it if the cached one
// is absent or within the refresh margin of expiry.
func (c *Client) Token(ctx context.Context) (*Token, error) {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()

	if token != nil && !token.IsExpiredWithMargin(c.refreshMargin) {
		getClientMetrics().cacheHits.Inc()
		return token, nil
	}

	getClientMetrics().cacheMisses.Inc()

	return c.refresh(ctx)
}

// AccessToken returns just the access token string.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

// refresh fetches a new token through the singleflight group.
// Concurrent callers wait for the in-flight fetch and share its
// result; the cache is only replaced on success, so a failed refresh
// leaves any previous token in place for the next attempt.
func (c *Client) refresh(ctx context.Context) (*Token, error) {
	v, err, shared := c.group.Do(singleflightKey, func() (interface{}, error) {
		// A waiter may have queued behind a refresh that already
		// completed; re-check before hitting the network.
		c.mu.RLock()
		token := c.token
		c.mu.RUnlock()
		if token != nil && !token.IsExpiredWithMargin(c.refreshMargin) {
			return token, nil
		}

		// The fetch serves every queued waiter, not just the caller
		// that started it, so it runs detached from that caller's
		// cancellation. The client timeout still bounds it.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		return c.fetchToken(fetchCtx)
	})
	if err != nil {
		return nil, err
	}

	if shared {
		getClientMetrics().refreshShared.Inc()
	}

	return v.(*Token), nil
}

// fetchToken performs one client credentials grant against the token
// endpoint and caches the result on success.
func (c *Client) fetchToken(ctx context.Context) (*Token, error) {
	start := time.Now()
	result := metricResultSuccess

	defer func() {
		m := getClientMetrics()
		m.requestsTotal.WithLabelValues(result).Inc()
		m.requestDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	}()

	req, err := c.buildTokenRequest(ctx)
	if err != nil {
		result = metricResultRequestError
		return nil, err
	}

	body, reqResult, err := c.executeTokenRequest(req)
	if err != nil {
		result = reqResult
		return nil, err
	}

	token, err := parseTokenResponse(body)
	if err != nil {
		result = metricResultParseError
		return nil, err
	}

	c.cacheToken(token)
	return token, nil
}

// buildTokenRequest creates the HTTP request for the token fetch.
func (c *Client) buildTokenRequest(ctx context.Context) (*http.Request, error) {
	data := url.Values{}
	data.Set("grant_type", "client_credentials")
	data.Set("client_id", c.clientID)
	data.Set("client_secret", c.clientSecret)

	if c.audience != "" {
		data.Set("audience", c.audience)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL,
		strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	return req, nil
}

// executeTokenRequest sends the token request and reads the response
// body. The status and body are logged on failure, but never the
// request credentials.
func (c *Client) executeTokenRequest(req *http.Request) (body []byte, metricResult string, err error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, metricResultNetworkError,
			fmt.Errorf("%w: %w", ErrTokenRequestFailed, err)
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, metricResultReadError,
			fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("token request failed",
			zap.Int("status", resp.StatusCode),
		)
		return nil, metricResultTokenError,
			fmt.Errorf("%w: status %d", ErrTokenRequestFailed, resp.StatusCode)
	}

	return body, metricResultSuccess, nil
}

// parseTokenResponse parses the token response body and sets expiry.
func parseTokenResponse(body []byte) (*Token, error) {
	var token Token
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}

	if token.AccessToken == "" {
		return nil, fmt.Errorf("%w: missing access_token", ErrInvalidResponse)
	}

	if token.ExpiresIn > 0 {
		token.ExpiresAt = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	} else {
		token.ExpiresAt = time.Now().Add(defaultExpiry)
	}

	return &token, nil
}

// cacheToken atomically replaces the cached token.
func (c *Client) cacheToken(token *Token) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()

	c.logger.Debug("fetched new OAuth2 token",
		zap.String("tokenType", token.TokenType),
		zap.Time("expiresAt", token.ExpiresAt),
	)
}

// Invalidate drops the cached token, forcing a refresh on next use.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
}

// Authorize sets the configured header on the request using the given
// header name and format, fetching a token if needed.
func (c *Client) Authorize(ctx context.Context, req *http.Request, headerName, headerFormat string) error {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set(headerName, strings.Replace(headerFormat, "{}", token, 1))
	return nil
}

// RoundTripper returns an http.RoundTripper that injects the token as
// a standard Authorization bearer header.
func (c *Client) RoundTripper(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &roundTripper{client: c, base: base}
}

// roundTripper injects OAuth2 tokens into requests.
type roundTripper struct {
	client *Client
	base   http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := rt.client.AccessToken(req.Context())
	if err != nil {
		return nil, fmt.Errorf("failed to get OAuth2 token: %w", err)
	}

	// Clone the request to avoid modifying the original.
	req2 := req.Clone(req.Context())
	req2.Header.Set("Authorization", "Bearer "+token)

	return rt.base.RoundTrip(req2)
}
