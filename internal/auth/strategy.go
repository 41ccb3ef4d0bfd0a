package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/vyrodovalexey/metricsproxy/internal/config"
)

// TokenSource supplies a valid access token for outbound requests.
// Implemented by the OAuth2 client credentials client.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Strategy authenticates a single outbound request. Implementations
// must be safe for concurrent use; the proxy calls Authenticate from
// one goroutine per inbound request.
type Strategy interface {
	// Mode returns the authentication mode this strategy implements.
	Mode() config.AuthMode

	// Authenticate attaches credentials to the outbound request.
	// For header-based strategies this mutates the request headers;
	// connection-based strategies (TLS) are a per-request no-op
	// because the identity is fixed on the transport.
	Authenticate(ctx context.Context, req *http.Request) error
}

// noneStrategy forwards requests without credentials.
type noneStrategy struct{}

// NewNone returns the no-op strategy.
func NewNone() Strategy {
	return noneStrategy{}
}

func (noneStrategy) Mode() config.AuthMode {
	return config.AuthModeNone
}

func (noneStrategy) Authenticate(_ context.Context, _ *http.Request) error {
	return nil
}

// oauth2Strategy injects a bearer token into a configured header.
type oauth2Strategy struct {
	tokens       TokenSource
	headerName   string
	headerFormat string
}

// NewOAuth2 returns a strategy that injects tokens from the given
// source. The header value is headerFormat with "{}" replaced by the
// token; an existing header of the same name is replaced.
func NewOAuth2(tokens TokenSource, headerName, headerFormat string) Strategy {
	if headerName == "" {
		headerName = config.DefaultHeaderName
	}
	if headerFormat == "" {
		headerFormat = config.DefaultHeaderFormat
	}
	return &oauth2Strategy{
		tokens:       tokens,
		headerName:   headerName,
		headerFormat: headerFormat,
	}
}

func (s *oauth2Strategy) Mode() config.AuthMode {
	return config.AuthModeOAuth2
}

func (s *oauth2Strategy) Authenticate(ctx context.Context, req *http.Request) error {
	token, err := s.tokens.AccessToken(ctx)
	if err != nil {
		return NewAuthenticationError(s.Mode().String(),
			joinTokenError(err))
	}

	req.Header.Set(s.headerName, strings.Replace(s.headerFormat, "{}", token, 1))
	return nil
}

// joinTokenError pairs the sentinel with the refresh failure so both
// errors.Is(err, ErrTokenUnavailable) and the cause survive.
func joinTokenError(cause error) error {
	return &tokenUnavailableError{cause: cause}
}

type tokenUnavailableError struct {
	cause error
}

func (e *tokenUnavailableError) Error() string {
	return ErrTokenUnavailable.Error() + ": " + e.cause.Error()
}

func (e *tokenUnavailableError) Unwrap() []error {
	return []error{ErrTokenUnavailable, e.cause}
}

// tlsStrategy authenticates at the connection level; the client
// certificate lives on the outbound transport's TLS configuration.
type tlsStrategy struct{}

// NewTLS returns the TLS strategy. Certificate loading and validation
// happen at startup in the clientcert package; per-request there is
// nothing to attach.
func NewTLS() Strategy {
	return tlsStrategy{}
}

func (tlsStrategy) Mode() config.AuthMode {
	return config.AuthModeTLS
}

func (tlsStrategy) Authenticate(_ context.Context, _ *http.Request) error {
	return nil
}
