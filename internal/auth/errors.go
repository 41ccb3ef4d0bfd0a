package auth

import (
	"errors"
	"fmt"
)

// Sentinel errors for authentication operations.
var (
	// ErrTokenUnavailable indicates the token cache could not supply a
	// usable token after one refresh attempt.
	ErrTokenUnavailable = errors.New("token unavailable")

	// ErrUnsupportedMode indicates an unknown authentication mode.
	ErrUnsupportedMode = errors.New("unsupported authentication mode")
)

// AuthenticationError is a per-request authentication failure. It is
// surfaced to the caller as an upstream auth failure; the request is
// never downgraded to unauthenticated.
type AuthenticationError struct {
	Mode  string
	Cause error
}

// Error implements the error interface.
func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication error [%s]: %v", e.Mode, e.Cause)
}

// Unwrap returns the underlying error.
func (e *AuthenticationError) Unwrap() error {
	return e.Cause
}

// NewAuthenticationError creates a new AuthenticationError.
func NewAuthenticationError(mode string, cause error) *AuthenticationError {
	return &AuthenticationError{Mode: mode, Cause: cause}
}

// IsAuthenticationError checks if an error is an AuthenticationError.
func IsAuthenticationError(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}
