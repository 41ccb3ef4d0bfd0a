// Package proxy forwards scrape requests to the configured metrics
// endpoint, attaching upstream credentials on the way out.
package proxy

import (
	"errors"
	"fmt"
)

// Sentinel errors for forwarding operations.
var (
	// ErrInvalidEndpoint indicates that the configured endpoint URL is invalid.
	ErrInvalidEndpoint = errors.New("invalid endpoint URL")

	// ErrUpstreamTimeout indicates that the upstream request timed out.
	ErrUpstreamTimeout = errors.New("upstream request timed out")

	// ErrUpstreamUnavailable indicates that the upstream could not be reached.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// ForwardError represents a forwarding failure with details.
type ForwardError struct {
	Op      string // Operation that failed
	Target  string // Target URL if applicable
	Message string // Human-readable message
	Cause   error  // Underlying error
}

// Error implements the error interface.
func (e *ForwardError) Error() string {
	if e.Target != "" {
		if e.Cause != nil {
			return fmt.Sprintf("forward error [%s] target=%s: %s: %v",
				e.Op, e.Target, e.Message, e.Cause)
		}
		return fmt.Sprintf("forward error [%s] target=%s: %s", e.Op, e.Target, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("forward error [%s]: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("forward error [%s]: %s", e.Op, e.Message)
}

// Unwrap returns the underlying error.
func (e *ForwardError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ForwardError) Is(target error) bool {
	_, ok := target.(*ForwardError)
	return ok || errors.Is(e.Cause, target)
}

// NewForwardError creates a new ForwardError.
func NewForwardError(op, target, message string, cause error) *ForwardError {
	return &ForwardError{
		Op:      op,
		Target:  target,
		Message: message,
		Cause:   cause,
	}
}

// IsForwardError checks if an error is a ForwardError.
func IsForwardError(err error) bool {
	var forwardErr *ForwardError
	return errors.As(err, &forwardErr)
}
