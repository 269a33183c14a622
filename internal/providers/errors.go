package providers

import (
	"errors"
	"fmt"
	"time"
)

// AuthenticationError means the backend rejected the configured credentials.
// Retrying cannot help; callers abort the whole run on it.
type AuthenticationError struct {
	Provider string
	Code     string
	Message  string
}

func (e *AuthenticationError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("[%s] authentication failed (%s): %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] authentication failed: %s", e.Provider, e.Message)
}

// RateLimitError is the backend's explicit throttle signal. It is retried
// with backoff; RetryAfter, when positive, overrides the computed delay.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("[%s] rate limit exceeded, retry after %s", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("[%s] rate limit exceeded", e.Provider)
}

// Error is a generic provider failure. Transient marks network errors,
// timeouts and server-side 5xx responses; structural failures (malformed
// request, 4xx other than rate limit) are not transient and never retried.
type Error struct {
	Provider  string
	Message   string
	Transient bool
	Cause     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Provider, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether err should be retried with backoff. Classification
// happens before the retry decision: rate-limit signals and transient provider
// errors retry, authentication and structural failures do not.
func Retryable(err error) bool {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return false
}

// RetryAfter extracts an explicit backend-requested delay, or zero.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}

// IsAuthentication reports whether err is fatal for the whole run.
func IsAuthentication(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}
