package httpclient

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized marks a 401. The client never retries it; the
	// caller owns any logout/redirect escalation.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRateLimited marks a 429 whose single deferred retry also
	// failed.
	ErrRateLimited = errors.New("rate limited")
)

// AuthError is returned for a 401 response.
type AuthError struct {
	Path string
}

func (e *AuthError) Error() string {
	if e.Path == "" {
		return "unauthorized"
	}
	return fmt.Sprintf("unauthorized: %s", e.Path)
}

func (e *AuthError) Is(target error) bool {
	return target == ErrUnauthorized
}

// RateLimitError is returned when the one extra retry after a 429 still
// fails. RetryStatus is the status of that extra attempt.
type RateLimitError struct {
	Path        string
	RetryStatus int
	Body        string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %s (retry status=%d message=%s)", e.Path, e.RetryStatus, e.Body)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// HTTPError is any other non-2xx response. These are surfaced
// immediately, without generic retries.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}
