package remote

import (
	"errors"
	"fmt"
	"time"
)

// Errors returned by the remote client and its backends.
//
// Check them with errors.Is():
//
//	if errors.Is(err, remote.ErrVersionConflict) {
//	    // Re-fetch, re-merge and retry the write.
//	}
var (
	// ErrNotFound is returned by backends when the resource does not exist.
	// The client turns it into an absent fetch result; it is the first sync,
	// not a failure.
	ErrNotFound = errors.New("remote resource not found")

	// ErrVersionConflict is returned when a conditional write carried a stale
	// version token.
	ErrVersionConflict = errors.New("remote version conflict")

	// ErrRateLimited is returned when the remote store throttles requests.
	// It is the only error class the client retries.
	ErrRateLimited = errors.New("remote rate limit exceeded")

	// ErrAuthFailure is returned on authentication or authorization errors.
	ErrAuthFailure = errors.New("remote authentication failed")

	// ErrMalformedRemoteData is returned when remote content could not be
	// parsed even after the repair pass.
	ErrMalformedRemoteData = errors.New("malformed remote data")

	// ErrUnreachable is returned when the remote store could not be reached.
	// Sync is deferred until connectivity returns.
	ErrUnreachable = errors.New("remote unreachable")

	// ErrBadRequest is returned when the remote store rejected the request
	// itself (invalid path, payload too large).
	ErrBadRequest = errors.New("remote rejected request")
)

// RateLimitError carries the server's retry hint, if any.
type RateLimitError struct {
	// RetryAfter is how long the server asked us to wait. Zero if no hint
	// was provided.
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%v (retry after %s)", ErrRateLimited, e.RetryAfter)
	}
	return ErrRateLimited.Error()
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// HTTPError is an HTTP response the backend could not classify.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("remote returned HTTP %d: %s", e.StatusCode, e.Body)
}

// RetryAfter extracts the server retry hint from err. It returns zero when
// err carries no hint.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}

// IsRetryable returns true if the client should back off and try again.
// Only rate limiting qualifies; everything else propagates immediately.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrRateLimited)
}

// IsFatal returns true if the error cannot be resolved without user action
// (fixing credentials, configuration or the remote document).
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrAuthFailure) {
		return true
	}

	if errors.Is(err, ErrBadRequest) {
		return true
	}

	if errors.Is(err, ErrMalformedRemoteData) {
		return true
	}

	return false
}

// IsOffline returns true if the error means the remote could not be reached.
func IsOffline(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrUnreachable)
}
