// Package trainerr classifies failures of merge train operations into
// temporary ones, that are worth retrying, and permanent ones.
package trainerr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// RetryableError wraps an error of an operation that failed temporarily and
// can be run again.
type RetryableError struct {
	// Err is the wrapped original error
	Err error
	// Cause is a short description of the temporary condition, e.g.
	// "rate limited".
	Cause string
	// After is the earliest point in time when the operation can be
	// retried. It is the zero time if it can be retried anytime.
	After time.Time
}

// RateLimited returns a RetryableError for an operation that was rejected
// because a request quota was exhausted. reset is the time when the quota is
// replenished, it can be the zero time when it is unknown.
func RateLimited(err error, reset time.Time) *RetryableError {
	return &RetryableError{
		Err:   err,
		Cause: "rate limited",
		After: reset,
	}
}

// Unavailable returns a RetryableError for an operation that failed because
// the remote service had an internal error or was not reachable.
func Unavailable(err error) *RetryableError {
	return &RetryableError{
		Err:   err,
		Cause: "service unavailable",
	}
}

// FromHTTPStatus returns an Unavailable error if statusCode is a 5xx server
// error. For all other status codes err is returned unchanged.
func FromHTTPStatus(err error, statusCode int) error {
	if statusCode >= http.StatusInternalServerError && statusCode < 600 {
		return &RetryableError{
			Err:   err,
			Cause: fmt.Sprintf("server error %d", statusCode),
		}
	}

	return err
}

// AsRetryable returns the first RetryableError in the chain of err.
func AsRetryable(err error) (*RetryableError, bool) {
	var retryErr *RetryableError
	if errors.As(err, &retryErr) {
		return retryErr, true
	}

	return nil, false
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func (e *RetryableError) Error() string {
	if e.After.IsZero() {
		return fmt.Sprintf("%s, retryable: %s", e.Cause, e.Err)
	}

	return fmt.Sprintf("%s, retryable after %s: %s", e.Cause, e.After.Format(time.RFC3339), e.Err)
}
