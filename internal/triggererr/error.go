package triggererr

import (
	"fmt"
	"time"
)

// RetryableError wraps errors of GitHub API calls that can succeed when they
// are sent again, like rate limit or 5xx responses.
type RetryableError struct {
	// Err is the wrapped original error
	Err error
	// After is the earliest point in time that the operation can be retried
	After time.Time
}

// NewRetryableError returns a RetryableError that must not be retried before
// retryAfter, e.g. the reset time of an exceeded rate limit.
func NewRetryableError(originalErr error, retryAfter time.Time) *RetryableError {
	return &RetryableError{
		Err:   originalErr,
		After: retryAfter,
	}
}

// NewRetryableAnytimeError returns a RetryableError without a retry delay,
// the retryer decides when to send the request again.
func NewRetryableAnytimeError(originalErr error) *RetryableError {
	return &RetryableError{
		Err: originalErr,
	}
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func (e *RetryableError) Error() string {
	if e.After.IsZero() {
		return fmt.Sprintf("retryable error: %s", e.Err)
	}

	return fmt.Sprintf("retryable error (after %s): %s", e.After, e.Err)
}
