package retry

import (
	"errors"
	"fmt"
	"time"
)

// RetryableError marks a failed GitLab call or other operation that can
// succeed when it is repeated, e.g. after a rate limit or a 5xx response.
type RetryableError struct {
	Err error
	// NotBefore is the earliest time the operation should be repeated. The
	// zero value allows an immediate retry.
	NotBefore time.Time
}

// Later wraps err into a RetryableError that must not be retried before
// notBefore.
func Later(err error, notBefore time.Time) *RetryableError {
	return &RetryableError{Err: err, NotBefore: notBefore}
}

// Anytime wraps err into a RetryableError without a retry delay.
func Anytime(err error) *RetryableError {
	return &RetryableError{Err: err}
}

// AsRetryable returns the RetryableError in the chain of err.
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
	if e.NotBefore.IsZero() {
		return fmt.Sprintf("retryable: %s", e.Err)
	}

	return fmt.Sprintf("retryable not before %s: %s", e.NotBefore.Format(time.RFC3339), e.Err)
}
