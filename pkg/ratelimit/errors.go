package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// DefaultRetryAfter is used when a provider signals a rate limit without saying how long
// to back off.
const DefaultRetryAfter = 60 * time.Second

// RateLimitedError reports that the provider asked us to come back after RetryAfter.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rate limited, retry after %s: %s", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error {
	return e.Err
}

func RateLimited(retryAfter time.Duration) error {
	return &RateLimitedError{RetryAfter: retryAfter}
}

// Wrap attaches a retry-after hint to a provider error.
func Wrap(err error, retryAfter time.Duration) error {
	return &RateLimitedError{RetryAfter: retryAfter, Err: err}
}

func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}
