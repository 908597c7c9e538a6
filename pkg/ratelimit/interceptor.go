package ratelimit

import (
	"errors"
	"time"
)

type Kind int

const (
	// KindNone means there was no error.
	KindNone Kind = iota
	// KindRescheduled means the step must run again no earlier than RetryAfter from now.
	KindRescheduled
	// KindFailure means the error belongs to the ordinary retry/fatal path.
	KindFailure
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindRescheduled:
		return "rescheduled"
	case KindFailure:
		return "failure"
	default:
		return "unknown"
	}
}

type Outcome struct {
	Kind       Kind
	RetryAfter time.Duration
	Err        error
}

// Intercept sorts a step error into reschedule or failure. Reschedules never count against
// a retry budget.
func Intercept(err error) Outcome {
	if err == nil {
		return Outcome{Kind: KindNone}
	}

	var rl *RateLimitedError
	if errors.As(err, &rl) {
		wait := rl.RetryAfter
		if wait <= 0 {
			wait = DefaultRetryAfter
		}
		return Outcome{Kind: KindRescheduled, RetryAfter: wait, Err: err}
	}

	return Outcome{Kind: KindFailure, Err: err}
}
