package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Description is the rate limit state a provider reported on a response.
type Description struct {
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

var limitHeaders = []string{
	"X-Ratelimit-Limit",
	"X-Rate-Limit-Limit",
	"RateLimit-Limit",
}

var remainingHeaders = []string{
	"X-Ratelimit-Remaining",
	"X-Rate-Limit-Remaining",
	"RateLimit-Remaining",
}

var resetHeaders = []string{
	"X-Ratelimit-Reset",
	"X-Rate-Limit-Reset",
	"RateLimit-Reset",
	"Retry-After",
}

func firstInt(header *http.Header, names []string) (int64, bool, error) {
	for _, name := range names {
		v := header.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("ratelimit: invalid %s header %q: %w", name, v, err)
		}
		return n, true, nil
	}
	return 0, false, nil
}

// ExtractRateLimitData reads the common rate limit headers. A 429 without any headers is
// treated as a limit of 1 with nothing remaining for DefaultRetryAfter.
func ExtractRateLimitData(statusCode int, header *http.Header) (*Description, error) {
	if header == nil {
		header = &http.Header{}
	}
	now := time.Now()

	limit, hasLimit, err := firstInt(header, limitHeaders)
	if err != nil {
		return nil, err
	}
	remaining, hasRemaining, err := firstInt(header, remainingHeaders)
	if err != nil {
		return nil, err
	}

	var resetAt time.Time
	reset, hasReset, err := firstInt(header, resetHeaders)
	if err != nil {
		if t, ok := parseHTTPDate(header.Get("Retry-After")); ok {
			resetAt, hasReset = t, true
		} else {
			return nil, err
		}
	} else if hasReset {
		resetAt = resetTime(now, reset)
	}

	if statusCode == http.StatusTooManyRequests {
		if !hasLimit {
			limit = 1
		}
		if !hasRemaining {
			remaining = 0
		}
		if !hasReset {
			resetAt = now.Add(DefaultRetryAfter)
		}
	}

	return &Description{
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// Some providers send an absolute unix time, others a delta in seconds.
func resetTime(now time.Time, v int64) time.Time {
	if v > now.Unix()-86400 {
		return time.Unix(v, 0)
	}
	return now.Add(time.Duration(v) * time.Second)
}

func parseHTTPDate(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// FromResponse returns a RateLimitedError when the response is a 429, or a 503 carrying a
// Retry-After header. Otherwise it returns nil.
func FromResponse(resp *http.Response) error {
	if resp == nil {
		return nil
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
	case http.StatusServiceUnavailable:
		if resp.Header.Get("Retry-After") == "" {
			return nil
		}
	default:
		return nil
	}

	desc, err := ExtractRateLimitData(resp.StatusCode, &resp.Header)
	if err != nil {
		return RateLimited(DefaultRetryAfter)
	}
	wait := time.Until(desc.ResetAt)
	if wait <= 0 {
		wait = time.Second
	}
	cause := fmt.Errorf("provider responded %s", resp.Status)
	if resp.Request != nil && resp.Request.URL != nil {
		cause = fmt.Errorf("%s %s: %s", resp.Request.Method, resp.Request.URL.Path, resp.Status)
	}
	return &RateLimitedError{
		RetryAfter: wait.Round(time.Second),
		Err:        cause,
	}
}
