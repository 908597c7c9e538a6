package google

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"google.golang.org/api/googleapi"

	"github.com/conductorone/tenantsync/pkg/provider"
	"github.com/conductorone/tenantsync/pkg/ratelimit"
	"github.com/conductorone/tenantsync/pkg/retry"
)

// mapError sorts a Directory API failure into the provider error taxonomy. id names the
// object a 404 refers to.
func mapError(err error, id string) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return retry.Retriable(err)
	}

	switch {
	case gerr.Code == http.StatusUnauthorized:
		return provider.Unauthorized(err)
	case gerr.Code == http.StatusForbidden && isQuotaReason(gerr):
		return ratelimit.Wrap(err, retryAfter(gerr))
	case gerr.Code == http.StatusForbidden:
		return provider.Unauthorized(err)
	case gerr.Code == http.StatusNotFound && id != "":
		return &provider.NotFoundError{ItemID: id}
	case gerr.Code == http.StatusTooManyRequests:
		return ratelimit.Wrap(err, retryAfter(gerr))
	case gerr.Code >= 500:
		return retry.Retriable(err)
	default:
		return retry.Fatal(err)
	}
}

func isQuotaReason(gerr *googleapi.Error) bool {
	for _, e := range gerr.Errors {
		switch e.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}

func retryAfter(gerr *googleapi.Error) time.Duration {
	if gerr.Header == nil {
		return ratelimit.DefaultRetryAfter
	}
	secs, err := strconv.Atoi(gerr.Header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return ratelimit.DefaultRetryAfter
	}
	return time.Duration(secs) * time.Second
}
