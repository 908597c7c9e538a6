package dropbox

import (
	"errors"
	"net/http"
	"time"

	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/auth"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/files"

	"github.com/conductorone/tenantsync/pkg/provider"
	"github.com/conductorone/tenantsync/pkg/ratelimit"
	"github.com/conductorone/tenantsync/pkg/retry"
)

// as matches an SDK error returned either by value or by pointer.
func as[T error](err error) (T, bool) {
	var v T
	if errors.As(err, &v) {
		return v, true
	}
	var p *T
	if errors.As(err, &p) && p != nil {
		return *p, true
	}
	return v, false
}

// mapError sorts an SDK failure into the provider error taxonomy. id names the object a
// lookup failure refers to.
func mapError(err error, id string) error {
	if _, ok := as[auth.AuthAPIError](err); ok {
		return provider.Unauthorized(err)
	}
	if _, ok := as[auth.AccessAPIError](err); ok {
		return provider.Unauthorized(err)
	}
	if rl, ok := as[auth.RateLimitAPIError](err); ok {
		wait := ratelimit.DefaultRetryAfter
		if rl.RateLimitError != nil && rl.RateLimitError.RetryAfter > 0 {
			wait = time.Duration(rl.RateLimitError.RetryAfter) * time.Second
		}
		return ratelimit.Wrap(err, wait)
	}
	if e, ok := as[files.GetMetadataAPIError](err); ok {
		if id != "" && e.EndpointError != nil && e.EndpointError.Tag == files.GetMetadataErrorPath &&
			e.EndpointError.Path != nil && e.EndpointError.Path.Tag == files.LookupErrorNotFound {
			return &provider.NotFoundError{ItemID: id}
		}
		return retry.Fatal(err)
	}
	if _, ok := as[files.ListFolderAPIError](err); ok {
		return retry.Fatal(err)
	}
	if _, ok := as[files.ListFolderContinueAPIError](err); ok {
		// An expired or reset cursor cannot be resumed.
		return retry.Fatal(err)
	}
	if e, ok := as[dropbox.SDKInternalError](err); ok && e.StatusCode >= http.StatusBadRequest && e.StatusCode < http.StatusInternalServerError {
		return retry.Fatal(err)
	}
	return retry.Retriable(err)
}
