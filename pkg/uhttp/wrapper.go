// Package uhttp is a small JSON-over-HTTP client shared by provider adapters and the sink.
// Responses are classified into the orchestrator's error taxonomy: rate limits become
// ratelimit.RateLimitedError, server errors are retriable, and everything else is a
// StatusError for the caller to map.
package uhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/conductorone/tenantsync/pkg/ratelimit"
	"github.com/conductorone/tenantsync/pkg/retry"
)

const maxErrorBody = 4096

type (
	HttpClient interface {
		HttpClient() *http.Client
		Do(req *http.Request, options ...DoOption) (*http.Response, error)
		NewRequest(ctx context.Context, method string, url *url.URL, options ...RequestOption) (*http.Request, error)
	}
	BaseHttpClient struct {
		httpClient *http.Client
		limiter    ratelimit.Limiter
	}

	DoOption      func(*http.Response) error
	RequestOption func() (io.ReadWriter, map[string]string, error)
	WrapperOption func(*BaseHttpClient)
)

var _ HttpClient = (*BaseHttpClient)(nil)

// StatusError is returned for non-2xx responses that are neither rate limits nor server
// errors.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status code: %d: %s", e.StatusCode, e.Body)
}

// StatusCode extracts the HTTP status of a failed request, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// WithLimiter paces every request through l.
func WithLimiter(l ratelimit.Limiter) WrapperOption {
	return func(c *BaseHttpClient) {
		c.limiter = l
	}
}

func NewBaseHttpClient(httpClient *http.Client, opts ...WrapperOption) *BaseHttpClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &BaseHttpClient{
		httpClient: httpClient,
		limiter:    &ratelimit.NoOpRateLimiter{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *BaseHttpClient) HttpClient() *http.Client {
	return c.httpClient
}

// WithJSONResponse decodes a successful response body into response.
func WithJSONResponse(response interface{}) DoOption {
	return func(resp *http.Response) error {
		ct := resp.Header.Get("Content-Type")
		if ct != "" && !IsJSONContentType(ct) {
			return fmt.Errorf("unexpected content type for JSON response: %s", ct)
		}
		return json.NewDecoder(resp.Body).Decode(response)
	}
}

func (c *BaseHttpClient) Do(req *http.Request, options ...DoOption) (*http.Response, error) {
	ctx := req.Context()
	l := ctxzap.Extract(ctx)

	err := c.limiter.Wait(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, retry.Retriable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if rlErr := ratelimit.FromResponse(resp); rlErr != nil {
			l.Debug("request rate limited",
				zap.String("url", req.URL.Redacted()),
				zap.Int("status_code", resp.StatusCode),
				zap.Error(rlErr),
			)
			return resp, rlErr
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		serr := &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
		l.Debug("request failed",
			zap.String("url", req.URL.Redacted()),
			zap.Int("status_code", resp.StatusCode),
		)
		if resp.StatusCode >= 500 {
			return resp, retry.Retriable(serr)
		}
		return resp, serr
	}

	for _, option := range options {
		err = option(resp)
		if err != nil {
			return resp, err
		}
	}

	return resp, nil
}

func WithJSONBody(body interface{}) RequestOption {
	return func() (io.ReadWriter, map[string]string, error) {
		buffer := new(bytes.Buffer)
		err := json.NewEncoder(buffer).Encode(body)
		if err != nil {
			return nil, nil, err
		}

		_, headers, err := WithContentTypeJSONHeader()()
		if err != nil {
			return nil, nil, err
		}

		return buffer, headers, nil
	}
}

func WithAcceptJSONHeader() RequestOption {
	return WithHeader("Accept", "application/json")
}

func WithContentTypeJSONHeader() RequestOption {
	return WithHeader("Content-Type", "application/json")
}

func WithBearerToken(token string) RequestOption {
	return WithHeader("Authorization", "Bearer "+token)
}

func WithHeader(key string, value string) RequestOption {
	return func() (io.ReadWriter, map[string]string, error) {
		return nil, map[string]string{key: value}, nil
	}
}

func (c *BaseHttpClient) NewRequest(ctx context.Context, method string, url *url.URL, options ...RequestOption) (*http.Request, error) {
	var buffer io.ReadWriter
	var headers map[string]string = make(map[string]string)
	for _, option := range options {
		buf, h, err := option()
		if err != nil {
			return nil, err
		}

		if buf != nil {
			buffer = buf
		}

		for k, v := range h {
			headers[k] = v
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url.String(), buffer)
	if err != nil {
		return nil, err
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return req, nil
}
