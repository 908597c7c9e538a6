package sink

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/conductorone/tenantsync/pkg/ratelimit"
	"github.com/conductorone/tenantsync/pkg/retry"
	"github.com/conductorone/tenantsync/pkg/uhttp"
)

var tracer = otel.Tracer("tenantsync/pkg.sink")

// HTTPSink talks to the monitoring service's ingestion API.
type HTTPSink struct {
	client  *uhttp.BaseHttpClient
	baseURL *url.URL
	token   string
}

var _ Sink = (*HTTPSink)(nil)

func NewHTTPSink(baseURL string, token string, httpClient *http.Client, limiter ratelimit.Limiter) (*HTTPSink, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("sink: invalid url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("sink: url %q must be http or https", baseURL)
	}
	if limiter == nil {
		limiter = &ratelimit.NoOpRateLimiter{}
	}
	return &HTTPSink{
		client:  uhttp.NewBaseHttpClient(httpClient, uhttp.WithLimiter(limiter)),
		baseURL: u,
		token:   token,
	}, nil
}

type upsertBody struct {
	Objects []Object `json:"objects"`
}

type statusBody struct {
	HasError bool `json:"has_error"`
}

func (s *HTTPSink) Upsert(ctx context.Context, tenantID string, objects []Object) error {
	ctx, span := tracer.Start(ctx, "HTTPSink.Upsert")
	defer span.End()

	if len(objects) == 0 {
		return nil
	}
	return s.post(ctx, tenantID, "objects", upsertBody{Objects: objects})
}

func (s *HTTPSink) Delete(ctx context.Context, tenantID string, req DeleteRequest) error {
	ctx, span := tracer.Start(ctx, "HTTPSink.Delete")
	defer span.End()

	if len(req.IDs) == 0 && req.SyncedBefore.IsZero() {
		return retry.Fatal(fmt.Errorf("sink: delete needs ids or synced_before"))
	}
	return s.post(ctx, tenantID, "objects/delete", req)
}

func (s *HTTPSink) UpdateConnectionStatus(ctx context.Context, tenantID string, hasError bool) error {
	ctx, span := tracer.Start(ctx, "HTTPSink.UpdateConnectionStatus")
	defer span.End()

	return s.post(ctx, tenantID, "connection-status", statusBody{HasError: hasError})
}

func (s *HTTPSink) post(ctx context.Context, tenantID string, path string, body interface{}) error {
	u := s.baseURL.JoinPath("v1", "tenants", tenantID, path)
	req, err := s.client.NewRequest(ctx, http.MethodPost, u,
		uhttp.WithJSONBody(body),
		uhttp.WithAcceptJSONHeader(),
		uhttp.WithBearerToken(s.token),
	)
	if err != nil {
		return retry.Fatal(err)
	}

	_, err = s.client.Do(req)
	if err == nil {
		return nil
	}
	if ratelimit.IsRateLimited(err) || retry.IsRetriable(err) {
		return err
	}
	code := uhttp.StatusCode(err)
	if code >= 400 && code < 500 {
		ctxzap.Extract(ctx).Error("sink rejected request",
			zap.String("tenant_id", tenantID),
			zap.String("path", path),
			zap.Int("status_code", code),
			zap.Error(err),
		)
		return retry.Fatal(fmt.Errorf("sink: %s: %w", path, err))
	}
	return fmt.Errorf("sink: %s: %w", path, err)
}
