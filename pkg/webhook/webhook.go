// Package webhook accepts change notifications pushed by SaaS providers and turns them into
// object refreshes, object deletes, and tenant lifecycle events.
package webhook

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/conductorone/tenantsync/pkg/lifecycle"
	"github.com/conductorone/tenantsync/pkg/store"
	"github.com/conductorone/tenantsync/pkg/tenant"
)

var tracer = otel.Tracer("tenantsync/pkg.webhook")

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "webhook.schema.json"

const (
	TypeObjectChanged     = "object.changed"
	TypeObjectDeleted     = "object.deleted"
	TypeTenantRemoved     = "tenant.removed"
	TypeTenantReinstalled = "tenant.reinstalled"
)

const (
	defaultMaxBodyBytes = 1 << 20
	pathPrefix          = "/webhooks/"
)

type Payload struct {
	Type     string `json:"type"`
	TenantID string `json:"tenant_id"`
	ObjectID string `json:"object_id,omitempty"`
}

type Syncer interface {
	RefreshObject(ctx context.Context, tenantID string, objectID string) (string, error)
	DeleteObject(ctx context.Context, tenantID string, objectID string) (string, error)
}

type Sender interface {
	Send(ctx context.Context, events ...store.Event) ([]string, error)
}

type Tenants interface {
	Get(ctx context.Context, id string) (*tenant.Tenant, error)
	SetRemoved(ctx context.Context, id string, removed bool) error
}

// Providers reports which provider kinds may post webhooks.
type Providers interface {
	Names() []string
}

type Handler struct {
	syncer       Syncer
	sender       Sender
	tenants      Tenants
	providers    Providers
	schema       *jsonschema.Schema
	logger       *zap.Logger
	maxBodyBytes int64
}

var _ http.Handler = (*Handler)(nil)

type Option func(*Handler)

func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("webhook: parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("webhook: add schema: %w", err)
	}
	sch, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("webhook: compile schema: %w", err)
	}
	return sch, nil
}

func New(syncer Syncer, sender Sender, tenants Tenants, providers Providers, opts ...Option) (*Handler, error) {
	sch, err := compileSchema()
	if err != nil {
		return nil, err
	}
	h := &Handler{
		syncer:       syncer,
		sender:       sender,
		tenants:      tenants,
		providers:    providers,
		schema:       sch,
		logger:       zap.L(),
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type apiError struct {
	status  int
	code    string
	message string
}

func (e *apiError) Error() string {
	return e.message
}

func badRequest(format string, args ...any) *apiError {
	return &apiError{status: http.StatusBadRequest, code: "bad_request", message: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) *apiError {
	return &apiError{status: http.StatusNotFound, code: "not_found", message: fmt.Sprintf(format, args...)}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, pathPrefix) {
		writeError(w, notFound("route not found"))
		return
	}
	providerName := strings.Trim(strings.TrimPrefix(r.URL.Path, pathPrefix), "/")
	if providerName == "" || strings.Contains(providerName, "/") {
		writeError(w, notFound("route not found"))
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, &apiError{status: http.StatusMethodNotAllowed, code: "method_not_allowed", message: "only POST is supported"})
		return
	}
	if !h.knownProvider(providerName) {
		writeError(w, notFound("unknown provider %q", providerName))
		return
	}

	ctx := ctxzap.ToContext(r.Context(), h.logger.With(zap.String("provider", providerName)))
	ctx, span := tracer.Start(ctx, "Handler.ServeHTTP")
	defer span.End()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, &apiError{status: http.StatusRequestEntityTooLarge, code: "payload_too_large", message: "request body too large"})
			return
		}
		writeError(w, badRequest("read body: %s", err))
		return
	}

	p, err := h.decode(body)
	if err != nil {
		ctxzap.Extract(ctx).Debug("rejected webhook", zap.Error(err))
		writeError(w, err)
		return
	}

	eventID, err := h.handle(ctx, providerName, p)
	if err != nil {
		var ae *apiError
		if !errors.As(err, &ae) {
			ctxzap.Extract(ctx).Error("webhook failed", zap.String("type", p.Type), zap.String("tenant_id", p.TenantID), zap.Error(err))
			ae = &apiError{status: http.StatusInternalServerError, code: "internal_error", message: "webhook could not be processed"}
		}
		writeError(w, ae)
		return
	}

	ctxzap.Extract(ctx).Info("accepted webhook",
		zap.String("type", p.Type),
		zap.String("tenant_id", p.TenantID),
		zap.String("object_id", p.ObjectID),
		zap.String("event_id", eventID),
	)
	writeJSON(w, http.StatusAccepted, map[string]string{"event_id": eventID})
}

func (h *Handler) knownProvider(name string) bool {
	for _, n := range h.providers.Names() {
		if n == name {
			return true
		}
	}
	return false
}

func (h *Handler) decode(body []byte) (*Payload, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, badRequest("invalid json: %s", err)
	}
	if err := h.schema.Validate(inst); err != nil {
		return nil, badRequest("invalid payload: %s", err)
	}
	p := &Payload{}
	if err := json.Unmarshal(body, p); err != nil {
		return nil, badRequest("invalid payload: %s", err)
	}
	return p, nil
}

func (h *Handler) handle(ctx context.Context, providerName string, p *Payload) (string, error) {
	switch p.Type {
	case TypeObjectChanged, TypeObjectDeleted:
		t, err := h.tenants.Get(ctx, p.TenantID)
		if err != nil {
			if errors.Is(err, tenant.ErrNotFound) {
				return "", notFound("tenant %s not found", p.TenantID)
			}
			return "", err
		}
		if t.Provider != providerName {
			return "", notFound("tenant %s is not connected to %s", p.TenantID, providerName)
		}
		if p.Type == TypeObjectChanged {
			return h.syncer.RefreshObject(ctx, p.TenantID, p.ObjectID)
		}
		return h.syncer.DeleteObject(ctx, p.TenantID, p.ObjectID)

	case TypeTenantRemoved:
		return h.transition(ctx, p.TenantID, true, lifecycle.EventTenantRemoved)

	case TypeTenantReinstalled:
		return h.transition(ctx, p.TenantID, false, lifecycle.EventTenantReinstalled)
	}
	return "", badRequest("unsupported type %q", p.Type)
}

// transition flips the tenant's removed flag before the event is sent, so a reinstall sync
// can load the tenant.
func (h *Handler) transition(ctx context.Context, tenantID string, removed bool, name string) (string, error) {
	err := h.tenants.SetRemoved(ctx, tenantID, removed)
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			return "", notFound("tenant %s not found", tenantID)
		}
		return "", err
	}
	ev, err := store.NewEvent(name, map[string]string{"tenant_id": tenantID})
	if err != nil {
		return "", err
	}
	ids, err := h.sender.Send(ctx, ev)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var ae *apiError
	if !errors.As(err, &ae) {
		ae = &apiError{status: http.StatusInternalServerError, code: "internal_error", message: err.Error()}
	}
	writeJSON(w, ae.status, map[string]string{"code": ae.code, "message": ae.message})
}
