package uotel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

var errCertConflict = errors.New("otel: a certificate path and an inline certificate are mutually exclusive")

type otelConfig struct {
	serviceName string

	// Trace collector. Tracing is off when endpoint is empty.
	endpoint    string
	tlsCert     string
	tlsCertPath string
	tlsInsecure bool
	sampleRatio float64

	tracingDisabled bool

	// Stdout metrics are written every metricsInterval when metricsOut is set.
	metricsOut      io.Writer
	metricsInterval time.Duration

	mtx           sync.Mutex
	resource      *resource.Resource
	conn          *grpc.ClientConn
	meterProvider *sdkmetric.MeterProvider
	shutdown      []func(context.Context) error
}

type Option func(*otelConfig)

func WithServiceName(serviceName string) Option {
	return func(c *otelConfig) {
		c.serviceName = serviceName
	}
}

// WithOtelEndpoint exports traces over TLS. The collector certificate comes from
// tlsCertPath, or from tlsCert as base64url-encoded PEM, or from the system pool when
// both are empty.
func WithOtelEndpoint(endpoint string, tlsCertPath string, tlsCert string) Option {
	return func(c *otelConfig) {
		c.endpoint = endpoint
		c.tlsCert = tlsCert
		c.tlsCertPath = tlsCertPath
		c.tlsInsecure = false
	}
}

func WithInsecureOtelEndpoint(endpoint string) Option {
	return func(c *otelConfig) {
		c.endpoint = endpoint
		c.tlsCert = ""
		c.tlsCertPath = ""
		c.tlsInsecure = true
	}
}

func WithTracingDisabled() Option {
	return func(c *otelConfig) {
		c.tracingDisabled = true
	}
}

// WithTraceSampleRatio samples a fraction of root spans. Child spans follow their parent.
func WithTraceSampleRatio(ratio float64) Option {
	return func(c *otelConfig) {
		c.sampleRatio = ratio
	}
}

// WithStdoutMetrics periodically writes every recorded metric to w as JSON.
func WithStdoutMetrics(w io.Writer, interval time.Duration) Option {
	return func(c *otelConfig) {
		c.metricsOut = w
		c.metricsInterval = interval
	}
}

func newConfig(opts ...Option) *otelConfig {
	cfg := &otelConfig{
		serviceName:     "tenantsync",
		metricsInterval: time.Minute,
		sampleRatio:     1,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

func (c *otelConfig) init(ctx context.Context) (context.Context, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	l := ctxzap.Extract(ctx)

	if c.metricsOut != nil {
		if err := c.initMetrics(ctx); err != nil {
			return nil, fmt.Errorf("otel: metrics: %w", err)
		}
	}

	if c.endpoint == "" || c.tracingDisabled {
		l.Debug("otel: tracing off")
		return ctx, nil
	}
	cc, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.initTracing(ctx, cc); err != nil {
		return nil, fmt.Errorf("otel: tracing: %w", err)
	}
	return ctx, nil
}

// dial opens the collector connection once. c.mtx must be held.
func (c *otelConfig) dial(ctx context.Context) (*grpc.ClientConn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	if c.endpoint == "" {
		return nil, errors.New("otel: endpoint is required")
	}

	creds, err := c.transportCredentials(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := grpc.NewClient(c.endpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("otel: connect to collector %s: %w", c.endpoint, err)
	}
	c.conn = conn
	return conn, nil
}

func (c *otelConfig) transportCredentials(ctx context.Context) (credentials.TransportCredentials, error) {
	l := ctxzap.Extract(ctx).With(zap.String("endpoint", c.endpoint))
	if c.tlsInsecure {
		l.Warn("otel: collector connection is not encrypted")
		return insecure.NewCredentials(), nil
	}
	pool, err := rootCAs(c.tlsCertPath, c.tlsCert)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}), nil
}

// rootCAs builds the pool that verifies the collector. With neither argument set the
// system pool is used.
func rootCAs(certPath string, encodedCert string) (*x509.CertPool, error) {
	var pem []byte
	switch {
	case certPath != "" && encodedCert != "":
		return nil, errCertConflict
	case certPath != "":
		b, err := os.ReadFile(certPath)
		if err != nil {
			return nil, fmt.Errorf("otel: read collector certificate: %w", err)
		}
		pem = b
	case encodedCert != "":
		b, err := base64.RawURLEncoding.DecodeString(encodedCert)
		if err != nil {
			return nil, fmt.Errorf("otel: decode collector certificate: %w", err)
		}
		pem = b
	default:
		pool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("otel: load system certificates: %w", err)
		}
		return pool, nil
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("otel: collector certificate is not valid PEM")
	}
	return pool, nil
}

func (c *otelConfig) getResource(ctx context.Context) (*resource.Resource, error) {
	if c.resource != nil {
		return c.resource, nil
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(c.serviceName)))
	if err != nil {
		return nil, fmt.Errorf("otel: resource: %w", err)
	}
	c.resource = res
	return res, nil
}

func (c *otelConfig) initTracing(ctx context.Context, cc *grpc.ClientConn) error {
	res, err := c.getResource(ctx)
	if err != nil {
		return err
	}

	exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(cc))
	if err != nil {
		return fmt.Errorf("trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.sampleRatio))),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exp),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	ctxzap.Extract(ctx).Debug("otel: tracing on",
		zap.String("endpoint", c.endpoint),
		zap.Float64("sample_ratio", c.sampleRatio),
	)
	c.shutdown = append(c.shutdown, tp.Shutdown)
	return nil
}

func (c *otelConfig) initMetrics(ctx context.Context) error {
	res, err := c.getResource(ctx)
	if err != nil {
		return err
	}

	exp, err := stdoutmetric.New(stdoutmetric.WithWriter(c.metricsOut))
	if err != nil {
		return fmt.Errorf("metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(c.metricsInterval))),
	)
	otel.SetMeterProvider(mp)
	c.meterProvider = mp

	ctxzap.Extract(ctx).Debug("otel: stdout metrics on", zap.Duration("interval", c.metricsInterval))
	c.shutdown = append(c.shutdown, mp.Shutdown)
	return nil
}

// MeterProvider is nil unless stdout metrics are on.
func (c *otelConfig) MeterProvider() otelmetric.MeterProvider {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.meterProvider == nil {
		return nil
	}
	return c.meterProvider
}

// Close flushes the providers, then closes the collector connection.
func (c *otelConfig) Close(ctx context.Context) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	var errs []error
	for _, shutdown := range c.shutdown {
		if err := shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.shutdown = nil

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, err)
		}
		c.conn = nil
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("otel: close: %w", err)
	}
	return nil
}
