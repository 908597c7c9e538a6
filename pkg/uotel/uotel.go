package uotel

import (
	"context"

	otelmetric "go.opentelemetry.io/otel/metric"
)

// Telemetry owns the exporters started by InitOtel.
type Telemetry struct {
	cfg *otelConfig
}

// MeterProvider is nil unless stdout metrics were requested.
func (t *Telemetry) MeterProvider() otelmetric.MeterProvider {
	return t.cfg.MeterProvider()
}

// Close flushes and stops every exporter.
func (t *Telemetry) Close(ctx context.Context) error {
	return t.cfg.Close(ctx)
}

// InitOtel initializes OpenTelemetry with the given configuration.
func InitOtel(ctx context.Context, opts ...Option) (context.Context, *Telemetry, error) {
	config := newConfig(opts...)

	ctx, err := config.init(ctx)
	if err != nil {
		return nil, nil, err
	}

	return ctx, &Telemetry{cfg: config}, nil
}
