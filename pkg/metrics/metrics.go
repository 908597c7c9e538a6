// Package metrics records engine measurements through a Handler. The OpenTelemetry handler
// exports them; the no-op handler is the default when telemetry is off.
package metrics

import (
	"context"
	"maps"
)

// Tags are attached to a single measurement as string attributes.
type Tags map[string]string

// Merge returns base overlaid with t. Neither map is modified.
func (t Tags) Merge(base Tags) Tags {
	merged := make(Tags, len(base)+len(t))
	maps.Copy(merged, base)
	maps.Copy(merged, t)
	return merged
}

type Handler interface {
	Int64Counter(name string, description string, unit Unit) Int64Counter
	Int64Gauge(name string, description string, unit Unit) Int64Gauge
	Int64Histogram(name string, description string, unit Unit) Int64Histogram
	// WithTags returns a handler that adds tags to every measurement it records.
	WithTags(tags Tags) Handler
}

type Int64Counter interface {
	Add(ctx context.Context, value int64, tags Tags)
}

type Int64Histogram interface {
	Record(ctx context.Context, value int64, tags Tags)
}

// Int64Gauge reports the last observed value per tag set.
type Int64Gauge interface {
	Observe(ctx context.Context, value int64, tags Tags)
}

// Unit follows the UCUM codes OpenTelemetry expects.
type Unit string

const (
	Dimensionless Unit = "1"
	Milliseconds  Unit = "ms"
)
