package uotel

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/conductorone/tenantsync/pkg/metrics"
)

func TestStdoutMetrics(t *testing.T) {
	ctx := context.Background()
	buf := &bytes.Buffer{}

	ctx, tel, err := InitOtel(ctx, WithServiceName("tenantsync-test"), WithStdoutMetrics(buf, time.Hour))
	require.NoError(t, err)
	mp := tel.MeterProvider()
	require.NotNil(t, mp)

	h := metrics.NewOtelHandler(ctx, mp, "tenantsync")
	h.Int64Counter("tenantsync.test_counter", "test", metrics.Dimensionless).Add(ctx, 3, metrics.Tags{"function_id": "phase-sync"})

	// Shutdown flushes the periodic reader.
	require.NoError(t, tel.Close(ctx))
	require.Contains(t, buf.String(), "tenantsync.test_counter")
	require.Contains(t, buf.String(), "tenantsync-test")
}

func TestNoEndpointSkipsTracing(t *testing.T) {
	ctx, tel, err := InitOtel(context.Background())
	require.NoError(t, err)
	require.NotNil(t, ctx)
	require.Nil(t, tel.MeterProvider())
	require.NoError(t, tel.Close(context.Background()))
}

func TestConflictingCertificates(t *testing.T) {
	_, err := rootCAs("/tmp/cert.pem", "abc")
	require.ErrorIs(t, err, errCertConflict)

	cfg := newConfig(WithOtelEndpoint("collector:4317", "/tmp/cert.pem", "abc"))
	_, err = cfg.dial(context.Background())
	require.ErrorIs(t, err, errCertConflict)
}

func TestInsecureEndpointDialsOnce(t *testing.T) {
	cfg := newConfig(WithInsecureOtelEndpoint("127.0.0.1:4317"))
	first, err := cfg.dial(context.Background())
	require.NoError(t, err)
	second, err := cfg.dial(context.Background())
	require.NoError(t, err)
	require.Same(t, first, second)
	require.NoError(t, cfg.Close(context.Background()))
}
