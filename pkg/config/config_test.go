package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/conductorone/tenantsync/pkg/retry"
)

func load(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	v, err := NewViper()
	require.NoError(t, err)
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(fs, v))
	require.NoError(t, fs.Parse(args))
	return Load(v)
}

func TestDefaults(t *testing.T) {
	t.Setenv(EnvConfigPath, filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := load(t, "--dry-run")
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Workers)
	require.Equal(t, time.Second, cfg.TickInterval)
	require.Equal(t, 24*time.Hour, cfg.BranchTimeout)
	require.Equal(t, 720*time.Hour, cfg.PhaseJoinTimeout)
	require.Equal(t, []string{"google", "slack", "dropbox"}, cfg.Providers)
	require.Equal(t, 1.0, cfg.OtelSampleRatio)
	require.Equal(t, retry.Policy{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: time.Minute}, cfg.RetryPolicy())
}

func TestFileEnvAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenantsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sink-url: https://monitor.example.com/api
workers: 8
branch-timeout: 1h
providers: slack
`), 0o600))
	t.Setenv(EnvConfigPath, path)
	t.Setenv("TENANTSYNC_PHASE_CONCURRENCY", "3")
	t.Setenv("TENANTSYNC_OTEL_SAMPLE_RATIO", "0.25")

	cfg, err := load(t, "--workers", "2")
	require.NoError(t, err)
	require.Equal(t, "https://monitor.example.com/api", cfg.SinkURL)
	require.Equal(t, 2, cfg.Workers)
	require.Equal(t, 3, cfg.PhaseConcurrency)
	require.Equal(t, time.Hour, cfg.BranchTimeout)
	require.Equal(t, []string{"slack"}, cfg.Providers)
	require.Equal(t, 0.25, cfg.OtelSampleRatio)
}

func TestValidation(t *testing.T) {
	t.Setenv(EnvConfigPath, filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := load(t, "--workers", "0", "--sink-url", "not a url", "--retry-max-delay", "1ms")
	require.Error(t, err)
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
	require.Len(t, ce.errs, 3)
	require.Contains(t, err.Error(), "workers")
	require.Contains(t, err.Error(), "sink-url")
	require.Contains(t, err.Error(), "retry-max-delay")
}

func TestLocateConfig(t *testing.T) {
	loc, err := LocateConfig("")
	require.NoError(t, err)
	require.Equal(t, Location{Dir: ".", Name: ".tenantsync"}, loc)

	loc, err = LocateConfig("/etc/tenantsync/prod.yml")
	require.NoError(t, err)
	require.Equal(t, Location{Dir: "/etc/tenantsync", Name: "prod"}, loc)

	loc, err = LocateConfig("local.yaml")
	require.NoError(t, err)
	require.Equal(t, Location{Dir: ".", Name: "local"}, loc)

	_, err = LocateConfig("/etc/tenantsync/prod.json")
	require.ErrorIs(t, err, ErrConfigExtension)
}
