// Package config loads tenantsync settings from flags, TENANTSYNC_ environment variables,
// and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/conductorone/tenantsync/pkg/retry"
)

const (
	EnvPrefix     = "tenantsync"
	EnvConfigPath = "TENANTSYNC_CONFIG_PATH"
)

type Config struct {
	LogLevel  string   `mapstructure:"log-level"`
	LogFormat string   `mapstructure:"log-format"`
	LogOutput []string `mapstructure:"log-output"`

	DBDSN string `mapstructure:"db-dsn"`

	Workers           int           `mapstructure:"workers"`
	TickInterval      time.Duration `mapstructure:"tick-interval"`
	RetryMaxAttempts  uint          `mapstructure:"retry-max-attempts"`
	RetryInitialDelay time.Duration `mapstructure:"retry-initial-delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry-max-delay"`
	BranchTimeout     time.Duration `mapstructure:"branch-timeout"`
	PhaseJoinTimeout  time.Duration `mapstructure:"phase-join-timeout"`
	PhaseConcurrency  int           `mapstructure:"phase-concurrency"`
	TenantCacheTTL    time.Duration `mapstructure:"tenant-cache-ttl"`

	SinkURL   string `mapstructure:"sink-url"`
	SinkToken string `mapstructure:"sink-token"`
	SinkRate  int    `mapstructure:"sink-rate"`
	DryRun    bool   `mapstructure:"dry-run"`

	ListenAddr     string   `mapstructure:"listen-addr"`
	Providers      []string `mapstructure:"providers"`
	GoogleEndpoint string   `mapstructure:"google-endpoint"`
	SlackBaseURL   string   `mapstructure:"slack-base-url"`

	OtelEndpoint        string        `mapstructure:"otel-endpoint"`
	OtelInsecure        bool          `mapstructure:"otel-insecure"`
	OtelSampleRatio     float64       `mapstructure:"otel-sample-ratio"`
	OtelMetrics         bool          `mapstructure:"otel-metrics"`
	OtelMetricsInterval time.Duration `mapstructure:"otel-metrics-interval"`
}

// Field describes one setting. The type of Default decides the flag type.
type Field struct {
	Name      string
	Shorthand string
	Default   any
	Usage     string
	Hidden    bool
}

var Fields = []Field{
	{Name: "log-level", Default: "info", Usage: "The log level: debug, info, warn, error"},
	{Name: "log-format", Default: "json", Usage: "The log format: json, console"},
	{Name: "log-output", Default: []string{"stderr"}, Usage: "Log destinations: stdout, stderr, or file paths"},
	{Name: "db-dsn", Shorthand: "d", Default: "tenantsync.db", Usage: "Run state database: a sqlite file path or a postgres:// DSN"},
	{Name: "workers", Shorthand: "w", Default: 4, Usage: "Number of concurrent run workers"},
	{Name: "tick-interval", Default: time.Second, Usage: "How often timers, waits and barriers are checked"},
	{Name: "retry-max-attempts", Default: uint(5), Usage: "Attempts per step before a retriable error becomes fatal"},
	{Name: "retry-initial-delay", Default: time.Second, Usage: "Backoff before the first retry"},
	{Name: "retry-max-delay", Default: time.Minute, Usage: "Upper bound on retry backoff"},
	{Name: "branch-timeout", Default: 24 * time.Hour, Usage: "How long a fanned out child sync may run before the join gives up on it"},
	{Name: "phase-join-timeout", Default: 30 * 24 * time.Hour, Usage: "How long a tenant sync waits for all of its phases"},
	{Name: "phase-concurrency", Default: 1, Usage: "Concurrent runs per (tenant, phase)"},
	{Name: "tenant-cache-ttl", Default: time.Minute, Usage: "How long tenant records are cached"},
	{Name: "sink-url", Default: "", Usage: "Base URL of the monitoring service"},
	{Name: "sink-token", Default: "", Usage: "Bearer token for the monitoring service", Hidden: true},
	{Name: "sink-rate", Default: 50, Usage: "Requests per second sent to the monitoring service"},
	{Name: "dry-run", Default: false, Usage: "Keep synced objects in memory instead of sending them to the sink"},
	{Name: "listen-addr", Default: ":8080", Usage: "Address for webhooks and health checks"},
	{Name: "providers", Default: []string{"google", "slack", "dropbox"}, Usage: "Enabled provider kinds"},
	{Name: "google-endpoint", Default: "", Usage: "Override the Admin SDK endpoint", Hidden: true},
	{Name: "slack-base-url", Default: "", Usage: "Override the Slack Web API base URL", Hidden: true},
	{Name: "otel-endpoint", Default: "", Usage: "OTLP gRPC collector for traces"},
	{Name: "otel-insecure", Default: false, Usage: "Connect to the collector without TLS"},
	{Name: "otel-sample-ratio", Default: 1.0, Usage: "Fraction of root spans to trace, from 0 to 1"},
	{Name: "otel-metrics", Default: false, Usage: "Write metrics to stdout"},
	{Name: "otel-metrics-interval", Default: time.Minute, Usage: "How often metrics are written"},
}

// BindFlags registers every Field on fs and binds it to v.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	for _, f := range Fields {
		switch d := f.Default.(type) {
		case string:
			fs.StringP(f.Name, f.Shorthand, d, f.Usage)
		case bool:
			fs.BoolP(f.Name, f.Shorthand, d, f.Usage)
		case int:
			fs.IntP(f.Name, f.Shorthand, d, f.Usage)
		case uint:
			fs.UintP(f.Name, f.Shorthand, d, f.Usage)
		case float64:
			fs.Float64P(f.Name, f.Shorthand, d, f.Usage)
		case time.Duration:
			fs.DurationP(f.Name, f.Shorthand, d, f.Usage)
		case []string:
			fs.StringSliceP(f.Name, f.Shorthand, d, f.Usage)
		default:
			return fmt.Errorf("config: field %s has unsupported type %T", f.Name, f.Default)
		}
		if f.Hidden {
			if err := fs.MarkHidden(f.Name); err != nil {
				return fmt.Errorf("config: cannot hide field %s: %w", f.Name, err)
			}
		}
	}
	return v.BindPFlags(fs)
}

// NewViper reads the YAML file named by TENANTSYNC_CONFIG_PATH, or .tenantsync.yaml in the
// working directory, and layers TENANTSYNC_ environment variables over it.
func NewViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	loc, err := LocateConfig(os.Getenv(EnvConfigPath))
	if err != nil {
		return nil, err
	}
	v.SetConfigName(loc.Name)
	v.AddConfigPath(loc.Dir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %s: %w", loc.Dir, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v, nil
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:  c.RetryMaxAttempts,
		InitialDelay: c.RetryInitialDelay,
		MaxDelay:     c.RetryMaxDelay,
	}
}
