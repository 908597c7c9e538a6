package main

import (
	"context"
	"os"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/conductorone/tenantsync/pkg/config"
	"github.com/conductorone/tenantsync/pkg/logging"
	"github.com/conductorone/tenantsync/pkg/metrics"
	"github.com/conductorone/tenantsync/pkg/runner"
	"github.com/conductorone/tenantsync/pkg/uotel"
)

const settlePoll = 100 * time.Millisecond

// logFormat picks console output for an interactive terminal unless a format was set.
func logFormat(v *viper.Viper, cfg *config.Config) string {
	if !v.IsSet("log-format") && term.IsTerminal(int(os.Stderr.Fd())) {
		return logging.LogFormatConsole
	}
	return cfg.LogFormat
}

func telemetryOptions(cfg *config.Config) []uotel.Option {
	opts := []uotel.Option{uotel.WithServiceName("tenantsync")}
	switch {
	case cfg.OtelEndpoint == "":
	case cfg.OtelInsecure:
		opts = append(opts, uotel.WithInsecureOtelEndpoint(cfg.OtelEndpoint), uotel.WithTraceSampleRatio(cfg.OtelSampleRatio))
	default:
		opts = append(opts, uotel.WithOtelEndpoint(cfg.OtelEndpoint, "", ""), uotel.WithTraceSampleRatio(cfg.OtelSampleRatio))
	}
	if cfg.OtelMetrics {
		opts = append(opts, uotel.WithStdoutMetrics(os.Stdout, cfg.OtelMetricsInterval))
	}
	return opts
}

// withApp loads configuration, starts logging and telemetry, and opens the app for the
// length of fn.
func withApp(cmd *cobra.Command, v *viper.Viper, fn func(ctx context.Context, app *runner.App) error) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	ctx, err := logging.Init(cmd.Context(),
		logging.WithLogLevel(cfg.LogLevel),
		logging.WithLogFormat(logFormat(v, cfg)),
		logging.WithOutputPaths(cfg.LogOutput),
	)
	if err != nil {
		return err
	}
	l := ctxzap.Extract(ctx)
	defer func() { _ = l.Sync() }()

	ctx, tel, err := uotel.InitOtel(ctx, telemetryOptions(cfg)...)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := tel.Close(shutdownCtx); err != nil {
			l.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	appOpts := []runner.AppOption{}
	if mp := tel.MeterProvider(); mp != nil {
		appOpts = append(appOpts, runner.WithMetricsHandler(metrics.NewOtelHandler(ctx, mp, "tenantsync")))
	}

	app, err := runner.NewApp(ctx, cfg, appOpts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			l.Warn("closing app", zap.Error(err))
		}
	}()

	return fn(ctx, app)
}

// settle runs the work an event started when wait is set. Otherwise the event is left for
// a serve process to pick up.
func settle(ctx context.Context, app *runner.App, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	return app.Settle(ctx, settlePoll, app.Engine.Clock().Now().Add(wait))
}
