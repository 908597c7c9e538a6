// Package runner wires a tenantsync process together and keeps it running: workers
// invoke runs, a ticker fires timers, and an HTTP server takes webhooks and health checks.
package runner

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrSigTerm = errors.New("context cancelled by process shutdown")

type Runner struct {
	app          *App
	workers      int
	tickInterval time.Duration
	listenAddr   string
	handleSignal bool
	health       *HealthServer
	ready        atomic.Bool
}

type Option func(*Runner)

// WithListenAddr overrides the configured address. An empty address disables the server.
func WithListenAddr(addr string) Option {
	return func(r *Runner) {
		r.listenAddr = addr
	}
}

// WithoutSignalHandling leaves SIGINT and SIGTERM to the caller.
func WithoutSignalHandling() Option {
	return func(r *Runner) {
		r.handleSignal = false
	}
}

func New(app *App, opts ...Option) *Runner {
	r := &Runner{
		app:          app,
		workers:      app.Config.Workers,
		tickInterval: app.Config.TickInterval,
		listenAddr:   app.Config.ListenAddr,
		handleSignal: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ready reports whether recovery has finished and workers are running.
func (r *Runner) Ready() bool {
	return r.ready.Load()
}

// Run serves until ctx is cancelled or the process is told to stop.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(ErrSigTerm)

	if r.handleSignal {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		go func() {
			select {
			case <-sigChan:
				cancel(ErrSigTerm)
			case <-ctx.Done():
			}
		}()
	}

	err := r.run(ctx)
	if err != nil {
		return err
	}
	return r.handleContextCancel(ctx)
}

func (r *Runner) handleContextCancel(ctx context.Context) error {
	l := ctxzap.Extract(ctx)

	err := context.Cause(ctx)
	if err == nil {
		return nil
	}

	// The context was cancelled due to an expected end of the process. Swallow the error.
	if errors.Is(err, ErrSigTerm) || errors.Is(err, context.Canceled) {
		return nil
	}

	l.Debug("unexpected context cancellation", zap.Error(err))
	return err
}

func (r *Runner) run(ctx context.Context) error {
	l := ctxzap.Extract(ctx)

	if r.listenAddr != "" {
		hs, err := NewHealthServer(ctx, r.listenAddr, r)
		if err != nil {
			return err
		}
		err = hs.Start(ctx)
		if err != nil {
			return err
		}
		r.health = hs
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := hs.Close(shutdownCtx); err != nil {
				l.Warn("health server shutdown failed", zap.Error(err))
			}
		}()
	}

	err := r.app.Engine.Recover(ctx)
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return r.app.Engine.Work(ctx, r.workers)
	})
	eg.Go(func() error {
		r.tick(ctx)
		return nil
	})

	r.ready.Store(true)
	l.Info("tenantsync running",
		zap.Int("workers", r.workers),
		zap.Duration("tick_interval", r.tickInterval),
		zap.String("listen_addr", r.listenAddr),
	)

	err = eg.Wait()
	r.ready.Store(false)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// tick fires engine timers until ctx is done. A failed tick is logged and retried on the
// next interval.
func (r *Runner) tick(ctx context.Context) {
	l := ctxzap.Extract(ctx)
	ticker := r.app.Engine.Clock().Ticker(r.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.app.Engine.Tick(ctx)
			if err != nil && ctx.Err() == nil {
				l.Error("tick failed", zap.Error(err))
			}
		}
	}
}
