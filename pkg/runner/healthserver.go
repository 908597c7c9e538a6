package runner

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/conductorone/tenantsync/pkg/concurrency"
)

type HealthServer struct {
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

type ReadinessResponse struct {
	Status string `json:"status"`
}

type CacheInfo struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

type InfoResponse struct {
	Status    string             `json:"status"`
	Providers []string           `json:"providers"`
	Workers   int                `json:"workers"`
	DryRun    bool               `json:"dry_run"`
	Queue     concurrency.Stats  `json:"queue"`
	Tenants   CacheInfo          `json:"tenant_cache"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Handler serves health checks, runner info, and provider webhooks.
func Handler(r *Runner) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, req *http.Request) {
		if !r.Ready() {
			writeJSON(w, http.StatusServiceUnavailable, ReadinessResponse{Status: "starting"})
			return
		}
		writeJSON(w, http.StatusOK, ReadinessResponse{Status: "ok"})
	})

	mux.HandleFunc("/info", func(w http.ResponseWriter, req *http.Request) {
		cs := r.app.Cache.Stats()
		writeJSON(w, http.StatusOK, InfoResponse{
			Status:    "ok",
			Providers: r.app.Providers.Names(),
			Workers:   r.workers,
			DryRun:    r.app.Config.DryRun,
			Queue:     r.app.Engine.Limiter().Stats(),
			Tenants:   CacheInfo{Hits: cs.Hits, Misses: cs.Misses},
		})
	})

	mux.Handle("/webhooks/", r.app.Webhooks)
	return mux
}

func NewHealthServer(ctx context.Context, addr string, r *Runner) (*HealthServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           Handler(r),
		ReadHeaderTimeout: time.Duration(10) * time.Second,
	}
	return &HealthServer{server: server, listener: listener, done: make(chan struct{})}, nil
}

// Addr is the bound address, which differs from the configured one when the port was 0.
func (hs *HealthServer) Addr() string {
	return hs.listener.Addr().String()
}

func (hs *HealthServer) Start(ctx context.Context) error {
	l := ctxzap.Extract(ctx)

	// Use a goroutine so we don't block forever in server.Serve()
	go func() {
		defer close(hs.done)
		err := hs.server.Serve(hs.listener)
		if errors.Is(err, http.ErrServerClosed) {
			l.Info("health server closed")
			return
		}
		if err != nil {
			l.Error("error serving health server", zap.Error(err))
			return
		}
	}()
	return nil
}

// Close shuts the server down and waits for Serve to return.
func (hs *HealthServer) Close(ctx context.Context) error {
	err := hs.server.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	<-hs.done
	return err
}
