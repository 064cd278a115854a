package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const healthCheckTimeout = 5 * time.Second

// StatsProvider reports a point-in-time summary of the run for /stats.
type StatsProvider interface {
	Stats(ctx context.Context) (map[string]int, error)
}

// HealthServer exposes liveness, readiness, stats, and Prometheus endpoints
// for a running scan, following the teacher's single-binary health server
// pattern.
type HealthServer struct {
	stats  StatsProvider
	port   int
	ready  atomic.Bool
	server *http.Server
}

// NewHealthServer constructs a HealthServer. stats may be nil, in which
// case /stats always reports an empty object.
func NewHealthServer(stats StatsProvider, port int) *HealthServer {
	return &HealthServer{stats: stats, port: port}
}

// SetReady marks the server ready or not ready for /readyz.
func (hs *HealthServer) SetReady(ready bool) { hs.ready.Store(ready) }

// Start runs the HTTP server until ctx is canceled.
func (hs *HealthServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", hs.handleHealthz)
	mux.HandleFunc("/readyz", hs.handleReadyz)
	mux.HandleFunc("/stats", hs.handleStats)
	mux.Handle("/metrics", promhttp.Handler())

	hs.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", hs.port),
		Handler:           mux,
		ReadHeaderTimeout: healthCheckTimeout,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
		defer cancel()

		_ = hs.server.Shutdown(shutdownCtx)
	}()

	if err := hs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("start health server: %w", err)
	}

	return nil
}

func (hs *HealthServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (hs *HealthServer) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if !hs.ready.Load() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (hs *HealthServer) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if hs.stats == nil {
		_ = json.NewEncoder(w).Encode(map[string]int{})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	stats, err := hs.stats.Stats(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	_ = json.NewEncoder(w).Encode(stats)
}
