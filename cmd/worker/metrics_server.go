package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	workerPkg "feed-relay/internal/infra/worker"
	"feed-relay/internal/observability/metrics"
	"feed-relay/internal/observability/tracing"
	"feed-relay/internal/usecase/health"
)

// healthSource is the part of *health.Monitor the ops endpoints read.
type healthSource interface {
	GetHealthStatus() health.HealthStatus
	GetResilienceStats() health.ResilienceStats
	GetDetailedMetrics(ctx context.Context) (health.DetailedMetrics, error)
}

type poolStatsSource interface {
	Stats() workerPkg.PoolStats
}

// ResilienceResponse is the body of /health/resilience.
type ResilienceResponse struct {
	Health     health.HealthStatus    `json:"health"`
	Resilience health.ResilienceStats `json:"resilience"`
	Pool       workerPkg.PoolStats    `json:"pool"`
}

// opsServer serves the operator endpoints:
//   - GET /metrics: Prometheus scrape endpoint
//   - GET /health/resilience: overall status plus component snapshots;
//     503 when the status is unhealthy
//   - GET /health/metrics: per-service call statistics over the detail window
type opsServer struct {
	monitor healthSource
	pool    poolStatsSource
	logger  *slog.Logger
}

// Handler returns the instrumented routes.
func (s *opsServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/health/resilience", metrics.Instrument("/health/resilience", http.HandlerFunc(s.handleResilience)))
	mux.Handle("/health/metrics", metrics.Instrument("/health/metrics", http.HandlerFunc(s.handleDetailed)))
	return tracing.Middleware(mux)
}

func (s *opsServer) handleResilience(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := ResilienceResponse{
		Health:     s.monitor.GetHealthStatus(),
		Resilience: s.monitor.GetResilienceStats(),
	}
	if s.pool != nil {
		resp.Pool = s.pool.Stats()
	}
	status := http.StatusOK
	if resp.Health.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

func (s *opsServer) handleDetailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	detailed, err := s.monitor.GetDetailedMetrics(r.Context())
	if err != nil {
		s.logger.Error("failed to read detailed metrics", slog.Any("error", err))
		http.Error(w, "metrics unavailable", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, detailed)
}

func (s *opsServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", slog.Any("error", err))
	}
}

// startMetricsServer serves handler on addr until ctx is cancelled, then
// shuts down within 5 seconds and returns http.ErrServerClosed.
func startMetricsServer(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("metrics server starting", slog.String("addr", addr))
		errChan <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown failed", slog.Any("error", err))
			return err
		}
		logger.Info("metrics server stopped")
		return http.ErrServerClosed
	case err := <-errChan:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.Any("error", err))
		}
		return err
	}
}
