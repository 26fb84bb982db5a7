package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// ReadinessCheck reports whether a dependency is usable. A non-nil error
// marks the worker not ready.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthServer provides the worker's probe endpoints:
//   - /health: liveness, always 200
//   - /health/ready: 200 once SetReady(true) was called and every
//     readiness check passes, 503 otherwise
type HealthServer struct {
	addr    string
	logger  *slog.Logger
	isReady *atomic.Bool
	checks  []ReadinessCheck
	server  *http.Server
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// NewHealthServer creates a health server listening on addr. It starts not ready.
func NewHealthServer(addr string, logger *slog.Logger, checks ...ReadinessCheck) *HealthServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthServer{
		addr:    addr,
		logger:  logger,
		isReady: &atomic.Bool{},
		checks:  checks,
	}
}

// Handler returns the probe routes.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleLiveness)
	mux.HandleFunc("/health/ready", h.handleReadiness)
	return mux
}

// Start serves until ctx is cancelled, then shuts down within 5 seconds.
// It returns http.ErrServerClosed after a graceful shutdown.
func (h *HealthServer) Start(ctx context.Context) error {
	h.server = &http.Server{
		Addr:         h.addr,
		Handler:      h.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return serve(ctx, h.server, "health", h.logger)
}

// SetReady sets the readiness flag reported by /health/ready.
func (h *HealthServer) SetReady(ready bool) {
	h.isReady.Store(ready)
	h.logger.Info("health server readiness changed", slog.Bool("ready", ready))
}

func (h *HealthServer) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"}, h.logger)
}

func (h *HealthServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !h.isReady.Load() {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "not ready"}, h.logger)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok"}
	status := http.StatusOK
	for _, c := range h.checks {
		if resp.Checks == nil {
			resp.Checks = make(map[string]string, len(h.checks))
		}
		if err := c.Check(ctx); err != nil {
			resp.Checks[c.Name] = err.Error()
			resp.Status = "not ready"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.Name] = "ok"
	}
	writeJSON(w, status, resp, h.logger)
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", slog.Any("error", err))
	}
}

// serve runs srv until ctx is cancelled.
func serve(ctx context.Context, srv *http.Server, name string, logger *slog.Logger) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info(name+" server starting", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		logger.Info(name + " server shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error(name+" server shutdown failed", slog.Any("error", err))
			return err
		}
		logger.Info(name + " server stopped")
		return http.ErrServerClosed

	case err := <-errChan:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(name+" server failed", slog.Any("error", err))
		}
		return err
	}
}
