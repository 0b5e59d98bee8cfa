package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/fluxtide/workspace-mcp/internal/logging"
)

// handleHealthz is the liveness probe. It answers as long as the process
// serves requests.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleReadyz is the readiness probe. It checks the shared store, since
// every flow depends on it.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", logging.Err(err))
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "unavailable",
			"store":  "unreachable",
		})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// MetricsServer serves the Prometheus scrape endpoint on its own listener
// so it never shares a port with the public surface.
type MetricsServer struct {
	srv *http.Server
}

// NewMetricsServer builds the metrics listener around the exporter handler.
func NewMetricsServer(addr string, handler http.Handler) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start blocks serving scrapes until Shutdown.
func (m *MetricsServer) Start() error {
	err := m.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the metrics listener.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
