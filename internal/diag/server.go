// Package diag exposes a small read-only HTTP surface for operators: health,
// Prometheus metrics, and the live job state snapshot.
package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/govwarc/crawlpilot/internal/jobstate"
	"github.com/govwarc/crawlpilot/internal/metrics"
)

// Server serves the diagnostics routes for one running job.
type Server struct {
	router chi.Router
	state  *jobstate.State
	logger *zap.Logger
	srv    *http.Server
}

// NewServer wires the routes.
func NewServer(state *jobstate.State, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{state: state, logger: logger}

	r := chi.NewRouter()
	r.Get("/healthz", s.healthz)
	r.Get("/metrics", metrics.Handler().ServeHTTP)
	r.Get("/state", s.getState)
	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving on the given port until ctx is canceled. It returns
// once the listener is bound; serving continues in the background.
func (s *Server) Start(ctx context.Context, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("diag listen: %w", err)
	}
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Warn("diag server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutCtx)
	}()
	s.logger.Info("diag server listening", zap.Int("port", port))
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.state.GetSnapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
