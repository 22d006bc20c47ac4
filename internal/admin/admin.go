// Package admin serves the operational HTTP endpoints: Prometheus metrics
// and a health summary of the interception gate.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// GateStatus is the view of the interception gate reported by /healthz.
type GateStatus interface {
	Enabled() bool
	Registered() bool
	Processed() int
}

// Config holds the settings for the admin server.
type Config struct {
	ListenAddr string
	RunID      string
	Transport  string
	Gatherer   prometheus.Gatherer
	Gate       GateStatus
}

// Health is the /healthz response body.
type Health struct {
	Status     string `json:"status"`
	RunID      string `json:"run_id"`
	Transport  string `json:"transport"`
	Intercept  bool   `json:"intercept_enabled"`
	Registered bool   `json:"intercept_registered"`
	Processed  int    `json:"processed_requests"`
	Uptime     string `json:"uptime"`
}

// NewRouter builds the admin routes.
func NewRouter(cfg Config) http.Handler {
	started := time.Now()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		h := Health{
			Status:    "ok",
			RunID:     cfg.RunID,
			Transport: cfg.Transport,
			Uptime:    time.Since(started).Truncate(time.Second).String(),
		}
		if cfg.Gate != nil {
			h.Intercept = cfg.Gate.Enabled()
			h.Registered = cfg.Gate.Registered()
			h.Processed = cfg.Gate.Processed()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(h)
	})
	return r
}

// Server runs the admin router on its own listener.
type Server struct {
	cfg Config

	mu       sync.Mutex
	listener net.Listener
}

// New creates an admin Server.
func New(cfg Config) *Server {
	return &Server{cfg: cfg}
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           NewRouter(s.cfg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	slog.Info("admin server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
