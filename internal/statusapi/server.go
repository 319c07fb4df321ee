// Package statusapi serves health, mirror statistics and Prometheus metrics over HTTP.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tgmirror/internal/engine"
)

// StatsProvider reports the current mirror state.
type StatsProvider interface {
	Stats(ctx context.Context) (engine.Stats, error)
}

// Pinger checks a backing dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Option mutates Server configuration.
type Option func(*Server)

// WithLogger configures structured logging.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPinger makes /healthz report the dependency's health.
func WithPinger(pinger Pinger) Option {
	return func(s *Server) {
		s.pinger = pinger
	}
}

// WithGatherer overrides the metrics source served at /metrics.
func WithGatherer(gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		if gatherer != nil {
			s.gatherer = gatherer
		}
	}
}

// Server is the status HTTP surface.
type Server struct {
	router   *mux.Router
	stats    StatsProvider
	pinger   Pinger
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// New creates a status server.
func New(stats StatsProvider, options ...Option) (*Server, error) {
	if stats == nil {
		return nil, fmt.Errorf("new status server: nil stats provider")
	}

	server := &Server{
		router:   mux.NewRouter(),
		stats:    stats,
		gatherer: prometheus.DefaultGatherer,
		logger:   slog.Default(),
	}
	for _, option := range options {
		option(server)
	}
	server.setupRoutes()

	return server, nil
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.handleStats()).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}
	<-errCh

	return nil
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.pinger != nil {
			if err := s.pinger.Ping(r.Context()); err != nil {
				s.logger.WarnContext(r.Context(), "health check failed", "error", err)
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) handleStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.stats.Stats(r.Context())
		if err != nil {
			s.logger.ErrorContext(r.Context(), "stats request failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
