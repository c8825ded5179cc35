// Package httpserver serves health, readiness and Prometheus metrics.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultAddress = ":8080"

	readTimeout       = 3 * time.Second
	readHeaderTimeout = 3 * time.Second
	writeTimeout      = 10 * time.Second
	idleTimeout       = 60 * time.Second
	maxHeaderBytes    = 1 << 12
)

// ReadinessCheck reports an error while a component cannot serve.
type ReadinessCheck func(ctx context.Context) error

type statusResponse struct {
	Ready     bool              `json:"ready"`
	StartTime time.Time         `json:"startTime"`
	UptimeSec float64           `json:"uptimeSeconds"`
	Checks    map[string]string `json:"checks"`
}

// Server is the governor's HTTP endpoint.
type Server struct {
	logger  *slog.Logger
	address string
	checks  map[string]ReadinessCheck
	started time.Time

	server     *http.Server
	ready      chan struct{}
	inShutdown atomic.Bool
}

// New creates a Server. Readiness fails while any check returns an error.
func New(logger *slog.Logger, address string, checks map[string]ReadinessCheck) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if address == "" {
		address = defaultAddress
	}
	return &Server{
		logger:  logger,
		address: address,
		checks:  checks,
		started: time.Now(),
		ready:   make(chan struct{}),
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", s.handleHealthz)
	router.Get("/readyz", s.handleReadyz)
	router.Get("/status", s.handleStatus)
	router.Handle("/metrics", promhttp.Handler())
	return router
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	if s.inShutdown.Load() {
		return nil
	}
	s.server = &http.Server{
		Addr:              s.address,
		Handler:           s.Handler(),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
	}

	lc := &net.ListenConfig{KeepAliveConfig: net.KeepAliveConfig{Enable: true}}
	listener, err := lc.Listen(ctx, "tcp", s.address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.address, err)
	}
	s.logger.Info("http server listening", "addr", listener.Addr().String())

	go func() {
		close(s.ready)
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	return nil
}

// Ready is closed once the listener is open.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Shutdown gracefully stops the server. Repeated calls are no-ops.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.inShutdown.CompareAndSwap(false, true) {
		return nil
	}
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	s.logger.Info("http server closed")
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if s.inShutdown.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.runChecks(r.Context()); !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	results, ok := s.runChecks(r.Context())
	resp := statusResponse{
		Ready:     ok,
		StartTime: s.started,
		UptimeSec: time.Since(s.started).Seconds(),
		Checks:    results,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to encode status response", "error", err)
	}
}

func (s *Server) runChecks(ctx context.Context) (map[string]string, bool) {
	results := make(map[string]string, len(s.checks))
	ok := !s.inShutdown.Load()
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			ok = false
			continue
		}
		results[name] = "ok"
	}
	return results, ok
}
