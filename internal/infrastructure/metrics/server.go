// Package metrics serves the Prometheus registry the OpenTelemetry
// exporter writes to
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"order_orchestrator/internal/core"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes /metrics over HTTP
type Server struct {
	addr   string
	logger core.ILogger
	srv    *http.Server
	ln     net.Listener
}

// NewServer creates a metrics server listening on port (0 picks a free one)
func NewServer(port int, logger core.ILogger) *Server {
	return &Server{
		addr:   fmt.Sprintf(":%d", port),
		logger: logger.WithField("component", "metrics_server"),
	}
}

// Handler returns the metrics mux
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.Info("Starting Prometheus metrics server", "addr", ln.Addr().String())
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()
	return nil
}

// Port is the bound port, zero before Start
func (s *Server) Port() int {
	if s.ln == nil {
		return 0
	}
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Stop gracefully stops the metrics server
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping metrics server")
	return s.srv.Shutdown(ctx)
}
