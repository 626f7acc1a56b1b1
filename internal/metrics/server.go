package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusServer serves Prometheus metrics over HTTP.
type PrometheusServer struct {
	addr string
	path string
	reg  *prometheus.Registry
	srv  *http.Server
}

// NewPrometheusServer creates a metrics HTTP server listening on addr and
// serving its registry's contents at path.
func NewPrometheusServer(addr, path string) *PrometheusServer {
	return &PrometheusServer{
		addr: addr,
		path: path,
	}
}

// Registry returns the registry metrics should be registered with, creating
// it on first use.
func (s *PrometheusServer) Registry() *prometheus.Registry {
	if s.reg == nil {
		s.reg = prometheus.NewRegistry()
	}
	return s.reg
}

// Start begins serving metrics. It blocks until the context is canceled or
// the HTTP server fails.
func (s *PrometheusServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(s.Registry(), promhttp.HandlerOpts{}))

	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the metrics server.
func (s *PrometheusServer) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
