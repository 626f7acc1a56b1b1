package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"

	"github.com/infodancer/smtpd/internal/config"
	"github.com/infodancer/smtpd/internal/logging"
	"github.com/infodancer/smtpd/internal/metrics"
	"github.com/infodancer/smtpd/internal/ratelimit"
)

// Server coordinates the configured listeners and the shared admission
// state: the connection tracker, the rate limiter, and the metrics
// collector are shared across all listeners.
type Server struct {
	cfg       *config.Config
	tlsConfig *tls.Config
	logger    *slog.Logger
	handler   ConnectionHandler
	collector metrics.Collector
	limiter   ratelimit.Limiter
	tracker   *ConnectionTracker

	listeners []*Listener
	mu        sync.Mutex
}

// Config holds configuration for creating a new Server.
type Config struct {
	Cfg       *config.Config
	TLSConfig *tls.Config
	Logger    *slog.Logger

	// Collector defaults to the noop collector.
	Collector metrics.Collector

	// Limiter is consulted per connection attempt when set.
	Limiter ratelimit.Limiter
}

// New creates a new Server with the given configuration.
func New(sc Config) (*Server, error) {
	if sc.Cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	logger := sc.Logger
	if logger == nil {
		logger = logging.NewLogger(sc.Cfg.LogLevel)
	}

	collector := sc.Collector
	if collector == nil {
		collector = metrics.NewNoopCollector()
	}

	s := &Server{
		cfg:       sc.Cfg,
		tlsConfig: sc.TLSConfig,
		logger:    logger,
		collector: collector,
		limiter:   sc.Limiter,
		tracker: NewConnectionTracker(
			sc.Cfg.Limits.MaxConnections,
			sc.Cfg.Limits.MaxConnectionsPerIP,
		),
	}

	return s, nil
}

// SetHandler sets the connection handler for all listeners.
// Must be called before Run.
func (s *Server) SetHandler(handler ConnectionHandler) {
	s.handler = handler
}

// Run starts all configured listeners and blocks until the context is
// cancelled. All listeners run in their own goroutines.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()

	if s.handler == nil {
		s.mu.Unlock()
		return fmt.Errorf("no connection handler set")
	}

	connCfg := ConnConfig{
		CommandTimeout:    s.cfg.Timeouts.CommandTimeout(),
		DataTimeout:       s.cfg.Timeouts.DataTimeout(),
		ConnectionTimeout: s.cfg.Timeouts.ConnectionTimeout(),
		MaxLineLength:     s.cfg.Limits.MaxCommandLength,
		ReadBufferSize:    s.cfg.Limits.ReadBufferSize,
		WriteBufferSize:   s.cfg.Limits.WriteBufferSize,
	}

	for _, lc := range s.cfg.Listeners {
		var tlsCfg *tls.Config
		if lc.Mode == config.ModeSmtps {
			if s.tlsConfig == nil {
				s.mu.Unlock()
				return fmt.Errorf("listener %s: smtps mode requires TLS configuration", lc.Address)
			}
			tlsCfg = s.tlsConfig
		} else if s.tlsConfig != nil {
			// Makes STARTTLS available on plain listeners.
			tlsCfg = s.tlsConfig
		}

		listener := NewListener(ListenerConfig{
			Address:    lc.Address,
			Mode:       lc.Mode,
			TLSConfig:  tlsCfg,
			ConnConfig: connCfg,
			Tracker:    s.tracker,
			Limiter:    s.limiter,
			Collector:  s.collector,
			Logger:     s.logger,
			Handler:    s.handler,
		})
		s.listeners = append(s.listeners, listener)
	}

	s.mu.Unlock()

	s.logger.Info("starting server",
		slog.String("hostname", s.cfg.Hostname),
		slog.Int("listener_count", len(s.listeners)),
	)

	var wg sync.WaitGroup
	errChan := make(chan error, len(s.listeners))

	for _, l := range s.listeners {
		wg.Add(1)
		go func(listener *Listener) {
			defer wg.Done()
			if err := listener.Start(ctx); err != nil && err != context.Canceled {
				errChan <- fmt.Errorf("listener %s: %w", listener.Address(), err)
			}
		}(l)
	}

	<-ctx.Done()

	s.logger.Info("server shutting down")

	wg.Wait()

	close(errChan)
	var firstErr error
	for err := range errChan {
		if firstErr == nil {
			firstErr = err
		}
		s.logger.Error("listener error", slog.String("error", err.Error()))
	}

	s.logger.Info("server stopped")

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// Shutdown stops all listeners from accepting new connections. Sessions in
// flight are drained by Run.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.listeners {
		_ = l.Close()
	}
}

// ActiveSessionCount returns the number of connections currently being
// handled across all listeners.
func (s *Server) ActiveSessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for _, l := range s.listeners {
		n += l.ActiveSessionCount()
	}
	return n
}

// Tracker returns the shared connection tracker.
func (s *Server) Tracker() *ConnectionTracker {
	return s.tracker
}

// Logger returns the server's logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// TLSConfig returns the server's TLS configuration, if any.
func (s *Server) TLSConfig() *tls.Config {
	return s.tlsConfig
}

// Config returns the server's configuration.
func (s *Server) Config() *config.Config {
	return s.cfg
}
