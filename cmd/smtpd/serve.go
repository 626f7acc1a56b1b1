package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/infodancer/smtpd/internal/config"
	"github.com/infodancer/smtpd/internal/logging"
	"github.com/infodancer/smtpd/internal/metrics"
	"github.com/infodancer/smtpd/internal/ratelimit"
	"github.com/infodancer/smtpd/internal/server"
	"github.com/infodancer/smtpd/internal/smtp"
)

func runServe(cfg *config.Config) error {
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	var tlsConfig *tls.Config
	if cfg.TLS.Configured() {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return fmt.Errorf("loading TLS certificate: %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   cfg.TLS.MinTLSVersion(),
		}
	}

	var collector metrics.Collector = metrics.NewNoopCollector()
	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewPrometheusServer(cfg.Metrics.Address, cfg.Metrics.Path)
		collector = metrics.NewPrometheusCollector(metricsServer.Registry())
		go func() {
			if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		windowType := ratelimit.WindowSliding
		if cfg.RateLimit.WindowType == "fixed" {
			windowType = ratelimit.WindowFixed
		}
		wl := ratelimit.NewWindowLimiter(windowType, cfg.RateLimit.WindowDuration(), cfg.RateLimit.MaxRequests)
		defer wl.Close()
		limiter = wl
	}

	var store smtp.MessageStore
	if cfg.SpoolDir != "" {
		spool, err := NewSpoolStore(cfg.SpoolDir, cfg.Hostname)
		if err != nil {
			return fmt.Errorf("initializing spool: %w", err)
		}
		store = spool
	} else {
		logger.Warn("no spool directory configured, accepted messages are discarded")
	}

	var authCallback smtp.AuthCallback
	if cfg.Auth.Enabled {
		if len(cfg.Auth.Users) == 0 {
			return fmt.Errorf("auth is enabled but no users are configured")
		}
		authCallback = NewStaticAuthCallback(cfg.Auth.Users, logger)
	}

	srv, err := server.New(server.Config{
		Cfg:       cfg,
		TLSConfig: tlsConfig,
		Logger:    logger,
		Collector: collector,
		Limiter:   limiter,
	})
	if err != nil {
		return err
	}

	srv.SetHandler(smtp.Handler(smtp.Options{
		Config:       cfg,
		TLSConfig:    tlsConfig,
		Store:        store,
		AuthCallback: authCallback,
		Collector:    collector,
	}))

	logger.Info("starting smtpd",
		"hostname", cfg.Hostname,
		"listeners", len(cfg.Listeners),
		"spool", cfg.SpoolDir,
	)

	if err := srv.Run(ctx); err != nil && err != context.Canceled {
		return err
	}

	logger.Info("SMTP server stopped")
	return nil
}
