package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/infodancer/smtpd/internal/config"
	"github.com/infodancer/smtpd/internal/logging"
	"github.com/infodancer/smtpd/internal/metrics"
	"github.com/infodancer/smtpd/internal/ratelimit"
)

// ConnectionHandler processes a single admitted connection. It owns the
// connection for its lifetime; the listener closes it when the handler
// returns.
type ConnectionHandler func(ctx context.Context, conn *Connection)

// ListenerConfig holds configuration for creating a new Listener.
type ListenerConfig struct {
	Address   string
	Mode      config.ListenerMode
	TLSConfig *tls.Config

	ConnConfig ConnConfig

	// Tracker enforces global and per-IP connection limits. Required.
	Tracker *ConnectionTracker

	// Limiter enforces per-IP connection rates. Optional.
	Limiter ratelimit.Limiter

	// Collector receives protocol metrics. Defaults to the noop collector.
	Collector metrics.Collector

	Logger  *slog.Logger
	Handler ConnectionHandler

	// ShutdownGrace bounds how long Start waits for live sessions after the
	// accept loop stops before force-closing them.
	ShutdownGrace time.Duration
}

// Listener accepts connections on a single address, applies admission
// control, and dispatches each admitted connection to the handler in its
// own goroutine.
type Listener struct {
	cfg ListenerConfig

	running atomic.Bool
	active  atomic.Int64

	mu        sync.Mutex
	ln        net.Listener
	startTime time.Time
	conns     map[*Connection]struct{}

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewListener creates a listener from the given configuration.
func NewListener(cfg ListenerConfig) *Listener {
	if cfg.Collector == nil {
		cfg.Collector = metrics.NewNoopCollector()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	return &Listener{
		cfg:   cfg,
		conns: make(map[*Connection]struct{}),
	}
}

// Address returns the configured listen address.
func (l *Listener) Address() string {
	return l.cfg.Address
}

// Endpoint returns the bound address, which differs from the configured
// address when listening on port 0. Empty until Start has bound the socket.
func (l *Listener) Endpoint() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return ""
	}
	return l.ln.Addr().String()
}

// ActiveSessionCount returns the number of connections currently being
// handled.
func (l *Listener) ActiveSessionCount() int {
	return int(l.active.Load())
}

// StartTime returns when the listener began accepting connections.
func (l *Listener) StartTime() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.startTime
}

// IsRunning reports whether the accept loop is active.
func (l *Listener) IsRunning() bool {
	return l.running.Load()
}

// Start binds the socket and runs the accept loop until the context is
// cancelled or Close is called. New connections stop being accepted
// immediately on shutdown; live sessions get ShutdownGrace to finish before
// being force-closed.
func (l *Listener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.cfg.Address)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.ln = ln
	l.startTime = time.Now()
	l.mu.Unlock()

	l.running.Store(true)
	defer l.running.Store(false)

	l.cfg.Logger.Info("listener started",
		slog.String("address", ln.Addr().String()),
		slog.String("mode", string(l.cfg.Mode)),
	)

	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			l.cfg.Logger.Error("accept failed", slog.String("error", err.Error()))
			continue
		}

		l.wg.Add(1)
		go l.handleConn(ctx, conn)
	}

	l.drainSessions()

	l.cfg.Logger.Info("listener stopped", slog.String("address", l.cfg.Address))
	return ctx.Err()
}

// Close stops the accept loop. Safe to call more than once. Live sessions
// are not interrupted; Start waits for them.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.mu.Lock()
		if l.ln != nil {
			err = l.ln.Close()
		}
		l.mu.Unlock()
	})
	return err
}

// drainSessions waits up to ShutdownGrace for handler goroutines to finish,
// then force-closes whatever connections remain.
func (l *Listener) drainSessions() {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(l.cfg.ShutdownGrace):
	}

	l.mu.Lock()
	n := len(l.conns)
	for c := range l.conns {
		_ = c.Close()
	}
	l.mu.Unlock()

	if n > 0 {
		l.cfg.Logger.Warn("force-closed sessions at shutdown", slog.Int("count", n))
	}
	<-done
}

// handleConn applies admission control and runs the handler. Rejected
// connections receive a 421 and are closed without entering the protocol
// loop.
func (l *Listener) handleConn(ctx context.Context, raw net.Conn) {
	defer l.wg.Done()

	remoteIP := remoteIPOf(raw)

	handle := l.cfg.Tracker.TryAcquire(remoteIP)
	if handle == nil {
		l.cfg.Collector.ConnectionRejected("connection_limit")
		l.cfg.Logger.Debug("connection rejected",
			slog.String("remote_ip", remoteIP),
			slog.String("reason", "connection_limit"),
		)
		rejectConn(raw, "421 Too many connections, try again later")
		return
	}
	defer handle.Release()

	if l.cfg.Limiter != nil {
		ok, err := l.cfg.Limiter.IsAllowed(ctx, remoteIP)
		if err != nil || !ok {
			l.cfg.Collector.ConnectionRejected("rate_limit")
			l.cfg.Logger.Debug("connection rejected",
				slog.String("remote_ip", remoteIP),
				slog.String("reason", "rate_limit"),
			)
			rejectConn(raw, "421 Connection rate exceeded, try again later")
			return
		}
		_ = l.cfg.Limiter.RecordRequest(ctx, remoteIP)
	}

	connCfg := l.cfg.ConnConfig
	if l.cfg.Mode == config.ModeSmtps {
		raw = tls.Server(raw, l.cfg.TLSConfig)
		connCfg.TLS = true
	}

	conn := NewConnection(raw, connCfg)

	l.mu.Lock()
	l.conns[conn] = struct{}{}
	l.mu.Unlock()
	l.active.Add(1)

	l.cfg.Collector.ConnectionOpened()
	if connCfg.TLS {
		l.cfg.Collector.TLSConnectionEstablished()
	}

	logger := l.cfg.Logger.With(
		slog.String("remote_addr", raw.RemoteAddr().String()),
	)
	logger.Info("connection accepted")

	defer func() {
		_ = conn.Close()
		l.mu.Lock()
		delete(l.conns, conn)
		l.mu.Unlock()
		l.active.Add(-1)
		l.cfg.Collector.ConnectionClosed()
		logger.Info("connection closed")
	}()

	l.cfg.Handler(logging.NewContext(ctx, logger), conn)
}

// rejectConn writes a one-line refusal and closes the socket.
func rejectConn(conn net.Conn, line string) {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, _ = conn.Write([]byte(line + "\r\n"))
	_ = conn.Close()
}

func remoteIPOf(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
