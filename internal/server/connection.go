package server

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// ConnConfig holds per-connection settings taken from the server configuration.
type ConnConfig struct {
	// CommandTimeout bounds each read while waiting for a command line.
	CommandTimeout time.Duration

	// DataTimeout bounds each read during a DATA stream.
	DataTimeout time.Duration

	// ConnectionTimeout bounds the absolute lifetime of the connection.
	ConnectionTimeout time.Duration

	// MaxLineLength is the maximum accepted command line length in octets,
	// including CRLF.
	MaxLineLength int

	// ReadBufferSize and WriteBufferSize size the bufio layers.
	ReadBufferSize  int
	WriteBufferSize int

	// TLS marks the connection as already encrypted (implicit TLS listeners).
	TLS bool
}

// Connection wraps an accepted socket with buffered, deadline-aware line
// I/O and STARTTLS upgrade support. It is owned by a single session
// goroutine and is not safe for concurrent use.
type Connection struct {
	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	cfg     ConnConfig
	isTLS   bool
	closed  atomic.Bool
	expires time.Time
}

// NewConnection wraps conn. The absolute lifetime deadline starts now.
func NewConnection(conn net.Conn, cfg ConnConfig) *Connection {
	if cfg.MaxLineLength <= 0 {
		cfg.MaxLineLength = 1000
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 4096
	}
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = 4096
	}

	c := &Connection{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, cfg.ReadBufferSize),
		writer: bufio.NewWriterSize(conn, cfg.WriteBufferSize),
		cfg:    cfg,
		isTLS:  cfg.TLS,
	}
	if cfg.ConnectionTimeout > 0 {
		c.expires = time.Now().Add(cfg.ConnectionTimeout)
	}
	return c
}

// RemoteAddr returns the remote endpoint.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// LocalAddr returns the local endpoint.
func (c *Connection) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteIP returns the remote IP without the port, or the full address
// string if it cannot be split.
func (c *Connection) RemoteIP() string {
	host, _, err := net.SplitHostPort(c.conn.RemoteAddr().String())
	if err != nil {
		return c.conn.RemoteAddr().String()
	}
	return host
}

// IsTLS reports whether the connection is encrypted.
func (c *Connection) IsTLS() bool {
	return c.isTLS
}

// TLSState returns the TLS connection state if the connection is encrypted.
func (c *Connection) TLSState() (tls.ConnectionState, bool) {
	if tlsConn, ok := c.conn.(*tls.Conn); ok {
		return tlsConn.ConnectionState(), true
	}
	return tls.ConnectionState{}, false
}

// IsClosed reports whether Close has been called.
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// Close shuts the connection down. Safe to call more than once.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

// deadline computes the next read deadline for a timeout class, clamped to
// the absolute connection lifetime so one phase cannot outlive it.
func (c *Connection) deadline(d time.Duration) time.Time {
	t := time.Now().Add(d)
	if !c.expires.IsZero() && c.expires.Before(t) {
		return c.expires
	}
	return t
}

// SetCommandTimeout arms the read deadline for waiting on a command line.
func (c *Connection) SetCommandTimeout() error {
	return c.conn.SetReadDeadline(c.deadline(c.cfg.CommandTimeout))
}

// SetDataTimeout arms the read deadline for a DATA stream read.
func (c *Connection) SetDataTimeout() error {
	return c.conn.SetReadDeadline(c.deadline(c.cfg.DataTimeout))
}

// ReadLine reads one CRLF-terminated line, returning it without the line
// ending. A bare LF is accepted. Lines longer than MaxLineLength are
// consumed up to the next line ending and reported as ErrLineTooLong so the
// protocol stream stays in sync.
func (c *Connection) ReadLine() (string, error) {
	if c.closed.Load() {
		return "", ErrConnectionClosed
	}

	var line []byte
	for {
		chunk, err := c.reader.ReadSlice('\n')
		line = append(line, chunk...)

		if err == bufio.ErrBufferFull {
			if len(line) > c.cfg.MaxLineLength {
				return "", c.drainLine()
			}
			continue
		}
		if err != nil {
			return "", err
		}
		break
	}

	if len(line) > c.cfg.MaxLineLength {
		return "", ErrLineTooLong
	}

	return trimLineEnding(line), nil
}

// drainLine discards input up to the next line ending after an oversize
// line so the next ReadLine starts at a command boundary.
func (c *Connection) drainLine() error {
	for {
		_, err := c.reader.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return err
		}
		return ErrLineTooLong
	}
}

// Reader exposes the buffered reader for sub-protocols that frame their
// own input, such as the DATA body stream.
func (c *Connection) Reader() *bufio.Reader {
	return c.reader
}

// Buffered returns the number of unread bytes sitting in the read buffer.
// A non-zero value while handling a command means the client is pipelining.
func (c *Connection) Buffered() int {
	return c.reader.Buffered()
}

// DiscardBuffered drops any unread bytes from the read buffer. Used to
// enforce the STARTTLS pipeline barrier: plaintext sent after STARTTLS is
// never interpreted.
func (c *Connection) DiscardBuffered() {
	_, _ = c.reader.Discard(c.reader.Buffered())
}

// WriteLine writes a CRLF-terminated line into the write buffer.
func (c *Connection) WriteLine(line string) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if _, err := c.writer.WriteString(line); err != nil {
		return err
	}
	_, err := c.writer.WriteString("\r\n")
	return err
}

// WriteString writes raw bytes into the write buffer.
func (c *Connection) WriteString(s string) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	_, err := c.writer.WriteString(s)
	return err
}

// Flush writes any buffered output to the socket.
func (c *Connection) Flush() error {
	return c.writer.Flush()
}

// UpgradeToTLS performs the server side of a STARTTLS handshake and swaps
// the buffered I/O onto the encrypted stream. Any bytes the client sent
// before the handshake must have been discarded by the caller.
func (c *Connection) UpgradeToTLS(tlsConfig *tls.Config) error {
	if c.isTLS {
		return ErrAlreadyTLS
	}
	if err := c.writer.Flush(); err != nil {
		return fmt.Errorf("flushing before TLS handshake: %w", err)
	}

	tlsConn := tls.Server(c.conn, tlsConfig)

	if err := c.conn.SetDeadline(c.deadline(c.cfg.CommandTimeout)); err != nil {
		return err
	}
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("TLS handshake: %w", err)
	}
	if err := c.conn.SetDeadline(time.Time{}); err != nil {
		return err
	}

	c.conn = tlsConn
	c.reader.Reset(tlsConn)
	c.writer.Reset(tlsConn)
	c.isTLS = true
	return nil
}

func trimLineEnding(line []byte) string {
	n := len(line)
	if n > 0 && line[n-1] == '\n' {
		n--
	}
	if n > 0 && line[n-1] == '\r' {
		n--
	}
	return string(line[:n])
}
