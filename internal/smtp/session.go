package smtp

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/infodancer/smtpd/internal/config"
	"github.com/infodancer/smtpd/internal/logging"
	"github.com/infodancer/smtpd/internal/metrics"
	"github.com/infodancer/smtpd/internal/server"
)

// Phase is the session's position in the SMTP state machine.
type Phase int

const (
	// PhaseConnected is the initial phase before the banner is written.
	PhaseConnected Phase = iota

	// PhaseAwaitingGreeting accepts HELO/EHLO and little else.
	PhaseAwaitingGreeting

	// PhaseReady accepts MAIL and the session-scoped verbs.
	PhaseReady

	// PhaseInTransaction accepts RCPT and DATA.
	PhaseInTransaction

	// PhaseClosing is terminal.
	PhaseClosing
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseConnected:
		return "CONNECTED"
	case PhaseAwaitingGreeting:
		return "AWAITING_GREETING"
	case PhaseReady:
		return "READY"
	case PhaseInTransaction:
		return "IN_TRANSACTION"
	case PhaseClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// action tells the command loop what to do after a dispatch.
type action int

const (
	actionContinue action = iota
	actionClose
)

// Options wires a protocol handler to its collaborators. Zero-value
// collaborators get safe defaults: messages are accepted and discarded,
// all senders and recipients pass, metrics go nowhere.
type Options struct {
	Config    *config.Config
	TLSConfig *tls.Config

	Store     MessageStore
	Filter    MailboxFilter
	Observers []Observer

	// AuthCallback verifies credentials. Required when Config.Auth.Enabled.
	AuthCallback AuthCallback

	// Registry defaults to the built-in PLAIN and LOGIN mechanisms.
	Registry *Registry

	Collector metrics.Collector
}

// Handler creates an SMTP protocol handler with the given options.
func Handler(opts Options) server.ConnectionHandler {
	if opts.Store == nil {
		opts.Store = discardStore{}
	}
	if opts.Filter == nil {
		opts.Filter = acceptAllFilter{}
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Collector == nil {
		opts.Collector = metrics.NewNoopCollector()
	}

	return func(ctx context.Context, conn *server.Connection) {
		sess := newSession(opts, conn)
		sess.run(ctx)
	}
}

// Session owns one accepted connection and drives the state machine. It is
// confined to its connection goroutine; nothing in it is shared.
type Session struct {
	opts Options
	cfg  *config.Config
	conn *server.Connection

	id        string
	startTime time.Time
	logger    *slog.Logger

	phase         Phase
	clientDomain  string
	esmtp         bool
	authenticated bool
	identity      string
	eightBit      bool
	utf8          bool

	errorCount   int
	messageCount int
	txn          *Transaction
	props        map[string]any
}

func newSession(opts Options, conn *server.Connection) *Session {
	return &Session{
		opts:      opts,
		cfg:       opts.Config,
		conn:      conn,
		id:        uuid.NewString(),
		startTime: time.Now(),
		phase:     PhaseConnected,
		props:     make(map[string]any),
	}
}

// SessionView accessors.

func (s *Session) ID() string { return s.id }

func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *Session) LocalAddr() net.Addr { return s.conn.LocalAddr() }

func (s *Session) Secure() bool { return s.conn.IsTLS() }

func (s *Session) Authenticated() bool { return s.authenticated }

func (s *Session) Identity() string { return s.identity }

func (s *Session) ClientDomain() string { return s.clientDomain }

func (s *Session) StartTime() time.Time { return s.startTime }

func (s *Session) MessageCount() int { return s.messageCount }

func (s *Session) EightBitNegotiated() bool { return s.eightBit }

func (s *Session) UTF8Negotiated() bool { return s.utf8 }

func (s *Session) MaxMessageSize() int64 { return s.cfg.Limits.MaxMessageSize }

func (s *Session) Properties() map[string]any { return s.props }

// run drives the session from banner to close. SessionCompleted fires
// exactly once on every exit path.
func (s *Session) run(ctx context.Context) {
	s.logger = logging.FromContext(ctx).With(slog.String("session_id", s.id))

	for _, o := range s.opts.Observers {
		o.SessionCreated(ctx, s)
	}
	defer func() {
		s.phase = PhaseClosing
		for _, o := range s.opts.Observers {
			o.SessionCompleted(ctx, s)
		}
	}()

	banner := fmt.Sprintf("%s %s", s.cfg.Hostname, s.cfg.Banner)
	if err := s.writeReply(NewReply(CodeServiceReady, banner)); err != nil {
		return
	}
	if err := s.conn.Flush(); err != nil {
		return
	}
	s.phase = PhaseAwaitingGreeting

	for {
		select {
		case <-ctx.Done():
			s.finalReply(ReplyShuttingDown)
			return
		default:
		}

		if err := s.conn.SetCommandTimeout(); err != nil {
			return
		}

		line, err := s.conn.ReadLine()
		if err != nil {
			if s.handleReadError(ctx, err) == actionClose {
				return
			}
			// Oversize line: reply 500 and keep going.
			if s.reply(ReplyLineTooLong) == actionClose {
				return
			}
			continue
		}

		cmd, err := ParseCommand(line)
		if err != nil {
			s.logger.Debug("unparseable command", slog.String("error", err.Error()))
			if s.reply(ReplySyntaxError) == actionClose {
				return
			}
			continue
		}

		s.logger.Debug("command received", slog.String("verb", cmd.Verb))
		s.opts.Collector.CommandProcessed(cmd.Verb)

		reply, act := s.dispatch(ctx, cmd)
		if reply != nil {
			if s.reply(*reply) == actionClose {
				return
			}
		}
		if act == actionClose {
			_ = s.conn.Flush()
			return
		}
	}
}

// handleReadError classifies a ReadLine failure. actionClose means the
// session is over; actionContinue means the caller should report an
// oversize line and carry on.
func (s *Session) handleReadError(ctx context.Context, err error) action {
	switch {
	case errors.Is(err, server.ErrLineTooLong):
		return actionContinue
	case isTimeout(err):
		s.logger.Info("command timeout, closing session")
		s.finalReply(ReplyTimeout)
		return actionClose
	case errors.Is(err, io.EOF), errors.Is(err, server.ErrConnectionClosed):
		s.logger.Info("client closed connection")
		return actionClose
	default:
		s.logger.Error("read failed", slog.String("error", err.Error()))
		s.emitError(ctx, err)
		return actionClose
	}
}

// reply writes a final command reply, applies the error budget, and
// decides whether the session survives. Pipelined batches keep responses
// buffered until the input is drained.
func (s *Session) reply(r Reply) action {
	if r.IsError() {
		s.errorCount++
		s.opts.Collector.ErrorOccurred(errorKind(r.Code))
		if s.errorCount > s.cfg.Limits.MaxErrors {
			s.logger.Info("error budget exhausted", slog.Int("errors", s.errorCount))
			s.finalReply(ReplyTooManyErrors)
			return actionClose
		}
	} else if r.IsSuccess() {
		s.errorCount = 0
	}

	if err := s.writeReply(r); err != nil {
		return actionClose
	}
	if s.conn.Buffered() == 0 {
		if err := s.conn.Flush(); err != nil {
			return actionClose
		}
	}
	return actionContinue
}

// finalReply writes a closing reply on a best-effort basis.
func (s *Session) finalReply(r Reply) {
	_ = s.writeReply(r)
	_ = s.conn.Flush()
}

func (s *Session) writeReply(r Reply) error {
	return s.conn.WriteString(r.String())
}

// dispatch routes one command. A nil reply means the handler wrote its
// own responses.
func (s *Session) dispatch(ctx context.Context, cmd Command) (*Reply, action) {
	// Before the greeting only session-neutral verbs are legal.
	if s.phase == PhaseAwaitingGreeting {
		switch cmd.Verb {
		case "VRFY", "HELP", "AUTH", "STARTTLS":
			return &ReplyBadSequence, actionContinue
		}
	}

	switch cmd.Verb {
	case "HELO":
		return s.handleHelo(cmd, false), actionContinue
	case "EHLO":
		return s.handleHelo(cmd, true), actionContinue
	case "MAIL":
		return s.handleMail(ctx, cmd), actionContinue
	case "RCPT":
		return s.handleRcpt(ctx, cmd), actionContinue
	case "DATA":
		return s.handleData(ctx)
	case "STARTTLS":
		return s.handleStartTLS()
	case "AUTH":
		return s.handleAuth(ctx, cmd)
	case "RSET":
		s.discardTransaction()
		if s.phase == PhaseInTransaction {
			s.phase = PhaseReady
		}
		return &ReplyOK, actionContinue
	case "NOOP":
		return &ReplyOK, actionContinue
	case "VRFY":
		return &ReplyCannotVerify, actionContinue
	case "HELP":
		r := NewReply(CodeHelp, "Supported commands: HELO EHLO MAIL RCPT DATA RSET NOOP VRFY HELP STARTTLS AUTH QUIT")
		return &r, actionContinue
	case "QUIT":
		return &ReplyBye, actionClose
	case "EXPN", "TURN", "ETRN", "BDAT":
		return &ReplyNotImplemented, actionContinue
	default:
		return &ReplySyntaxError, actionContinue
	}
}

// handleHelo processes HELO and EHLO. Reissue in any post-greeting phase
// discards the in-flight transaction.
func (s *Session) handleHelo(cmd Command, extended bool) *Reply {
	hostname, err := ParseHeloHostname(cmd.Arg)
	if err != nil {
		return &ReplyParamError
	}

	s.clientDomain = hostname
	s.esmtp = extended
	s.discardTransaction()
	s.phase = PhaseReady

	if !extended {
		r := NewReply(CodeOK, s.cfg.Hostname)
		return &r
	}

	r := NewMultiReply(CodeOK, s.capabilities()...)
	return &r
}

// capabilities computes the EHLO advertisement for the current session
// state.
func (s *Session) capabilities() []string {
	caps := []string{s.cfg.Hostname}

	if s.cfg.Caps.Pipelining {
		caps = append(caps, "PIPELINING")
	}
	if s.cfg.Caps.EightBitMIME {
		caps = append(caps, "8BITMIME")
	}
	if s.cfg.Caps.SMTPUTF8 {
		caps = append(caps, "SMTPUTF8")
	}
	caps = append(caps, fmt.Sprintf("SIZE %d", s.cfg.Limits.MaxMessageSize))

	if s.opts.TLSConfig != nil && !s.conn.IsTLS() {
		caps = append(caps, "STARTTLS")
	}
	if s.authAdvertisable() {
		caps = append(caps, "AUTH "+strings.Join(s.enabledMechanisms(), " "))
	}

	return append(caps, "HELP")
}

// authAdvertisable reports whether AUTH may be offered on this connection.
func (s *Session) authAdvertisable() bool {
	if !s.cfg.Auth.Enabled || s.opts.AuthCallback == nil {
		return false
	}
	if s.conn.IsTLS() {
		return true
	}
	return s.cfg.Caps.AllowPlaintextAuth && !s.cfg.Caps.RequireTLS
}

// enabledMechanisms returns the configured mechanisms that the registry
// can actually serve, preserving configuration order.
func (s *Session) enabledMechanisms() []string {
	var mechs []string
	for _, m := range s.cfg.Auth.Mechanisms {
		name := strings.ToUpper(m)
		if s.opts.Registry.Supports(name) {
			mechs = append(mechs, name)
		}
	}
	return mechs
}

func (s *Session) handleMail(ctx context.Context, cmd Command) *Reply {
	switch s.phase {
	case PhaseAwaitingGreeting:
		r := NewReply(CodeBadSequence, "Send HELO/EHLO first")
		return &r
	case PhaseInTransaction:
		// A second MAIL requires an explicit RSET.
		return &ReplyBadSequence
	case PhaseReady:
	default:
		return &ReplyBadSequence
	}

	if s.cfg.Caps.RequireTLS && !s.conn.IsTLS() {
		r := NewReply(CodeAuthRequired, "Must issue a STARTTLS command first")
		return &r
	}
	if s.cfg.Caps.RequireAuth && !s.authenticated {
		return &ReplyAuthRequired
	}

	sender, params, err := ParsePath(cmd.Arg, "FROM")
	if err != nil {
		return &ReplyParamError
	}

	var declaredSize int64
	if v, ok := params["SIZE"]; ok {
		declaredSize, err = strconv.ParseInt(v, 10, 64)
		if err != nil || declaredSize < 0 {
			return &ReplyParamError
		}
		if declaredSize > s.cfg.Limits.MaxMessageSize {
			s.opts.Collector.MessageRejected("size")
			return &ReplyTooLarge
		}
	}

	eightBit := false
	if v, ok := params["BODY"]; ok {
		switch strings.ToUpper(v) {
		case "7BIT":
		case "8BITMIME":
			if !s.cfg.Caps.EightBitMIME {
				return &ReplyParamError
			}
			eightBit = true
		default:
			return &ReplyParamError
		}
	}

	utf8 := false
	if _, ok := params["SMTPUTF8"]; ok {
		if !s.cfg.Caps.SMTPUTF8 {
			return &ReplyParamError
		}
		utf8 = true
	}

	verdict, err := s.opts.Filter.CanAcceptFrom(ctx, s, sender, declaredSize)
	if err != nil {
		s.emitError(ctx, fmt.Errorf("filter CanAcceptFrom: %w", err))
		r := NewReply(CodeLocalError, "Local error in processing")
		return &r
	}
	switch verdict {
	case VerdictDenyPermanent:
		s.opts.Collector.MessageRejected("sender")
		return &ReplySenderDenied
	case VerdictDenyTransient:
		return &ReplySenderDeferred
	}

	s.txn = NewTransaction(sender, declaredSize, eightBit)
	s.eightBit = eightBit
	s.utf8 = utf8
	s.phase = PhaseInTransaction
	return &ReplyOK
}

func (s *Session) handleRcpt(ctx context.Context, cmd Command) *Reply {
	if s.phase != PhaseInTransaction {
		return &ReplyBadSequence
	}

	if s.txn.RecipientCount() >= s.cfg.Limits.MaxRecipients {
		return &ReplyTooManyRcpts
	}

	recipient, _, err := ParsePath(cmd.Arg, "TO")
	if err != nil || recipient == "" {
		return &ReplyParamError
	}

	verdict, err := s.opts.Filter.CanDeliverTo(ctx, s, recipient, s.txn.ReversePath())
	if err != nil {
		s.emitError(ctx, fmt.Errorf("filter CanDeliverTo: %w", err))
		r := NewReply(CodeLocalError, "Local error in processing")
		return &r
	}
	switch verdict {
	case VerdictDenyPermanent:
		return &ReplyRcptDenied
	case VerdictDenyTransient:
		// The transaction survives; other recipients may be acceptable.
		return &ReplyRcptDeferred
	}

	s.txn.AddRecipient(recipient)
	return &ReplyOK
}

// handleData runs the body sub-protocol and the commit path.
func (s *Session) handleData(ctx context.Context) (*Reply, action) {
	if s.phase != PhaseInTransaction || s.txn.RecipientCount() == 0 {
		return &ReplyBadSequence, actionContinue
	}

	if err := s.writeReply(ReplyStartMailInput); err != nil {
		return nil, actionClose
	}
	if err := s.conn.Flush(); err != nil {
		return nil, actionClose
	}

	dr := &DataReader{
		R:         s.conn.Reader(),
		MaxSize:   s.cfg.Limits.MaxMessageSize,
		Allow8Bit: s.cfg.Caps.EightBitMIME || s.txn.EightBit(),
		Rearm:     s.conn.SetDataTimeout,
	}

	body, err := dr.ReadAll()
	if err != nil {
		switch {
		case errors.Is(err, ErrMessageTooLarge):
			s.opts.Collector.MessageRejected("size")
			s.discardTransaction()
			s.phase = PhaseReady
			return &ReplyTooLarge, actionContinue
		case errors.Is(err, ErrEightBitContent):
			s.discardTransaction()
			s.phase = PhaseReady
			return &ReplyEightBitOnly, actionContinue
		case isTimeout(err):
			s.logger.Info("data timeout, closing session")
			s.finalReply(ReplyDataTimeout)
			return nil, actionClose
		default:
			s.logger.Error("data read failed", slog.String("error", err.Error()))
			s.emitError(ctx, err)
			return nil, actionClose
		}
	}

	reply := s.commit(ctx, body)
	s.discardTransaction()
	s.phase = PhaseReady
	return reply, actionContinue
}

// commit finalizes the message: observers first, then the store. An
// observer may cancel by supplying the reply itself.
func (s *Session) commit(ctx context.Context, body []byte) *Reply {
	msg := NewMessage(s.txn.ReversePath(), s.txn.ForwardPaths(), body)

	for _, o := range s.opts.Observers {
		if r := o.MessageReceived(ctx, s, msg); r != nil {
			s.opts.Collector.MessageRejected("observer")
			return r
		}
	}

	if err := s.opts.Store.Save(ctx, s, msg); err != nil {
		s.logger.Error("message store failed",
			slog.String("queue_id", msg.ID()),
			slog.String("error", err.Error()),
		)
		s.emitError(ctx, fmt.Errorf("store save: %w", err))
		s.opts.Collector.MessageRejected("storage")
		return &ReplyStorageFailed
	}

	s.messageCount++
	s.opts.Collector.MessageReceived(msg.Size())
	s.logger.Info("message accepted",
		slog.String("queue_id", msg.ID()),
		slog.Int64("size", msg.Size()),
		slog.Int("recipients", len(msg.ForwardPaths())),
	)

	r := NewReply(CodeOK, "OK queued as "+msg.ID())
	return &r
}

// handleStartTLS upgrades the transport. Success resets the session to
// the pre-greeting phase; the client must EHLO again. Buffered plaintext
// after the command is discarded, never interpreted.
func (s *Session) handleStartTLS() (*Reply, action) {
	if s.conn.IsTLS() {
		return &ReplyAlreadySecure, actionContinue
	}
	if s.opts.TLSConfig == nil {
		return &ReplyTLSNotAvailable, actionContinue
	}

	if err := s.writeReply(NewReply(CodeServiceReady, "Ready to start TLS")); err != nil {
		return nil, actionClose
	}
	if err := s.conn.Flush(); err != nil {
		return nil, actionClose
	}

	s.conn.DiscardBuffered()

	if err := s.conn.UpgradeToTLS(s.opts.TLSConfig); err != nil {
		s.logger.Error("TLS upgrade failed", slog.String("error", err.Error()))
		return nil, actionClose
	}

	s.opts.Collector.TLSConnectionEstablished()
	s.logger.Info("TLS established")

	s.discardTransaction()
	s.clientDomain = ""
	s.esmtp = false
	s.phase = PhaseAwaitingGreeting
	return nil, actionContinue
}

// handleAuth runs the SASL sub-protocol for one AUTH attempt.
func (s *Session) handleAuth(ctx context.Context, cmd Command) (*Reply, action) {
	if !s.cfg.Auth.Enabled || s.opts.AuthCallback == nil {
		return &ReplyNotImplemented, actionContinue
	}
	if s.authenticated {
		r := NewReply(CodeBadSequence, "Already authenticated")
		return &r, actionContinue
	}
	if s.phase == PhaseInTransaction {
		return &ReplyBadSequence, actionContinue
	}
	if !s.conn.IsTLS() && (s.cfg.Caps.RequireTLS || !s.cfg.Caps.AllowPlaintextAuth) {
		return &ReplyTLSRequired, actionContinue
	}

	mechName, initial, _ := strings.Cut(cmd.Arg, " ")
	mechName = strings.ToUpper(strings.TrimSpace(mechName))
	if mechName == "" {
		return &ReplyParamError, actionContinue
	}

	if !s.mechanismEnabled(mechName) {
		r := NewReply(CodeUnrecognizedAuth, "Unrecognized authentication type")
		return &r, actionContinue
	}

	mech, err := s.opts.Registry.Create(ctx, mechName, s.opts.AuthCallback)
	if err != nil {
		r := NewReply(CodeUnrecognizedAuth, "Unrecognized authentication type")
		return &r, actionContinue
	}

	// AUTH is a pipeline barrier; input queued behind it belongs to the
	// exchange and is consumed by the response reads below.

	var response []byte
	haveResponse := false
	if initial != "" {
		response, err = decodeAuthLine(initial)
		if err != nil {
			return &ReplyAuthFailed, actionContinue
		}
		haveResponse = true
	}

	for {
		var in []byte
		if haveResponse {
			in = response
		}
		challenge, done, err := mech.Next(in)
		if err != nil {
			s.logger.Info("authentication failed", slog.String("mechanism", mechName))
			s.opts.Collector.AuthAttempt(mechName, false)
			return &ReplyAuthFailed, actionContinue
		}
		if done {
			s.authenticated = true
			s.identity = mech.Identity()
			s.logger.Info("authentication successful",
				slog.String("mechanism", mechName),
				slog.String("identity", s.identity),
			)
			s.opts.Collector.AuthAttempt(mechName, true)
			return &ReplyAuthOK, actionContinue
		}

		line, err := s.challenge(challenge)
		if err != nil {
			switch {
			case errors.Is(err, ErrAuthCancelled):
				s.opts.Collector.AuthAttempt(mechName, false)
				return &ReplyAuthCancelled, actionContinue
			case errors.Is(err, server.ErrLineTooLong):
				s.opts.Collector.AuthAttempt(mechName, false)
				return &ReplyLineTooLong, actionContinue
			default:
				// A transport failure mid-exchange ends the session.
				return nil, s.handleReadError(ctx, err)
			}
		}

		response, err = decodeAuthLine(line)
		if err != nil {
			s.opts.Collector.AuthAttempt(mechName, false)
			return &ReplyAuthFailed, actionContinue
		}
		haveResponse = true
	}
}

// challenge writes a 334 with the base64 challenge and reads the client's
// line. A lone "*" aborts the exchange.
func (s *Session) challenge(data []byte) (string, error) {
	encoded := base64.StdEncoding.EncodeToString(data)
	if err := s.writeReply(NewReply(CodeAuthContinue, encoded)); err != nil {
		return "", err
	}
	if err := s.conn.Flush(); err != nil {
		return "", err
	}

	if err := s.conn.SetCommandTimeout(); err != nil {
		return "", err
	}
	line, err := s.conn.ReadLine()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(line) == "*" {
		return "", ErrAuthCancelled
	}
	return line, nil
}

func (s *Session) mechanismEnabled(name string) bool {
	for _, m := range s.enabledMechanisms() {
		if m == name {
			return true
		}
	}
	return false
}

// decodeAuthLine decodes a base64 SASL exchange line. "=" denotes an
// explicitly empty response.
func decodeAuthLine(line string) ([]byte, error) {
	line = strings.TrimSpace(line)
	if line == "=" {
		return []byte{}, nil
	}
	data, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBase64, err)
	}
	return data, nil
}

func (s *Session) discardTransaction() {
	s.txn = nil
	s.eightBit = false
	s.utf8 = false
}

func (s *Session) emitError(ctx context.Context, err error) {
	for _, o := range s.opts.Observers {
		o.ErrorOccurred(ctx, s, err)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// errorKind buckets a reply code for the error counter metric.
func errorKind(code int) string {
	switch code {
	case CodeSyntaxError, CodeParamSyntaxError:
		return "syntax"
	case CodeBadSequence:
		return "sequence"
	case CodeAuthFailed, CodeAuthRequired, CodeEncryptionRequired:
		return "auth"
	case CodeExceededStorage:
		return "size"
	case CodeMailboxUnavailable, CodeMailboxBusy:
		return "policy"
	case CodeTransactionFailed, CodeLocalError:
		return "processing"
	default:
		return "other"
	}
}
