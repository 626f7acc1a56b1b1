package smtp

import (
	"context"
	"net"
	"time"
)

// SessionView is the read-only projection of a session exposed to
// collaborators. The Properties map is a writable scratch area scoped to
// the session; the core never reads it.
type SessionView interface {
	ID() string
	RemoteAddr() net.Addr
	LocalAddr() net.Addr
	Secure() bool
	Authenticated() bool
	Identity() string
	ClientDomain() string
	StartTime() time.Time
	MessageCount() int
	EightBitNegotiated() bool
	UTF8Negotiated() bool
	MaxMessageSize() int64
	Properties() map[string]any
}

// MessageStore receives each accepted message exactly once. A returned
// error maps to a 554 on the wire; the message is then discarded by the
// core. Implementations must be safe for concurrent calls.
type MessageStore interface {
	Save(ctx context.Context, sess SessionView, msg *Message) error
}

// FilterVerdict is the outcome of a mailbox filter consultation.
type FilterVerdict int

const (
	// VerdictAccept lets the command proceed.
	VerdictAccept FilterVerdict = iota

	// VerdictDenyPermanent rejects with a 550.
	VerdictDenyPermanent

	// VerdictDenyTransient rejects with a 450; the client may retry.
	VerdictDenyTransient
)

// MailboxFilter is consulted at MAIL and RCPT. Implementations must be
// safe for concurrent calls.
type MailboxFilter interface {
	// CanAcceptFrom is consulted at MAIL FROM. declaredSize is the SIZE
	// parameter value, or 0 when the client did not declare one.
	CanAcceptFrom(ctx context.Context, sess SessionView, sender string, declaredSize int64) (FilterVerdict, error)

	// CanDeliverTo is consulted at RCPT TO.
	CanDeliverTo(ctx context.Context, sess SessionView, recipient, sender string) (FilterVerdict, error)
}

// Observer receives session lifecycle and message events. All methods are
// invoked synchronously from the session goroutine; MessageReceived runs
// before the store is called and may cancel the message by returning a
// non-nil reply, which is written instead of the queued confirmation.
type Observer interface {
	SessionCreated(ctx context.Context, sess SessionView)
	SessionCompleted(ctx context.Context, sess SessionView)
	MessageReceived(ctx context.Context, sess SessionView, msg *Message) *Reply
	ErrorOccurred(ctx context.Context, sess SessionView, err error)
}

// NopObserver implements Observer with no-ops, for embedding.
type NopObserver struct{}

func (NopObserver) SessionCreated(context.Context, SessionView) {}

func (NopObserver) SessionCompleted(context.Context, SessionView) {}

func (NopObserver) MessageReceived(context.Context, SessionView, *Message) *Reply {
	return nil
}

func (NopObserver) ErrorOccurred(context.Context, SessionView, error) {}

// acceptAllFilter is the default when no filter is configured.
type acceptAllFilter struct{}

func (acceptAllFilter) CanAcceptFrom(context.Context, SessionView, string, int64) (FilterVerdict, error) {
	return VerdictAccept, nil
}

func (acceptAllFilter) CanDeliverTo(context.Context, SessionView, string, string) (FilterVerdict, error) {
	return VerdictAccept, nil
}

// discardStore is the default when no store is configured. Messages are
// acknowledged and dropped.
type discardStore struct{}

func (discardStore) Save(context.Context, SessionView, *Message) error {
	return nil
}
