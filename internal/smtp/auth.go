package smtp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/emersion/go-sasl"
)

// AuthenticationResult is the outcome of an authentication callback.
type AuthenticationResult struct {
	Success  bool
	Identity string
	Reason   string
}

// Succeed returns a successful result for the given identity.
func Succeed(identity string) AuthenticationResult {
	return AuthenticationResult{Success: true, Identity: identity}
}

// Fail returns a failed result with an optional reason. The reason is
// logged, never sent to the client.
func Fail(reason string) AuthenticationResult {
	return AuthenticationResult{Reason: reason}
}

// AuthCallback verifies a username and password. Implementations must be
// safe for concurrent calls.
type AuthCallback func(ctx context.Context, username, password string) AuthenticationResult

// Mechanism is one in-flight SASL exchange. A mechanism is created per
// AUTH attempt and drives the challenge/response sequence; responses and
// challenges are raw bytes, base64 transfer encoding is the session's job.
type Mechanism interface {
	// Next consumes the client's decoded response (nil before the client
	// has sent anything) and returns the next challenge. done is true once
	// the exchange has concluded; err then reports authentication failure.
	Next(response []byte) (challenge []byte, done bool, err error)

	// Identity returns the authenticated identity after a successful
	// exchange, and "" before that.
	Identity() string
}

// MechanismFactory creates a Mechanism bound to a session context and
// authentication callback.
type MechanismFactory func(ctx context.Context, cb AuthCallback) Mechanism

// Registry maps SASL mechanism names to factories. PLAIN and LOGIN are
// preregistered; additional mechanisms may be added by name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]MechanismFactory
}

// NewRegistry returns a registry with the built-in mechanisms.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]MechanismFactory)}
	r.Register(sasl.Plain, NewPlainMechanism)
	r.Register(sasl.Login, NewLoginMechanism)
	return r
}

// Register adds or replaces a mechanism factory.
func (r *Registry) Register(name string, f MechanismFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Create instantiates the named mechanism for one AUTH attempt.
func (r *Registry) Create(ctx context.Context, name string, cb AuthCallback) (Mechanism, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMechanism, name)
	}
	return f(ctx, cb), nil
}

// Supports reports whether the named mechanism is registered.
func (r *Registry) Supports(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// plainMechanism adapts the go-sasl PLAIN server, capturing the identity
// granted by the callback.
type plainMechanism struct {
	server   sasl.Server
	identity string
}

// NewPlainMechanism creates a PLAIN exchange backed by cb.
func NewPlainMechanism(ctx context.Context, cb AuthCallback) Mechanism {
	m := &plainMechanism{}
	m.server = sasl.NewPlainServer(func(identity, username, password string) error {
		result := cb(ctx, username, password)
		if !result.Success {
			if result.Reason != "" {
				return errors.New(result.Reason)
			}
			return errors.New("authentication failed")
		}
		m.identity = result.Identity
		if m.identity == "" {
			m.identity = username
		}
		return nil
	})
	return m
}

func (m *plainMechanism) Next(response []byte) ([]byte, bool, error) {
	return m.server.Next(response)
}

func (m *plainMechanism) Identity() string {
	return m.identity
}

// loginMechanism implements the legacy LOGIN exchange: prompt for the
// username, prompt for the password, verify. Widely sent by older clients
// even though it was never standardized.
type loginMechanism struct {
	ctx      context.Context
	cb       AuthCallback
	username string
	gotUser  bool
	identity string
}

// NewLoginMechanism creates a LOGIN exchange backed by cb.
func NewLoginMechanism(ctx context.Context, cb AuthCallback) Mechanism {
	return &loginMechanism{ctx: ctx, cb: cb}
}

func (m *loginMechanism) Next(response []byte) ([]byte, bool, error) {
	if response == nil {
		return []byte("Username:"), false, nil
	}

	if !m.gotUser {
		m.username = string(response)
		m.gotUser = true
		return []byte("Password:"), false, nil
	}

	result := m.cb(m.ctx, m.username, string(response))
	if !result.Success {
		if result.Reason != "" {
			return nil, true, errors.New(result.Reason)
		}
		return nil, true, errors.New("authentication failed")
	}

	m.identity = result.Identity
	if m.identity == "" {
		m.identity = m.username
	}
	return nil, true, nil
}

func (m *loginMechanism) Identity() string {
	return m.identity
}
