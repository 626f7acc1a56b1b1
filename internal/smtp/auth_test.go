package smtp

import (
	"context"
	"errors"
	"testing"
)

func staticCallback(wantUser, wantPass string) AuthCallback {
	return func(ctx context.Context, username, password string) AuthenticationResult {
		if username == wantUser && password == wantPass {
			return Succeed(username)
		}
		return Fail("bad credentials")
	}
}

func TestRegistryBuiltins(t *testing.T) {
	r := NewRegistry()

	for _, name := range []string{"PLAIN", "LOGIN"} {
		if !r.Supports(name) {
			t.Errorf("Supports(%q) = false, want true", name)
		}
	}
	if r.Supports("CRAM-MD5") {
		t.Error("Supports(CRAM-MD5) = true for unregistered mechanism")
	}

	if _, err := r.Create(context.Background(), "XOAUTH2", nil); !errors.Is(err, ErrUnknownMechanism) {
		t.Errorf("Create(XOAUTH2) error = %v, want ErrUnknownMechanism", err)
	}
}

func TestRegistryCustomMechanism(t *testing.T) {
	r := NewRegistry()
	r.Register("ANONYMOUS", func(ctx context.Context, cb AuthCallback) Mechanism {
		return NewLoginMechanism(ctx, cb)
	})

	if !r.Supports("ANONYMOUS") {
		t.Error("custom mechanism not registered")
	}
}

func TestPlainMechanism(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		m := NewPlainMechanism(ctx, staticCallback("alice", "secret"))

		challenge, done, err := m.Next(nil)
		if err != nil || done {
			t.Fatalf("initial Next() = (%q, %v, %v), want empty challenge", challenge, done, err)
		}

		_, done, err = m.Next([]byte("\x00alice\x00secret"))
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if !done {
			t.Fatal("exchange not done after credentials")
		}
		if m.Identity() != "alice" {
			t.Errorf("Identity() = %q, want alice", m.Identity())
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		m := NewPlainMechanism(ctx, staticCallback("alice", "secret"))

		_, _, _ = m.Next(nil)
		_, done, err := m.Next([]byte("\x00alice\x00wrong"))
		if err == nil {
			t.Fatal("expected authentication error")
		}
		if !done {
			t.Error("exchange should be done after failed verification")
		}
		if m.Identity() != "" {
			t.Errorf("Identity() = %q after failure, want empty", m.Identity())
		}
	})

	t.Run("initial response skips challenge", func(t *testing.T) {
		m := NewPlainMechanism(ctx, staticCallback("alice", "secret"))

		_, done, err := m.Next([]byte("\x00alice\x00secret"))
		if err != nil || !done {
			t.Fatalf("Next() with initial response = (done=%v, err=%v)", done, err)
		}
	})

	t.Run("malformed response", func(t *testing.T) {
		m := NewPlainMechanism(ctx, staticCallback("alice", "secret"))

		if _, _, err := m.Next([]byte("no-separators")); err == nil {
			t.Error("malformed PLAIN response accepted")
		}
	})
}

func TestLoginMechanism(t *testing.T) {
	ctx := context.Background()

	t.Run("full exchange", func(t *testing.T) {
		m := NewLoginMechanism(ctx, staticCallback("bob", "hunter2"))

		challenge, done, err := m.Next(nil)
		if err != nil || done {
			t.Fatalf("first Next() = (%q, %v, %v)", challenge, done, err)
		}
		if string(challenge) != "Username:" {
			t.Errorf("first challenge = %q, want Username:", challenge)
		}

		challenge, done, err = m.Next([]byte("bob"))
		if err != nil || done {
			t.Fatalf("second Next() = (%q, %v, %v)", challenge, done, err)
		}
		if string(challenge) != "Password:" {
			t.Errorf("second challenge = %q, want Password:", challenge)
		}

		_, done, err = m.Next([]byte("hunter2"))
		if err != nil {
			t.Fatalf("final Next() error = %v", err)
		}
		if !done {
			t.Fatal("exchange not done after password")
		}
		if m.Identity() != "bob" {
			t.Errorf("Identity() = %q, want bob", m.Identity())
		}
	})

	t.Run("initial response is username", func(t *testing.T) {
		m := NewLoginMechanism(ctx, staticCallback("bob", "hunter2"))

		challenge, done, err := m.Next([]byte("bob"))
		if err != nil || done {
			t.Fatalf("Next() = (%q, %v, %v)", challenge, done, err)
		}
		if string(challenge) != "Password:" {
			t.Errorf("challenge = %q, want Password:", challenge)
		}
	})

	t.Run("bad password", func(t *testing.T) {
		m := NewLoginMechanism(ctx, staticCallback("bob", "hunter2"))

		_, _, _ = m.Next([]byte("bob"))
		_, done, err := m.Next([]byte("wrong"))
		if err == nil {
			t.Fatal("expected authentication error")
		}
		if !done {
			t.Error("exchange should be done after failed verification")
		}
	})
}

func TestDecodeAuthLine(t *testing.T) {
	got, err := decodeAuthLine("AGFsaWNlAHNlY3JldA==")
	if err != nil {
		t.Fatalf("decodeAuthLine() error = %v", err)
	}
	if string(got) != "\x00alice\x00secret" {
		t.Errorf("decoded = %q", got)
	}

	got, err = decodeAuthLine("=")
	if err != nil {
		t.Fatalf("decodeAuthLine(=) error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("decodeAuthLine(=) = %q, want empty", got)
	}

	if _, err := decodeAuthLine("!!not base64!!"); !errors.Is(err, ErrInvalidBase64) {
		t.Errorf("decodeAuthLine(invalid) error = %v, want ErrInvalidBase64", err)
	}
}
