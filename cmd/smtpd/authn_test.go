package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"golang.org/x/crypto/argon2"
)

func hashPassword(password string) string {
	salt := []byte("0123456789abcdef")
	key := argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32)
	return fmt.Sprintf("$argon2id$v=%d$m=65536,t=1,p=4$%s$%s",
		argon2.Version,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key))
}

func TestStaticAuthCallback(t *testing.T) {
	users := map[string]string{
		"alice": hashPassword("secret"),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cb := NewStaticAuthCallback(users, logger)
	ctx := context.Background()

	t.Run("correct password", func(t *testing.T) {
		res := cb(ctx, "alice", "secret")
		if !res.Success {
			t.Fatalf("authentication failed: %s", res.Reason)
		}
		if res.Identity != "alice" {
			t.Errorf("identity = %q, want %q", res.Identity, "alice")
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		if res := cb(ctx, "alice", "guess"); res.Success {
			t.Error("authentication succeeded with wrong password")
		}
	})

	t.Run("unknown user", func(t *testing.T) {
		if res := cb(ctx, "mallory", "secret"); res.Success {
			t.Error("authentication succeeded for unknown user")
		}
	})
}

func TestVerifyArgon2id(t *testing.T) {
	valid := hashPassword("hunter2")

	tests := []struct {
		name     string
		password string
		encoded  string
		want     bool
		wantErr  bool
	}{
		{name: "match", password: "hunter2", encoded: valid, want: true},
		{name: "mismatch", password: "hunter3", encoded: valid, want: false},
		{name: "empty string", encoded: "", wantErr: true},
		{name: "wrong variant", password: "x", encoded: "$argon2i$v=19$m=65536,t=1,p=4$c2FsdA$aGFzaA", wantErr: true},
		{name: "bad version", password: "x", encoded: "$argon2id$v=18$m=65536,t=1,p=4$c2FsdA$aGFzaA", wantErr: true},
		{name: "bad params", password: "x", encoded: "$argon2id$v=19$m=what$c2FsdA$aGFzaA", wantErr: true},
		{name: "bad salt encoding", password: "x", encoded: "$argon2id$v=19$m=65536,t=1,p=4$!!!$aGFzaA", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := verifyArgon2id(tt.password, tt.encoded)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("match = %v, want %v", got, tt.want)
			}
		})
	}
}
