package main

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/infodancer/smtpd/internal/smtp"
)

// NewStaticAuthCallback verifies credentials against a map of username to
// argon2id password hash in PHC string format:
//
//	$argon2id$v=19$m=65536,t=1,p=4$<b64 salt>$<b64 hash>
//
// Hashes can be produced with any standard argon2 tool.
func NewStaticAuthCallback(users map[string]string, logger *slog.Logger) smtp.AuthCallback {
	return func(ctx context.Context, username, password string) smtp.AuthenticationResult {
		encoded, ok := users[username]
		if !ok {
			// Burn comparable time so unknown users are not distinguishable.
			_ = argon2.IDKey([]byte(password), []byte("placeholder-salt"), 1, 64*1024, 4, 32)
			return smtp.Fail("unknown user")
		}

		match, err := verifyArgon2id(password, encoded)
		if err != nil {
			logger.Error("malformed password hash", "username", username, "error", err.Error())
			return smtp.Fail("bad stored hash")
		}
		if !match {
			return smtp.Fail("wrong password")
		}
		return smtp.Succeed(username)
	}
}

type argon2Params struct {
	memory  uint32
	time    uint32
	threads uint8
}

// verifyArgon2id checks password against a PHC-encoded argon2id hash.
func verifyArgon2id(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return false, fmt.Errorf("malformed hash string")
	}
	if parts[1] != "argon2id" {
		return false, fmt.Errorf("unsupported hash variant %q", parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, fmt.Errorf("parsing version: %w", err)
	}
	if version != argon2.Version {
		return false, fmt.Errorf("unsupported argon2 version %d", version)
	}

	var p argon2Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return false, fmt.Errorf("parsing parameters: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("decoding salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("decoding hash: %w", err)
	}

	got := argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
