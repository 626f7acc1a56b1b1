// Package config provides configuration management for the SMTP server.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"
)

// ListenerMode defines the operational mode for a listener.
type ListenerMode string

const (
	// ModeSmtp is standard SMTP on port 25 (or 587) with optional STARTTLS.
	ModeSmtp ListenerMode = "smtp"
	// ModeSmtps is implicit TLS on port 465.
	ModeSmtps ListenerMode = "smtps"
)

// FileConfig is the top-level wrapper for the shared configuration file.
// This allows smtpd, pop3d, and msgstore to share a single config file.
type FileConfig struct {
	Server ServerConfig `toml:"server"`
	Smtpd  Config       `toml:"smtpd"`
}

// ServerConfig holds shared settings used by all mail services.
type ServerConfig struct {
	Hostname string    `toml:"hostname"`
	Maildir  string    `toml:"maildir"`
	TLS      TLSConfig `toml:"tls"`
}

// Config holds the SMTP-specific server configuration.
type Config struct {
	Hostname  string           `toml:"hostname"`
	Banner    string           `toml:"banner"`
	LogLevel  string           `toml:"log_level"`
	Listeners []ListenerConfig `toml:"listeners"`
	TLS       TLSConfig        `toml:"tls"`
	Timeouts  TimeoutsConfig   `toml:"timeouts"`
	Limits    LimitsConfig     `toml:"limits"`
	Caps      CapsConfig       `toml:"capabilities"`
	Auth      AuthConfig       `toml:"auth"`
	RateLimit RateLimitConfig  `toml:"ratelimit"`
	Metrics   MetricsConfig    `toml:"metrics"`
	SpoolDir  string           `toml:"spool_dir"`
}

// ListenerConfig defines settings for a single listener.
type ListenerConfig struct {
	Address string       `toml:"address"`
	Mode    ListenerMode `toml:"mode"`
}

// TLSConfig holds TLS certificate and version settings.
type TLSConfig struct {
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	MinVersion string `toml:"min_version"`
}

// TimeoutsConfig defines timeout durations.
type TimeoutsConfig struct {
	Connection string `toml:"connection"`
	Command    string `toml:"command"`
	Data       string `toml:"data"`
}

// LimitsConfig defines resource limits for the server.
type LimitsConfig struct {
	MaxMessageSize      int64 `toml:"max_message_size"`
	MaxRecipients       int   `toml:"max_recipients"`
	MaxConnections      int   `toml:"max_connections"`
	MaxConnectionsPerIP int   `toml:"max_connections_per_ip"`
	MaxErrors           int   `toml:"max_errors"`
	MaxCommandLength    int   `toml:"max_command_length"`
	ReadBufferSize      int   `toml:"read_buffer_size"`
	WriteBufferSize     int   `toml:"write_buffer_size"`
}

// CapsConfig defines which optional SMTP extensions are advertised and
// which connection-level policies are enforced.
type CapsConfig struct {
	Pipelining         bool `toml:"pipelining"`
	EightBitMIME       bool `toml:"eightbitmime"`
	SMTPUTF8           bool `toml:"smtputf8"`
	RequireTLS         bool `toml:"require_tls"`
	RequireAuth        bool `toml:"require_auth"`
	AllowPlaintextAuth bool `toml:"allow_plaintext_auth"`
}

// AuthConfig defines SMTP AUTH settings. Users maps a username to an
// argon2id password hash for the built-in static authenticator.
type AuthConfig struct {
	Enabled    bool              `toml:"enabled"`
	Mechanisms []string          `toml:"mechanisms"`
	Users      map[string]string `toml:"users"`
}

// RateLimitConfig defines per-IP connection rate limiting.
type RateLimitConfig struct {
	Enabled     bool   `toml:"enabled"`
	Window      string `toml:"window"`
	WindowType  string `toml:"window_type"`
	MaxRequests int    `toml:"max_requests"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Hostname: "localhost",
		Banner:   "ESMTP Service ready",
		LogLevel: "info",
		Listeners: []ListenerConfig{
			{Address: ":25", Mode: ModeSmtp},
		},
		TLS: TLSConfig{
			MinVersion: "1.2",
		},
		Timeouts: TimeoutsConfig{
			Connection: "10m",
			Command:    "5m",
			Data:       "3m",
		},
		Limits: LimitsConfig{
			MaxMessageSize:      10485760,
			MaxRecipients:       100,
			MaxConnections:      100,
			MaxConnectionsPerIP: 10,
			MaxErrors:           5,
			MaxCommandLength:    1000,
			ReadBufferSize:      4096,
			WriteBufferSize:     4096,
		},
		Caps: CapsConfig{
			Pipelining:   true,
			EightBitMIME: true,
		},
		Auth: AuthConfig{
			Mechanisms: []string{"PLAIN", "LOGIN"},
		},
		RateLimit: RateLimitConfig{
			Window:      "1m",
			WindowType:  "sliding",
			MaxRequests: 60,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9102",
			Path:    "/metrics",
		},
	}
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}

	if len(c.Listeners) == 0 {
		return errors.New("at least one listener is required")
	}

	for i, l := range c.Listeners {
		if l.Address == "" {
			return fmt.Errorf("listener %d: address is required", i)
		}
		if !isValidMode(l.Mode) {
			return fmt.Errorf("listener %d: invalid mode %q", i, l.Mode)
		}
		if l.Mode == ModeSmtps && !c.TLS.Configured() {
			return fmt.Errorf("listener %d: smtps mode requires tls cert_file and key_file", i)
		}
	}

	if c.Limits.MaxMessageSize <= 0 {
		return errors.New("max_message_size must be positive")
	}
	if c.Limits.MaxRecipients <= 0 {
		return errors.New("max_recipients must be positive")
	}
	if c.Limits.MaxConnections <= 0 {
		return errors.New("max_connections must be positive")
	}
	if c.Limits.MaxConnectionsPerIP <= 0 {
		return errors.New("max_connections_per_ip must be positive")
	}
	if c.Limits.MaxErrors < 0 {
		return errors.New("max_errors must not be negative")
	}
	if c.Limits.MaxCommandLength <= 0 {
		return errors.New("max_command_length must be positive")
	}

	if c.Caps.RequireTLS && !c.TLS.Configured() {
		return errors.New("require_tls is set but no TLS certificate is configured")
	}

	// Without this an auth-required server on a plaintext listener could
	// never accept mail: AUTH would be refused with 538 on every connection.
	if c.Caps.RequireAuth && !c.Caps.RequireTLS && !c.Caps.AllowPlaintextAuth {
		return errors.New("require_auth without require_tls needs allow_plaintext_auth")
	}

	if c.Auth.Enabled && len(c.Auth.Mechanisms) == 0 {
		return errors.New("auth is enabled but no mechanisms are configured")
	}

	for _, field := range []struct{ name, value string }{
		{"connection", c.Timeouts.Connection},
		{"command", c.Timeouts.Command},
		{"data", c.Timeouts.Data},
	} {
		if field.value != "" {
			if _, err := time.ParseDuration(field.value); err != nil {
				return fmt.Errorf("invalid %s timeout: %w", field.name, err)
			}
		}
	}

	if c.TLS.MinVersion != "" {
		if _, ok := minTLSVersions[c.TLS.MinVersion]; !ok {
			return fmt.Errorf("invalid TLS min_version %q (valid: 1.2, 1.3)", c.TLS.MinVersion)
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.MaxRequests <= 0 {
			return errors.New("ratelimit max_requests must be positive")
		}
		if _, err := time.ParseDuration(c.RateLimit.Window); err != nil {
			return fmt.Errorf("invalid ratelimit window: %w", err)
		}
		switch c.RateLimit.WindowType {
		case "", "fixed", "sliding":
		default:
			return fmt.Errorf("invalid ratelimit window_type %q (valid: fixed, sliding)", c.RateLimit.WindowType)
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	return nil
}

// Configured reports whether a certificate and key are configured.
func (c *TLSConfig) Configured() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// MinTLSVersion returns the crypto/tls constant for the configured minimum
// TLS version. Returns tls.VersionTLS12 if not configured or invalid.
func (c *TLSConfig) MinTLSVersion() uint16 {
	if v, ok := minTLSVersions[c.MinVersion]; ok {
		return v
	}
	return tls.VersionTLS12
}

// ConnectionTimeout returns the absolute connection lifetime as a
// time.Duration. Returns 10 minutes if not configured or invalid.
func (c *TimeoutsConfig) ConnectionTimeout() time.Duration {
	return parseDurationOr(c.Connection, 10*time.Minute)
}

// CommandTimeout returns the per-command read timeout as a time.Duration.
// Returns 5 minutes if not configured or invalid.
func (c *TimeoutsConfig) CommandTimeout() time.Duration {
	return parseDurationOr(c.Command, 5*time.Minute)
}

// DataTimeout returns the DATA stream stall timeout as a time.Duration.
// Returns 3 minutes if not configured or invalid.
func (c *TimeoutsConfig) DataTimeout() time.Duration {
	return parseDurationOr(c.Data, 3*time.Minute)
}

// WindowDuration returns the rate limit window as a time.Duration.
// Returns 1 minute if not configured or invalid.
func (c *RateLimitConfig) WindowDuration() time.Duration {
	return parseDurationOr(c.Window, time.Minute)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// TLS 1.0 and 1.1 are deliberately absent; the server refuses to be
// configured with them.
var minTLSVersions = map[string]uint16{
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

func isValidMode(m ListenerMode) bool {
	switch m {
	case ModeSmtp, ModeSmtps:
		return true
	default:
		return false
	}
}
