package config

import (
	"flag"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath     string
	Hostname       string
	LogLevel       string
	Listen         string
	TLSCert        string
	TLSKey         string
	MaxConnections int
	SpoolDir       string
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "./smtpd.toml", "Path to configuration file")
	flag.StringVar(&f.Hostname, "hostname", "", "Server hostname")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.Listen, "listen", "", "Listen address (replaces all config listeners)")
	flag.StringVar(&f.TLSCert, "tls-cert", "", "TLS certificate file path")
	flag.StringVar(&f.TLSKey, "tls-key", "", "TLS key file path")
	flag.IntVar(&f.MaxConnections, "max-connections", 0, "Maximum concurrent connections")
	flag.StringVar(&f.SpoolDir, "spool", "", "Spool directory for accepted messages")

	flag.Parse()
	return f
}

// Load parses a TOML configuration file and returns the Config.
// If the file does not exist, returns the default configuration.
// The loader reads from both [server] (shared settings) and [smtpd]
// (specific settings), with [smtpd] values taking precedence.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	var fileConfig FileConfig
	if err := toml.Unmarshal(data, &fileConfig); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	// First merge shared server config into defaults
	cfg = mergeServerConfig(cfg, fileConfig.Server)

	// Then merge smtpd-specific config (takes precedence)
	cfg = mergeConfig(cfg, fileConfig.Smtpd)

	// Capability booleans default to true for some flags, so a plain bool
	// merge cannot tell an explicit false from an absent key. A second pass
	// with pointer fields applies only the keys the file actually set.
	var ov fileOverrides
	if err := toml.Unmarshal(data, &ov); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.Caps = applyCaps(cfg.Caps, ov.Smtpd.Caps)

	return cfg, nil
}

type capsOverride struct {
	Pipelining         *bool `toml:"pipelining"`
	EightBitMIME       *bool `toml:"eightbitmime"`
	SMTPUTF8           *bool `toml:"smtputf8"`
	RequireTLS         *bool `toml:"require_tls"`
	RequireAuth        *bool `toml:"require_auth"`
	AllowPlaintextAuth *bool `toml:"allow_plaintext_auth"`
}

type fileOverrides struct {
	Smtpd struct {
		Caps capsOverride `toml:"capabilities"`
	} `toml:"smtpd"`
}

func applyCaps(dst CapsConfig, src capsOverride) CapsConfig {
	if src.Pipelining != nil {
		dst.Pipelining = *src.Pipelining
	}
	if src.EightBitMIME != nil {
		dst.EightBitMIME = *src.EightBitMIME
	}
	if src.SMTPUTF8 != nil {
		dst.SMTPUTF8 = *src.SMTPUTF8
	}
	if src.RequireTLS != nil {
		dst.RequireTLS = *src.RequireTLS
	}
	if src.RequireAuth != nil {
		dst.RequireAuth = *src.RequireAuth
	}
	if src.AllowPlaintextAuth != nil {
		dst.AllowPlaintextAuth = *src.AllowPlaintextAuth
	}
	return dst
}

// ApplyFlags merges command-line flag values into the config.
// Non-zero/non-empty flag values override config file values.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.Hostname != "" {
		cfg.Hostname = f.Hostname
	}

	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}

	if f.Listen != "" {
		// -listen flag replaces ALL listeners with a single listener
		cfg.Listeners = []ListenerConfig{
			{Address: f.Listen, Mode: ModeSmtp},
		}
	}

	if f.TLSCert != "" {
		cfg.TLS.CertFile = f.TLSCert
	}

	if f.TLSKey != "" {
		cfg.TLS.KeyFile = f.TLSKey
	}

	if f.MaxConnections > 0 {
		cfg.Limits.MaxConnections = f.MaxConnections
	}

	if f.SpoolDir != "" {
		cfg.SpoolDir = f.SpoolDir
	}

	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags,
// then applies flag overrides.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	return ApplyFlags(cfg, f), nil
}

// mergeServerConfig merges shared server settings into the config.
func mergeServerConfig(dst Config, src ServerConfig) Config {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}

	if src.TLS.CertFile != "" {
		dst.TLS.CertFile = src.TLS.CertFile
	}

	if src.TLS.KeyFile != "" {
		dst.TLS.KeyFile = src.TLS.KeyFile
	}

	if src.TLS.MinVersion != "" {
		dst.TLS.MinVersion = src.TLS.MinVersion
	}

	return dst
}

// mergeConfig merges non-zero values from src into dst.
func mergeConfig(dst, src Config) Config {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}

	if src.Banner != "" {
		dst.Banner = src.Banner
	}

	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}

	if len(src.Listeners) > 0 {
		dst.Listeners = src.Listeners
	}

	if src.TLS.CertFile != "" {
		dst.TLS.CertFile = src.TLS.CertFile
	}

	if src.TLS.KeyFile != "" {
		dst.TLS.KeyFile = src.TLS.KeyFile
	}

	if src.TLS.MinVersion != "" {
		dst.TLS.MinVersion = src.TLS.MinVersion
	}

	if src.Timeouts.Connection != "" {
		dst.Timeouts.Connection = src.Timeouts.Connection
	}

	if src.Timeouts.Command != "" {
		dst.Timeouts.Command = src.Timeouts.Command
	}

	if src.Timeouts.Data != "" {
		dst.Timeouts.Data = src.Timeouts.Data
	}

	if src.Limits.MaxMessageSize > 0 {
		dst.Limits.MaxMessageSize = src.Limits.MaxMessageSize
	}

	if src.Limits.MaxRecipients > 0 {
		dst.Limits.MaxRecipients = src.Limits.MaxRecipients
	}

	if src.Limits.MaxConnections > 0 {
		dst.Limits.MaxConnections = src.Limits.MaxConnections
	}

	if src.Limits.MaxConnectionsPerIP > 0 {
		dst.Limits.MaxConnectionsPerIP = src.Limits.MaxConnectionsPerIP
	}

	if src.Limits.MaxErrors > 0 {
		dst.Limits.MaxErrors = src.Limits.MaxErrors
	}

	if src.Limits.MaxCommandLength > 0 {
		dst.Limits.MaxCommandLength = src.Limits.MaxCommandLength
	}

	if src.Limits.ReadBufferSize > 0 {
		dst.Limits.ReadBufferSize = src.Limits.ReadBufferSize
	}

	if src.Limits.WriteBufferSize > 0 {
		dst.Limits.WriteBufferSize = src.Limits.WriteBufferSize
	}

	// Capabilities are merged in a separate pointer-typed pass in Load.

	if src.Auth.Enabled {
		dst.Auth.Enabled = true
	}
	if len(src.Auth.Mechanisms) > 0 {
		dst.Auth.Mechanisms = src.Auth.Mechanisms
	}
	if src.Auth.Users != nil {
		if dst.Auth.Users == nil {
			dst.Auth.Users = make(map[string]string)
		}
		for k, v := range src.Auth.Users {
			dst.Auth.Users[k] = v
		}
	}

	if src.RateLimit.Enabled {
		dst.RateLimit.Enabled = true
	}
	if src.RateLimit.Window != "" {
		dst.RateLimit.Window = src.RateLimit.Window
	}
	if src.RateLimit.WindowType != "" {
		dst.RateLimit.WindowType = src.RateLimit.WindowType
	}
	if src.RateLimit.MaxRequests > 0 {
		dst.RateLimit.MaxRequests = src.RateLimit.MaxRequests
	}

	if src.Metrics.Enabled {
		dst.Metrics.Enabled = src.Metrics.Enabled
	}

	if src.Metrics.Address != "" {
		dst.Metrics.Address = src.Metrics.Address
	}

	if src.Metrics.Path != "" {
		dst.Metrics.Path = src.Metrics.Path
	}

	if src.SpoolDir != "" {
		dst.SpoolDir = src.SpoolDir
	}

	return dst
}
