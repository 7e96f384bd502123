// Package config loads termhub settings from ~/.termhub/config.toml. Command
// line flags win over file values, and secrets come from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultAddr      = "127.0.0.1:8800"
	DefaultRelayAddr = ":8443"
	DefaultTool      = "claude"

	EnvTunnelSecret  = "TERMHUB_TUNNEL_SECRET"
	EnvRelayPassword = "TERMHUB_RELAY_PASSWORD"
)

// Config is the full host and relay configuration. Durations are written
// as strings in TOML, e.g. identifier_timeout = "5s".
type Config struct {
	// Addr is the host:port the HTTP and WebSocket server listens on.
	Addr string `toml:"addr"`
	// DBPath is the SQLite database holding detected sessions.
	DBPath string `toml:"db_path"`

	// LogLevel is one of trace, debug, info, warn, error.
	LogLevel string `toml:"log_level"`
	// LogFormat is "json" or "pretty".
	LogFormat string `toml:"log_format"`

	ToolPath  string   `toml:"tool_path"`
	ShellPath string   `toml:"shell_path"`
	ShellArgs []string `toml:"shell_args"`
	Rows      int      `toml:"rows"`
	Cols      int      `toml:"cols"`

	IdentifierTimeout  time.Duration `toml:"identifier_timeout"`
	IntrospectionDelay time.Duration `toml:"introspection_delay"`
	BufferLimit        int           `toml:"buffer_limit"`
	FatalGrace         time.Duration `toml:"fatal_grace"`
	ShutdownTimeout    time.Duration `toml:"shutdown_timeout"`

	// CreateRate is the sustained number of sessions per second clients may
	// create; CreateBurst the short-term allowance.
	CreateRate  float64 `toml:"create_rate"`
	CreateBurst int     `toml:"create_burst"`

	// ReplayBytes is how much recent output a joining client receives.
	ReplayBytes int `toml:"replay_bytes"`
	// AllowedOrigins lists browser origins allowed to open WebSockets.
	// Empty allows same-origin and non-browser clients only.
	AllowedOrigins []string `toml:"allowed_origins"`

	// TunnelURL is the relay's tunnel endpoint. When set the host dials out
	// and serves through the relay in addition to Addr.
	TunnelURL string `toml:"tunnel_url"`
	// TunnelSecret authenticates the host to the relay. Environment only.
	TunnelSecret string `toml:"-"`
	// TunnelInsecure accepts a relay's self-signed certificate.
	TunnelInsecure bool `toml:"tunnel_insecure"`

	Relay RelayConfig `toml:"relay"`
}

// RelayConfig configures `termhub relay`.
type RelayConfig struct {
	Addr    string `toml:"addr"`
	Domain  string `toml:"domain"`
	TLSCert string `toml:"tls_cert"`
	TLSKey  string `toml:"tls_key"`

	// User and PasswordHash (bcrypt) guard POST /auth/token. A plain
	// password from the environment is hashed at startup instead.
	User         string        `toml:"user"`
	PasswordHash string        `toml:"password_hash"`
	Password     string        `toml:"-"`
	TokenTTL     time.Duration `toml:"token_ttl"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		Addr:               DefaultAddr,
		LogLevel:           "info",
		LogFormat:          "json",
		ToolPath:           DefaultTool,
		Rows:               40,
		Cols:               120,
		IdentifierTimeout:  5 * time.Second,
		IntrospectionDelay: 100 * time.Millisecond,
		BufferLimit:        10 * 1024,
		FatalGrace:         3500 * time.Millisecond,
		ShutdownTimeout:    5 * time.Second,
		CreateRate:         5,
		CreateBurst:        10,
		ReplayBytes:        100 * 1024,
		Relay: RelayConfig{
			Addr:     DefaultRelayAddr,
			User:     "admin",
			TokenTTL: 24 * time.Hour,
		},
	}
	if dir, err := Dir(); err == nil {
		cfg.DBPath = filepath.Join(dir, "termhub.db")
	}
	return cfg
}

// Dir is ~/.termhub.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".termhub"), nil
}

// DefaultPath returns ~/.termhub/config.toml.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Load reads the configuration file over the defaults. An empty path means
// the default location, which may be missing. An explicit path must exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			cfg.applyEnv()
			return cfg, nil
		}
		path = p
	} else if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s: unknown key %q", path, undecoded[0].String())
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvTunnelSecret); v != "" {
		c.TunnelSecret = v
	}
	if v := os.Getenv(EnvRelayPassword); v != "" {
		c.Relay.Password = v
	}
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return errors.New("addr is required")
	case c.DBPath == "":
		return errors.New("db_path is required")
	case c.ToolPath == "":
		return errors.New("tool_path is required")
	case c.Rows <= 0 || c.Cols <= 0:
		return fmt.Errorf("invalid terminal size %dx%d", c.Cols, c.Rows)
	case c.IdentifierTimeout <= 0:
		return errors.New("identifier_timeout must be positive")
	case c.BufferLimit < 64:
		return fmt.Errorf("buffer_limit %d is too small", c.BufferLimit)
	case c.CreateRate < 0:
		return errors.New("create_rate must not be negative")
	case c.TunnelURL != "" && c.TunnelSecret == "":
		return fmt.Errorf("tunnel_url is set but %s is empty", EnvTunnelSecret)
	}
	return nil
}

// ValidateRelay checks the settings `termhub relay` needs.
func (c *Config) ValidateRelay() error {
	switch {
	case c.Relay.Addr == "":
		return errors.New("relay.addr is required")
	case c.TunnelSecret == "":
		return fmt.Errorf("%s is required for the relay", EnvTunnelSecret)
	case c.Relay.PasswordHash == "" && c.Relay.Password == "":
		return fmt.Errorf("relay.password_hash or %s is required", EnvRelayPassword)
	case (c.Relay.TLSCert == "") != (c.Relay.TLSKey == ""):
		return errors.New("relay.tls_cert and relay.tls_key must be set together")
	}
	return nil
}
