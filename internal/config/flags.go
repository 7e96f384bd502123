package config

import (
	"time"

	"github.com/spf13/pflag"
)

// Flags holds command line overrides. Only flags the user actually set are
// copied onto the loaded configuration.
type Flags struct {
	ConfigPath string

	set    *pflag.FlagSet
	values Config
}

// AddFlags registers the overrides on flagSet. Defaults shown in help come
// from Default().
func (f *Flags) AddFlags(flagSet *pflag.FlagSet) {
	d := Default()
	f.set = flagSet
	flagSet.StringVarP(&f.ConfigPath, "config", "c", "", "config file (default ~/.termhub/config.toml)")
	flagSet.StringVar(&f.values.Addr, "addr", d.Addr, "listen address")
	flagSet.StringVar(&f.values.DBPath, "db", d.DBPath, "SQLite database path")
	flagSet.StringVar(&f.values.LogLevel, "log-level", d.LogLevel, "log level (trace, debug, info, warn, error)")
	flagSet.StringVar(&f.values.LogFormat, "log-format", d.LogFormat, "log format (json, pretty)")
	flagSet.StringVar(&f.values.ToolPath, "tool", d.ToolPath, "interactive tool to run in assistant sessions")
	flagSet.StringVar(&f.values.ShellPath, "shell", "", "shell for shell sessions (default $SHELL)")
	flagSet.IntVar(&f.values.Rows, "rows", d.Rows, "initial terminal rows")
	flagSet.IntVar(&f.values.Cols, "cols", d.Cols, "initial terminal columns")
	flagSet.DurationVar(&f.values.IdentifierTimeout, "identifier-timeout", d.IdentifierTimeout, "how long to wait for the session id after the ready marker")
	flagSet.Float64Var(&f.values.CreateRate, "create-rate", d.CreateRate, "sessions per second clients may create (0 for unlimited)")
	flagSet.StringSliceVar(&f.values.AllowedOrigins, "allowed-origin", nil, "browser origin allowed to open WebSockets (repeatable)")
	flagSet.StringVar(&f.values.TunnelURL, "tunnel-url", "", "relay tunnel URL to dial, e.g. wss://relay.example.com/tunnel")
	flagSet.BoolVar(&f.values.TunnelInsecure, "tunnel-insecure", false, "accept a self-signed relay certificate")
	flagSet.StringVar(&f.values.Relay.Addr, "relay-addr", d.Relay.Addr, "relay listen address")
	flagSet.StringVar(&f.values.Relay.Domain, "relay-domain", "", "relay public domain, used for the self-signed certificate")
}

// Apply copies every flag the user set onto cfg.
func (f *Flags) Apply(cfg *Config) {
	if f.set == nil {
		return
	}
	str := func(name string, dst *string, v string) {
		if f.set.Changed(name) {
			*dst = v
		}
	}
	num := func(name string, dst *int, v int) {
		if f.set.Changed(name) {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration, v time.Duration) {
		if f.set.Changed(name) {
			*dst = v
		}
	}

	str("addr", &cfg.Addr, f.values.Addr)
	str("db", &cfg.DBPath, f.values.DBPath)
	str("log-level", &cfg.LogLevel, f.values.LogLevel)
	str("log-format", &cfg.LogFormat, f.values.LogFormat)
	str("tool", &cfg.ToolPath, f.values.ToolPath)
	str("tunnel-url", &cfg.TunnelURL, f.values.TunnelURL)
	str("relay-addr", &cfg.Relay.Addr, f.values.Relay.Addr)
	str("relay-domain", &cfg.Relay.Domain, f.values.Relay.Domain)
	if f.set.Changed("shell") {
		cfg.ShellPath = f.values.ShellPath
		cfg.ShellArgs = nil
	}
	num("rows", &cfg.Rows, f.values.Rows)
	num("cols", &cfg.Cols, f.values.Cols)
	dur("identifier-timeout", &cfg.IdentifierTimeout, f.values.IdentifierTimeout)
	if f.set.Changed("create-rate") {
		cfg.CreateRate = f.values.CreateRate
	}
	if f.set.Changed("tunnel-insecure") {
		cfg.TunnelInsecure = f.values.TunnelInsecure
	}
	if f.set.Changed("allowed-origin") {
		cfg.AllowedOrigins = f.values.AllowedOrigins
	}
}
