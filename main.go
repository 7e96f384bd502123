package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peterje/termhub/internal/config"
	"github.com/peterje/termhub/internal/db"
	"github.com/peterje/termhub/internal/gateway"
	"github.com/peterje/termhub/internal/preflight"
	"github.com/peterje/termhub/internal/registry"
	"github.com/peterje/termhub/internal/server"
	"github.com/peterje/termhub/internal/session"
	"github.com/peterje/termhub/internal/tunnel"
	"github.com/peterje/termhub/internal/ws"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

const usage = `termhub runs interactive terminal sessions and streams them to browsers.

Usage:
  termhub [serve] [flags]   run the host (default)
  termhub relay [flags]     run the public relay a host can tunnel through

Flags:
`

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && (args[0] == "serve" || args[0] == "relay") {
		cmd, args = args[0], args[1:]
	}

	flagSet := pflag.NewFlagSet("termhub "+cmd, pflag.ContinueOnError)
	flagSet.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flagSet.PrintDefaults()
	}
	var flags config.Flags
	flags.AddFlags(flagSet)
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	flags.Apply(cfg)
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "relay":
		err = runRelay(ctx, cfg)
	default:
		err = runServe(ctx, cfg)
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", cmd).Msg("exited with error")
	}
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.LogFormat == "pretty" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	settings := session.DefaultSettings()
	settings.ToolPath = cfg.ToolPath
	if cfg.ShellPath != "" {
		settings.ShellPath, settings.ShellArgs = cfg.ShellPath, cfg.ShellArgs
	}
	settings.Rows, settings.Cols = cfg.Rows, cfg.Cols
	settings.IdentifierTimeout = cfg.IdentifierTimeout
	settings.IntrospectionDelay = cfg.IntrospectionDelay
	settings.BufferLimit = cfg.BufferLimit

	cliStatus, toolOK := preflight.CheckAll(settings.ToolPath, settings.ShellPath)
	if !toolOK {
		log.Warn().Str("tool", settings.ToolPath).Msg("assistant sessions will fail to start until the tool is installed")
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()
	store := db.NewStore(database)

	// Sessions do not survive a restart.
	if n, err := store.MarkActiveCompleted(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to close stale sessions")
	} else if n > 0 {
		log.Info().Int64("count", n).Msg("marked stale sessions completed")
	}

	hub := ws.NewHub(cfg.ReplayBytes)
	reg := registry.New(registry.Config{
		Session:         settings,
		FatalGrace:      cfg.FatalGrace,
		ShutdownTimeout: cfg.ShutdownTimeout,
		CreateRate:      cfg.CreateRate,
		CreateBurst:     cfg.CreateBurst,
	}, store, hub)

	handler := server.Middleware(server.New(reg, hub, store, cliStatus, cfg.AllowedOrigins))
	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancelTunnel := context.WithCancel(ctx)
	defer cancelTunnel()
	tunnelDone := make(chan struct{})
	if cfg.TunnelURL != "" {
		client := tunnel.NewClient(cfg.TunnelURL, cfg.TunnelSecret, handler, cfg.TunnelInsecure)
		go func() {
			defer close(tunnelDone)
			client.Run(ctx)
		}()
	} else {
		close(tunnelDone)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("server listening")
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := reg.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("registry shutdown")
	}
	hub.Close()
	cancelTunnel()
	<-tunnelDone
	log.Info().Msg("server stopped")
	return nil
}

func runRelay(ctx context.Context, cfg *config.Config) error {
	if err := cfg.ValidateRelay(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	relay, err := gateway.New(cfg.Relay, cfg.TunnelSecret)
	if err != nil {
		return err
	}
	return relay.Run(ctx)
}
