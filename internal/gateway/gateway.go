// Package gateway is the public relay. It accepts one host over a reverse
// tunnel and proxies authenticated users' HTTP and WebSocket traffic to it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/peterje/termhub/internal/api"
	"github.com/peterje/termhub/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Relay serves /tunnel for the host, /auth/token for users and proxies
// everything else.
type Relay struct {
	cfg  config.RelayConfig
	link *hostLink
	auth *Auth
	log  zerolog.Logger
	mux  *http.ServeMux
}

// New builds a relay. secret is the pre-shared tunnel secret.
func New(cfg config.RelayConfig, secret string) (*Relay, error) {
	if secret == "" {
		return nil, errors.New("tunnel secret is required")
	}
	logger := log.With().Str("component", "relay").Logger()
	auth, err := NewAuth(cfg.User, cfg.PasswordHash, cfg.Password, cfg.TokenTTL, logger)
	if err != nil {
		return nil, err
	}

	r := &Relay{
		cfg:  cfg,
		link: newHostLink(secret, logger),
		auth: auth,
		log:  logger,
		mux:  http.NewServeMux(),
	}
	r.mux.Handle("GET /tunnel", r.link)
	r.mux.HandleFunc("POST /auth/token", auth.HandleToken)
	r.mux.HandleFunc("GET /relay/health", r.handleHealth)
	r.mux.Handle("/", auth.Middleware(newProxy(r.link, logger)))
	return r, nil
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Relay) handleHealth(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"connected": r.link.connected(),
	})
}

// Run serves TLS on the configured address until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	dir, err := config.Dir()
	if err != nil {
		return err
	}
	tlsCfg, err := TLSConfig(r.cfg.TLSCert, r.cfg.TLSKey, r.cfg.Domain, filepath.Join(dir, "relay-tls"))
	if err != nil {
		return fmt.Errorf("TLS config: %w", err)
	}

	srv := &http.Server{
		Addr:              r.cfg.Addr,
		Handler:           r,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		r.log.Info().Str("addr", r.cfg.Addr).Str("domain", r.cfg.Domain).Msg("relay listening")
		errCh <- srv.ListenAndServeTLS("", "")
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	r.log.Info().Msg("relay shutting down")
	r.link.close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("relay shutdown: %w", err)
	}
	return nil
}
