// Package tunnel connects a host to a relay so browsers can reach it from
// outside the local network. The host dials out over a WebSocket and serves
// its HTTP handler on every yamux stream the relay opens.
package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SecretHeader carries the pre-shared secret on the tunnel handshake.
const SecretHeader = "X-Termhub-Secret"

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Client keeps a tunnel to the relay open until its context ends.
type Client struct {
	relayURL string
	secret   string
	handler  http.Handler
	dialer   websocket.Dialer
	log      zerolog.Logger
}

// NewClient returns a client for relayURL (wss://relay.example.com/tunnel).
// insecure skips certificate verification for relays using a self-signed
// certificate; the secret still authenticates the connection.
func NewClient(relayURL, secret string, handler http.Handler, insecure bool) *Client {
	c := &Client{
		relayURL: relayURL,
		secret:   secret,
		handler:  handler,
		dialer:   websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:      log.With().Str("component", "tunnel").Logger(),
	}
	if insecure {
		c.dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return c
}

// Run connects and reconnects with exponential backoff. It returns nil once
// ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		connected, err := c.serve(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = initialBackoff
		}
		c.log.Warn().Err(err).Dur("retry_in", backoff).Msg("tunnel down")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// serve runs one tunnel connection. connected reports whether the
// handshake succeeded before the error.
func (c *Client) serve(ctx context.Context) (connected bool, err error) {
	header := http.Header{}
	header.Set(SecretHeader, c.secret)

	ws, resp, err := c.dialer.DialContext(ctx, c.relayURL, header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial relay: %w (status %d)", err, resp.StatusCode)
		}
		return false, fmt.Errorf("dial relay: %w", err)
	}

	// The relay opens streams; the host accepts them.
	session, err := yamux.Server(NewConn(ws), yamux.DefaultConfig())
	if err != nil {
		ws.Close()
		return false, fmt.Errorf("yamux server: %w", err)
	}
	c.log.Info().Str("relay", c.relayURL).Msg("tunnel connected")

	srv := &http.Server{Handler: c.handler, ReadHeaderTimeout: 10 * time.Second}
	stop := context.AfterFunc(ctx, func() {
		srv.Close()
		session.Close()
	})
	defer stop()

	// yamux.Session is a net.Listener over the relay's streams.
	err = srv.Serve(session)
	session.Close()
	if errors.Is(err, http.ErrServerClosed) {
		err = errors.New("tunnel closed")
	}
	return true, err
}
