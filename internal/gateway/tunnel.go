package gateway

import (
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
	"github.com/peterje/termhub/internal/tunnel"
	"github.com/rs/zerolog"
)

var errNoHost = errors.New("no host connected")

// hostLink holds the single yamux session to the connected host.
type hostLink struct {
	secret   []byte
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu      sync.RWMutex
	session *yamux.Session
}

func newHostLink(secret string, log zerolog.Logger) *hostLink {
	return &hostLink{
		secret: []byte(secret),
		// The host is not a browser; the secret is the only check.
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		log:      log,
	}
}

// ServeHTTP accepts the host's tunnel. A new host replaces the old one.
func (l *hostLink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	got := []byte(r.Header.Get(tunnel.SecretHeader))
	if subtle.ConstantTimeCompare(got, l.secret) != 1 {
		l.log.Warn().Str("remote", r.RemoteAddr).Msg("tunnel rejected: bad secret")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Warn().Err(err).Msg("tunnel upgrade failed")
		return
	}

	// The relay opens streams toward the host.
	session, err := yamux.Client(tunnel.NewConn(ws), yamux.DefaultConfig())
	if err != nil {
		l.log.Error().Err(err).Msg("yamux client")
		ws.Close()
		return
	}

	l.mu.Lock()
	if l.session != nil {
		l.session.Close()
		l.log.Info().Msg("replacing connected host")
	}
	l.session = session
	l.mu.Unlock()
	l.log.Info().Str("remote", r.RemoteAddr).Msg("host connected")

	<-session.CloseChan()

	l.mu.Lock()
	if l.session == session {
		l.session = nil
	}
	l.mu.Unlock()
	l.log.Info().Str("remote", r.RemoteAddr).Msg("host disconnected")
}

// open returns a new stream to the host.
func (l *hostLink) open() (net.Conn, error) {
	l.mu.RLock()
	session := l.session
	l.mu.RUnlock()
	if session == nil {
		return nil, errNoHost
	}
	return session.Open()
}

func (l *hostLink) connected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.session != nil && !l.session.IsClosed()
}

func (l *hostLink) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session != nil {
		l.session.Close()
		l.session = nil
	}
}
