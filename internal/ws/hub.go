// Package ws is the real-time transport: one group of WebSocket clients per
// connection id, fed by registry events.
package ws

import (
	"encoding/json"
	"sync"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultReplayBytes is how much recent output a joining client receives.
const DefaultReplayBytes = 100 * 1024

// Event types pushed to clients.
const (
	EventReceiveOutput     = "ReceiveOutput"
	EventSessionIDDetected = "SessionIdDetected"
	EventFatalError        = "FatalError"
	EventSessionTerminated = "SessionTerminated"
	EventProcessCompleted  = "ProcessCompleted"
	EventReceiveError      = "ReceiveError"
	EventResult            = "Result"
)

// Envelope is every server to client text frame.
type Envelope struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId,omitempty"`
	RequestID    string `json:"requestId,omitempty"`

	Data      string `json:"data,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message,omitempty"`
	ExitCode  *int   `json:"exitCode,omitempty"`
	WasKilled *bool  `json:"wasKilled,omitempty"`

	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
}

type group struct {
	mu      sync.Mutex
	replay  []byte
	clients map[*client]struct{}
}

// Hub fans registry events out to the clients of each connection and keeps
// a bounded replay of recent output for clients that join late.
type Hub struct {
	replayBytes int
	log         zerolog.Logger

	mu     sync.Mutex
	groups map[string]*group
}

func NewHub(replayBytes int) *Hub {
	if replayBytes <= 0 {
		replayBytes = DefaultReplayBytes
	}
	return &Hub{
		replayBytes: replayBytes,
		log:         log.With().Str("component", "ws").Logger(),
		groups:      make(map[string]*group),
	}
}

func (h *Hub) group(connID string, create bool) *group {
	h.mu.Lock()
	defer h.mu.Unlock()
	g := h.groups[connID]
	if g == nil && create {
		g = &group{clients: make(map[*client]struct{})}
		h.groups[connID] = g
	}
	return g
}

// lockGroup returns the live group for connID with its mutex held, or nil
// when it does not exist and create is false. A group pruned between lookup
// and lock is retried.
func (h *Hub) lockGroup(connID string, create bool) *group {
	for {
		g := h.group(connID, create)
		if g == nil {
			return nil
		}
		g.mu.Lock()
		h.mu.Lock()
		live := h.groups[connID] == g
		h.mu.Unlock()
		if live {
			return g
		}
		g.mu.Unlock()
	}
}

// pruneLocked drops g if it holds nothing. Callers hold g.mu.
func (h *Hub) pruneLocked(connID string, g *group) {
	if len(g.clients) > 0 || len(g.replay) > 0 {
		return
	}
	h.mu.Lock()
	if h.groups[connID] == g {
		delete(h.groups, connID)
	}
	h.mu.Unlock()
}

func (h *Hub) broadcast(connID string, env Envelope, output string) {
	env.ConnectionID = connID
	msg, err := json.Marshal(env)
	if err != nil {
		h.log.Error().Err(err).Str("type", env.Type).Msg("marshal event")
		return
	}

	g := h.lockGroup(connID, output != "")
	if g == nil {
		return
	}
	defer g.mu.Unlock()
	if output != "" {
		g.replay = appendReplay(g.replay, output, h.replayBytes)
	}
	for c := range g.clients {
		if !c.enqueue(msg) {
			delete(g.clients, c)
			h.log.Warn().Str("connection_id", connID).Msg("client too slow, disconnecting")
		}
	}
}

// appendReplay keeps the newest limit bytes without splitting a rune.
func appendReplay(buf []byte, data string, limit int) []byte {
	buf = append(buf, data...)
	if len(buf) <= limit {
		return buf
	}
	cut := len(buf) - limit
	for cut < len(buf) && !utf8.RuneStart(buf[cut]) {
		cut++
	}
	n := copy(buf, buf[cut:])
	return buf[:n]
}

// join registers c and queues the replay ahead of any live output.
func (h *Hub) join(connID string, c *client) {
	g := h.lockGroup(connID, true)
	defer g.mu.Unlock()
	if len(g.replay) > 0 {
		msg, err := json.Marshal(Envelope{Type: EventReceiveOutput, ConnectionID: connID, Data: string(g.replay)})
		if err == nil {
			c.enqueue(msg)
		}
		h.log.Debug().Str("connection_id", connID).Int("bytes", len(g.replay)).Msg("replay queued")
	}
	g.clients[c] = struct{}{}
}

func (h *Hub) leave(connID string, c *client) {
	g := h.lockGroup(connID, false)
	if g == nil {
		return
	}
	defer g.mu.Unlock()
	delete(g.clients, c)
	h.pruneLocked(connID, g)
}

// ClientCount returns how many clients are joined to connID.
func (h *Hub) ClientCount(connID string) int {
	g := h.group(connID, false)
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	groups := make([]*group, 0, len(h.groups))
	for _, g := range h.groups {
		groups = append(groups, g)
	}
	h.groups = make(map[string]*group)
	h.mu.Unlock()

	for _, g := range groups {
		g.mu.Lock()
		for c := range g.clients {
			c.close(websocket.CloseGoingAway, "server shutting down")
		}
		g.clients = map[*client]struct{}{}
		g.mu.Unlock()
	}
}

func (h *Hub) ReceiveOutput(connID, data string) {
	if data == "" {
		return
	}
	h.broadcast(connID, Envelope{Type: EventReceiveOutput, Data: data}, data)
}

func (h *Hub) SessionIDDetected(connID, sessionID string) {
	h.broadcast(connID, Envelope{Type: EventSessionIDDetected, SessionID: sessionID}, "")
}

func (h *Hub) FatalError(connID, message string) {
	h.broadcast(connID, Envelope{Type: EventFatalError, Message: message}, "")
}

// SessionTerminated notifies the group and forgets its replay. Clients stay
// joined so they can start a new session on the same connection id.
func (h *Hub) SessionTerminated(connID string) {
	h.broadcast(connID, Envelope{Type: EventSessionTerminated}, "")
	g := h.lockGroup(connID, false)
	if g == nil {
		return
	}
	g.replay = nil
	h.pruneLocked(connID, g)
	g.mu.Unlock()
}

func (h *Hub) ProcessCompleted(connID string, exitCode int, wasKilled bool) {
	h.broadcast(connID, Envelope{Type: EventProcessCompleted, ExitCode: &exitCode, WasKilled: &wasKilled}, "")
}

func (h *Hub) ReceiveError(connID, message string) {
	h.broadcast(connID, Envelope{Type: EventReceiveError, Message: message}, "")
}
