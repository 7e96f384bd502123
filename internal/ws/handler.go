package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/peterje/termhub/internal/models"
	"github.com/peterje/termhub/internal/pty"
	"github.com/peterje/termhub/internal/registry"
	"github.com/peterje/termhub/internal/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Operations accepted from clients.
const (
	OpCreateSession     = "CreateSession"
	OpSendInput         = "SendInput"
	OpKillSession       = "KillSession"
	OpResizeTerminal    = "ResizeTerminal"
	OpGetSessionInfo    = "GetSessionInfo"
	OpGetActiveSessions = "GetActiveSessions"
)

// Sessions is the registry as seen by the transport.
type Sessions interface {
	CreateSession(ctx context.Context, req registry.CreateRequest) (string, error)
	SendInput(connID, data string) error
	KillSession(connID string) error
	Resize(connID string, cols, rows int) error
	SessionInfo(connID string) models.SessionInfo
	ActiveSessions() []string
}

// Request is a client to server text frame. Fields are used per operation.
type Request struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`

	WorkingDirectory string `json:"workingDirectory,omitempty"`
	ResumeID         string `json:"resumeId,omitempty"`
	DisplayName      string `json:"displayName,omitempty"`
	Kind             string `json:"kind,omitempty"`

	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// Handler serves GET /ws/terminal/{connectionId}. Binary frames are raw
// keystrokes; text frames are JSON requests answered with a Result.
type Handler struct {
	hub      *Hub
	sessions Sessions
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewHandler returns a handler. With no allowed origins only same-origin
// browsers (and clients that send no Origin) may connect.
func NewHandler(hub *Hub, sessions Sessions, allowedOrigins []string) *Handler {
	h := &Handler{
		hub:      hub,
		sessions: sessions,
		log:      log.With().Str("component", "ws").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	connID := r.PathValue("connectionId")
	if connID == "" {
		http.Error(w, "missing connection id", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("connection_id", connID).Msg("upgrade failed")
		return
	}

	c := newClient(conn)
	h.hub.join(connID, c)
	defer h.hub.leave(connID, c)
	h.log.Info().Str("connection_id", connID).Str("remote", r.RemoteAddr).Msg("client connected")

	var g errgroup.Group
	g.Go(c.writePump)
	g.Go(func() error {
		return c.readPump(func(msgType int, data []byte) {
			switch msgType {
			case websocket.BinaryMessage:
				if err := h.sessions.SendInput(connID, string(data)); err != nil {
					h.reply(c, connID, Envelope{Type: EventReceiveError, Message: err.Error(), Code: errorCode(err)})
				}
			case websocket.TextMessage:
				h.handleRequest(c, connID, data)
			}
		})
	})
	if err := g.Wait(); err != nil {
		h.log.Debug().Err(err).Str("connection_id", connID).Msg("client connection ended")
	}
	h.log.Info().Str("connection_id", connID).Msg("client disconnected")
}

func (h *Handler) handleRequest(c *client, connID string, data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		h.reply(c, connID, Envelope{Type: EventResult, Error: "invalid JSON", Code: "invalid_request"})
		return
	}

	result, err := h.dispatch(connID, req)
	resp := Envelope{Type: EventResult, RequestID: req.RequestID, Result: result}
	if err != nil {
		resp.Result = nil
		resp.Error = err.Error()
		resp.Code = errorCode(err)
		h.log.Debug().Err(err).Str("connection_id", connID).Str("op", req.Type).Msg("request failed")
	}
	h.reply(c, connID, resp)
}

func (h *Handler) dispatch(connID string, req Request) (any, error) {
	switch req.Type {
	case OpCreateSession:
		kind, err := session.ParseKind(req.Kind)
		if err != nil {
			return nil, err
		}
		id, err := h.sessions.CreateSession(context.Background(), registry.CreateRequest{
			ConnectionID: connID,
			WorkDir:      req.WorkingDirectory,
			ResumeID:     req.ResumeID,
			DisplayName:  req.DisplayName,
			Kind:         kind,
		})
		if err != nil {
			return nil, err
		}
		return map[string]string{"connectionId": id}, nil
	case OpSendInput:
		return true, h.sessions.SendInput(connID, req.Data)
	case OpKillSession:
		return true, h.sessions.KillSession(connID)
	case OpResizeTerminal:
		return true, h.sessions.Resize(connID, req.Cols, req.Rows)
	case OpGetSessionInfo:
		info := h.sessions.SessionInfo(connID)
		info.Clients = h.hub.ClientCount(connID)
		return info, nil
	case OpGetActiveSessions:
		return h.sessions.ActiveSessions(), nil
	}
	return nil, errUnknownOp{req.Type}
}

func (h *Handler) reply(c *client, connID string, env Envelope) {
	env.ConnectionID = connID
	msg, err := json.Marshal(env)
	if err != nil {
		h.log.Error().Err(err).Msg("marshal reply")
		return
	}
	c.enqueue(msg)
}

type errUnknownOp struct{ op string }

func (e errUnknownOp) Error() string { return fmt.Sprintf("unknown operation %q", e.op) }

// errorCode gives clients a stable machine-readable error class.
func errorCode(err error) string {
	var unknown errUnknownOp
	switch {
	case errors.Is(err, registry.ErrSessionNotFound):
		return "not_found"
	case errors.Is(err, registry.ErrSessionExists):
		return "already_exists"
	case errors.Is(err, session.ErrNotRunning):
		return "not_running"
	case errors.Is(err, registry.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, registry.ErrInvalidResumeID), errors.Is(err, session.ErrUnknownKind),
		errors.Is(err, pty.ErrInvalidSize), errors.As(err, &unknown):
		return "invalid_request"
	case errors.Is(err, registry.ErrClosed):
		return "unavailable"
	}
	return "internal"
}
