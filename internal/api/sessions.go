package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/peterje/termhub/internal/models"
	"github.com/peterje/termhub/internal/registry"
	"github.com/peterje/termhub/internal/session"
)

// Registry is the session registry as used by the REST handlers.
type Registry interface {
	CreateSession(ctx context.Context, req registry.CreateRequest) (string, error)
	SendInput(connID, data string) error
	KillSession(connID string) error
	Resize(connID string, cols, rows int) error
	SessionInfo(connID string) models.SessionInfo
	ActiveSessions() []string
}

// ClientCounter reports how many WebSocket clients watch a connection.
type ClientCounter interface {
	ClientCount(connID string) int
}

type SessionsHandler struct {
	registry Registry
	clients  ClientCounter
}

func NewSessionsHandler(reg Registry, clients ClientCounter) *SessionsHandler {
	return &SessionsHandler{registry: reg, clients: clients}
}

func (h *SessionsHandler) info(connID string) models.SessionInfo {
	info := h.registry.SessionInfo(connID)
	if h.clients != nil {
		info.Clients = h.clients.ClientCount(connID)
	}
	return info
}

func (h *SessionsHandler) HandleList(w http.ResponseWriter, _ *http.Request) {
	sessions := []models.SessionInfo{}
	for _, id := range h.registry.ActiveSessions() {
		info := h.info(id)
		if !info.Exists {
			// Removed since the snapshot was taken.
			continue
		}
		sessions = append(sessions, info)
	}
	WriteJSON(w, http.StatusOK, sessions)
}

func (h *SessionsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConnectionID     string `json:"connection_id"`
		WorkingDirectory string `json:"working_directory"`
		ResumeID         string `json:"resume_id"`
		DisplayName      string `json:"display_name"`
		Kind             string `json:"kind"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	kind, err := session.ParseKind(body.Kind)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.registry.CreateSession(r.Context(), registry.CreateRequest{
		ConnectionID: body.ConnectionID,
		WorkDir:      body.WorkingDirectory,
		ResumeID:     body.ResumeID,
		DisplayName:  body.DisplayName,
		Kind:         kind,
	})
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, h.info(id))
}

func (h *SessionsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.info(r.PathValue("id")))
}

func (h *SessionsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.KillSession(r.PathValue("id")); err != nil {
		WriteErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionsHandler) HandleInput(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Data string `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := h.registry.SendInput(r.PathValue("id"), body.Data); err != nil {
		WriteErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionsHandler) HandleResize(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Cols int `json:"cols"`
		Rows int `json:"rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.Cols <= 0 || body.Rows <= 0 {
		WriteError(w, http.StatusBadRequest, "cols and rows must be positive")
		return
	}
	if err := h.registry.Resize(r.PathValue("id"), body.Cols, body.Rows); err != nil {
		WriteErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
