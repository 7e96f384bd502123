package server

import (
	"net/http"

	"github.com/peterje/termhub/internal/api"
	"github.com/peterje/termhub/internal/models"
	"github.com/peterje/termhub/internal/ws"
)

// Registry is what the server needs from the session registry.
type Registry interface {
	api.Registry
	ActiveSessionCount() int
}

type Server struct {
	mux       *http.ServeMux
	registry  Registry
	hub       *ws.Hub
	history   api.History
	cliStatus []models.CLIStatus
	origins   []string
}

func New(reg Registry, hub *ws.Hub, history api.History, cliStatus []models.CLIStatus, allowedOrigins []string) *Server {
	s := &Server{
		mux:       http.NewServeMux(),
		registry:  reg,
		hub:       hub,
		history:   history,
		cliStatus: cliStatus,
		origins:   allowedOrigins,
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	sessions := api.NewSessionsHandler(s.registry, s.hub)
	history := api.NewHistoryHandler(s.history)
	wsHandler := ws.NewHandler(s.hub, s.registry, s.origins)

	// Health
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Sessions
	s.mux.HandleFunc("GET /api/sessions", sessions.HandleList)
	s.mux.HandleFunc("POST /api/sessions", sessions.HandleCreate)
	s.mux.HandleFunc("GET /api/sessions/{id}", sessions.HandleGet)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", sessions.HandleDelete)
	s.mux.HandleFunc("POST /api/sessions/{id}/input", sessions.HandleInput)
	s.mux.HandleFunc("POST /api/sessions/{id}/resize", sessions.HandleResize)

	// History
	s.mux.HandleFunc("GET /api/history", history.HandleList)
	s.mux.HandleFunc("GET /api/history/{sessionId}", history.HandleGet)

	// WebSocket
	s.mux.Handle("GET /ws/terminal/{connectionId}", wsHandler)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	for _, cli := range s.cliStatus {
		if !cli.Installed {
			status = "degraded"
		}
	}
	api.WriteJSON(w, http.StatusOK, models.HealthResponse{
		Status:         status,
		CLIs:           s.cliStatus,
		ActiveSessions: s.registry.ActiveSessionCount(),
	})
}
