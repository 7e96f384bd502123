package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/peterje/termhub/internal/pty"
	"github.com/peterje/termhub/internal/registry"
	"github.com/peterje/termhub/internal/session"
	"github.com/rs/zerolog/log"
)

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("api: write response")
	}
}

func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// WriteErr maps registry and session errors onto HTTP statuses.
func WriteErr(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("api: request failed")
	}
	WriteError(w, status, err.Error())
}

func StatusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrSessionExists), errors.Is(err, session.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, registry.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, registry.ErrInvalidResumeID), errors.Is(err, session.ErrUnknownKind), errors.Is(err, pty.ErrInvalidSize):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrClosed):
		return http.StatusServiceUnavailable
	}
	var startErr *pty.StartError
	if errors.As(err, &startErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
