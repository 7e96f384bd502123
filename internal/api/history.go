package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/peterje/termhub/internal/db"
	"github.com/peterje/termhub/internal/models"
)

const maxHistory = 500

// History reads persisted session records.
type History interface {
	ListSessions(ctx context.Context, limit int) ([]models.SessionRecord, error)
	GetSession(ctx context.Context, sessionID string) (models.SessionRecord, error)
}

type HistoryHandler struct {
	store History
}

func NewHistoryHandler(store History) *HistoryHandler {
	return &HistoryHandler{store: store}
}

func (h *HistoryHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistory)
	}

	records, err := h.store.ListSessions(r.Context(), limit)
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, records)
}

func (h *HistoryHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.GetSession(r.Context(), r.PathValue("sessionId"))
	if errors.Is(err, db.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}
