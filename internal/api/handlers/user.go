package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"pairline-backend/internal/storage"
)

type UserHandler struct {
	storage *storage.Storage
}

func NewUserHandler(store *storage.Storage) *UserHandler {
	return &UserHandler{storage: store}
}

func (h *UserHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_user_id", "userID must be a valid UUID")
		return
	}

	profile, err := h.storage.DB.GetProfile(r.Context(), userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found", "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "profile_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

func (h *UserHandler) GetSessionHistory(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_user_id", "userID must be a valid UUID")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 100 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 100")
			return
		}
		limit = parsed
	}

	sessions, err := h.storage.DB.GetSessionHistory(r.Context(), userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history_failed", err.Error())
		return
	}
	if sessions == nil {
		sessions = []storage.SessionSummary{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// GetPool lists current matchmaking pool members. Intended for operational
// inspection, not client use.
func (h *UserHandler) GetPool(w http.ResponseWriter, r *http.Request) {
	members, err := h.storage.Redis.PoolMembers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "pool_failed", err.Error())
		return
	}
	if members == nil {
		members = []string{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"members": members,
		"count":   len(members),
	})
}
