package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"pairline-backend/internal/invite"
)

type InviteHandler struct {
	invites *invite.Service
}

func NewInviteHandler(invites *invite.Service) *InviteHandler {
	return &InviteHandler{invites: invites}
}

type proposeRequest struct {
	FromUserID      string `json:"from_user_id"`
	ToUserID        string `json:"to_user_id"`
	DurationSeconds int    `json:"duration_seconds"`
	Mode            string `json:"mode"`
}

type proposeResponse struct {
	InviteID  string    `json:"invite_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *InviteHandler) Propose(w http.ResponseWriter, r *http.Request) {
	var body proposeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	fromID, err := uuid.Parse(body.FromUserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_user_id", "from_user_id must be a valid UUID")
		return
	}
	toID, err := uuid.Parse(body.ToUserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_user_id", "to_user_id must be a valid UUID")
		return
	}
	if fromID == toID {
		writeError(w, http.StatusBadRequest, "invalid_target", "cannot invite yourself")
		return
	}
	if body.DurationSeconds <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_duration", "duration_seconds must be positive")
		return
	}

	inv, err := h.invites.Propose(r.Context(), fromID, toID,
		time.Duration(body.DurationSeconds)*time.Second, body.Mode)
	if err != nil {
		switch {
		case errors.Is(err, invite.ErrAlreadyPending):
			writeError(w, http.StatusConflict, "already_pending", err.Error())
		case errors.Is(err, invite.ErrTargetUnavailable):
			writeError(w, http.StatusConflict, "target_unavailable", err.Error())
		case errors.Is(err, invite.ErrInvalidMode):
			writeError(w, http.StatusBadRequest, "invalid_mode", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "propose_failed", err.Error())
		}
		return
	}

	writeJSON(w, http.StatusCreated, proposeResponse{
		InviteID:  inv.ID.String(),
		ExpiresAt: inv.ExpiresAt,
	})
}

type acceptRequest struct {
	UserID          string `json:"user_id"`
	DurationSeconds int    `json:"duration_seconds"`
}

type acceptResponse struct {
	RoomID string `json:"room_id"`
}

func (h *InviteHandler) Accept(w http.ResponseWriter, r *http.Request) {
	inviteID, err := uuid.Parse(chi.URLParam(r, "inviteID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_invite_id", "inviteID must be a valid UUID")
		return
	}

	var body acceptRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	userID, err := uuid.Parse(body.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_user_id", "user_id must be a valid UUID")
		return
	}

	roomID, err := h.invites.Accept(r.Context(), inviteID, userID,
		time.Duration(body.DurationSeconds)*time.Second)
	if err != nil {
		switch {
		case errors.Is(err, invite.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", err.Error())
		case errors.Is(err, invite.ErrExpired):
			writeError(w, http.StatusGone, "expired", err.Error())
		case errors.Is(err, invite.ErrNotRecipient):
			writeError(w, http.StatusForbidden, "not_recipient", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "accept_failed", err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, acceptResponse{RoomID: roomID.String()})
}

type declineRequest struct {
	UserID string `json:"user_id"`
}

func (h *InviteHandler) Decline(w http.ResponseWriter, r *http.Request) {
	inviteID, err := uuid.Parse(chi.URLParam(r, "inviteID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_invite_id", "inviteID must be a valid UUID")
		return
	}

	var body declineRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	userID, err := uuid.Parse(body.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_user_id", "user_id must be a valid UUID")
		return
	}

	if err := h.invites.Decline(r.Context(), inviteID, userID); err != nil {
		switch {
		case errors.Is(err, invite.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", err.Error())
		case errors.Is(err, invite.ErrNotRecipient):
			writeError(w, http.StatusForbidden, "not_recipient", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "decline_failed", err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "declined"})
}
