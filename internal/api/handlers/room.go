package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"pairline-backend/internal/credentials"
	"pairline-backend/internal/room"
)

type RoomHandler struct {
	rooms *room.Manager
	creds *credentials.Cache
}

func NewRoomHandler(rooms *room.Manager, creds *credentials.Cache) *RoomHandler {
	return &RoomHandler{rooms: rooms, creds: creds}
}

type participantView struct {
	Status          string     `json:"status"`
	DisconnectedAt  *time.Time `json:"disconnected_at,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
}

type snapshotResponse struct {
	RoomID           string                     `json:"room_id"`
	State            string                     `json:"state"`
	EndReason        string                     `json:"end_reason,omitempty"`
	Mode             string                     `json:"mode"`
	AgreedSeconds    int                        `json:"agreed_seconds"`
	Participants     map[string]participantView `json:"participants"`
	WarningIssued    bool                       `json:"warning_issued"`
	SecondsRemaining int                        `json:"seconds_remaining"`
}

func (h *RoomHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	roomID, err := uuid.Parse(chi.URLParam(r, "roomID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_room_id", "roomID must be a valid UUID")
		return
	}

	snap, err := h.rooms.Snapshot(roomID)
	if err != nil {
		if errors.Is(err, room.ErrRoomNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "snapshot_failed", err.Error())
		return
	}

	resp := snapshotResponse{
		RoomID:           snap.Room.ID.String(),
		State:            string(snap.State),
		EndReason:        string(snap.EndReason),
		Mode:             snap.Room.Mode,
		AgreedSeconds:    int(snap.Room.AgreedDuration.Seconds()),
		Participants:     make(map[string]participantView, len(snap.Presence)),
		WarningIssued:    snap.WarningIssued,
		SecondsRemaining: snap.SecondsRemaining,
	}
	for userID, p := range snap.Presence {
		view := participantView{Status: string(p.Status)}
		if !p.DisconnectedAt.IsZero() {
			t := p.DisconnectedAt
			view.DisconnectedAt = &t
		}
		if !p.LastHeartbeatAt.IsZero() {
			t := p.LastHeartbeatAt
			view.LastHeartbeatAt = &t
		}
		resp.Participants[userID.String()] = view
	}

	writeJSON(w, http.StatusOK, resp)
}

type roomActionRequest struct {
	UserID string `json:"user_id"`
}

func (h *RoomHandler) parseRoomAction(w http.ResponseWriter, r *http.Request) (roomID, userID uuid.UUID, ok bool) {
	roomID, err := uuid.Parse(chi.URLParam(r, "roomID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_room_id", "roomID must be a valid UUID")
		return uuid.Nil, uuid.Nil, false
	}

	var body roomActionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return uuid.Nil, uuid.Nil, false
	}
	userID, err = uuid.Parse(body.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_user_id", "user_id must be a valid UUID")
		return uuid.Nil, uuid.Nil, false
	}
	return roomID, userID, true
}

func (h *RoomHandler) End(w http.ResponseWriter, r *http.Request) {
	roomID, userID, ok := h.parseRoomAction(w, r)
	if !ok {
		return
	}

	if err := h.rooms.End(roomID, userID); err != nil {
		writeRoomError(w, err, "end_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

// ForceEnd terminates a room without a participant's involvement, for
// operator intervention on a wedged or abusive session. The room ends with
// reason "error" so clients do not present it as a normal hangup.
func (h *RoomHandler) ForceEnd(w http.ResponseWriter, r *http.Request) {
	roomID, err := uuid.Parse(chi.URLParam(r, "roomID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_room_id", "roomID must be a valid UUID")
		return
	}

	if err := h.rooms.EndWithReason(roomID, room.ReasonError); err != nil {
		writeRoomError(w, err, "end_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

func (h *RoomHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	roomID, userID, ok := h.parseRoomAction(w, r)
	if !ok {
		return
	}

	if err := h.rooms.Heartbeat(roomID, userID); err != nil {
		writeRoomError(w, err, "heartbeat_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeRoomError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, room.ErrNotParticipant):
		writeError(w, http.StatusForbidden, "not_participant", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, fallback, err.Error())
	}
}

func (h *RoomHandler) GetCredentials(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_user_id", "userID must be a valid UUID")
		return
	}

	creds, err := h.creds.Get(r.Context(), userID)
	if err != nil {
		if errors.Is(err, credentials.ErrProviderUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "provider_unavailable", err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, "fetch_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, creds)
}

// InvalidateCredentials drops a user's cached batch so the next Get mints a
// fresh one. Used when the credential secret is rotated.
func (h *RoomHandler) InvalidateCredentials(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_user_id", "userID must be a valid UUID")
		return
	}

	h.creds.Invalidate(userID)
	w.WriteHeader(http.StatusNoContent)
}
