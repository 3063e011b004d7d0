package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"pairline-backend/internal/presence"
)

type PresenceHandler struct {
	presence *presence.Manager
}

func NewPresenceHandler(p *presence.Manager) *PresenceHandler {
	return &PresenceHandler{presence: p}
}

type signalRequest struct {
	Signal string `json:"signal"`
}

type signalResponse struct {
	Decision string `json:"decision"`
	InPool   bool   `json:"in_pool"`
}

var knownSignals = map[presence.Signal]bool{
	presence.SignalVisible:     true,
	presence.SignalHidden:      true,
	presence.SignalFocusGained: true,
	presence.SignalFocusLost:   true,
	presence.SignalInput:       true,
	presence.SignalPageHide:    true,
	presence.SignalUnload:      true,
}

func (h *PresenceHandler) ApplySignal(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_user_id", "userID must be a valid UUID")
		return
	}

	var body signalRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	sig := presence.Signal(body.Signal)
	if !knownSignals[sig] {
		writeError(w, http.StatusBadRequest, "unknown_signal", "signal must be one of visible, hidden, focus_gained, focus_lost, input, page_hide, unload")
		return
	}

	decision := h.presence.Apply(r.Context(), userID, sig)

	inPool, err := h.presence.InPool(r.Context(), userID)
	if err != nil {
		// Pool lookup failing doesn't invalidate the decision already applied.
		inPool = false
	}

	writeJSON(w, http.StatusOK, signalResponse{
		Decision: string(decision),
		InPool:   inPool,
	})
}
