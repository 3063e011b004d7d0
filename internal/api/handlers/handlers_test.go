package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairline-backend/internal/config"
	"pairline-backend/internal/credentials"
	"pairline-backend/internal/events"
	"pairline-backend/internal/invite"
	"pairline-backend/internal/presence"
	"pairline-backend/internal/room"
	"pairline-backend/internal/storage"
)

type allInPool struct{}

func (allInPool) InPool(context.Context, uuid.UUID) (bool, error) { return true, nil }

type stubProfiles struct{}

func (stubProfiles) GetProfile(_ context.Context, userID uuid.UUID) (*storage.Profile, error) {
	return &storage.Profile{ID: userID, DisplayName: "someone"}, nil
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, uuid.UUID, events.Event) error { return nil }

type nopHistory struct{}

func (nopHistory) RecordSession(context.Context, *storage.SessionSummary) error { return nil }

type memPool struct{ members map[string]bool }

func (p *memPool) AddToPool(_ context.Context, id string, _ time.Time) error {
	p.members[id] = true
	return nil
}
func (p *memPool) RemoveFromPool(_ context.Context, id string) error {
	delete(p.members, id)
	return nil
}
func (p *memPool) InPool(_ context.Context, id string) (bool, error) { return p.members[id], nil }
func (p *memPool) SweepPool(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type env struct {
	router  *chi.Mux
	invites *invite.Service
	rooms   *room.Manager
}

func newEnv(t *testing.T) *env {
	t.Helper()

	rooms := room.NewManager(config.RoomConfig{
		ReconnectGrace: time.Minute,
		WarnAfter:      time.Minute,
		WarnGrace:      time.Minute,
	}, nopNotifier{}, nopHistory{})

	invites := invite.NewService(config.InviteConfig{
		AcceptWindow:   30 * time.Second,
		MinDuration:    60 * time.Second,
		MaxDuration:    500 * time.Second,
		NotifyAttempts: 1,
		NotifyBackoff:  time.Millisecond,
	}, allInPool{}, stubProfiles{}, rooms, nopNotifier{})

	pres := presence.NewManager(config.PresenceConfig{
		HiddenGrace: time.Minute,
		IdleAfter:   time.Hour,
	}, &memPool{members: make(map[string]bool)})

	creds := credentials.NewCache(
		credentials.NewHMACProvider("test-secret", []string{"turn:t:3478"}, time.Hour),
		time.Minute,
	)

	inviteHandler := NewInviteHandler(invites)
	roomHandler := NewRoomHandler(rooms, creds)
	presenceHandler := NewPresenceHandler(pres)

	r := chi.NewRouter()
	r.Post("/api/v1/invites", inviteHandler.Propose)
	r.Post("/api/v1/invites/{inviteID}/accept", inviteHandler.Accept)
	r.Post("/api/v1/invites/{inviteID}/decline", inviteHandler.Decline)
	r.Get("/api/v1/rooms/{roomID}", roomHandler.GetSnapshot)
	r.Post("/api/v1/rooms/{roomID}/end", roomHandler.End)
	r.Post("/api/v1/rooms/{roomID}/heartbeat", roomHandler.Heartbeat)
	r.Post("/api/v1/presence/{userID}/signals", presenceHandler.ApplySignal)
	r.Get("/api/v1/credentials/{userID}", roomHandler.GetCredentials)
	r.Delete("/api/v1/credentials/{userID}", roomHandler.InvalidateCredentials)
	r.Post("/internal/rooms/{roomID}/end", roomHandler.ForceEnd)

	return &env{router: r, invites: invites, rooms: rooms}
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestProposeEndpoint(t *testing.T) {
	e := newEnv(t)
	from, to := uuid.New(), uuid.New()

	rec := e.do(t, http.MethodPost, "/api/v1/invites", map[string]any{
		"from_user_id":     from.String(),
		"to_user_id":       to.String(),
		"duration_seconds": 180,
		"mode":             "video",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	resp := decode[map[string]any](t, rec)
	assert.NotEmpty(t, resp["invite_id"])
	assert.NotEmpty(t, resp["expires_at"])
}

func TestProposeEndpointValidation(t *testing.T) {
	e := newEnv(t)
	from, to := uuid.New(), uuid.New()

	tests := []struct {
		name string
		body map[string]any
		code int
	}{
		{"bad from uuid", map[string]any{"from_user_id": "nope", "to_user_id": to.String(), "duration_seconds": 180, "mode": "video"}, http.StatusBadRequest},
		{"self invite", map[string]any{"from_user_id": from.String(), "to_user_id": from.String(), "duration_seconds": 180, "mode": "video"}, http.StatusBadRequest},
		{"zero duration", map[string]any{"from_user_id": from.String(), "to_user_id": to.String(), "duration_seconds": 0, "mode": "video"}, http.StatusBadRequest},
		{"bad mode", map[string]any{"from_user_id": from.String(), "to_user_id": to.String(), "duration_seconds": 180, "mode": "smoke"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, "/api/v1/invites", tt.body)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestDuplicateProposalConflicts(t *testing.T) {
	e := newEnv(t)
	from, to := uuid.New(), uuid.New()
	body := map[string]any{
		"from_user_id":     from.String(),
		"to_user_id":       to.String(),
		"duration_seconds": 180,
		"mode":             "video",
	}

	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/api/v1/invites", body).Code)
	rec := e.do(t, http.MethodPost, "/api/v1/invites", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_pending", decode[ErrorResponse](t, rec).Error)
}

func TestAcceptEndpointFullCycle(t *testing.T) {
	e := newEnv(t)
	from, to := uuid.New(), uuid.New()

	rec := e.do(t, http.MethodPost, "/api/v1/invites", map[string]any{
		"from_user_id":     from.String(),
		"to_user_id":       to.String(),
		"duration_seconds": 180,
		"mode":             "video",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	inviteID := decode[map[string]any](t, rec)["invite_id"].(string)

	// Wrong caller is forbidden.
	rec = e.do(t, http.MethodPost, "/api/v1/invites/"+inviteID+"/accept",
		map[string]any{"user_id": from.String(), "duration_seconds": 240})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/invites/"+inviteID+"/accept",
		map[string]any{"user_id": to.String(), "duration_seconds": 240})
	require.Equal(t, http.StatusOK, rec.Code)
	roomID := decode[map[string]any](t, rec)["room_id"].(string)

	// The room snapshot is live and video-scoped to the averaged duration.
	rec = e.do(t, http.MethodGet, "/api/v1/rooms/"+roomID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[map[string]any](t, rec)
	assert.Equal(t, "active", snap["state"])
	assert.Equal(t, float64(210), snap["agreed_seconds"])

	// Heartbeat accepted, end accepted, room gone afterwards.
	rec = e.do(t, http.MethodPost, "/api/v1/rooms/"+roomID+"/heartbeat",
		map[string]any{"user_id": from.String()})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/rooms/"+roomID+"/end",
		map[string]any{"user_id": from.String()})
	assert.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		return e.do(t, http.MethodGet, "/api/v1/rooms/"+roomID, nil).Code == http.StatusNotFound
	}, time.Second, 10*time.Millisecond)
}

func TestAcceptUnknownInviteIs404(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, fmt.Sprintf("/api/v1/invites/%s/accept", uuid.New()),
		map[string]any{"user_id": uuid.New().String(), "duration_seconds": 180})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeclineEndpoint(t *testing.T) {
	e := newEnv(t)
	from, to := uuid.New(), uuid.New()

	rec := e.do(t, http.MethodPost, "/api/v1/invites", map[string]any{
		"from_user_id":     from.String(),
		"to_user_id":       to.String(),
		"duration_seconds": 180,
		"mode":             "text",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	inviteID := decode[map[string]any](t, rec)["invite_id"].(string)

	rec = e.do(t, http.MethodPost, "/api/v1/invites/"+inviteID+"/decline",
		map[string]any{"user_id": to.String()})
	require.Equal(t, http.StatusOK, rec.Code)

	// A consumed invite cannot be accepted afterwards.
	rec = e.do(t, http.MethodPost, "/api/v1/invites/"+inviteID+"/accept",
		map[string]any{"user_id": to.String(), "duration_seconds": 180})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPresenceSignalEndpoint(t *testing.T) {
	e := newEnv(t)
	userID := uuid.New()

	rec := e.do(t, http.MethodPost, "/api/v1/presence/"+userID.String()+"/signals",
		map[string]any{"signal": "input"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[map[string]any](t, rec)
	assert.Equal(t, "join", resp["decision"])
	assert.Equal(t, true, resp["in_pool"])

	rec = e.do(t, http.MethodPost, "/api/v1/presence/"+userID.String()+"/signals",
		map[string]any{"signal": "page_hide"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[map[string]any](t, rec)
	assert.Equal(t, "leave", resp["decision"])
	assert.Equal(t, false, resp["in_pool"])

	rec = e.do(t, http.MethodPost, "/api/v1/presence/"+userID.String()+"/signals",
		map[string]any{"signal": "teleport"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCredentialsEndpoint(t *testing.T) {
	e := newEnv(t)
	userID := uuid.New()

	rec := e.do(t, http.MethodGet, "/api/v1/credentials/"+userID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[map[string]any](t, rec)
	assert.Contains(t, resp["username"], userID.String())
	assert.NotEmpty(t, resp["password"])
}

func TestCredentialsInvalidateEndpoint(t *testing.T) {
	e := newEnv(t)
	userID := uuid.New()

	rec := e.do(t, http.MethodGet, "/api/v1/credentials/"+userID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodDelete, "/api/v1/credentials/"+userID.String(), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// A fresh batch is still served after the drop.
	rec = e.do(t, http.MethodGet, "/api/v1/credentials/"+userID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[map[string]any](t, rec)
	assert.Contains(t, resp["username"], userID.String())

	rec = e.do(t, http.MethodDelete, "/api/v1/credentials/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestForceEndTerminatesRoom(t *testing.T) {
	e := newEnv(t)
	alice, bob := uuid.New(), uuid.New()
	r, err := e.rooms.Create(alice, bob, storage.ModeText, 0)
	require.NoError(t, err)

	rec := e.do(t, http.MethodPost, "/internal/rooms/"+r.ID.String()+"/end", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		_, err := e.rooms.Snapshot(r.ID)
		return err != nil
	}, time.Second, 5*time.Millisecond)

	rec = e.do(t, http.MethodPost, "/internal/rooms/"+uuid.New().String()+"/end", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoomSnapshotUnknownRoom(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/api/v1/rooms/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
