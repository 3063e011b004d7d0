package room

import (
	"context"
	"time"

	"github.com/google/uuid"

	"pairline-backend/internal/events"
	"pairline-backend/internal/storage"
)

type State string

const (
	StateActive              State = "active"
	StatePartnerDisconnected State = "partner_disconnected"
	StateEnded               State = "ended"
)

type EndReason string

const (
	ReasonHangup            EndReason = "hangup"
	ReasonDisconnectTimeout EndReason = "disconnect_timeout"
	ReasonInactivity        EndReason = "inactivity"
	ReasonTimeUp            EndReason = "time_up"
	ReasonError             EndReason = "error"
)

// Room is the materialized session shared by two accepted participants.
// AgreedDuration is set for video rooms only and is immutable after accept.
type Room struct {
	ID             uuid.UUID
	UserA          uuid.UUID
	UserB          uuid.UUID
	Mode           string
	AgreedDuration time.Duration
	CreatedAt      time.Time
}

// Peer returns the other participant, or uuid.Nil if userID is not in the room.
func (r Room) Peer(userID uuid.UUID) uuid.UUID {
	switch userID {
	case r.UserA:
		return r.UserB
	case r.UserB:
		return r.UserA
	}
	return uuid.Nil
}

func (r Room) HasParticipant(userID uuid.UUID) bool {
	return userID == r.UserA || userID == r.UserB
}

type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
)

type ParticipantPresence struct {
	Status          ConnectionStatus
	DisconnectedAt  time.Time
	LastHeartbeatAt time.Time
}

// Snapshot is a read-only view of a live room, served over the status API.
type Snapshot struct {
	Room             Room
	State            State
	EndReason        EndReason
	Presence         map[uuid.UUID]ParticipantPresence
	WarningIssued    bool
	SecondsRemaining int
}

// Notifier delivers an event to a single user. Implementations must not
// assume the user is reachable; a returned error means the delivery failed
// locally and the caller decides whether to queue or drop.
type Notifier interface {
	Notify(ctx context.Context, userID uuid.UUID, ev events.Event) error
}

// HistoryRecorder receives exactly one summary per ended room. The handoff is
// best-effort and never blocks a state transition.
type HistoryRecorder interface {
	RecordSession(ctx context.Context, summary *storage.SessionSummary) error
}
