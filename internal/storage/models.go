package storage

import (
	"time"

	"github.com/google/uuid"
)

type Profile struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Username    string    `json:"username" db:"username"`
	DisplayName string    `json:"display_name" db:"display_name"`
	AvatarURL   string    `json:"avatar_url" db:"avatar_url"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// SessionSummary is the one-row-per-room record handed to the history store
// when a room reaches its terminal state.
type SessionSummary struct {
	ID              uuid.UUID `json:"id" db:"id"`
	RoomID          uuid.UUID `json:"room_id" db:"room_id"`
	UserAID         uuid.UUID `json:"user_a_id" db:"user_a_id"`
	UserBID         uuid.UUID `json:"user_b_id" db:"user_b_id"`
	Mode            string    `json:"mode" db:"mode"`
	EndReason       string    `json:"end_reason" db:"end_reason"`
	DurationSeconds int       `json:"duration_seconds" db:"duration_seconds"`
	StartedAt       time.Time `json:"started_at" db:"started_at"`
	EndedAt         time.Time `json:"ended_at" db:"ended_at"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// Chat modes
const (
	ModeVideo = "video"
	ModeText  = "text"
)
