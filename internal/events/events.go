package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type discriminates the closed set of events a client can receive. Each
// variant carries exactly the fields its handler needs.
type Type string

const (
	TypeInviteReceived      Type = "invite.received"
	TypeInviteDeclined      Type = "invite.declined"
	TypeRoomStarted         Type = "room.started"
	TypePartnerDisconnected Type = "room.partner_disconnected"
	TypePartnerReconnected  Type = "room.partner_reconnected"
	TypeRoomEnded           Type = "room.ended"
	TypeActivityWarning     Type = "activity.warning"
	TypeActivityCleared     Type = "activity.cleared"
	TypeChatMessage         Type = "chat.message"
	TypeWebRTCSignal        Type = "webrtc.signal"
)

// Event is implemented by every variant below.
type Event interface {
	EventType() Type
}

type InviteReceived struct {
	InviteID        uuid.UUID `json:"invite_id"`
	FromUserID      uuid.UUID `json:"from_user_id"`
	FromDisplayName string    `json:"from_display_name,omitempty"`
	Mode            string    `json:"mode"`
	DurationSeconds int       `json:"duration_seconds"`
	ExpiresAt       time.Time `json:"expires_at"`
}

type InviteDeclined struct {
	InviteID uuid.UUID `json:"invite_id"`
	// Expired reports whether the invite timed out rather than being
	// declined by the recipient. Both are terminal for the proposer.
	Expired bool `json:"expired"`
}

type RoomStarted struct {
	RoomID          uuid.UUID `json:"room_id"`
	PeerID          uuid.UUID `json:"peer_id"`
	PeerDisplayName string    `json:"peer_display_name,omitempty"`
	Mode            string    `json:"mode"`
	DurationSeconds int       `json:"duration_seconds,omitempty"`
}

type PartnerDisconnected struct {
	RoomID           uuid.UUID `json:"room_id"`
	SecondsRemaining int       `json:"seconds_remaining"`
}

type PartnerReconnected struct {
	RoomID uuid.UUID `json:"room_id"`
}

type RoomEnded struct {
	RoomID uuid.UUID `json:"room_id"`
	Reason string    `json:"reason"`
}

type ActivityWarning struct {
	RoomID           uuid.UUID `json:"room_id"`
	SecondsRemaining int       `json:"seconds_remaining"`
}

type ActivityCleared struct {
	RoomID uuid.UUID `json:"room_id"`
}

type ChatMessage struct {
	RoomID          uuid.UUID `json:"room_id"`
	SenderID        uuid.UUID `json:"sender_id"`
	ClientMessageID string    `json:"client_message_id"`
	Body            string    `json:"body"`
	SentAt          time.Time `json:"sent_at"`
}

// WebRTCSignal carries one side's SDP description or ICE candidate to the
// peer. The payload is opaque to the server; it only routes within the room.
type WebRTCSignal struct {
	RoomID     uuid.UUID       `json:"room_id"`
	FromUserID uuid.UUID       `json:"from_user_id"`
	SDP        string          `json:"sdp,omitempty"`
	SDPType    string          `json:"sdp_type,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
}

func (InviteReceived) EventType() Type      { return TypeInviteReceived }
func (InviteDeclined) EventType() Type      { return TypeInviteDeclined }
func (RoomStarted) EventType() Type         { return TypeRoomStarted }
func (PartnerDisconnected) EventType() Type { return TypePartnerDisconnected }
func (PartnerReconnected) EventType() Type  { return TypePartnerReconnected }
func (RoomEnded) EventType() Type           { return TypeRoomEnded }
func (ActivityWarning) EventType() Type     { return TypeActivityWarning }
func (ActivityCleared) EventType() Type     { return TypeActivityCleared }
func (ChatMessage) EventType() Type         { return TypeChatMessage }
func (WebRTCSignal) EventType() Type        { return TypeWebRTCSignal }
