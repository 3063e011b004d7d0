package transport

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"pairline-backend/internal/events"
)

// ErrNotConnected means the recipient has no reachable connection on any
// instance. Callers decide whether to buffer (chat) or drop (lifecycle
// events the client resyncs on reconnect).
var ErrNotConnected = errors.New("user has no active connection")

// Layer is the outbound half of the transport: deliver one event to one
// user. Delivery is at-least-once and ordered within a single
// sender-to-receiver stream.
type Layer interface {
	Send(ctx context.Context, userID uuid.UUID, ev events.Event) error
	Connected(userID uuid.UUID) bool
}

// InboundHandler receives everything a connected client can produce. The
// websocket manager parses frames and routes them here; it owns no session
// logic itself.
type InboundHandler interface {
	HandleConnect(userID uuid.UUID)
	HandleDisconnect(userID uuid.UUID)
	HandleHeartbeat(userID, roomID uuid.UUID)
	HandleRejoin(userID, roomID uuid.UUID)
	HandleChat(ctx context.Context, userID, roomID uuid.UUID, clientMessageID, body string)
	HandleEnd(userID, roomID uuid.UUID)
	HandlePresenceSignal(userID uuid.UUID, signal string)
	HandleWebRTCSignal(ctx context.Context, userID, roomID uuid.UUID, sdp, sdpType string, candidate json.RawMessage)
}

// Inbound frame types accepted from clients.
const (
	FrameHeartbeat = "heartbeat"
	FrameRejoin    = "rejoin"
	FrameChat      = "chat"
	FrameEnd       = "end"
	FramePresence  = "presence"
	FrameSignal    = "signal"
)
