package relay

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"pairline-backend/internal/events"
	"pairline-backend/internal/outbox"
	"pairline-backend/internal/presence"
	"pairline-backend/internal/room"
	"pairline-backend/internal/transport"
)

// Coordinator glues the transport to the session subsystems: inbound frames
// are routed to the right room or to the presence manager, chat is relayed
// to the peer with outbox fallback, and connect/disconnect events drive both
// room presence and pool candidacy.
type Coordinator struct {
	transport transport.Layer
	rooms     *room.Manager
	outbox    *outbox.Queue
	presence  *presence.Manager
}

func NewCoordinator(t transport.Layer, rooms *room.Manager, ob *outbox.Queue, pres *presence.Manager) *Coordinator {
	c := &Coordinator{
		transport: t,
		rooms:     rooms,
		outbox:    ob,
		presence:  pres,
	}
	// A finalized room can never receive messages again; whatever is still
	// buffered for it is discarded with it.
	rooms.SetOnEnded(func(r room.Room, reason room.EndReason) {
		ob.Drop(r.ID)
	})
	return c
}

func (c *Coordinator) HandleConnect(userID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// A fresh connection counts as input for pool candidacy, doubles as a
	// rejoin if the user was mid-room, and unblocks any buffered messages
	// waiting for them.
	c.rooms.RejoinUser(userID)
	c.presence.Apply(ctx, userID, presence.SignalInput)
	c.outbox.FlushRecipient(ctx, userID)
}

func (c *Coordinator) HandleDisconnect(userID uuid.UUID) {
	c.rooms.DisconnectUser(userID)
	c.presence.HandleTransportDown(userID)
}

func (c *Coordinator) HandleHeartbeat(userID, roomID uuid.UUID) {
	if err := c.rooms.Heartbeat(roomID, userID); err != nil {
		log.Printf("relay: heartbeat from %s for room %s rejected: %v", userID, roomID, err)
	}
}

func (c *Coordinator) HandleRejoin(userID, roomID uuid.UUID) {
	if err := c.rooms.Rejoin(roomID, userID); err != nil {
		log.Printf("relay: rejoin from %s for room %s rejected: %v", userID, roomID, err)
	}
}

// HandleChat relays a chat message to the peer. Any inbound message counts
// as activity for the text-mode watchdog; delivery failures are buffered in
// the outbox keyed by the caller-stable clientMessageID so retries collapse
// into one eventual delivery.
func (c *Coordinator) HandleChat(ctx context.Context, userID, roomID uuid.UUID, clientMessageID, body string) {
	r, ok := c.rooms.RoomForUser(userID)
	if !ok || r.ID != roomID {
		log.Printf("relay: chat from %s for unknown room %s dropped", userID, roomID)
		return
	}

	if err := c.rooms.RecordActivity(roomID); err != nil {
		return // room finalized between lookup and relay
	}

	msg := events.ChatMessage{
		RoomID:          roomID,
		SenderID:        userID,
		ClientMessageID: clientMessageID,
		Body:            body,
		SentAt:          time.Now().UTC(),
	}

	// Deliver drains any buffered predecessors before the direct send, so a
	// message sent right after the peer comes back cannot overtake one that
	// was queued during the outage.
	if err := c.outbox.Deliver(ctx, roomID, r.Peer(userID), msg); err != nil {
		log.Printf("relay: chat in room %s buffered for offline peer", roomID)
	}
}

// HandleWebRTCSignal forwards an SDP description or ICE candidate to the
// room peer. Signaling is only useful while both sides are negotiating, so
// an unreachable peer means the payload is dropped, never buffered.
func (c *Coordinator) HandleWebRTCSignal(ctx context.Context, userID, roomID uuid.UUID, sdp, sdpType string, candidate json.RawMessage) {
	r, ok := c.rooms.RoomForUser(userID)
	if !ok || r.ID != roomID {
		log.Printf("relay: signal from %s for unknown room %s dropped", userID, roomID)
		return
	}

	ev := events.WebRTCSignal{
		RoomID:     roomID,
		FromUserID: userID,
		SDP:        sdp,
		SDPType:    sdpType,
		Candidate:  candidate,
	}
	if err := c.transport.Send(ctx, r.Peer(userID), ev); err != nil {
		log.Printf("relay: signal relay in room %s failed: %v", roomID, err)
	}
}

func (c *Coordinator) HandleEnd(userID, roomID uuid.UUID) {
	if err := c.rooms.End(roomID, userID); err != nil {
		log.Printf("relay: end from %s for room %s rejected: %v", userID, roomID, err)
	}
}

func (c *Coordinator) HandlePresenceSignal(userID uuid.UUID, signal string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.presence.Apply(ctx, userID, presence.Signal(signal))
}
