package transport

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"pairline-backend/internal/events"
	"pairline-backend/internal/observability"
	"pairline-backend/internal/storage"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict origins once the client domains are final
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

type envelope struct {
	Type      events.Type `json:"type"`
	Data      any         `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

type inboundFrame struct {
	Type            string          `json:"type"`
	RoomID          string          `json:"room_id,omitempty"`
	ClientMessageID string          `json:"client_message_id,omitempty"`
	Body            string          `json:"body,omitempty"`
	Signal          string          `json:"signal,omitempty"`
	SDP             string          `json:"sdp,omitempty"`
	SDPType         string          `json:"sdp_type,omitempty"`
	Candidate       json.RawMessage `json:"candidate,omitempty"`
}

// wsConn serializes writes; gorilla connections do not allow concurrent
// writers.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) writeControl(messageType int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(messageType, nil, time.Now().Add(writeWait))
}

type ConnectionMetrics struct {
	UserID       uuid.UUID `json:"user_id"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastPong     time.Time `json:"last_pong,omitempty"`
	MessagesSent int64     `json:"messages_sent"`
	MessagesRecv int64     `json:"messages_recv"`
	ClientIP     string    `json:"client_ip"`
}

// WSManager is the websocket implementation of Layer. Events for users
// connected to this instance are written directly; everyone else is reached
// through the redis per-user event channel, which every instance holding the
// user's connection subscribes to.
type WSManager struct {
	redis   *storage.RedisClient
	handler InboundHandler

	mu          sync.RWMutex
	connections map[uuid.UUID]*wsConn
	metrics     map[uuid.UUID]*ConnectionMetrics
}

func NewWSManager(redis *storage.RedisClient, handler InboundHandler) *WSManager {
	return &WSManager{
		redis:       redis,
		handler:     handler,
		connections: make(map[uuid.UUID]*wsConn),
		metrics:     make(map[uuid.UUID]*ConnectionMetrics),
	}
}

// SetHandler breaks the construction cycle between the manager and the
// session coordinator; must be called before the first connection.
func (wm *WSManager) SetHandler(handler InboundHandler) {
	wm.handler = handler
}

func (wm *WSManager) Connected(userID uuid.UUID) bool {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	_, ok := wm.connections[userID]
	return ok
}

// Send delivers one event to one user: directly when the connection lives on
// this instance, otherwise via the redis channel. ErrNotConnected is
// returned when no instance holds a connection for the user.
func (wm *WSManager) Send(ctx context.Context, userID uuid.UUID, ev events.Event) error {
	env := envelope{Type: ev.EventType(), Data: ev, Timestamp: time.Now().UTC()}

	wm.mu.RLock()
	conn, ok := wm.connections[userID]
	wm.mu.RUnlock()

	if ok {
		if err := conn.writeJSON(env); err != nil {
			log.Printf("[WS_SEND] write to user %s failed: %v", userID, err)
			return err
		}
		wm.bumpSent(userID)
		observability.IncEventSent(string(ev.EventType()), "local")
		return nil
	}

	receivers, err := wm.redis.PublishUserEvent(ctx, userID.String(), string(ev.EventType()), ev)
	if err != nil {
		return err
	}
	if receivers == 0 {
		return ErrNotConnected
	}
	observability.IncEventSent(string(ev.EventType()), "pubsub")
	return nil
}

// Notify satisfies the room notifier contract; it is Send under another name.
func (wm *WSManager) Notify(ctx context.Context, userID uuid.UUID, ev events.Event) error {
	return wm.Send(ctx, userID, ev)
}

// HandleWS upgrades the connection and runs it until the client goes away.
func (wm *WSManager) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS_CONNECT] upgrade failed for user %s: %v", userID, err)
		return
	}

	wc := &wsConn{conn: conn}
	clientIP := clientIP(r)

	wm.mu.Lock()
	if existing, ok := wm.connections[userID]; ok {
		// A reconnect displaces the previous socket for the same user.
		existing.conn.Close()
	}
	wm.connections[userID] = wc
	wm.metrics[userID] = &ConnectionMetrics{
		UserID:      userID,
		ConnectedAt: time.Now().UTC(),
		ClientIP:    clientIP,
	}
	total := len(wm.connections)
	wm.mu.Unlock()

	observability.IncWSActive()
	log.Printf("[WS_CONNECT] user %s connected from %s, total connections: %d", userID, clientIP, total)

	defer func() {
		conn.Close()
		wm.mu.Lock()
		// Only unregister if this socket is still the user's current one;
		// a displacing reconnect must not tear down its successor.
		if current, ok := wm.connections[userID]; ok && current == wc {
			delete(wm.connections, userID)
			delete(wm.metrics, userID)
		}
		total := len(wm.connections)
		wm.mu.Unlock()

		observability.DecWSActive()
		log.Printf("[WS_DISCONNECT] user %s disconnected, total connections: %d", userID, total)
		wm.handler.HandleDisconnect(userID)
	}()

	// Fan redis-published events for this user into the socket so events
	// raised on other instances still arrive.
	subCtx, cancelSub := context.WithCancel(context.Background())
	defer cancelSub()
	pubsub := wm.redis.SubscribeToUserEvents(subCtx, userID.String())
	defer pubsub.Close()
	go wm.forwardRedisEvents(subCtx, userID, pubsub, wc)

	wm.handler.HandleConnect(userID)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		wm.bumpPong(userID)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	go wm.readLoop(userID, wc, done)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := wc.writeControl(websocket.PingMessage); err != nil {
				log.Printf("[WS_PING] ping to user %s failed: %v", userID, err)
				return
			}
		case <-done:
			return
		}
	}
}

func (wm *WSManager) readLoop(userID uuid.UUID, wc *wsConn, done chan struct{}) {
	defer close(done)
	for {
		var frame inboundFrame
		if err := wc.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WS_READER] unexpected close for user %s: %v", userID, err)
			}
			return
		}
		wm.bumpRecv(userID)
		wm.route(userID, frame)
	}
}

func (wm *WSManager) route(userID uuid.UUID, frame inboundFrame) {
	roomID, _ := uuid.Parse(frame.RoomID)

	switch frame.Type {
	case FrameHeartbeat:
		wm.handler.HandleHeartbeat(userID, roomID)
	case FrameRejoin:
		wm.handler.HandleRejoin(userID, roomID)
	case FrameChat:
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		wm.handler.HandleChat(ctx, userID, roomID, frame.ClientMessageID, frame.Body)
		cancel()
	case FrameEnd:
		wm.handler.HandleEnd(userID, roomID)
	case FramePresence:
		wm.handler.HandlePresenceSignal(userID, frame.Signal)
	case FrameSignal:
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		wm.handler.HandleWebRTCSignal(ctx, userID, roomID, frame.SDP, frame.SDPType, frame.Candidate)
		cancel()
	default:
		log.Printf("[WS_READER] unknown frame type %q from user %s", frame.Type, userID)
	}
}

func (wm *WSManager) forwardRedisEvents(ctx context.Context, userID uuid.UUID, pubsub *storage.RedisSubscriber, wc *wsConn) {
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			return
		}
		wc.mu.Lock()
		wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
		err = wc.conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload))
		wc.mu.Unlock()
		if err != nil {
			log.Printf("[WS_REDIS] forward to user %s failed: %v", userID, err)
			return
		}
		wm.bumpSent(userID)
	}
}

// Metrics returns a copy of the per-connection counters.
func (wm *WSManager) Metrics() map[uuid.UUID]ConnectionMetrics {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	out := make(map[uuid.UUID]ConnectionMetrics, len(wm.metrics))
	for id, m := range wm.metrics {
		out[id] = *m
	}
	return out
}

func (wm *WSManager) bumpSent(userID uuid.UUID) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	if m, ok := wm.metrics[userID]; ok {
		m.MessagesSent++
	}
}

func (wm *WSManager) bumpRecv(userID uuid.UUID) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	if m, ok := wm.metrics[userID]; ok {
		m.MessagesRecv++
	}
}

func (wm *WSManager) bumpPong(userID uuid.UUID) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	if m, ok := wm.metrics[userID]; ok {
		m.LastPong = time.Now().UTC()
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ips := strings.Split(xff, ","); len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
