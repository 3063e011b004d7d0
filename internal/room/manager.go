package room

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"pairline-backend/internal/config"
	"pairline-backend/internal/storage"
)

var (
	// ErrRoomNotFound indicates a stale client view: the room never existed
	// or has already been finalized.
	ErrRoomNotFound = errors.New("room not found")
	// ErrNotParticipant indicates the caller is not a member of the room.
	ErrNotParticipant = errors.New("user is not a participant of the room")
	// ErrAlreadyInRoom indicates the user already has a live room.
	ErrAlreadyInRoom = errors.New("user already has an active room")
)

// Manager owns all live rooms. Each room is driven by its own actor
// goroutine; the manager only routes commands, so operations on different
// rooms never contend.
type Manager struct {
	cfg      config.RoomConfig
	notifier Notifier
	history  HistoryRecorder
	onEnded  func(r Room, reason EndReason)

	mu     sync.RWMutex
	rooms  map[uuid.UUID]*actor
	byUser map[uuid.UUID]uuid.UUID
}

func NewManager(cfg config.RoomConfig, notifier Notifier, history HistoryRecorder) *Manager {
	return &Manager{
		cfg:      cfg,
		notifier: notifier,
		history:  history,
		rooms:    make(map[uuid.UUID]*actor),
		byUser:   make(map[uuid.UUID]uuid.UUID),
	}
}

// SetOnEnded installs a hook invoked exactly once per room, after its
// terminal transition. Must be called before the first Create.
func (m *Manager) SetOnEnded(hook func(r Room, reason EndReason)) {
	m.onEnded = hook
}

// Create materializes a new room for two participants and starts its actor.
// agreedDuration is only meaningful for video rooms.
func (m *Manager) Create(userA, userB uuid.UUID, mode string, agreedDuration time.Duration) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.byUser[userA]; busy {
		return nil, ErrAlreadyInRoom
	}
	if _, busy := m.byUser[userB]; busy {
		return nil, ErrAlreadyInRoom
	}

	r := Room{
		ID:        uuid.New(),
		UserA:     userA,
		UserB:     userB,
		Mode:      mode,
		CreatedAt: time.Now().UTC(),
	}
	if mode == storage.ModeVideo {
		r.AgreedDuration = agreedDuration
	}

	a := newActor(r, m.cfg, m.notifier, m.history, m.remove)
	m.rooms[r.ID] = a
	m.byUser[userA] = r.ID
	m.byUser[userB] = r.ID
	a.start()

	log.Printf("room %s created: %s and %s, mode=%s", r.ID, userA, userB, mode)
	return &r, nil
}

// remove is invoked by the actor once, from inside its finalize gate.
func (m *Manager) remove(r Room, reason EndReason) {
	m.mu.Lock()
	delete(m.rooms, r.ID)
	if m.byUser[r.UserA] == r.ID {
		delete(m.byUser, r.UserA)
	}
	if m.byUser[r.UserB] == r.ID {
		delete(m.byUser, r.UserB)
	}
	m.mu.Unlock()

	log.Printf("room %s ended: reason=%s", r.ID, reason)
	if m.onEnded != nil {
		m.onEnded(r, reason)
	}
}

func (m *Manager) actorFor(roomID uuid.UUID) (*actor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return a, nil
}

func (m *Manager) participantActor(roomID, userID uuid.UUID) (*actor, error) {
	a, err := m.actorFor(roomID)
	if err != nil {
		return nil, err
	}
	if !a.room.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return a, nil
}

// Heartbeat records a liveness signal from a participant. A heartbeat from a
// participant currently counted as disconnected doubles as a rejoin.
func (m *Manager) Heartbeat(roomID, userID uuid.UUID) error {
	a, err := m.participantActor(roomID, userID)
	if err != nil {
		return err
	}
	a.post(cmdHeartbeat{userID: userID})
	return nil
}

// Rejoin reports that a disconnected participant is back before the grace
// deadline. Rejoining an already-connected room is a no-op.
func (m *Manager) Rejoin(roomID, userID uuid.UUID) error {
	a, err := m.participantActor(roomID, userID)
	if err != nil {
		return err
	}
	a.post(cmdRejoin{userID: userID})
	return nil
}

// Disconnect starts the reconnect grace window for the given participant.
func (m *Manager) Disconnect(roomID, userID uuid.UUID) error {
	a, err := m.participantActor(roomID, userID)
	if err != nil {
		return err
	}
	a.post(cmdDisconnect{userID: userID})
	return nil
}

// RecordActivity resets the text-mode inactivity clock. Safe to call
// concurrently from both participants' inbound handlers.
func (m *Manager) RecordActivity(roomID uuid.UUID) error {
	a, err := m.actorFor(roomID)
	if err != nil {
		return err
	}
	a.post(cmdActivity{})
	return nil
}

// End finalizes the room explicitly on behalf of a participant.
func (m *Manager) End(roomID, userID uuid.UUID) error {
	a, err := m.participantActor(roomID, userID)
	if err != nil {
		return err
	}
	a.post(cmdEnd{reason: ReasonHangup})
	return nil
}

// EndWithReason finalizes the room on behalf of a subsystem (administrative
// action, unrecoverable transport error).
func (m *Manager) EndWithReason(roomID uuid.UUID, reason EndReason) error {
	a, err := m.actorFor(roomID)
	if err != nil {
		return err
	}
	a.post(cmdEnd{reason: reason})
	return nil
}

// Snapshot returns a consistent view of the room, serialized through the
// actor so it never observes a half-applied transition.
func (m *Manager) Snapshot(roomID uuid.UUID) (Snapshot, error) {
	a, err := m.actorFor(roomID)
	if err != nil {
		return Snapshot{}, err
	}
	reply := make(chan Snapshot, 1)
	a.post(cmdSnapshot{reply: reply})
	select {
	case snap := <-reply:
		return snap, nil
	case <-a.done:
		return a.final, nil
	}
}

// RoomForUser reports the live room a user belongs to, if any.
func (m *Manager) RoomForUser(userID uuid.UUID) (Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	roomID, ok := m.byUser[userID]
	if !ok {
		return Room{}, false
	}
	a, ok := m.rooms[roomID]
	if !ok {
		return Room{}, false
	}
	return a.room, true
}

// DisconnectUser routes a transport-level disconnect to the user's room, if
// they are in one.
func (m *Manager) DisconnectUser(userID uuid.UUID) {
	if r, ok := m.RoomForUser(userID); ok {
		_ = m.Disconnect(r.ID, userID)
	}
}

// RejoinUser routes a transport-level reconnect to the user's room, if they
// are in one.
func (m *Manager) RejoinUser(userID uuid.UUID) {
	if r, ok := m.RoomForUser(userID); ok {
		_ = m.Rejoin(r.ID, userID)
	}
}
