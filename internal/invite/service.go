package invite

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"pairline-backend/internal/config"
	"pairline-backend/internal/events"
	"pairline-backend/internal/observability"
	"pairline-backend/internal/room"
	"pairline-backend/internal/storage"
)

var (
	// ErrAlreadyPending rejects a second proposal for the same ordered
	// (from, to) pair while one is still unexpired.
	ErrAlreadyPending = errors.New("an invite for this pair is already pending")
	// ErrTargetUnavailable means the target is not currently a candidate in
	// the presence pool.
	ErrTargetUnavailable = errors.New("target user is not available")
	// ErrNotFound means the invite does not exist or was already consumed by
	// a racing decline.
	ErrNotFound = errors.New("invite not found")
	// ErrExpired means accept arrived after the acceptance window closed.
	ErrExpired = errors.New("invite expired")
	// ErrNotRecipient rejects accept/decline from anyone but the invited
	// user.
	ErrNotRecipient = errors.New("caller is not the invite recipient")
	// ErrInvalidMode rejects modes outside video|text.
	ErrInvalidMode = errors.New("invalid chat mode")
)

type inviteState int

const (
	statePending inviteState = iota
	stateAccepted
	stateDeclined
	stateExpired
)

type Invite struct {
	ID                uuid.UUID
	FromUserID        uuid.UUID
	ToUserID          uuid.UUID
	RequestedDuration time.Duration
	Mode              string
	CreatedAt         time.Time
	ExpiresAt         time.Time
}

type record struct {
	invite Invite
	state  inviteState
	roomID uuid.UUID
}

type pairKey struct {
	from uuid.UUID
	to   uuid.UUID
}

// PoolChecker answers whether a user is currently a matchmaking candidate.
type PoolChecker interface {
	InPool(ctx context.Context, userID uuid.UUID) (bool, error)
}

// ProfileReader resolves display data for notification payloads.
type ProfileReader interface {
	GetProfile(ctx context.Context, userID uuid.UUID) (*storage.Profile, error)
}

// RoomCreator materializes the room on a successful accept.
type RoomCreator interface {
	Create(userA, userB uuid.UUID, mode string, agreedDuration time.Duration) (*room.Room, error)
}

// Service implements the invite handshake. All invite state is in memory and
// guarded by one mutex; invites are short-lived and single-owner per user,
// so there is nothing to contend over across instances.
type Service struct {
	cfg      config.InviteConfig
	pool     PoolChecker
	profiles ProfileReader
	rooms    RoomCreator
	notifier room.Notifier

	mu     sync.Mutex
	byID   map[uuid.UUID]*record
	byPair map[pairKey]uuid.UUID

	now func() time.Time
}

func NewService(cfg config.InviteConfig, pool PoolChecker, profiles ProfileReader, rooms RoomCreator, notifier room.Notifier) *Service {
	return &Service{
		cfg:      cfg,
		pool:     pool,
		profiles: profiles,
		rooms:    rooms,
		notifier: notifier,
		byID:     make(map[uuid.UUID]*record),
		byPair:   make(map[pairKey]uuid.UUID),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Propose creates an invite from one user to another. At most one unexpired
// invite may exist per ordered pair; mutual proposals are two independent
// invites and resolve independently.
func (s *Service) Propose(ctx context.Context, fromUserID, toUserID uuid.UUID, duration time.Duration, mode string) (*Invite, error) {
	if mode != storage.ModeVideo && mode != storage.ModeText {
		return nil, ErrInvalidMode
	}

	available, err := s.pool.InPool(ctx, toUserID)
	if err != nil {
		return nil, err
	}
	if !available {
		observability.IncInvite("target_unavailable")
		return nil, ErrTargetUnavailable
	}

	s.mu.Lock()
	key := pairKey{from: fromUserID, to: toUserID}
	if existingID, ok := s.byPair[key]; ok {
		if rec := s.byID[existingID]; rec != nil && rec.state == statePending && s.now().Before(rec.invite.ExpiresAt) {
			s.mu.Unlock()
			observability.IncInvite("already_pending")
			return nil, ErrAlreadyPending
		}
	}

	now := s.now()
	inv := Invite{
		ID:                uuid.New(),
		FromUserID:        fromUserID,
		ToUserID:          toUserID,
		RequestedDuration: duration,
		Mode:              mode,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.cfg.AcceptWindow),
	}
	s.byID[inv.ID] = &record{invite: inv, state: statePending}
	s.byPair[key] = inv.ID
	s.mu.Unlock()

	observability.IncInvite("proposed")
	log.Printf("invite %s proposed: %s -> %s, mode=%s", inv.ID, fromUserID, toUserID, mode)

	ev := events.InviteReceived{
		InviteID:        inv.ID,
		FromUserID:      fromUserID,
		Mode:            mode,
		DurationSeconds: int(duration.Seconds()),
		ExpiresAt:       inv.ExpiresAt,
	}
	if profile, err := s.profiles.GetProfile(ctx, fromUserID); err == nil {
		ev.FromDisplayName = profile.DisplayName
	}
	go s.notifyWithRetry(toUserID, ev)

	return &inv, nil
}

// Accept promotes a pending invite into a room. It is idempotent per
// inviteID: a second accept on an already-promoted invite returns the
// existing promotion instead of creating a duplicate room.
func (s *Service) Accept(ctx context.Context, inviteID, callerID uuid.UUID, requestedDuration time.Duration) (uuid.UUID, error) {
	s.mu.Lock()

	rec, ok := s.byID[inviteID]
	if !ok {
		s.mu.Unlock()
		return uuid.Nil, ErrNotFound
	}
	if rec.invite.ToUserID != callerID {
		s.mu.Unlock()
		return uuid.Nil, ErrNotRecipient
	}

	switch rec.state {
	case stateAccepted:
		roomID := rec.roomID
		s.mu.Unlock()
		return roomID, nil
	case stateDeclined:
		s.mu.Unlock()
		return uuid.Nil, ErrNotFound
	case stateExpired:
		s.mu.Unlock()
		return uuid.Nil, ErrExpired
	}

	if s.now().After(rec.invite.ExpiresAt) {
		// Lazy expiry races the sweep; whichever transitions the record out
		// of pending owns the proposer's one expiry notification.
		s.expireLocked(rec)
		inv := rec.invite
		s.mu.Unlock()
		observability.IncInvite("expired")
		go s.notifyWithRetry(inv.FromUserID, events.InviteDeclined{InviteID: inv.ID, Expired: true})
		return uuid.Nil, ErrExpired
	}

	var agreed time.Duration
	if rec.invite.Mode == storage.ModeVideo {
		agreed = s.agreeDuration(rec.invite.RequestedDuration, requestedDuration)
	}

	r, err := s.rooms.Create(rec.invite.FromUserID, rec.invite.ToUserID, rec.invite.Mode, agreed)
	if err != nil {
		s.mu.Unlock()
		return uuid.Nil, err
	}

	rec.state = stateAccepted
	rec.roomID = r.ID
	inv := rec.invite
	s.mu.Unlock()

	observability.IncInvite("accepted")
	log.Printf("invite %s accepted, room %s created", inviteID, r.ID)

	// Both participants learn about the room exactly once; a room with one
	// uninformed participant is effectively broken, so failed deliveries
	// are retried rather than dropped.
	go s.notifyRoomStarted(inv.FromUserID, inv.ToUserID, r, agreed)
	go s.notifyRoomStarted(inv.ToUserID, inv.FromUserID, r, agreed)

	return r.ID, nil
}

// Decline consumes a pending invite. Decline and expiry are equivalent
// terminal outcomes for the proposer.
func (s *Service) Decline(ctx context.Context, inviteID, callerID uuid.UUID) error {
	s.mu.Lock()

	rec, ok := s.byID[inviteID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if rec.invite.ToUserID != callerID {
		s.mu.Unlock()
		return ErrNotRecipient
	}
	if rec.state != statePending {
		s.mu.Unlock()
		return ErrNotFound
	}

	rec.state = stateDeclined
	inv := rec.invite
	s.mu.Unlock()

	observability.IncInvite("declined")
	go s.notifyWithRetry(inv.FromUserID, events.InviteDeclined{InviteID: inv.ID})

	return nil
}

// ExpireStale marks every pending invite whose window has closed and tells
// each proposer exactly once. Invoked from the background sweeper.
func (s *Service) ExpireStale(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	var expired []Invite
	for _, rec := range s.byID {
		if rec.state == statePending && now.After(rec.invite.ExpiresAt) {
			s.expireLocked(rec)
			expired = append(expired, rec.invite)
		}
	}
	// Drop fully-terminal records so the maps do not grow without bound.
	for id, rec := range s.byID {
		if rec.state != statePending && now.Sub(rec.invite.ExpiresAt) > time.Minute {
			delete(s.byID, id)
			key := pairKey{from: rec.invite.FromUserID, to: rec.invite.ToUserID}
			if s.byPair[key] == id {
				delete(s.byPair, key)
			}
		}
	}
	s.mu.Unlock()

	for _, inv := range expired {
		observability.IncInvite("expired")
		go s.notifyWithRetry(inv.FromUserID, events.InviteDeclined{InviteID: inv.ID, Expired: true})
	}
	return len(expired)
}

func (s *Service) expireLocked(rec *record) {
	rec.state = stateExpired
}

// agreeDuration averages the two requested durations with round-half-up on
// whole seconds, clamped to the allowed range. The rounding rule is fixed
// here so both sides always compute the same value.
func (s *Service) agreeDuration(proposer, accepter time.Duration) time.Duration {
	p := int(proposer.Seconds())
	a := int(accepter.Seconds())
	agreed := (p + a + 1) / 2

	lo := int(s.cfg.MinDuration.Seconds())
	hi := int(s.cfg.MaxDuration.Seconds())
	if agreed < lo {
		agreed = lo
	}
	if agreed > hi {
		agreed = hi
	}
	return time.Duration(agreed) * time.Second
}

func (s *Service) notifyRoomStarted(recipient, peer uuid.UUID, r *room.Room, agreed time.Duration) {
	ev := events.RoomStarted{
		RoomID: r.ID,
		PeerID: peer,
		Mode:   r.Mode,
	}
	if r.Mode == storage.ModeVideo {
		ev.DurationSeconds = int(agreed.Seconds())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if profile, err := s.profiles.GetProfile(ctx, peer); err == nil {
		ev.PeerDisplayName = profile.DisplayName
	}
	cancel()
	s.notifyWithRetry(recipient, ev)
}

func (s *Service) notifyWithRetry(userID uuid.UUID, ev events.Event) {
	backoff := s.cfg.NotifyBackoff
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.notifier.Notify(ctx, userID, ev)
		cancel()
		if err == nil {
			return
		}
		if attempt >= s.cfg.NotifyAttempts {
			log.Printf("invite: giving up delivering %s to %s after %d attempts: %v",
				ev.EventType(), userID, attempt, err)
			return
		}
		time.Sleep(backoff)
		backoff *= 2
	}
}
