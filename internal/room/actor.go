package room

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"pairline-backend/internal/config"
	"pairline-backend/internal/events"
	"pairline-backend/internal/observability"
	"pairline-backend/internal/storage"
)

// Commands processed by the actor goroutine. All state for one room is owned
// by that goroutine; concurrent callers post commands and never touch fields
// directly, so transitions apply atomically in arrival order.
type command interface{}

type cmdHeartbeat struct{ userID uuid.UUID }
type cmdDisconnect struct{ userID uuid.UUID }
type cmdRejoin struct{ userID uuid.UUID }
type cmdActivity struct{ userID uuid.UUID }
type cmdEnd struct{ reason EndReason }
type cmdTimeUp struct{}

// Timer fires carry the generation current when the timer was armed. A fire
// whose generation no longer matches was superseded and is ignored.
type cmdGraceExpired struct {
	userID uuid.UUID
	gen    uint64
}
type cmdWarnElapsed struct{ gen uint64 }
type cmdWarnDeadline struct{ gen uint64 }

type cmdSnapshot struct{ reply chan Snapshot }

type actor struct {
	room     Room
	cfg      config.RoomConfig
	notifier Notifier
	history  HistoryRecorder
	onEnded  func(r Room, reason EndReason)

	cmds chan command
	done chan struct{}

	state    State
	presence map[uuid.UUID]*ParticipantPresence

	// Per-participant arm generation for the reconnect grace timer.
	graceGen map[uuid.UUID]uint64

	// Text-mode inactivity tracking. watchGen invalidates both the warning
	// timer and the termination deadline whenever activity is recorded.
	watchGen       uint64
	lastActivityAt time.Time
	warningIssued  bool

	endReason EndReason
	endedAt   time.Time

	// final is written in finalize, strictly before done is closed. Readers
	// must observe <-a.done before touching it.
	final Snapshot
}

func newActor(r Room, cfg config.RoomConfig, notifier Notifier, history HistoryRecorder, onEnded func(Room, EndReason)) *actor {
	a := &actor{
		room:     r,
		cfg:      cfg,
		notifier: notifier,
		history:  history,
		onEnded:  onEnded,
		cmds:     make(chan command, 32),
		done:     make(chan struct{}),
		state:    StateActive,
		presence: map[uuid.UUID]*ParticipantPresence{
			r.UserA: {Status: StatusConnected, LastHeartbeatAt: r.CreatedAt},
			r.UserB: {Status: StatusConnected, LastHeartbeatAt: r.CreatedAt},
		},
		graceGen:       map[uuid.UUID]uint64{r.UserA: 0, r.UserB: 0},
		lastActivityAt: r.CreatedAt,
	}
	return a
}

func (a *actor) start() {
	switch a.room.Mode {
	case storage.ModeText:
		a.armWatchdog()
	case storage.ModeVideo:
		time.AfterFunc(a.room.AgreedDuration, func() { a.post(cmdTimeUp{}) })
	}
	go a.run()
}

// post hands a command to the actor, dropping it if the room has already
// been finalized. Timer callbacks and transport handlers both come through
// here, so a late fire after the end can never block or mutate.
func (a *actor) post(c command) {
	select {
	case a.cmds <- c:
	case <-a.done:
	}
}

func (a *actor) run() {
	for c := range a.cmds {
		a.handle(c)
		if a.state == StateEnded {
			close(a.done)
			return
		}
	}
}

func (a *actor) handle(c command) {
	switch cmd := c.(type) {
	case cmdHeartbeat:
		a.handleHeartbeat(cmd.userID)
	case cmdDisconnect:
		a.handleDisconnect(cmd.userID)
	case cmdRejoin:
		a.handleRejoin(cmd.userID)
	case cmdActivity:
		a.handleActivity()
	case cmdEnd:
		a.finalize(cmd.reason)
	case cmdTimeUp:
		a.finalize(ReasonTimeUp)
	case cmdGraceExpired:
		a.handleGraceExpired(cmd.userID, cmd.gen)
	case cmdWarnElapsed:
		a.handleWarnElapsed(cmd.gen)
	case cmdWarnDeadline:
		a.handleWarnDeadline(cmd.gen)
	case cmdSnapshot:
		cmd.reply <- a.snapshot()
	}
}

func (a *actor) handleHeartbeat(userID uuid.UUID) {
	p, ok := a.presence[userID]
	if !ok {
		return
	}
	p.LastHeartbeatAt = time.Now().UTC()
	if p.Status == StatusDisconnected {
		// A heartbeat from a participant we considered gone counts as a
		// rejoin; the client may never have noticed the drop.
		a.handleRejoin(userID)
	}
}

func (a *actor) handleDisconnect(userID uuid.UUID) {
	p, ok := a.presence[userID]
	if !ok || p.Status == StatusDisconnected {
		return
	}

	now := time.Now().UTC()
	p.Status = StatusDisconnected
	p.DisconnectedAt = now

	a.graceGen[userID]++
	gen := a.graceGen[userID]
	grace := a.cfg.ReconnectGrace
	time.AfterFunc(grace, func() { a.post(cmdGraceExpired{userID: userID, gen: gen}) })

	if a.state == StateActive {
		a.state = StatePartnerDisconnected
	}

	a.notify(a.room.Peer(userID), events.PartnerDisconnected{
		RoomID:           a.room.ID,
		SecondsRemaining: int(grace.Seconds()),
	})
}

func (a *actor) handleRejoin(userID uuid.UUID) {
	p, ok := a.presence[userID]
	if !ok {
		return
	}
	if p.Status == StatusConnected {
		// Duplicate rejoin, e.g. a network retry. Not an error.
		return
	}

	p.Status = StatusConnected
	p.LastHeartbeatAt = time.Now().UTC()
	a.graceGen[userID]++ // invalidate the pending grace timer

	if a.allConnected() && a.state == StatePartnerDisconnected {
		a.state = StateActive
		a.notify(a.room.Peer(userID), events.PartnerReconnected{RoomID: a.room.ID})
	}
}

func (a *actor) handleGraceExpired(userID uuid.UUID, gen uint64) {
	if gen != a.graceGen[userID] {
		return // superseded by a rejoin or a later disconnect
	}
	if p, ok := a.presence[userID]; ok && p.Status == StatusDisconnected {
		a.finalize(ReasonDisconnectTimeout)
	}
}

func (a *actor) handleActivity() {
	if a.room.Mode != storage.ModeText {
		return
	}
	a.lastActivityAt = time.Now().UTC()
	wasWarned := a.warningIssued
	a.warningIssued = false
	a.armWatchdog()
	if wasWarned {
		a.notifyBoth(events.ActivityCleared{RoomID: a.room.ID})
	}
}

// armWatchdog resets the inactivity clock to zero, invalidating any pending
// warning or termination deadline.
func (a *actor) armWatchdog() {
	a.watchGen++
	gen := a.watchGen
	time.AfterFunc(a.cfg.WarnAfter, func() { a.post(cmdWarnElapsed{gen: gen}) })
}

func (a *actor) handleWarnElapsed(gen uint64) {
	if gen != a.watchGen {
		return
	}
	a.warningIssued = true
	a.notifyBoth(events.ActivityWarning{
		RoomID:           a.room.ID,
		SecondsRemaining: int(a.cfg.WarnGrace.Seconds()),
	})
	time.AfterFunc(a.cfg.WarnGrace, func() { a.post(cmdWarnDeadline{gen: gen}) })
}

func (a *actor) handleWarnDeadline(gen uint64) {
	if gen != a.watchGen || !a.warningIssued {
		return
	}
	a.finalize(ReasonInactivity)
}

// finalize is the single gate to the terminal state. Whichever trigger
// reaches it first wins; every later command is ignored by the state check
// here and, once the run loop exits, dropped by post.
func (a *actor) finalize(reason EndReason) {
	if a.state == StateEnded {
		return
	}

	a.state = StateEnded
	a.endReason = reason
	a.endedAt = time.Now().UTC()
	a.final = a.snapshot()

	a.notifyBoth(events.RoomEnded{RoomID: a.room.ID, Reason: string(reason)})

	summary := &storage.SessionSummary{
		RoomID:          a.room.ID,
		UserAID:         a.room.UserA,
		UserBID:         a.room.UserB,
		Mode:            a.room.Mode,
		EndReason:       string(reason),
		DurationSeconds: int(a.endedAt.Sub(a.room.CreatedAt).Seconds()),
		StartedAt:       a.room.CreatedAt,
		EndedAt:         a.endedAt,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.history.RecordSession(ctx, summary); err != nil {
			log.Printf("room %s: failed to record session history: %v", a.room.ID, err)
		}
	}()

	observability.IncRoomEnded(string(reason))
	if a.onEnded != nil {
		a.onEnded(a.room, reason)
	}
}

func (a *actor) allConnected() bool {
	for _, p := range a.presence {
		if p.Status != StatusConnected {
			return false
		}
	}
	return true
}

func (a *actor) snapshot() Snapshot {
	presence := make(map[uuid.UUID]ParticipantPresence, len(a.presence))
	for id, p := range a.presence {
		presence[id] = *p
	}
	snap := Snapshot{
		Room:          a.room,
		State:         a.state,
		EndReason:     a.endReason,
		Presence:      presence,
		WarningIssued: a.warningIssued,
	}
	if a.room.Mode == storage.ModeVideo {
		remaining := a.room.AgreedDuration - time.Since(a.room.CreatedAt)
		if remaining < 0 {
			remaining = 0
		}
		snap.SecondsRemaining = int(remaining.Seconds())
	}
	return snap
}

func (a *actor) notify(userID uuid.UUID, ev events.Event) {
	if userID == uuid.Nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.notifier.Notify(ctx, userID, ev); err != nil {
		log.Printf("room %s: notify %s (%s) failed: %v", a.room.ID, userID, ev.EventType(), err)
	}
}

func (a *actor) notifyBoth(ev events.Event) {
	a.notify(a.room.UserA, ev)
	a.notify(a.room.UserB, ev)
}
