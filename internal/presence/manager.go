package presence

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"pairline-backend/internal/config"
	"pairline-backend/internal/observability"
)

// Signal is a local client-side condition change: tab visibility, window
// focus, user input, or the page going away.
type Signal string

const (
	SignalVisible     Signal = "visible"
	SignalHidden      Signal = "hidden"
	SignalFocusGained Signal = "focus_gained"
	SignalFocusLost   Signal = "focus_lost"
	SignalInput       Signal = "input"
	SignalPageHide    Signal = "page_hide"
	SignalUnload      Signal = "unload"
)

type Decision string

const (
	DecisionJoin  Decision = "join"
	DecisionLeave Decision = "leave"
	DecisionNoop  Decision = "noop"
)

// PoolStore is the matchmaking pool membership backend. Satisfied by
// storage.RedisClient.
type PoolStore interface {
	AddToPool(ctx context.Context, userID string, lastActivity time.Time) error
	RemoveFromPool(ctx context.Context, userID string) error
	InPool(ctx context.Context, userID string) (bool, error)
	SweepPool(ctx context.Context, cutoff time.Time) (int64, error)
}

// conditionClass distinguishes the two countdown-backed leave conditions.
// Each class carries its own generation so restarting one window never
// extends the other.
type conditionClass int

const (
	classHidden conditionClass = iota
	classUnfocused
)

type candidacy struct {
	inPool         bool
	hidden         bool
	unfocused      bool
	lastActivityAt time.Time

	// One generation per condition class invalidates that class's pending
	// countdown. A repeated signal of the same class restarts its own
	// window, never stacks, and leaves the other class's window running.
	hiddenGen    uint64
	unfocusedGen uint64
}

// Manager decides pool candidacy from local signals. It holds no negotiation
// state: a user can be mid-invite and still silently leave the pool.
type Manager struct {
	cfg  config.PresenceConfig
	pool PoolStore

	mu    sync.Mutex
	users map[uuid.UUID]*candidacy
}

func NewManager(cfg config.PresenceConfig, pool PoolStore) *Manager {
	return &Manager{
		cfg:   cfg,
		pool:  pool,
		users: make(map[uuid.UUID]*candidacy),
	}
}

// Apply evaluates one signal and returns the membership decision taken.
func (m *Manager) Apply(ctx context.Context, userID uuid.UUID, signal Signal) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.users[userID]
	if c == nil {
		c = &candidacy{lastActivityAt: time.Now().UTC()}
		m.users[userID] = c
	}

	switch signal {
	case SignalHidden:
		c.hidden = true
		c.hiddenGen++
		m.startCountdown(userID, classHidden, c.hiddenGen)
		return DecisionNoop
	case SignalFocusLost:
		c.unfocused = true
		c.unfocusedGen++
		m.startCountdown(userID, classUnfocused, c.unfocusedGen)
		return DecisionNoop
	case SignalVisible:
		c.hidden = false
		c.hiddenGen++
		return m.clearedCondition(ctx, userID, c)
	case SignalFocusGained:
		c.unfocused = false
		c.unfocusedGen++
		return m.clearedCondition(ctx, userID, c)
	case SignalInput:
		c.lastActivityAt = time.Now().UTC()
		if m.eligible(c) {
			return m.join(ctx, userID, c, "input")
		}
		return DecisionNoop
	case SignalPageHide, SignalUnload:
		// Often unrecoverable on mobile; no grace.
		return m.leave(ctx, userID, c, string(signal))
	}

	return DecisionNoop
}

// clearedCondition rejoins once neither hidden nor unfocused remains and the
// user is otherwise eligible. The cleared class's countdown was already
// invalidated by its generation bump; the other class's window, if any, keeps
// running untouched.
func (m *Manager) clearedCondition(ctx context.Context, userID uuid.UUID, c *candidacy) Decision {
	if c.hidden || c.unfocused {
		return DecisionNoop
	}
	if m.eligible(c) {
		return m.join(ctx, userID, c, "restored")
	}
	return DecisionNoop
}

func (m *Manager) startCountdown(userID uuid.UUID, class conditionClass, gen uint64) {
	time.AfterFunc(m.cfg.HiddenGrace, func() {
		m.expireCountdown(userID, class, gen)
	})
}

func (m *Manager) expireCountdown(userID uuid.UUID, class conditionClass, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.users[userID]
	if c == nil {
		return
	}

	var held bool
	var cause string
	switch class {
	case classHidden:
		held = gen == c.hiddenGen && c.hidden
		cause = "hidden_timeout"
	case classUnfocused:
		held = gen == c.unfocusedGen && c.unfocused
		cause = "focus_timeout"
	}
	if !held {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.leave(ctx, userID, c, cause)
}

func (m *Manager) eligible(c *candidacy) bool {
	if c.hidden || c.unfocused {
		return false
	}
	return time.Since(c.lastActivityAt) < m.cfg.IdleAfter
}

// join and leave are called with m.mu held.

func (m *Manager) join(ctx context.Context, userID uuid.UUID, c *candidacy, cause string) Decision {
	if err := m.pool.AddToPool(ctx, userID.String(), c.lastActivityAt); err != nil {
		log.Printf("presence: pool join for %s failed: %v", userID, err)
		return DecisionNoop
	}
	already := c.inPool
	c.inPool = true
	if already {
		return DecisionNoop
	}
	observability.IncPoolChange("join", cause)
	return DecisionJoin
}

func (m *Manager) leave(ctx context.Context, userID uuid.UUID, c *candidacy, cause string) Decision {
	if err := m.pool.RemoveFromPool(ctx, userID.String()); err != nil {
		log.Printf("presence: pool leave for %s failed: %v", userID, err)
	}
	if !c.inPool {
		return DecisionNoop
	}
	c.inPool = false
	observability.IncPoolChange("leave", cause)
	return DecisionLeave
}

// HandleTransportDown drops pool membership when the user's connection goes
// away entirely; an unreachable candidate must not be matched.
func (m *Manager) HandleTransportDown(userID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.users[userID]
	if c == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.leave(ctx, userID, c, "transport")
}

// InPool answers membership for the invite protocol's availability check.
func (m *Manager) InPool(ctx context.Context, userID uuid.UUID) (bool, error) {
	return m.pool.InPool(ctx, userID.String())
}

// SweepIdle removes users whose last input is older than the idle threshold
// while they stayed visible and focused, then prunes the redis pool by score
// as a backstop for entries from dead instances.
func (m *Manager) SweepIdle(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.cfg.IdleAfter)

	m.mu.Lock()
	for userID, c := range m.users {
		if c.inPool && c.lastActivityAt.Before(cutoff) {
			m.leave(ctx, userID, c, "idle")
		}
	}
	m.mu.Unlock()

	if dropped, err := m.pool.SweepPool(ctx, cutoff); err != nil {
		log.Printf("presence: pool sweep failed: %v", err)
	} else if dropped > 0 {
		log.Printf("presence: pool sweep dropped %d stale members", dropped)
	}
}
