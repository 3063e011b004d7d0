package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairline-backend/internal/config"
)

type memoryPool struct {
	mu      sync.Mutex
	members map[string]time.Time
	swept   int64
}

func newMemoryPool() *memoryPool {
	return &memoryPool{members: make(map[string]time.Time)}
}

func (p *memoryPool) AddToPool(_ context.Context, userID string, lastActivity time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.members[userID] = lastActivity
	return nil
}

func (p *memoryPool) RemoveFromPool(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.members, userID)
	return nil
}

func (p *memoryPool) InPool(_ context.Context, userID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.members[userID]
	return ok, nil
}

func (p *memoryPool) SweepPool(_ context.Context, cutoff time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var dropped int64
	for id, activity := range p.members {
		if activity.Before(cutoff) {
			delete(p.members, id)
			dropped++
		}
	}
	p.swept += dropped
	return dropped, nil
}

func (p *memoryPool) has(userID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.members[userID.String()]
	return ok
}

func testPresenceConfig() config.PresenceConfig {
	return config.PresenceConfig{
		HiddenGrace: 100 * time.Millisecond,
		IdleAfter:   time.Hour,
	}
}

func TestInputJoinsPool(t *testing.T) {
	pool := newMemoryPool()
	m := NewManager(testPresenceConfig(), pool)
	userID := uuid.New()

	decision := m.Apply(context.Background(), userID, SignalInput)
	assert.Equal(t, DecisionJoin, decision)
	assert.True(t, pool.has(userID))

	// Repeated input refreshes activity but reports no change.
	decision = m.Apply(context.Background(), userID, SignalInput)
	assert.Equal(t, DecisionNoop, decision)
	assert.True(t, pool.has(userID))
}

func TestHiddenStartsCountdownToLeave(t *testing.T) {
	pool := newMemoryPool()
	m := NewManager(testPresenceConfig(), pool)
	userID := uuid.New()

	m.Apply(context.Background(), userID, SignalInput)
	require.True(t, pool.has(userID))

	decision := m.Apply(context.Background(), userID, SignalHidden)
	assert.Equal(t, DecisionNoop, decision)
	// Still in the pool until the countdown expires.
	assert.True(t, pool.has(userID))

	require.Eventually(t, func() bool {
		return !pool.has(userID)
	}, time.Second, 5*time.Millisecond)
}

func TestVisibleBeforeCountdownCancelsLeave(t *testing.T) {
	pool := newMemoryPool()
	m := NewManager(testPresenceConfig(), pool)
	userID := uuid.New()

	m.Apply(context.Background(), userID, SignalInput)
	m.Apply(context.Background(), userID, SignalHidden)

	time.Sleep(30 * time.Millisecond)
	decision := m.Apply(context.Background(), userID, SignalVisible)
	assert.Equal(t, DecisionNoop, decision) // already in pool, no change

	// Past the original deadline; the stale countdown must not remove them.
	time.Sleep(150 * time.Millisecond)
	assert.True(t, pool.has(userID))
}

func TestRepeatedHiddenRestartsCountdown(t *testing.T) {
	pool := newMemoryPool()
	m := NewManager(testPresenceConfig(), pool)
	userID := uuid.New()

	m.Apply(context.Background(), userID, SignalInput)

	// A second hidden halfway through restarts the window rather than
	// letting the first fire early.
	m.Apply(context.Background(), userID, SignalHidden)
	time.Sleep(60 * time.Millisecond)
	m.Apply(context.Background(), userID, SignalHidden)

	time.Sleep(60 * time.Millisecond) // 120ms after the first, 60ms after the second
	assert.True(t, pool.has(userID))

	require.Eventually(t, func() bool {
		return !pool.has(userID)
	}, time.Second, 5*time.Millisecond)
}

func TestFocusLossBehavesLikeHidden(t *testing.T) {
	pool := newMemoryPool()
	m := NewManager(testPresenceConfig(), pool)
	userID := uuid.New()

	m.Apply(context.Background(), userID, SignalInput)
	m.Apply(context.Background(), userID, SignalFocusLost)

	require.Eventually(t, func() bool {
		return !pool.has(userID)
	}, time.Second, 5*time.Millisecond)

	decision := m.Apply(context.Background(), userID, SignalFocusGained)
	assert.Equal(t, DecisionJoin, decision)
	assert.True(t, pool.has(userID))
}

func TestFocusLossDoesNotExtendHiddenCountdown(t *testing.T) {
	pool := newMemoryPool()
	m := NewManager(testPresenceConfig(), pool)
	userID := uuid.New()

	m.Apply(context.Background(), userID, SignalInput)
	m.Apply(context.Background(), userID, SignalHidden)

	// Focus loss near the end of the hidden window starts its own countdown
	// but must not restart the hidden one.
	time.Sleep(60 * time.Millisecond)
	m.Apply(context.Background(), userID, SignalFocusLost)

	require.Eventually(t, func() bool {
		return !pool.has(userID)
	}, 90*time.Millisecond, 5*time.Millisecond)
}

func TestHiddenAndUnfocusedBothMustClear(t *testing.T) {
	pool := newMemoryPool()
	m := NewManager(testPresenceConfig(), pool)
	userID := uuid.New()

	m.Apply(context.Background(), userID, SignalInput)
	m.Apply(context.Background(), userID, SignalHidden)
	m.Apply(context.Background(), userID, SignalFocusLost)

	// Clearing only one condition is not enough to rejoin.
	decision := m.Apply(context.Background(), userID, SignalVisible)
	assert.Equal(t, DecisionNoop, decision)

	decision = m.Apply(context.Background(), userID, SignalFocusGained)
	assert.Equal(t, DecisionNoop, decision) // still in pool from before, no change
	assert.True(t, pool.has(userID))
}

func TestPageHideLeavesImmediately(t *testing.T) {
	pool := newMemoryPool()
	m := NewManager(testPresenceConfig(), pool)
	userID := uuid.New()

	m.Apply(context.Background(), userID, SignalInput)
	require.True(t, pool.has(userID))

	decision := m.Apply(context.Background(), userID, SignalPageHide)
	assert.Equal(t, DecisionLeave, decision)
	assert.False(t, pool.has(userID))
}

func TestUnloadLeavesImmediately(t *testing.T) {
	pool := newMemoryPool()
	m := NewManager(testPresenceConfig(), pool)
	userID := uuid.New()

	m.Apply(context.Background(), userID, SignalInput)
	decision := m.Apply(context.Background(), userID, SignalUnload)
	assert.Equal(t, DecisionLeave, decision)
	assert.False(t, pool.has(userID))
}

func TestTransportDownLeavesPool(t *testing.T) {
	pool := newMemoryPool()
	m := NewManager(testPresenceConfig(), pool)
	userID := uuid.New()

	m.Apply(context.Background(), userID, SignalInput)
	require.True(t, pool.has(userID))

	m.HandleTransportDown(userID)
	assert.False(t, pool.has(userID))

	// Unknown users are a no-op.
	m.HandleTransportDown(uuid.New())
}

func TestSweepIdleRemovesStaleCandidates(t *testing.T) {
	pool := newMemoryPool()
	cfg := config.PresenceConfig{
		HiddenGrace: 100 * time.Millisecond,
		IdleAfter:   50 * time.Millisecond,
	}
	m := NewManager(cfg, pool)
	idle, active := uuid.New(), uuid.New()

	m.Apply(context.Background(), idle, SignalInput)
	time.Sleep(80 * time.Millisecond)
	m.Apply(context.Background(), active, SignalInput)

	m.SweepIdle(context.Background())

	assert.False(t, pool.has(idle))
	assert.True(t, pool.has(active))
}

func TestInPoolReflectsStore(t *testing.T) {
	pool := newMemoryPool()
	m := NewManager(testPresenceConfig(), pool)
	userID := uuid.New()

	in, err := m.InPool(context.Background(), userID)
	require.NoError(t, err)
	assert.False(t, in)

	m.Apply(context.Background(), userID, SignalInput)
	in, err = m.InPool(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, in)
}
