package credentials

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrProviderUnavailable indicates the cache has no provider to fall back to.
var ErrProviderUnavailable = errors.New("credential provider unavailable")

// Credentials is an ephemeral batch of transport credentials. The media
// pipeline that consumes them is out of scope; the cache only amortizes the
// cost of fetching them across repeated negotiations.
type Credentials struct {
	Username  string    `json:"username"`
	Password  string    `json:"password"`
	URIs      []string  `json:"uris"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Provider fetches a fresh credential batch for a user.
type Provider interface {
	Fetch(ctx context.Context, userID uuid.UUID) (Credentials, error)
}

type cacheEntry struct {
	creds   Credentials
	expires time.Time
}

// Cache wraps a Provider with a per-user TTL cache so a batch is reused
// across negotiations instead of being fetched per call. A batch is served
// until the cache TTL or the batch's own expiry, whichever comes first.
type Cache struct {
	base Provider
	ttl  time.Duration

	mu    sync.RWMutex
	items map[uuid.UUID]cacheEntry
}

func NewCache(base Provider, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cache{
		base:  base,
		ttl:   ttl,
		items: make(map[uuid.UUID]cacheEntry),
	}
}

// Get returns cached credentials when still valid, otherwise delegates to
// the underlying provider and stores the result.
func (c *Cache) Get(ctx context.Context, userID uuid.UUID) (Credentials, error) {
	if c == nil || c.base == nil {
		return Credentials{}, ErrProviderUnavailable
	}

	now := time.Now()

	c.mu.RLock()
	entry, ok := c.items[userID]
	c.mu.RUnlock()
	if ok && now.Before(entry.expires) && now.Before(entry.creds.ExpiresAt) {
		return entry.creds, nil
	}

	creds, err := c.base.Fetch(ctx, userID)
	if err != nil {
		return Credentials{}, err
	}

	c.mu.Lock()
	c.items[userID] = cacheEntry{creds: creds, expires: now.Add(c.ttl)}
	c.mu.Unlock()

	return creds, nil
}

// Invalidate drops a user's cached batch, forcing the next Get to fetch.
func (c *Cache) Invalidate(userID uuid.UUID) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.items, userID)
	c.mu.Unlock()
}
