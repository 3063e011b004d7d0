package credentials

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingProvider struct {
	mu      sync.Mutex
	fetches int
	expiry  time.Duration
	err     error
}

func (p *countingProvider) Fetch(_ context.Context, userID uuid.UUID) (Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return Credentials{}, p.err
	}
	p.fetches++
	return Credentials{
		Username:  fmt.Sprintf("user-%s-%d", userID, p.fetches),
		Password:  "secret",
		URIs:      []string{"turn:example.com:3478"},
		ExpiresAt: time.Now().Add(p.expiry),
	}, nil
}

func (p *countingProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetches
}

func TestCacheReusesBatchWithinTTL(t *testing.T) {
	provider := &countingProvider{expiry: time.Hour}
	cache := NewCache(provider, time.Minute)
	userID := uuid.New()

	first, err := cache.Get(context.Background(), userID)
	require.NoError(t, err)
	second, err := cache.Get(context.Background(), userID)
	require.NoError(t, err)

	assert.Equal(t, first.Username, second.Username)
	assert.Equal(t, 1, provider.count())
}

func TestCacheIsPerUser(t *testing.T) {
	provider := &countingProvider{expiry: time.Hour}
	cache := NewCache(provider, time.Minute)

	_, err := cache.Get(context.Background(), uuid.New())
	require.NoError(t, err)
	_, err = cache.Get(context.Background(), uuid.New())
	require.NoError(t, err)

	assert.Equal(t, 2, provider.count())
}

func TestCacheRefetchesAfterTTL(t *testing.T) {
	provider := &countingProvider{expiry: time.Hour}
	cache := NewCache(provider, 30*time.Millisecond)
	userID := uuid.New()

	_, err := cache.Get(context.Background(), userID)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	_, err = cache.Get(context.Background(), userID)
	require.NoError(t, err)

	assert.Equal(t, 2, provider.count())
}

func TestCacheHonorsBatchExpiry(t *testing.T) {
	// Cache TTL is long, but the batch itself expires almost immediately;
	// the batch expiry wins.
	provider := &countingProvider{expiry: 20 * time.Millisecond}
	cache := NewCache(provider, time.Hour)
	userID := uuid.New()

	_, err := cache.Get(context.Background(), userID)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	_, err = cache.Get(context.Background(), userID)
	require.NoError(t, err)

	assert.Equal(t, 2, provider.count())
}

func TestCacheInvalidateForcesRefetch(t *testing.T) {
	provider := &countingProvider{expiry: time.Hour}
	cache := NewCache(provider, time.Hour)
	userID := uuid.New()

	_, err := cache.Get(context.Background(), userID)
	require.NoError(t, err)

	cache.Invalidate(userID)
	_, err = cache.Get(context.Background(), userID)
	require.NoError(t, err)

	assert.Equal(t, 2, provider.count())
}

func TestCachePropagatesProviderErrors(t *testing.T) {
	fetchErr := errors.New("upstream unreachable")
	provider := &countingProvider{err: fetchErr}
	cache := NewCache(provider, time.Minute)

	_, err := cache.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, fetchErr)
}

func TestNilCacheReportsUnavailable(t *testing.T) {
	var cache *Cache
	_, err := cache.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrProviderUnavailable)

	cache = NewCache(nil, time.Minute)
	_, err = cache.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestHMACProviderDerivesVerifiablePassword(t *testing.T) {
	secret := "coturn-shared-secret"
	uris := []string{"turn:turn.example.com:3478?transport=udp", "stun:stun.example.com:3478"}
	provider := NewHMACProvider(secret, uris, 30*time.Minute)
	userID := uuid.New()

	creds, err := provider.Fetch(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, uris, creds.URIs)

	parts := strings.SplitN(creds.Username, ":", 2)
	require.Len(t, parts, 2)
	assert.Equal(t, userID.String(), parts[1])

	expiry, err := strconv.ParseInt(parts[0], 10, 64)
	require.NoError(t, err)
	assert.InDelta(t, time.Now().Add(30*time.Minute).Unix(), expiry, 5)

	// The TURN server recomputes the same HMAC from the username alone.
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(creds.Username))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), creds.Password)
}

func TestHMACProviderRequiresSecret(t *testing.T) {
	provider := NewHMACProvider("", nil, time.Hour)
	_, err := provider.Fetch(context.Background(), uuid.New())
	assert.Error(t, err)
}

func TestParseURIs(t *testing.T) {
	assert.Equal(t,
		[]string{"turn:a:3478", "stun:b:3478"},
		ParseURIs(" turn:a:3478, stun:b:3478 ,"))
	assert.Empty(t, ParseURIs(""))
}
