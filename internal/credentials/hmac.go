package credentials

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HMACProvider mints short-lived TURN credentials using the coturn REST API
// convention: username is "<unix-expiry>:<user>", password is
// base64(HMAC-SHA1(secret, username)). No round trip to the TURN server is
// needed; it derives the same password from the shared secret.
type HMACProvider struct {
	secret   []byte
	uris     []string
	lifetime time.Duration
}

func NewHMACProvider(secret string, uris []string, lifetime time.Duration) *HMACProvider {
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	return &HMACProvider{
		secret:   []byte(secret),
		uris:     uris,
		lifetime: lifetime,
	}
}

func (p *HMACProvider) Fetch(ctx context.Context, userID uuid.UUID) (Credentials, error) {
	if len(p.secret) == 0 {
		return Credentials{}, fmt.Errorf("turn secret not configured")
	}

	expiresAt := time.Now().Add(p.lifetime)
	username := fmt.Sprintf("%d:%s", expiresAt.Unix(), userID)

	mac := hmac.New(sha1.New, p.secret)
	mac.Write([]byte(username))
	password := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return Credentials{
		Username:  username,
		Password:  password,
		URIs:      append([]string(nil), p.uris...),
		ExpiresAt: expiresAt,
	}, nil
}

// ParseURIs splits a comma-separated TURN/STUN URI list from the environment.
func ParseURIs(raw string) []string {
	parts := strings.Split(raw, ",")
	uris := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			uris = append(uris, trimmed)
		}
	}
	return uris
}
