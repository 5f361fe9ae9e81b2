package token

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultSessionTTL bounds how long a minted session token stays valid.
const DefaultSessionTTL = 24 * time.Hour

// Mint signs session tokens the way a live server would. Production
// deployments keep the signing key on the server and the client only ever
// inspects tokens it is handed; Mint exists so harness servers and load
// drivers can embed realistic, verifiable credentials in the pages they
// serve.
type Mint struct {
	key []byte
	ttl time.Duration
	mu  sync.RWMutex
}

// NewMint creates a mint with a fresh random signing key. A non-positive
// ttl falls back to DefaultSessionTTL.
func NewMint(ttl time.Duration) (*Mint, error) {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	key := make([]byte, 32) // 256-bit key for HS256
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("token: generate signing key: %w", err)
	}
	return &Mint{key: key, ttl: ttl}, nil
}

// Session signs a session token binding viewID to appID. The result parses
// cleanly with Inspect and round-trips through Verify.
func (m *Mint) Session(appID, viewID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	claims := &SessionClaims{
		ViewID:        viewID,
		ApplicationID: appID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Subject:   viewID,
			Audience:  jwt.ClaimStrings{appID},
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("token: sign session: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and validity window of a token this mint
// issued and returns its claims. Signing method is pinned to HS256 so a
// forged header cannot downgrade verification.
func (m *Mint) Verify(signed string) (*SessionClaims, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tok, err := jwt.ParseWithClaims(signed, &SessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token: verify: %w", err)
	}
	claims, ok := tok.Claims.(*SessionClaims)
	if !ok || !tok.Valid {
		return nil, fmt.Errorf("token: invalid claims")
	}
	return claims, nil
}

// Rotate swaps in a new random signing key. Outstanding tokens stop
// verifying, which is exactly what a harness wants when it simulates a
// server restart.
func (m *Mint) Rotate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("token: rotate signing key: %w", err)
	}
	m.key = key
	return nil
}
