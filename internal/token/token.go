// Package token inspects the session and static tokens a server embeds in
// its rendered pages. The client treats tokens as opaque credentials and
// never verifies signatures; inspection only surfaces claims for
// diagnostics and view identity checks.
package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims is the claim payload of a view session token.
type SessionClaims struct {
	ViewID        string `json:"view_id"`
	ApplicationID string `json:"app_id"`
	jwt.RegisteredClaims
}

// Inspect decodes a session token without signature verification and
// returns its claims.
func Inspect(tokenString string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("token: parse: %w", err)
	}
	return claims, nil
}

// ViewID returns the token's view id, or "" when the token is not a
// well-formed JWT. Opaque non-JWT tokens are legal; callers fall back to
// whole-token comparison for those.
func ViewID(tokenString string) string {
	claims, err := Inspect(tokenString)
	if err != nil {
		return ""
	}
	return claims.ViewID
}

// Expired reports whether the token carries an exp claim in the past.
// Tokens without an exp claim never report expired.
func Expired(tokenString string, now time.Time) bool {
	claims, err := Inspect(tokenString)
	if err != nil || claims.ExpiresAt == nil {
		return false
	}
	return claims.ExpiresAt.Before(now)
}

// Same reports whether two tokens denote the same view session. Tokens
// compare by identity; claims are not consulted, so rotated tokens for the
// same view still count as a session change.
func Same(a, b string) bool {
	return a == b
}
