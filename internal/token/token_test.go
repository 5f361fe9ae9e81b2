package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func mintToken(t *testing.T, viewID, appID string, exp time.Time) string {
	t.Helper()
	claims := &SessionClaims{
		ViewID:        viewID,
		ApplicationID: appID,
	}
	if !exp.IsZero() {
		claims.RegisteredClaims = jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestInspect(t *testing.T) {
	signed := mintToken(t, "view-1", "app-1", time.Time{})

	claims, err := Inspect(signed)
	if err != nil {
		t.Fatalf("inspect failed: %v", err)
	}
	if claims.ViewID != "view-1" {
		t.Errorf("expected view id view-1, got %q", claims.ViewID)
	}
	if claims.ApplicationID != "app-1" {
		t.Errorf("expected app id app-1, got %q", claims.ApplicationID)
	}

	if _, err := Inspect("not-a-jwt"); err == nil {
		t.Error("expected error for malformed token")
	}
}

func TestViewIDFallsBackToEmpty(t *testing.T) {
	if got := ViewID(mintToken(t, "view-9", "app-1", time.Time{})); got != "view-9" {
		t.Errorf("expected view-9, got %q", got)
	}
	if got := ViewID("opaque-session-blob"); got != "" {
		t.Errorf("opaque token should yield empty view id, got %q", got)
	}
}

func TestExpired(t *testing.T) {
	now := time.Now()
	if Expired(mintToken(t, "v", "a", now.Add(time.Hour)), now) {
		t.Error("future exp should not report expired")
	}
	if !Expired(mintToken(t, "v", "a", now.Add(-time.Hour)), now) {
		t.Error("past exp should report expired")
	}
	if Expired(mintToken(t, "v", "a", time.Time{}), now) {
		t.Error("missing exp should not report expired")
	}
	if Expired("opaque-session-blob", now) {
		t.Error("opaque token should not report expired")
	}
}

func TestSameComparesByIdentity(t *testing.T) {
	a := mintToken(t, "view-1", "app-1", time.Time{})
	b := mintToken(t, "view-1", "app-1", time.Now().Add(time.Minute))
	if !Same(a, a) {
		t.Error("identical tokens should compare same")
	}
	// Rotated token for the same view is still a session change.
	if Same(a, b) {
		t.Error("distinct tokens should not compare same")
	}
}
