package signaling

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource yields the current bearer token for dialing the hub. Reading
// per dial picks up tokens refreshed on disk by the login flow.
type TokenSource func() (string, error)

// FileToken reads a bearer token from path on every call.
func FileToken(path string) TokenSource {
	return func() (string, error) {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		tok := strings.TrimSpace(string(b))
		if tok == "" {
			return "", fmt.Errorf("token file %s is empty", path)
		}
		return tok, nil
	}
}

// StaticToken wraps a fixed token, mainly for tests.
func StaticToken(tok string) TokenSource {
	return func() (string, error) { return tok, nil }
}

// TokenExpiry extracts the expiry claim without verifying the signature.
// The backend is the verifier; the engine only needs to know when to warn
// about an expiring session. Zero time means no expiry claim.
func TokenExpiry(raw string) (time.Time, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return claims.ExpiresAt.Time, nil
}
