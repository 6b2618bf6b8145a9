// Package identity adapts a bearer credential into the session the presence
// subsystem needs: the current user id, whether the session is still valid,
// and a token source for authenticated requests.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoSession is returned when no credential has been loaded.
	ErrNoSession = errors.New("no active session")

	// ErrSessionExpired is returned when the credential's expiry has passed.
	ErrSessionExpired = errors.New("session expired")
)

// Session is an authenticated user session.
type Session struct {
	UserID    string
	Token     string
	ExpiresAt time.Time
}

// Expired reports whether the session is past its expiry. A zero expiry
// never expires.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// ParseToken reads the subject and expiry claims from a JWT bearer token.
// The signature is not checked here; the server is the verifier.
//
// Opaque (non-JWT) tokens yield a session with only Token set, so callers
// can supply the user id out of band.
func ParseToken(raw string) (Session, error) {
	token := strings.TrimSpace(raw)
	if token == "" {
		return Session{}, ErrNoSession
	}
	session := Session{Token: token}
	if strings.Count(token, ".") != 2 {
		return session, nil
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Session{}, fmt.Errorf("parse bearer token: %w", err)
	}
	session.UserID = strings.TrimSpace(claims.Subject)
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}
