package identity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, subject string, expiresAt time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: subject}
	if !expiresAt.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(expiresAt)
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestParseToken(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	session, err := ParseToken(signToken(t, "user-1", exp))
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if session.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", session.UserID)
	}
	if !session.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", session.ExpiresAt, exp)
	}

	opaque, err := ParseToken("  opaque-token  ")
	if err != nil {
		t.Fatalf("ParseToken(opaque) error = %v", err)
	}
	if opaque.Token != "opaque-token" || opaque.UserID != "" {
		t.Errorf("opaque session = %+v", opaque)
	}

	if _, err := ParseToken(""); !errors.Is(err, ErrNoSession) {
		t.Errorf("ParseToken(\"\") error = %v, want ErrNoSession", err)
	}
	if _, err := ParseToken("a.b.c"); err == nil {
		t.Error("expected error for malformed JWT")
	}
}

func TestSource_ExpiryAndTokenSource(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	src, err := NewStatic(signToken(t, "user-1", now.Add(time.Minute)), WithNow(clock))
	if err != nil {
		t.Fatalf("NewStatic() error = %v", err)
	}
	if src.UserID() != "user-1" || !src.Valid() {
		t.Fatalf("expected valid session for user-1")
	}

	tok, err := src.Token()
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok.TokenType != "Bearer" || tok.AccessToken == "" {
		t.Errorf("Token() = %+v", tok)
	}

	now = now.Add(2 * time.Minute)
	if _, err := src.Current(); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("Current() error = %v, want ErrSessionExpired", err)
	}
	if _, err := src.Token(); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("Token() error = %v, want ErrSessionExpired", err)
	}
	if src.UserID() != "" {
		t.Error("UserID should be empty for an expired session")
	}
}

func TestSource_OpaqueTokenNeedsUserID(t *testing.T) {
	if _, err := NewStatic("opaque"); err == nil {
		t.Fatal("expected error without a configured user id")
	}
	src, err := NewStatic("opaque", WithUserID("user-2"), WithDeviceID("device-a"))
	if err != nil {
		t.Fatalf("NewStatic() error = %v", err)
	}
	if src.UserID() != "user-2" {
		t.Errorf("UserID() = %q, want user-2", src.UserID())
	}
	if src.DeviceID() != "device-a" {
		t.Errorf("DeviceID() = %q, want device-a", src.DeviceID())
	}
}

func TestSource_GeneratesDeviceID(t *testing.T) {
	a, _ := NewStatic("x", WithUserID("u"))
	b, _ := NewStatic("x", WithUserID("u"))
	if a.DeviceID() == "" || a.DeviceID() == b.DeviceID() {
		t.Errorf("device ids should be unique and non-empty: %q %q", a.DeviceID(), b.DeviceID())
	}
}

func TestSource_Invalidate(t *testing.T) {
	src, _ := NewStatic("x", WithUserID("u"))
	src.Invalidate()
	if _, err := src.Current(); !errors.Is(err, ErrNoSession) {
		t.Errorf("Current() error = %v, want ErrNoSession", err)
	}
}

func TestSource_WatchReloadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	if err := os.WriteFile(path, []byte(signToken(t, "user-1", time.Time{})), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}

	changed := make(chan Session, 1)
	src, err := NewFile(path,
		WithWatchDebounce(10*time.Millisecond),
		OnChange(func(s Session) {
			select {
			case changed <- s:
			default:
			}
		}),
	)
	if err != nil {
		t.Fatalf("NewFile() error = %v", err)
	}
	defer src.Close()

	if err := src.Watch(context.Background()); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	if err := os.WriteFile(path, []byte(signToken(t, "user-9", time.Time{})), 0o600); err != nil {
		t.Fatalf("rewrite token: %v", err)
	}

	select {
	case s := <-changed:
		if s.UserID != "user-9" {
			t.Errorf("reloaded UserID = %q, want user-9", s.UserID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for token reload")
	}
	if src.UserID() != "user-9" {
		t.Errorf("UserID() = %q after reload, want user-9", src.UserID())
	}
}

func TestNewFile_Missing(t *testing.T) {
	if _, err := NewFile(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("expected error for missing token file")
	}
}
