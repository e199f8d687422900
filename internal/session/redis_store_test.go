package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/K-Schubert/mediawatch/internal/store"
	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	rs, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { rs.Close() })
	return rs, s
}

func TestNewRedisStore(t *testing.T) {
	rs, _ := setupTestRedis(t)
	if err := rs.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreBadURL(t *testing.T) {
	if _, err := NewRedisStore("not a url"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSaveAndLookupRefreshSession(t *testing.T) {
	rs, _ := setupTestRedis(t)
	ctx := context.Background()

	if err := rs.SaveRefreshSession(ctx, "hash-1", 17, time.Now().Add(24*time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}
	user, err := rs.LookupRefreshSession(ctx, "hash-1")
	if err != nil {
		t.Fatalf("LookupRefreshSession failed: %v", err)
	}
	if user.ID != 17 {
		t.Errorf("expected user ID 17, got %d", user.ID)
	}
}

func TestLookupExpiredSession(t *testing.T) {
	rs, s := setupTestRedis(t)
	ctx := context.Background()

	if err := rs.SaveRefreshSession(ctx, "short", 3, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}
	s.FastForward(2 * time.Minute)

	if _, err := rs.LookupRefreshSession(ctx, "short"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for expired token, got %v", err)
	}
}

func TestSaveRejectsPastExpiry(t *testing.T) {
	rs, _ := setupTestRedis(t)
	if err := rs.SaveRefreshSession(context.Background(), "old", 1, time.Now().Add(-time.Second)); err == nil {
		t.Fatal("expected error for already expired session")
	}
}

func TestRevokeRefreshSession(t *testing.T) {
	rs, _ := setupTestRedis(t)
	ctx := context.Background()
	expiresAt := time.Now().Add(24 * time.Hour)

	if err := rs.SaveRefreshSession(ctx, "token-1", 1, expiresAt); err != nil {
		t.Fatal(err)
	}
	if err := rs.SaveRefreshSession(ctx, "token-2", 2, expiresAt); err != nil {
		t.Fatal(err)
	}
	if err := rs.RevokeRefreshSession(ctx, "token-1"); err != nil {
		t.Fatalf("RevokeRefreshSession failed: %v", err)
	}
	if _, err := rs.LookupRefreshSession(ctx, "token-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected revoked token-1 to be gone, got %v", err)
	}
	user, err := rs.LookupRefreshSession(ctx, "token-2")
	if err != nil || user.ID != 2 {
		t.Fatalf("token-2 should survive: %+v %v", user, err)
	}
	if err := rs.RevokeRefreshSession(ctx, "non-existent"); err != nil {
		t.Errorf("revoking unknown token failed: %v", err)
	}
}

func TestAccessTokenRevocation(t *testing.T) {
	rs, s := setupTestRedis(t)
	ctx := context.Background()

	revoked, err := rs.IsAccessTokenRevoked(ctx, "jti-1")
	if err != nil || revoked {
		t.Fatalf("fresh jti revoked=%v err=%v", revoked, err)
	}
	if err := rs.RevokeAccessToken(ctx, "jti-1", time.Now().Add(10*time.Minute)); err != nil {
		t.Fatal(err)
	}
	revoked, err = rs.IsAccessTokenRevoked(ctx, "jti-1")
	if err != nil || !revoked {
		t.Fatalf("revoked jti revoked=%v err=%v", revoked, err)
	}

	s.FastForward(11 * time.Minute)
	revoked, _ = rs.IsAccessTokenRevoked(ctx, "jti-1")
	if revoked {
		t.Fatal("revocation entry should expire with the token")
	}
}
