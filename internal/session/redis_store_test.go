package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	redisStore, err := NewRedisStore("redis://" + server.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	t.Cleanup(func() { _ = redisStore.Close() })
	return redisStore, server
}

func TestSaveAndLookupRoundTrip(t *testing.T) {
	redisStore, _ := newTestStore(t)
	ctx := context.Background()

	if err := redisStore.SaveRefreshSession(ctx, "hash-a", "usr_party", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession: %v", err)
	}

	user, err := redisStore.LookupRefreshSession(ctx, "hash-a")
	if err != nil {
		t.Fatalf("LookupRefreshSession: %v", err)
	}
	if user.ID != "usr_party" {
		t.Fatalf("expected usr_party, got %q", user.ID)
	}
}

func TestExpiredSessionIsGone(t *testing.T) {
	redisStore, server := newTestStore(t)
	ctx := context.Background()

	if err := redisStore.SaveRefreshSession(ctx, "hash-exp", "usr_party", time.Now().Add(time.Second)); err != nil {
		t.Fatalf("SaveRefreshSession: %v", err)
	}

	server.FastForward(2 * time.Second)

	if _, err := redisStore.LookupRefreshSession(ctx, "hash-exp"); err == nil {
		t.Fatalf("expected expired token lookup to fail")
	}
}

func TestRevokeRemovesOnlyThatToken(t *testing.T) {
	redisStore, _ := newTestStore(t)
	ctx := context.Background()
	expiresAt := time.Now().Add(time.Hour)

	if err := redisStore.SaveRefreshSession(ctx, "hash-1", "usr_party", expiresAt); err != nil {
		t.Fatalf("save hash-1: %v", err)
	}
	if err := redisStore.SaveRefreshSession(ctx, "hash-2", "usr_mediator", expiresAt); err != nil {
		t.Fatalf("save hash-2: %v", err)
	}

	if err := redisStore.RevokeRefreshSession(ctx, "hash-1"); err != nil {
		t.Fatalf("RevokeRefreshSession: %v", err)
	}

	if _, err := redisStore.LookupRefreshSession(ctx, "hash-1"); err == nil {
		t.Fatalf("revoked token should not resolve")
	}
	user, err := redisStore.LookupRefreshSession(ctx, "hash-2")
	if err != nil {
		t.Fatalf("untouched token should survive: %v", err)
	}
	if user.ID != "usr_mediator" {
		t.Fatalf("expected usr_mediator, got %q", user.ID)
	}
}

func TestRevokeUnknownTokenIsNoop(t *testing.T) {
	redisStore, _ := newTestStore(t)
	if err := redisStore.RevokeRefreshSession(context.Background(), "never-issued"); err != nil {
		t.Fatalf("revoking an unknown token should not error: %v", err)
	}
}

func TestLookupUnknownToken(t *testing.T) {
	redisStore, _ := newTestStore(t)
	if _, err := redisStore.LookupRefreshSession(context.Background(), "never-issued"); err == nil {
		t.Fatalf("expected lookup of unknown token to fail")
	}
}
