package tokens

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vidfriends/livesched/internal/models"
)

func TestIssuerIssueAndVerify(t *testing.T) {
	store := NewInMemoryStore()
	issuer := NewIssuer(time.Hour, store)

	token, err := issuer.IssueToken(context.Background(), "stream-1", "user-1", models.RoleViewer)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if token.Value == "" {
		t.Fatal("expected non-empty token value")
	}
	if store.Len() != 1 {
		t.Fatalf("expected one stored grant got %d", store.Len())
	}
	if _, err := store.Find(context.Background(), token.Value); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("raw token value must not be a store key, got %v", err)
	}

	grant, err := issuer.verify(context.Background(), token.Value)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if grant.StreamID != "stream-1" || grant.UserID != "user-1" || grant.Role != models.RoleViewer {
		t.Fatalf("unexpected grant %+v", grant)
	}
}

func TestIssuerIssueValidation(t *testing.T) {
	issuer := NewIssuer(time.Hour, NewInMemoryStore())

	if _, err := issuer.IssueToken(context.Background(), "", "user-1", models.RoleViewer); err == nil {
		t.Fatal("expected error for empty stream id")
	}
	if _, err := issuer.IssueToken(context.Background(), "stream-1", "user-1", "JANITOR"); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestIssuerVerifyFailures(t *testing.T) {
	issuer := NewIssuer(time.Minute, NewInMemoryStore())
	now := time.Date(2024, time.January, 7, 9, 0, 0, 0, time.UTC)
	issuer.clock = func() time.Time { return now }

	if _, err := issuer.verify(context.Background(), ""); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected not found got %v", err)
	}

	token, err := issuer.IssueToken(context.Background(), "stream-1", "host-1", models.RoleHost)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := issuer.verify(context.Background(), token.Value); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expired got %v", err)
	}
	if _, err := issuer.verify(context.Background(), token.Value); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected expired token to be purged got %v", err)
	}

	token, err = issuer.IssueToken(context.Background(), "stream-1", "host-1", models.RoleHost)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if n, err := issuer.RevokeStream(context.Background(), "stream-1"); err != nil || n != 1 {
		t.Fatalf("revoke stream: n=%d err=%v", n, err)
	}
	if _, err := issuer.verify(context.Background(), token.Value); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected not found after revoke got %v", err)
	}
}

func TestIssuerRevokeStreamLeavesOtherStreams(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	issuer := NewIssuer(time.Hour, store)

	var ended []models.StreamToken
	for _, user := range []string{"host-1", "viewer-1", "viewer-2"} {
		token, err := issuer.IssueToken(ctx, "stream-1", user, models.RoleViewer)
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		ended = append(ended, token)
	}
	other, err := issuer.IssueToken(ctx, "stream-2", "viewer-1", models.RoleViewer)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	n, err := issuer.RevokeStream(ctx, "stream-1")
	if err != nil {
		t.Fatalf("revoke stream: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 revoked grants got %d", n)
	}
	for _, token := range ended {
		if _, err := issuer.verify(ctx, token.Value); !errors.Is(err, ErrTokenNotFound) {
			t.Fatalf("expected %s token revoked got %v", token.UserID, err)
		}
	}
	if _, err := issuer.verify(ctx, other.Value); err != nil {
		t.Fatalf("expected other stream token to survive: %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("expected one remaining grant got %d", store.Len())
	}

	if n, err := issuer.RevokeStream(ctx, "stream-1"); err != nil || n != 0 {
		t.Fatalf("expected idempotent revoke got n=%d err=%v", n, err)
	}
	if _, err := issuer.RevokeStream(ctx, ""); err == nil {
		t.Fatal("expected error for empty stream id")
	}
}

func TestDigestIsStable(t *testing.T) {
	if Digest("abc") != Digest("abc") {
		t.Fatal("expected equal digests")
	}
	if Digest("abc") == Digest("abd") {
		t.Fatal("expected different digests")
	}
	if len(Digest("abc")) != 64 {
		t.Fatalf("expected 64 hex chars got %d", len(Digest("abc")))
	}
}

func TestRedisStoreRejectsExpiredGrant(t *testing.T) {
	store := NewRedisStore(NewRedisClient(RedisOptions{Addr: "127.0.0.1:0"}))
	store.clock = func() time.Time { return time.Date(2024, time.January, 7, 9, 0, 0, 0, time.UTC) }

	err := store.Save(context.Background(), Digest("value"), models.StreamToken{
		StreamID:  "stream-1",
		UserID:    "user-1",
		Role:      models.RoleViewer,
		ExpiresAt: time.Date(2024, time.January, 7, 8, 0, 0, 0, time.UTC),
	})
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expired grant to be refused got %v", err)
	}
}
