// Package tokens issues and verifies media session tokens for stream participants.
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/vidfriends/livesched/internal/models"
)

var (
	// ErrTokenNotFound indicates the presented token was never issued or has been revoked.
	ErrTokenNotFound = errors.New("stream token not found")
	// ErrTokenExpired indicates the presented token is past its expiry.
	ErrTokenExpired = errors.New("stream token expired")
)

// DefaultTTL is used when an issuer is built without a positive TTL.
const DefaultTTL = 4 * time.Hour

// Store persists issued tokens keyed by their digest. Raw token values are
// never stored.
type Store interface {
	Save(ctx context.Context, digest string, grant models.StreamToken) error
	Find(ctx context.Context, digest string) (models.StreamToken, error)
	Delete(ctx context.Context, digest string) error
	// DeleteStream removes every grant issued for streamID and reports how
	// many were removed.
	DeleteStream(ctx context.Context, streamID string) (int, error)
}

// Issuer hands out opaque per-participant tokens backed by a Store.
type Issuer struct {
	ttl   time.Duration
	store Store
	clock func() time.Time
}

// NewIssuer constructs an Issuer whose tokens live for ttl.
func NewIssuer(ttl time.Duration, store Store) *Issuer {
	if store == nil {
		panic("tokens: store must not be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{
		ttl:   ttl,
		store: store,
		clock: func() time.Time { return time.Now().UTC() },
	}
}

// IssueToken creates a token granting userID access to streamID with role.
func (i *Issuer) IssueToken(ctx context.Context, streamID, userID string, role models.ParticipantRole) (models.StreamToken, error) {
	if streamID == "" || userID == "" {
		return models.StreamToken{}, errors.New("stream id and user id must be provided")
	}
	if !role.Valid() {
		return models.StreamToken{}, fmt.Errorf("unknown participant role %q", role)
	}

	value, err := randomToken()
	if err != nil {
		return models.StreamToken{}, fmt.Errorf("generate token: %w", err)
	}

	token := models.StreamToken{
		Value:     value,
		StreamID:  streamID,
		UserID:    userID,
		Role:      role,
		ExpiresAt: i.clock().Add(i.ttl),
	}

	grant := token
	grant.Value = ""
	if err := i.store.Save(ctx, Digest(value), grant); err != nil {
		return models.StreamToken{}, fmt.Errorf("save token: %w", err)
	}

	return token, nil
}

// verify resolves a presented token to its grant.
func (i *Issuer) verify(ctx context.Context, value string) (models.StreamToken, error) {
	if value == "" {
		return models.StreamToken{}, ErrTokenNotFound
	}

	digest := Digest(value)
	grant, err := i.store.Find(ctx, digest)
	if err != nil {
		return models.StreamToken{}, err
	}

	if i.clock().After(grant.ExpiresAt) {
		_ = i.store.Delete(ctx, digest)
		return models.StreamToken{}, ErrTokenExpired
	}

	grant.Value = value
	return grant, nil
}

// RevokeStream invalidates every token issued for streamID. Tokens of an
// ended stream must not admit anyone to its media session.
func (i *Issuer) RevokeStream(ctx context.Context, streamID string) (int, error) {
	if streamID == "" {
		return 0, errors.New("stream id must be provided")
	}
	n, err := i.store.DeleteStream(ctx, streamID)
	if err != nil {
		return 0, fmt.Errorf("revoke stream tokens: %w", err)
	}
	return n, nil
}

// Digest is the store key of a token value.
func Digest(value string) string {
	sum := blake2b.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

func randomToken() (string, error) {
	const size = 32
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
