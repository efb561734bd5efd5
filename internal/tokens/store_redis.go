package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vidfriends/livesched/internal/models"
)

const (
	redisKeyPrefix    = "livesched:token:"
	redisStreamPrefix = "livesched:stream-tokens:"
)

// RedisStore persists grants in Redis with the grant's expiry as key TTL.
type RedisStore struct {
	client redis.UniversalClient
	clock  func() time.Time
}

// RedisOptions configures the Redis connection of NewRedisClient.
type RedisOptions struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// NewRedisClient opens a client for opts.
func NewRedisClient(opts RedisOptions) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})
}

// NewRedisStore constructs a Store backed by client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, clock: time.Now}
}

// Save stores the grant until it expires.
func (s *RedisStore) Save(ctx context.Context, digest string, grant models.StreamToken) error {
	ttl := grant.ExpiresAt.Sub(s.clock())
	if ttl <= 0 {
		return ErrTokenExpired
	}

	payload, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("encode token grant: %w", err)
	}

	// The per-stream index lets DeleteStream find every grant of a stream.
	// Grants share the issuer TTL, so the index lives as long as its newest member.
	index := redisStreamPrefix + grant.StreamID
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisKeyPrefix+digest, payload, ttl)
		pipe.SAdd(ctx, index, digest)
		pipe.Expire(ctx, index, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set token grant: %w", err)
	}
	return nil
}

// Find loads the grant stored under digest.
func (s *RedisStore) Find(ctx context.Context, digest string) (models.StreamToken, error) {
	payload, err := s.client.Get(ctx, redisKeyPrefix+digest).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.StreamToken{}, ErrTokenNotFound
		}
		return models.StreamToken{}, fmt.Errorf("get token grant: %w", err)
	}

	var grant models.StreamToken
	if err := json.Unmarshal(payload, &grant); err != nil {
		return models.StreamToken{}, fmt.Errorf("decode token grant: %w", err)
	}
	return grant, nil
}

// Delete removes the grant stored under digest.
func (s *RedisStore) Delete(ctx context.Context, digest string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+digest).Err(); err != nil {
		return fmt.Errorf("delete token grant: %w", err)
	}
	return nil
}

// DeleteStream removes every grant indexed under streamID.
func (s *RedisStore) DeleteStream(ctx context.Context, streamID string) (int, error) {
	index := redisStreamPrefix + streamID
	digests, err := s.client.SMembers(ctx, index).Result()
	if err != nil {
		return 0, fmt.Errorf("list stream token grants: %w", err)
	}
	if len(digests) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(digests))
	for _, digest := range digests {
		keys = append(keys, redisKeyPrefix+digest)
	}

	var removed *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.Del(ctx, keys...)
		pipe.Del(ctx, index)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete stream token grants: %w", err)
	}
	return int(removed.Val()), nil
}

// Ping checks connectivity for health reporting.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var (
	_ Store = (*RedisStore)(nil)
	_ Store = (*InMemoryStore)(nil)
)
