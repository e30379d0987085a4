package redis

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/kacy/device-session/challenge"
)

// ChallengeStoreConfig holds configuration for the Redis challenge store.
type ChallengeStoreConfig struct {
	// Client is the Redis client (required).
	Client Cmdable

	// KeyPrefix is prepended to all Redis keys (default: "devsession:challenge:").
	KeyPrefix string

	// Timeout is how long challenges remain valid (default: 5 minutes).
	Timeout time.Duration

	// ChallengeBytes is the number of random bytes in a challenge (default: 32).
	ChallengeBytes int
}

// ChallengeStore is a Redis-backed implementation of challenge.Store.
// Suitable for distributed deployments where multiple backend instances
// need to share challenge state.
type ChallengeStore struct {
	client         Cmdable
	keyPrefix      string
	timeout        time.Duration
	challengeBytes int
}

// NewChallengeStore creates a new Redis-backed challenge store.
func NewChallengeStore(cfg ChallengeStoreConfig) (*ChallengeStore, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "devsession:challenge:"
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}

	challengeBytes := cfg.ChallengeBytes
	if challengeBytes == 0 {
		challengeBytes = 32
	}

	return &ChallengeStore{
		client:         cfg.Client,
		keyPrefix:      keyPrefix,
		timeout:        timeout,
		challengeBytes: challengeBytes,
	}, nil
}

// Generate creates a new challenge and records it with an expiration.
func (s *ChallengeStore) Generate(ctx context.Context) (string, error) {
	b := make([]byte, s.challengeBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	c := challenge.Encoding.EncodeToString(b)
	if err := s.client.Set(ctx, s.keyPrefix+c, "1", s.timeout).Err(); err != nil {
		return "", fmt.Errorf("failed to store challenge: %w", err)
	}

	return c, nil
}

// Consume deletes the challenge and reports whether it existed. Redis expiry
// handles the timeout; DEL is atomic so only one caller can win.
func (s *ChallengeStore) Consume(ctx context.Context, c string) bool {
	n, err := s.client.Del(ctx, s.keyPrefix+c).Result()
	return err == nil && n == 1
}

// Close is a no-op for Redis store (connection is managed externally).
func (s *ChallengeStore) Close() {
	// No-op: Redis client lifecycle is managed by the caller
}
