// Package redis provides Redis-backed implementations of the credential store
// and challenge store interfaces.
//
// This package requires a Redis client to be passed in, giving you full control
// over connection pooling, timeouts, and clustering configuration.
//
// Supported Redis clients:
//   - github.com/redis/go-redis/v9
//   - Any client implementing the Cmdable interface
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kacy/device-session/credstore"
)

// Cmdable is the subset of Redis commands used by this package.
// This is compatible with github.com/redis/go-redis/v9.Client and ClusterClient
// through a thin adapter.
type Cmdable interface {
	Get(ctx context.Context, key string) StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) StatusCmd
	Del(ctx context.Context, keys ...string) IntCmd
}

// StringCmd is the interface for string command results.
type StringCmd interface {
	Result() (string, error)
}

// StatusCmd is the interface for status command results.
type StatusCmd interface {
	Err() error
}

// IntCmd is the interface for int command results.
type IntCmd interface {
	Result() (int64, error)
}

// CredentialStoreConfig holds configuration for the Redis credential store.
type CredentialStoreConfig struct {
	// Client is the Redis client (required).
	Client Cmdable

	// KeyPrefix is prepended to all Redis keys (default: "devsession:cred:").
	// Use a per-device prefix when several devices share one Redis.
	KeyPrefix string

	// TTL is how long entries are kept (default: 0 = no expiration).
	TTL time.Duration
}

// CredentialStore is a Redis-backed implementation of credstore.Store,
// for deployments where credentials live in a shared secret service rather
// than on the device's filesystem.
type CredentialStore struct {
	client    Cmdable
	keyPrefix string
	ttl       time.Duration

	// mu serializes remove-then-add so concurrent writers in this process
	// never interleave between the two commands.
	mu sync.RWMutex
}

// NewCredentialStore creates a new Redis-backed credential store.
func NewCredentialStore(cfg CredentialStoreConfig) (*CredentialStore, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "devsession:cred:"
	}

	return &CredentialStore{
		client:    cfg.Client,
		keyPrefix: keyPrefix,
		ttl:       cfg.TTL,
	}, nil
}

// Get returns the value stored under key, or "" if it is not set.
func (s *CredentialStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, err := s.client.Get(ctx, s.keyPrefix+key).Result()
	if err != nil {
		if isNil(err) {
			return "", nil
		}
		return "", fmt.Errorf("%w: get %s: %v", credstore.ErrStorageFailed, key, err)
	}
	return value, nil
}

// Set removes any existing entry under key and stores value.
func (s *CredentialStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	redisKey := s.keyPrefix + key
	if _, err := s.client.Del(ctx, redisKey).Result(); err != nil {
		return fmt.Errorf("%w: clear %s: %v", credstore.ErrStorageFailed, key, err)
	}
	if err := s.client.Set(ctx, redisKey, value, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %v", credstore.ErrStorageFailed, key, err)
	}
	return nil
}

// Delete removes key. A missing key is not an error.
func (s *CredentialStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.client.Del(ctx, s.keyPrefix+key).Result(); err != nil {
		return fmt.Errorf("%w: delete %s: %v", credstore.ErrStorageFailed, key, err)
	}
	return nil
}

// isNil checks if the error is a redis.Nil error.
// We check the error string to avoid importing go-redis directly.
func isNil(err error) bool {
	return err != nil && err.Error() == "redis: nil"
}
