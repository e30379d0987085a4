// Package challenge provides single-use attestation challenges for the
// reference backend.
//
// A challenge is a cryptographically random value handed to a device, which
// must bind it into its attestation statement. Each challenge can be consumed
// exactly once and only before it expires, preventing replay of an earlier
// attestation.
package challenge

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"
)

// Store issues and consumes challenges.
type Store interface {
	// Generate creates a new challenge and returns it base64 (standard
	// encoding) encoded, as sent on the wire.
	Generate(ctx context.Context) (string, error)

	// Consume reports whether challenge was issued and has not expired or
	// been consumed before. A successful call consumes it.
	Consume(ctx context.Context, challenge string) bool

	// Close stops background cleanup routines.
	Close()
}

// Config holds configuration for the challenge store.
type Config struct {
	// Timeout is how long challenges remain valid (default: 5 minutes).
	Timeout time.Duration

	// CleanupInterval is how often expired challenges are removed (default: 1 minute).
	CleanupInterval time.Duration

	// ChallengeBytes is the number of random bytes in a challenge (default: 32).
	ChallengeBytes int
}

// Encoding is the wire encoding of challenges.
var Encoding = base64.StdEncoding

// MemoryStore is an in-memory implementation of Store.
// Suitable for single-instance deployments. For multiple backend instances,
// use redis.ChallengeStore.
type MemoryStore struct {
	mu             sync.Mutex
	issued         map[string]time.Time
	timeout        time.Duration
	challengeBytes int
	closeCh        chan struct{}
	closed         bool
}

// NewMemoryStore creates a new in-memory challenge store.
func NewMemoryStore(cfg Config) *MemoryStore {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}

	cleanupInterval := cfg.CleanupInterval
	if cleanupInterval == 0 {
		cleanupInterval = time.Minute
	}

	challengeBytes := cfg.ChallengeBytes
	if challengeBytes == 0 {
		challengeBytes = 32
	}

	s := &MemoryStore{
		issued:         make(map[string]time.Time),
		timeout:        timeout,
		challengeBytes: challengeBytes,
		closeCh:        make(chan struct{}),
	}

	go s.cleanupLoop(cleanupInterval)

	return s
}

// Generate creates a cryptographically secure random challenge.
func (s *MemoryStore) Generate(ctx context.Context) (string, error) {
	b := make([]byte, s.challengeBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	challenge := Encoding.EncodeToString(b)

	s.mu.Lock()
	s.issued[challenge] = time.Now().Add(s.timeout)
	s.mu.Unlock()

	return challenge, nil
}

// Consume checks that the challenge was issued and hasn't expired, and
// removes it.
func (s *MemoryStore) Consume(ctx context.Context, challenge string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt, ok := s.issued[challenge]
	if !ok {
		return false
	}
	delete(s.issued, challenge)

	return time.Now().Before(expiresAt)
}

// Close stops the background cleanup goroutine.
func (s *MemoryStore) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.closeCh)
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.closeCh:
			return
		}
	}
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for challenge, expiresAt := range s.issued {
		if now.After(expiresAt) {
			delete(s.issued, challenge)
		}
	}
}

// Len returns the number of outstanding challenges (for testing/monitoring).
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.issued)
}
