package provider

import (
	"context"
	"sync"
)

// Static is a deterministic provider for tests. It returns canned key IDs and
// statements and records how often it was called.
type Static struct {
	// Unsupported makes IsSupported report false.
	Unsupported bool

	// KeyIDs are returned by successive GenerateKey calls; the last one
	// repeats. Defaults to "key-123".
	KeyIDs []string

	// Statement is returned by Attest. Defaults to a fixed byte string.
	Statement []byte

	// GenerateErr and AttestErr, when set, are returned by the respective call.
	GenerateErr error
	AttestErr   error

	// Gate, when non-nil, blocks GenerateKey until it is closed or the
	// context ends.
	Gate chan struct{}

	mu            sync.Mutex
	generateCalls int
	attestCalls   int
	lastKeyID     string
	lastHash      []byte
}

// IsSupported reports whether the double simulates a capable device.
func (s *Static) IsSupported() bool { return !s.Unsupported }

// GenerateKey returns the next canned key ID.
func (s *Static) GenerateKey(ctx context.Context) (string, error) {
	s.mu.Lock()
	s.generateCalls++
	n := s.generateCalls
	s.mu.Unlock()

	if s.Gate != nil {
		select {
		case <-s.Gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if s.GenerateErr != nil {
		return "", s.GenerateErr
	}
	if len(s.KeyIDs) == 0 {
		return "key-123", nil
	}
	if n > len(s.KeyIDs) {
		n = len(s.KeyIDs)
	}
	return s.KeyIDs[n-1], nil
}

// Attest returns the canned statement.
func (s *Static) Attest(ctx context.Context, keyID string, clientDataHash []byte) ([]byte, error) {
	s.mu.Lock()
	s.attestCalls++
	s.lastKeyID = keyID
	s.lastHash = append([]byte(nil), clientDataHash...)
	s.mu.Unlock()

	if s.AttestErr != nil {
		return nil, s.AttestErr
	}
	if s.Statement == nil {
		return []byte("static-statement"), nil
	}
	return s.Statement, nil
}

// GenerateCalls returns the number of GenerateKey calls.
func (s *Static) GenerateCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generateCalls
}

// AttestCalls returns the number of Attest calls.
func (s *Static) AttestCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attestCalls
}

// LastAttest returns the key ID and hash passed to the most recent Attest.
func (s *Static) LastAttest() (string, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastKeyID, s.lastHash
}
