package session

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"

	"github.com/kacy/device-session/credstore"
	"github.com/kacy/device-session/transport"
)

var testChallenge = base64.StdEncoding.EncodeToString([]byte("server-challenge-bytes"))

// fakeTransport is an in-memory AuthTransport. Zero-value fields produce a
// successful exchange.
type fakeTransport struct {
	mu sync.Mutex

	challenge    string
	challengeErr error
	verifyResp   *transport.TokenResponse
	verifyErr    error
	tokenErr     error

	challengeCalls int
	verifyCalls    int
	tokenCalls     int
	lastVerify     *transport.VerifyRequest
	tokenDevices   []string
}

func (f *fakeTransport) Challenge(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.challengeCalls++
	if err := ctx.Err(); err != nil {
		return "", errors.Join(transport.ErrRequestFailed, err)
	}
	if f.challengeErr != nil {
		return "", f.challengeErr
	}
	if f.challenge == "" {
		return testChallenge, nil
	}
	return f.challenge, nil
}

func (f *fakeTransport) Verify(ctx context.Context, req *transport.VerifyRequest) (*transport.TokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	copied := *req
	f.lastVerify = &copied
	if err := ctx.Err(); err != nil {
		return nil, errors.Join(transport.ErrRequestFailed, err)
	}
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	if f.verifyResp == nil {
		return &transport.TokenResponse{Token: "attested-token", DeviceID: "dev-1"}, nil
	}
	resp := *f.verifyResp
	return &resp, nil
}

func (f *fakeTransport) Token(ctx context.Context, deviceID string) (*transport.TokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenCalls++
	f.tokenDevices = append(f.tokenDevices, deviceID)
	if err := ctx.Err(); err != nil {
		return nil, errors.Join(transport.ErrRequestFailed, err)
	}
	if f.tokenErr != nil {
		return nil, f.tokenErr
	}
	return &transport.TokenResponse{Token: "refreshed-" + deviceID}, nil
}

func (f *fakeTransport) calls() (challenge, verify, token int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.challengeCalls, f.verifyCalls, f.tokenCalls
}

// failingStore wraps a MemoryStore and fails writes on demand.
type failingStore struct {
	*credstore.MemoryStore

	mu      sync.Mutex
	failSet bool
	failGet bool
}

func newFailingStore() *failingStore {
	return &failingStore{MemoryStore: credstore.NewMemoryStore()}
}

func (s *failingStore) setFailures(get, set bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failGet, s.failSet = get, set
}

func (s *failingStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	fail := s.failGet
	s.mu.Unlock()
	if fail {
		return "", credstore.ErrStorageFailed
	}
	return s.MemoryStore.Get(ctx, key)
}

func (s *failingStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	fail := s.failSet
	s.mu.Unlock()
	if fail {
		return credstore.ErrStorageFailed
	}
	return s.MemoryStore.Set(ctx, key, value)
}
