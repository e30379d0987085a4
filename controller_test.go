package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kacy/device-session/credstore"
	"github.com/kacy/device-session/provider"
	"github.com/kacy/device-session/transport"
)

func newTestController(t *testing.T, tr AuthTransport, p Provider, store credstore.Store, opts ...func(*Config)) *Controller {
	t.Helper()
	cfg := Config{
		Transport:   tr,
		Provider:    p,
		Store:       store,
		NewDeviceID: func() string { return "local-device" },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	c, err := NewController(context.Background(), cfg)
	require.NoError(t, err)
	return c
}

func stored(t *testing.T, store credstore.Store, key string) string {
	t.Helper()
	v, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	return v
}

func collect(ch <-chan AuthState, n int) []AuthState {
	var out []AuthState
	timeout := time.After(time.Second)
	for len(out) < n {
		select {
		case st := <-ch:
			out = append(out, st)
		case <-timeout:
			return out
		}
	}
	return out
}

func TestNewController_Validation(t *testing.T) {
	_, err := NewController(context.Background(), Config{Transport: &fakeTransport{}, Provider: &provider.Static{}})
	assert.ErrorContains(t, err, "store is required")

	_, err = NewController(context.Background(), Config{Store: credstore.NewMemoryStore(), Provider: &provider.Static{}})
	assert.ErrorContains(t, err, "transport is required")
}

func TestController_InitialState(t *testing.T) {
	c := newTestController(t, &fakeTransport{}, &provider.Static{}, credstore.NewMemoryStore())

	assert.Equal(t, AuthState{Status: StatusIdle}, c.State())
	token, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestController_FreshDevice(t *testing.T) {
	tr := &fakeTransport{}
	p := &provider.Static{}
	store := credstore.NewMemoryStore()
	c := newTestController(t, tr, p, store)

	states, cancel := c.Subscribe()
	defer cancel()

	require.NoError(t, c.Authenticate(context.Background()))

	assert.Equal(t, StatusAuthenticated, c.State().Status)
	assert.Equal(t, "attested-token", stored(t, store, credstore.KeySessionToken))
	assert.Equal(t, "dev-1", stored(t, store, credstore.KeyDeviceID))

	token, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "attested-token", token)

	assert.Equal(t, []AuthState{
		{Status: StatusAuthenticating},
		{Status: StatusAuthenticated},
	}, collect(states, 2))
}

func TestController_StoredDeviceRefreshes(t *testing.T) {
	tr := &fakeTransport{}
	p := &provider.Static{}
	store := credstore.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), credstore.KeyDeviceID, "dev-42"))
	c := newTestController(t, tr, p, store)

	require.NoError(t, c.Authenticate(context.Background()))

	assert.Equal(t, StatusAuthenticated, c.State().Status)
	assert.Equal(t, "refreshed-dev-42", stored(t, store, credstore.KeySessionToken))
	assert.Zero(t, p.GenerateCalls())

	challenge, verify, token := tr.calls()
	assert.Equal(t, 0, challenge)
	assert.Equal(t, 0, verify)
	assert.Equal(t, 1, token)
}

func TestController_RefreshFailureFallsBackToAttestation(t *testing.T) {
	tr := &fakeTransport{tokenErr: transport.ErrUnauthorized}
	p := &provider.Static{}
	store := credstore.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), credstore.KeyDeviceID, "revoked-device"))
	c := newTestController(t, tr, p, store)

	require.NoError(t, c.Authenticate(context.Background()))

	assert.Equal(t, StatusAuthenticated, c.State().Status)
	assert.Equal(t, "attested-token", stored(t, store, credstore.KeySessionToken))
	assert.Equal(t, "dev-1", stored(t, store, credstore.KeyDeviceID))
	assert.Equal(t, 1, p.GenerateCalls())
}

func TestController_AlreadyAuthenticated(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestController(t, tr, &provider.Static{}, credstore.NewMemoryStore())

	require.NoError(t, c.Authenticate(context.Background()))
	require.NoError(t, c.Authenticate(context.Background()))

	challenge, verify, token := tr.calls()
	assert.Equal(t, 1, challenge)
	assert.Equal(t, 1, verify)
	assert.Equal(t, 0, token)
}

func TestController_ConcurrentAuthenticate(t *testing.T) {
	tr := &fakeTransport{}
	p := &provider.Static{Gate: make(chan struct{})}
	c := newTestController(t, tr, p, credstore.NewMemoryStore())

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.Authenticate(context.Background())
		}()
	}

	require.Eventually(t, func() bool { return p.GenerateCalls() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, StatusAuthenticating, c.State().Status)
	time.Sleep(20 * time.Millisecond)
	close(p.Gate)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, p.GenerateCalls())
	challenge, verify, _ := tr.calls()
	assert.Equal(t, 1, challenge)
	assert.Equal(t, 1, verify)
}

func TestController_MalformedChallenge(t *testing.T) {
	tr := &fakeTransport{challenge: "###"}
	p := &provider.Static{}
	c := newTestController(t, tr, p, credstore.NewMemoryStore())

	err := c.Authenticate(context.Background())
	assert.ErrorIs(t, err, ErrInvalidChallengeData)

	st := c.State()
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, "invalid_challenge", st.Reason())
	assert.Zero(t, p.GenerateCalls())
}

func TestController_VerifyRejectedClearsToken(t *testing.T) {
	tr := &fakeTransport{verifyErr: transport.ErrUnauthorized}
	store := credstore.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), credstore.KeySessionToken, "stale-token"))
	c := newTestController(t, tr, &provider.Static{}, store)

	token, _ := c.Token(context.Background())
	require.Equal(t, "stale-token", token)

	err := c.Authenticate(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)

	assert.Equal(t, "unauthorized", c.State().Reason())
	assert.Empty(t, stored(t, store, credstore.KeySessionToken))
	assert.Empty(t, stored(t, store, credstore.KeyDeviceID))
	token, _ = c.Token(context.Background())
	assert.Empty(t, token)
}

func TestController_ServerErrorKeepsToken(t *testing.T) {
	tr := &fakeTransport{verifyErr: &transport.StatusError{StatusCode: 500}}
	store := credstore.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), credstore.KeySessionToken, "previous-token"))
	c := newTestController(t, tr, &provider.Static{}, store)

	err := c.Authenticate(context.Background())
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, 500, statusErr.StatusCode)

	assert.Equal(t, "server_error", c.State().Reason())
	assert.Equal(t, "previous-token", stored(t, store, credstore.KeySessionToken))
	token, _ := c.Token(context.Background())
	assert.Equal(t, "previous-token", token)
}

func TestController_UnsupportedDeviceUsesLocalIdentifier(t *testing.T) {
	tr := &fakeTransport{}
	store := credstore.NewMemoryStore()
	c := newTestController(t, tr, &provider.Static{Unsupported: true}, store)

	require.NoError(t, c.Authenticate(context.Background()))

	assert.Equal(t, StatusAuthenticated, c.State().Status)
	assert.Equal(t, "local-device", stored(t, store, credstore.KeyDeviceID))
	assert.Equal(t, "refreshed-local-device", stored(t, store, credstore.KeySessionToken))
	assert.Equal(t, []string{"local-device"}, tr.tokenDevices)

	challenge, verify, _ := tr.calls()
	assert.Zero(t, challenge)
	assert.Zero(t, verify)
}

func TestController_DefaultLocalIdentifierIsUUID(t *testing.T) {
	tr := &fakeTransport{}
	store := credstore.NewMemoryStore()
	c := newTestController(t, tr, &provider.Static{Unsupported: true}, store, func(cfg *Config) {
		cfg.NewDeviceID = nil
	})

	require.NoError(t, c.Authenticate(context.Background()))
	assert.Regexp(t, `^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`, stored(t, store, credstore.KeyDeviceID))
}

func TestController_UnsupportedDeviceRejected(t *testing.T) {
	tr := &fakeTransport{tokenErr: transport.ErrUnauthorized}
	c := newTestController(t, tr, &provider.Static{Unsupported: true}, credstore.NewMemoryStore())

	err := c.Authenticate(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, "unauthorized", c.State().Reason())
}

func TestController_Logout(t *testing.T) {
	store := credstore.NewMemoryStore()
	c := newTestController(t, &fakeTransport{}, &provider.Static{}, store)
	require.NoError(t, c.Authenticate(context.Background()))

	states, cancel := c.Subscribe()
	defer cancel()

	require.NoError(t, c.Logout(context.Background()))

	assert.Equal(t, AuthState{Status: StatusIdle}, c.State())
	assert.Equal(t, 0, store.Len())
	token, _ := c.Token(context.Background())
	assert.Empty(t, token)
	assert.Equal(t, []AuthState{{Status: StatusIdle}}, collect(states, 1))
}

func TestController_LogoutRetainsDevice(t *testing.T) {
	tr := &fakeTransport{}
	p := &provider.Static{}
	store := credstore.NewMemoryStore()
	c := newTestController(t, tr, p, store, func(cfg *Config) {
		cfg.RetainDeviceOnLogout = true
	})
	require.NoError(t, c.Authenticate(context.Background()))
	require.NoError(t, c.Logout(context.Background()))

	assert.Empty(t, stored(t, store, credstore.KeySessionToken))
	assert.Equal(t, "dev-1", stored(t, store, credstore.KeyDeviceID))

	// The next session refreshes instead of attesting.
	require.NoError(t, c.Authenticate(context.Background()))
	assert.Equal(t, 1, p.GenerateCalls())
	assert.Equal(t, "refreshed-dev-1", stored(t, store, credstore.KeySessionToken))
}

func TestController_LogoutDiscardsInFlight(t *testing.T) {
	store := credstore.NewMemoryStore()
	p := &provider.Static{Gate: make(chan struct{})}
	c := newTestController(t, &fakeTransport{}, p, store)

	done := make(chan error, 1)
	go func() { done <- c.Authenticate(context.Background()) }()
	require.Eventually(t, func() bool { return p.GenerateCalls() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, c.Logout(context.Background()))
	close(p.Gate)

	assert.ErrorIs(t, <-done, ErrLoggedOut)
	assert.Equal(t, AuthState{Status: StatusIdle}, c.State())
	assert.Equal(t, 0, store.Len())
}

func TestController_LoadsPersistedToken(t *testing.T) {
	store := credstore.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), credstore.KeySessionToken, "from-last-run"))

	c := newTestController(t, &fakeTransport{}, &provider.Static{}, store)

	token, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from-last-run", token)
	assert.Equal(t, StatusIdle, c.State().Status)
}

func TestController_UnreadableStoreStillConstructs(t *testing.T) {
	store := newFailingStore()
	store.setFailures(true, false)

	c := newTestController(t, &fakeTransport{}, &provider.Static{}, store)
	assert.Equal(t, StatusIdle, c.State().Status)
}

func TestController_StorageFailure(t *testing.T) {
	store := newFailingStore()
	c := newTestController(t, &fakeTransport{}, &provider.Static{}, store)
	store.setFailures(false, true)

	err := c.Authenticate(context.Background())
	assert.ErrorIs(t, err, ErrStorageFailed)
	assert.Equal(t, "storage_failed", c.State().Reason())

	token, _ := c.Token(context.Background())
	assert.Empty(t, token)
}

func TestController_CancelledAuthentication(t *testing.T) {
	p := &provider.Static{Gate: make(chan struct{})}
	c := newTestController(t, &fakeTransport{}, p, credstore.NewMemoryStore())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Authenticate(ctx) }()
	require.Eventually(t, func() bool { return p.GenerateCalls() == 1 }, time.Second, time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	require.Eventually(t, func() bool { return c.State().Status == StatusFailed }, time.Second, time.Millisecond)
	assert.Equal(t, "cancelled", c.State().Reason())
}

func TestController_RetryAfterFailure(t *testing.T) {
	tr := &fakeTransport{verifyErr: &transport.StatusError{StatusCode: 502}}
	c := newTestController(t, tr, &provider.Static{}, credstore.NewMemoryStore())

	require.Error(t, c.Authenticate(context.Background()))
	assert.Equal(t, StatusFailed, c.State().Status)

	tr.mu.Lock()
	tr.verifyErr = nil
	tr.mu.Unlock()

	require.NoError(t, c.Authenticate(context.Background()))
	assert.Equal(t, AuthState{Status: StatusAuthenticated}, c.State())
}

func TestController_HandleUnauthorized(t *testing.T) {
	store := credstore.NewMemoryStore()
	c := newTestController(t, &fakeTransport{}, &provider.Static{}, store)
	require.NoError(t, c.Authenticate(context.Background()))

	// A token that is no longer current is ignored.
	c.HandleUnauthorized(context.Background(), "some-older-token")
	assert.Equal(t, StatusAuthenticated, c.State().Status)

	c.HandleUnauthorized(context.Background(), "attested-token")

	st := c.State()
	assert.Equal(t, StatusFailed, st.Status)
	assert.ErrorIs(t, st.Err, ErrUnauthorized)
	assert.Empty(t, stored(t, store, credstore.KeySessionToken))
	assert.Equal(t, "dev-1", stored(t, store, credstore.KeyDeviceID))
}

func TestController_HandleUnauthorizedWhileAuthenticating(t *testing.T) {
	store := credstore.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), credstore.KeySessionToken, "old"))
	p := &provider.Static{Gate: make(chan struct{})}
	c := newTestController(t, &fakeTransport{}, p, store)

	done := make(chan error, 1)
	go func() { done <- c.Authenticate(context.Background()) }()
	require.Eventually(t, func() bool { return p.GenerateCalls() == 1 }, time.Second, time.Millisecond)

	c.HandleUnauthorized(context.Background(), "old")
	assert.Equal(t, StatusAuthenticating, c.State().Status)

	close(p.Gate)
	require.NoError(t, <-done)
	assert.Equal(t, StatusAuthenticated, c.State().Status)
}
