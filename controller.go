package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/kacy/device-session/credstore"
	"github.com/kacy/device-session/metrics"
)

// Config holds configuration for a Controller.
type Config struct {
	// Transport calls the authentication endpoints (required).
	Transport AuthTransport

	// Provider is the platform attestation capability (required).
	Provider Provider

	// Store persists the session token and device identity (required).
	Store credstore.Store

	// RetainDeviceOnLogout keeps the device identity across Logout so the
	// next Authenticate can refresh instead of attesting again.
	RetainDeviceOnLogout bool

	// NewDeviceID generates the local identifier used when the device cannot
	// attest (default: uuid.NewString).
	NewDeviceID func() string

	// Logger receives diagnostic output (default: slog.Default()).
	Logger *slog.Logger
}

// Controller owns the session state machine and the persisted credentials.
// It is safe for concurrent use.
type Controller struct {
	orch         *Orchestrator
	store        credstore.Store
	retainDevice bool
	newDeviceID  func() string
	logger       *slog.Logger

	flight singleflight.Group
	bus    *stateBus

	mu    sync.Mutex
	state AuthState
	token string
	// generation is bumped by Logout; flows started under an older
	// generation are discarded when they complete.
	generation uint64
}

// NewController creates a Controller in the idle state. A token persisted by
// a previous run is loaded so requests can carry it before the first
// Authenticate.
func NewController(ctx context.Context, cfg Config) (*Controller, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	orch, err := NewOrchestrator(OrchestratorConfig{
		Transport: cfg.Transport,
		Provider:  cfg.Provider,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	newDeviceID := cfg.NewDeviceID
	if newDeviceID == nil {
		newDeviceID = uuid.NewString
	}

	c := &Controller{
		orch:         orch,
		store:        cfg.Store,
		retainDevice: cfg.RetainDeviceOnLogout,
		newDeviceID:  newDeviceID,
		logger:       logger,
		bus:          newStateBus(),
		state:        AuthState{Status: StatusIdle},
	}

	token, err := cfg.Store.Get(ctx, credstore.KeySessionToken)
	if err != nil {
		logger.Warn("could not load persisted session token", "error", err)
	}
	c.token = token

	return c, nil
}

// Authenticate brings the session to the authenticated state. It returns
// immediately when already authenticated and joins the flow in flight when
// one exists. A stored device identity is refreshed first; full attestation
// runs when there is none or the refresh fails.
//
// A failure leaves the controller in StatusFailed; the error is also returned.
func (c *Controller) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Status == StatusAuthenticated {
		c.mu.Unlock()
		return nil
	}
	gen := c.generation
	if c.state.Status != StatusAuthenticating {
		c.setStateLocked(AuthState{Status: StatusAuthenticating})
	}
	c.mu.Unlock()

	ch := c.flight.DoChan(strconv.FormatUint(gen, 10), func() (any, error) {
		return nil, c.run(ctx, gen)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Logout deletes the persisted credentials and returns to StatusIdle. A flow
// still in flight is discarded when it completes.
func (c *Controller) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	c.token = ""

	var errs []error
	if err := c.store.Delete(ctx, credstore.KeySessionToken); err != nil {
		errs = append(errs, err)
	}
	if !c.retainDevice {
		if err := c.store.Delete(ctx, credstore.KeyDeviceID); err != nil {
			errs = append(errs, err)
		}
	}

	c.setStateLocked(AuthState{Status: StatusIdle})
	return errors.Join(errs...)
}

// State returns the current session state.
func (c *Controller) State() AuthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe returns a channel receiving every subsequent state transition in
// order, and a cancel function that must be called when done. A subscriber
// that stops reading loses transitions once its buffer fills; State is always
// current.
func (c *Controller) Subscribe() (<-chan AuthState, func()) {
	return c.bus.subscribe()
}

// Token returns the current session token, or "" when there is none.
func (c *Controller) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, nil
}

// HandleUnauthorized reacts to the backend rejecting rejectedToken on an
// application request. When that token is still current it is cleared and
// the session moves to StatusFailed with ErrUnauthorized. It does not start a
// new authentication; callers decide when to retry.
func (c *Controller) HandleUnauthorized(ctx context.Context, rejectedToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Status == StatusAuthenticating {
		return
	}
	if rejectedToken == "" || rejectedToken != c.token {
		return
	}

	c.clearTokenLocked(ctx)
	c.setStateLocked(AuthState{Status: StatusFailed, Err: fmt.Errorf("%w: session token rejected", ErrUnauthorized)})
}

// Gateway returns a round tripper that authenticates requests with this
// controller's token. A nil base uses http.DefaultTransport.
func (c *Controller) Gateway(base http.RoundTripper) *Gateway {
	return newGateway(GatewayConfig{
		Tokens:         c,
		OnUnauthorized: c,
		Base:           base,
		Logger:         c.logger,
	})
}

func (c *Controller) run(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	switch {
	case gen != c.generation:
		c.mu.Unlock()
		return ErrLoggedOut
	case c.state.Status == StatusAuthenticated:
		c.mu.Unlock()
		return nil
	case c.state.Status != StatusAuthenticating:
		c.setStateLocked(AuthState{Status: StatusAuthenticating})
	}
	c.mu.Unlock()

	cred, err := c.obtain(ctx)
	return c.finish(ctx, gen, cred, err)
}

func (c *Controller) obtain(ctx context.Context) (*Credential, error) {
	deviceID, err := c.store.Get(ctx, credstore.KeyDeviceID)
	if err != nil {
		c.logger.Warn("could not load device identity", "error", err)
		deviceID = ""
	}

	if deviceID != "" {
		cred, err := c.orch.Refresh(ctx, deviceID)
		if err == nil {
			return cred, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		c.logger.Info("token refresh failed, attesting", "reason", Reason(err))
	}

	cred, err := c.orch.PerformAttestation(ctx)
	if !errors.Is(err, ErrNotAvailable) {
		return cred, err
	}

	deviceID = c.newDeviceID()
	c.logger.Info("attestation not available, using local device identifier")
	if err := c.store.Set(ctx, credstore.KeyDeviceID, deviceID); err != nil {
		return nil, err
	}
	return c.orch.Refresh(ctx, deviceID)
}

func (c *Controller) finish(ctx context.Context, gen uint64, cred *Credential, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		c.logger.Debug("discarding authentication result after logout")
		return ErrLoggedOut
	}
	if err != nil {
		return c.failLocked(ctx, err)
	}

	// The flow is complete; a late cancellation must not leave the store
	// half written.
	wctx := context.WithoutCancel(ctx)
	if err := c.store.Set(wctx, credstore.KeyDeviceID, cred.DeviceID); err != nil {
		return c.failLocked(ctx, err)
	}
	if err := c.store.Set(wctx, credstore.KeySessionToken, cred.Token); err != nil {
		return c.failLocked(ctx, err)
	}

	c.token = cred.Token
	c.setStateLocked(AuthState{Status: StatusAuthenticated})
	return nil
}

func (c *Controller) failLocked(ctx context.Context, err error) error {
	if errors.Is(err, ErrUnauthorized) {
		c.clearTokenLocked(ctx)
	}
	c.setStateLocked(AuthState{Status: StatusFailed, Err: err})
	return err
}

func (c *Controller) clearTokenLocked(ctx context.Context) {
	c.token = ""
	if err := c.store.Delete(context.WithoutCancel(ctx), credstore.KeySessionToken); err != nil {
		c.logger.Warn("could not delete session token", "error", err)
	}
}

func (c *Controller) setStateLocked(st AuthState) {
	c.state = st
	metrics.StateTransitions.WithLabelValues(st.Status.String()).Inc()
	c.bus.publish(st)

	if st.Status == StatusFailed {
		c.logger.Warn("session failed", "reason", st.Reason())
		return
	}
	c.logger.Debug("session state changed", "state", st.String())
}
