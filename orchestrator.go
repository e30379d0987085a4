package session

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kacy/device-session/metrics"
	"github.com/kacy/device-session/provider"
	"github.com/kacy/device-session/transport"
)

// OrchestratorConfig holds configuration for the attestation orchestrator.
type OrchestratorConfig struct {
	// Transport calls the authentication endpoints (required).
	Transport AuthTransport

	// Provider is the platform attestation capability (required).
	Provider Provider

	// Logger receives diagnostic output (default: slog.Default()).
	Logger *slog.Logger
}

// Orchestrator runs the attestation protocol.
//
// Concurrent calls for the same operation are coalesced: the first caller
// starts the work and later callers wait for its outcome. The shared work runs
// under the first caller's context; a later caller whose own context ends
// stops waiting without cancelling it.
type Orchestrator struct {
	transport AuthTransport
	provider  Provider
	logger    *slog.Logger

	flight singleflight.Group
}

// NewOrchestrator creates a new attestation orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("provider is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		transport: cfg.Transport,
		provider:  cfg.Provider,
		logger:    logger,
	}, nil
}

// PerformAttestation runs a full attestation and returns the issued
// credential. Its DeviceID is the identifier assigned by the backend, or the
// attested key ID when the backend assigns none.
//
// Each run generates a fresh key. A key generated by a run that fails before
// verification completes is abandoned.
func (o *Orchestrator) PerformAttestation(ctx context.Context) (*Credential, error) {
	return o.share(ctx, "attest", func(ctx context.Context) (*Credential, error) {
		start := time.Now()
		cred, err := o.attest(ctx)
		metrics.AttestationsTotal.WithLabelValues(metrics.Outcome(err)).Inc()
		metrics.AttestationDuration.Observe(time.Since(start).Seconds())
		return cred, err
	})
}

// Refresh exchanges deviceID for a new session token without attesting.
func (o *Orchestrator) Refresh(ctx context.Context, deviceID string) (*Credential, error) {
	return o.share(ctx, "token:"+deviceID, func(ctx context.Context) (*Credential, error) {
		resp, err := o.transport.Token(ctx, deviceID)
		metrics.RefreshesTotal.WithLabelValues(metrics.Outcome(err)).Inc()
		if err != nil {
			return nil, err
		}
		return &Credential{Token: resp.Token, DeviceID: deviceID}, nil
	})
}

func (o *Orchestrator) share(ctx context.Context, key string, fn func(context.Context) (*Credential, error)) (*Credential, error) {
	ch := o.flight.DoChan(key, func() (any, error) {
		return fn(ctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		cred := *res.Val.(*Credential)
		return &cred, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) attest(ctx context.Context) (*Credential, error) {
	if !o.provider.IsSupported() {
		return nil, ErrNotAvailable
	}

	encoded, err := o.transport.Challenge(ctx)
	if err != nil {
		return nil, err
	}

	challenge, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(challenge) == 0 {
		return nil, fmt.Errorf("%w: challenge is not non-empty base64", ErrInvalidChallengeData)
	}

	keyID, err := o.provider.GenerateKey(ctx)
	if err != nil {
		if errors.Is(err, provider.ErrUnsupported) {
			return nil, fmt.Errorf("%w: %w", ErrNotAvailable, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrKeyGenerationFailed, err)
	}

	clientDataHash := sha256.Sum256(challenge)
	statement, err := o.provider.Attest(ctx, keyID, clientDataHash[:])
	if err != nil {
		o.logger.Debug("abandoning unattested key", "key_id", keyID)
		return nil, fmt.Errorf("%w: %w", ErrAttestationFailed, err)
	}

	resp, err := o.transport.Verify(ctx, &transport.VerifyRequest{
		KeyID:       keyID,
		Challenge:   encoded,
		Attestation: base64.StdEncoding.EncodeToString(statement),
	})
	if err != nil {
		o.logger.Debug("abandoning unverified key", "key_id", keyID, "reason", Reason(err))
		return nil, err
	}

	deviceID := resp.DeviceID
	if deviceID == "" {
		deviceID = keyID
	}

	o.logger.Debug("attestation verified", "key_id", keyID)
	return &Credential{Token: resp.Token, DeviceID: deviceID}, nil
}
