package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/kacy/device-session/credstore"
	"github.com/kacy/device-session/transport"
)

// Common errors returned by the session package. Transport and storage
// errors are re-exported so callers only need this package for errors.Is.
var (
	ErrInvalidURL           = transport.ErrInvalidURL
	ErrInvalidChallengeData = errors.New("invalid challenge data")
	ErrNotAvailable         = errors.New("attestation not available")
	ErrKeyGenerationFailed  = errors.New("key generation failed")
	ErrAttestationFailed    = errors.New("attestation failed")
	ErrUnauthorized         = transport.ErrUnauthorized
	ErrServerError          = transport.ErrServerError
	ErrDecodingFailed       = transport.ErrDecodingFailed
	ErrRequestFailed        = transport.ErrRequestFailed
	ErrStorageFailed        = credstore.ErrStorageFailed
	ErrLoggedOut            = errors.New("logged out during authentication")
)

// StatusError carries the status code of an unexpected backend response.
type StatusError = transport.StatusError

// Reason maps err to a short category suitable for showing to users or
// attaching to metrics. It never includes credential material.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, ErrInvalidURL):
		return "invalid_url"
	case errors.Is(err, ErrInvalidChallengeData):
		return "invalid_challenge"
	case errors.Is(err, ErrNotAvailable):
		return "not_available"
	case errors.Is(err, ErrKeyGenerationFailed):
		return "key_generation_failed"
	case errors.Is(err, ErrAttestationFailed):
		return "attestation_failed"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrServerError):
		return "server_error"
	case errors.Is(err, ErrDecodingFailed):
		return "decoding_failed"
	case errors.Is(err, ErrRequestFailed):
		return "request_failed"
	case errors.Is(err, ErrStorageFailed):
		return "storage_failed"
	case errors.Is(err, ErrLoggedOut):
		return "logged_out"
	default:
		return "unknown"
	}
}

// Status is the coarse session status.
type Status int

// Session statuses.
const (
	StatusIdle Status = iota
	StatusAuthenticating
	StatusAuthenticated
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusAuthenticating:
		return "authenticating"
	case StatusAuthenticated:
		return "authenticated"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// AuthState is a snapshot of the session. Err is set only when Status is
// StatusFailed.
type AuthState struct {
	Status Status
	Err    error
}

// Reason returns the failure category, or "" when the state is not failed.
func (s AuthState) Reason() string {
	if s.Status != StatusFailed {
		return ""
	}
	return Reason(s.Err)
}

func (s AuthState) String() string {
	if s.Status == StatusFailed {
		return fmt.Sprintf("failed(%s)", s.Reason())
	}
	return s.Status.String()
}

// Provider is the platform attestation capability. Implementations keep key
// material inside the secure element and expose only key handles.
type Provider interface {
	// IsSupported reports whether the device can attest keys.
	IsSupported() bool

	// GenerateKey creates a hardware-isolated key and returns its ID.
	GenerateKey(ctx context.Context) (string, error)

	// Attest produces an opaque statement binding keyID to clientDataHash.
	Attest(ctx context.Context, keyID string, clientDataHash []byte) ([]byte, error)
}

// AuthTransport calls the authentication endpoints. *transport.Client
// implements it.
type AuthTransport interface {
	Challenge(ctx context.Context) (string, error)
	Verify(ctx context.Context, req *transport.VerifyRequest) (*transport.TokenResponse, error)
	Token(ctx context.Context, deviceID string) (*transport.TokenResponse, error)
}

// Credential is the result of a successful attestation or refresh.
type Credential struct {
	// Token is the session token issued by the backend.
	Token string

	// DeviceID is the identity to persist for future refreshes.
	DeviceID string
}

// String redacts the token.
func (c Credential) String() string {
	return fmt.Sprintf("Credential{DeviceID: %s, Token: [redacted]}", c.DeviceID)
}
