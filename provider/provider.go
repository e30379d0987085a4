// Package provider contains attestation providers: the platform capability
// that generates hardware-isolated keys and produces statements binding a key
// to a challenge.
//
// Production builds inject a platform implementation (App Attest, Play
// Integrity, TPM). This package ships the pieces that do not depend on a
// platform:
//
//   - Software: in-process ECDSA keys with CBOR statements, for development
//     backends and end-to-end tests
//   - Unsupported: a device with no attestation capability
//   - Static: a deterministic test double with canned key IDs and statements
package provider

import (
	"context"
	"errors"
)

// Common errors.
var (
	ErrUnsupported        = errors.New("attestation not supported on this device")
	ErrUnknownKey         = errors.New("unknown key ID")
	ErrInvalidStatement   = errors.New("invalid attestation statement")
	ErrVerificationFailed = errors.New("statement verification failed")
)

// Unsupported is a provider for devices without an attestation capability.
type Unsupported struct{}

// IsSupported always reports false.
func (Unsupported) IsSupported() bool { return false }

// GenerateKey always fails with ErrUnsupported.
func (Unsupported) GenerateKey(ctx context.Context) (string, error) {
	return "", ErrUnsupported
}

// Attest always fails with ErrUnsupported.
func (Unsupported) Attest(ctx context.Context, keyID string, clientDataHash []byte) ([]byte, error) {
	return nil, ErrUnsupported
}
