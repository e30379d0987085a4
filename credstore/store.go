// Package credstore provides secure persistence for the two credentials a
// device keeps between launches: its server-issued identity and its current
// session token.
//
// Stores are opaque key/value maps. Set overwrites atomically (the old entry
// is removed and the new one added inside one critical section), Get on a
// missing key returns an empty string, and only genuine I/O faults surface as
// errors, always wrapping ErrStorageFailed.
package credstore

import (
	"context"
	"errors"
)

// Fixed keys for the persisted credentials.
const (
	KeySessionToken = "session_token"
	KeyDeviceID     = "device_id"
)

// ErrStorageFailed is wrapped by every I/O error a Store returns.
var ErrStorageFailed = errors.New("credential storage failed")

// Store persists credentials across process restarts.
// Implementations must be safe for concurrent use by one writer and many readers.
type Store interface {
	// Get returns the value for key, or "" if it is not set.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key, replacing any existing entry.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
