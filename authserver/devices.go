package authserver

import (
	"sync"
	"time"
)

// Device is a registered client device.
type Device struct {
	ID string

	// KeyID is the attested key, empty for devices registered through the
	// identifier-only path.
	KeyID string

	Attested     bool
	RegisteredAt time.Time
}

// registry is the set of devices allowed to exchange their ID for a token.
type registry struct {
	mu      sync.RWMutex
	devices map[string]Device
}

func newRegistry() *registry {
	return &registry{devices: make(map[string]Device)}
}

func (r *registry) add(d Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[d.ID] = d
}

func (r *registry) get(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok
}

func (r *registry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.devices[id]
	delete(r.devices, id)
	return ok
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
