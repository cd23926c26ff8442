// Package presence maps identities to their live relay connection. The
// relay consults it before every delivery attempt; everything else about
// a user lives with the external identity service.
package presence

import (
	"sort"
	"sync"
	"time"
)

// Transport is the delivery half of a live connection. Implementations
// must tolerate Close after the peer is already gone.
type Transport interface {
	Deliver(payload []byte) error
	Close() error
}

// Record captures one identity's live connection.
type Record struct {
	Identity  string
	Transport Transport
	LastSeen  time.Time
}

// Registry tracks at most one live transport per identity. All methods
// are safe for concurrent use; a single RWMutex is the serialization
// domain for every identity.
type Registry struct {
	mu      sync.RWMutex
	records map[string]Record
	nowFn   func() time.Time
}

// NewRegistry builds an empty presence registry.
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]Record),
		nowFn:   time.Now,
	}
}

// Connect registers a live transport for an identity. If the identity
// already has one, the new connection supersedes it silently and the
// old transport is returned so the caller can close it without emitting
// an offline broadcast.
func (r *Registry) Connect(identity string, t Transport) (superseded Transport, replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.records[identity]
	r.records[identity] = Record{
		Identity:  identity,
		Transport: t,
		LastSeen:  r.nowFn(),
	}
	if ok && prev.Transport != t {
		return prev.Transport, true
	}
	return nil, false
}

// Disconnect clears presence only if t is still the identity's current
// transport. A superseded connection tearing down late must not knock
// the newer connection offline.
func (r *Registry) Disconnect(identity string, t Transport) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.records[identity]
	if !ok || current.Transport != t {
		return false
	}
	delete(r.records, identity)
	return true
}

// Lookup returns the live transport for an identity, if any.
func (r *Registry) Lookup(identity string) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[identity]
	if !ok {
		return nil, false
	}
	return rec.Transport, true
}

// Touch refreshes last_seen for an identity with a live connection.
func (r *Registry) Touch(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[identity]
	if !ok {
		return
	}
	rec.LastSeen = r.nowFn()
	r.records[identity] = rec
}

// ListPresent enumerates connected identities in sorted order.
func (r *Registry) ListPresent() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.records))
	for id := range r.records {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
