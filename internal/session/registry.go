// Package session maps delegated session keys to their owning principals.
//
// Resolution is a total function with a graceful identity fallback: an
// unregistered, expired, or non-allow-listed lookup returns the caller
// itself, never an error and never another party's identity. Components that
// skip session integration therefore still behave correctly for direct
// callers.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/veilmarkets/perp-engine/internal/model"
)

var (
	// ErrInvalidSessionKey is returned for self-registration or an empty key.
	ErrInvalidSessionKey = errors.New("session: invalid session key")

	// ErrExpiryInPast is returned when a grant would already be expired.
	ErrExpiryInPast = errors.New("session: expiry must be in the future")

	// ErrNotGrantOwner is returned when a revocation comes from anyone but
	// the grant's owner.
	ErrNotGrantOwner = errors.New("session: caller does not own this grant")
)

type grant struct {
	owner  model.Address
	expiry time.Time
}

// Registry is the session key registry. Only allow-listed calling
// contracts may resolve a session key to its owner.
type Registry struct {
	owner model.Address

	mu      sync.RWMutex
	grants  map[model.Address]grant
	allowed map[model.Address]bool
}

// New creates a registry administered by owner.
func New(owner model.Address) *Registry {
	return &Registry{
		owner:   owner,
		grants:  make(map[model.Address]grant),
		allowed: make(map[model.Address]bool),
	}
}

// Register binds sessionKey to the caller until expiry. Re-registering an
// existing session key atomically revokes the previous grant: a key
// resolves to exactly one owner at a time.
func (r *Registry) Register(caller, sessionKey model.Address, expiry time.Time) error {
	if sessionKey == "" || sessionKey == caller {
		return fmt.Errorf("%w: %q", ErrInvalidSessionKey, sessionKey)
	}
	if !expiry.After(time.Now()) {
		return fmt.Errorf("%w: %s", ErrExpiryInPast, expiry)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.grants[sessionKey] = grant{owner: caller, expiry: expiry}
	return nil
}

// Revoke removes a grant. Only the grant's owner may revoke it.
func (r *Registry) Revoke(caller, sessionKey model.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.grants[sessionKey]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrNotFound, sessionKey)
	}
	if g.owner != caller {
		return fmt.Errorf("%w: %s", ErrNotGrantOwner, caller)
	}
	delete(r.grants, sessionKey)
	return nil
}

// ResolveOwner maps caller to its effective principal. When caller is a
// registered, unexpired session key and callingContract is allow-listed,
// the owning principal is returned; in every other case the caller itself
// is. Total: never errors, never ambiguous.
func (r *Registry) ResolveOwner(callingContract, caller model.Address) model.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.allowed[callingContract] {
		return caller
	}
	g, ok := r.grants[caller]
	if !ok || !g.expiry.After(time.Now()) {
		return caller
	}
	return g.owner
}

// SetAllowedContract grants or revokes resolution rights (owner-only).
func (r *Registry) SetAllowedContract(caller, contract model.Address, allowed bool) error {
	if caller != r.owner {
		return fmt.Errorf("%w: %s may not manage the allow-list", model.ErrUnauthorized, caller)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if allowed {
		r.allowed[contract] = true
	} else {
		delete(r.allowed, contract)
	}
	return nil
}

// AllowedContract reports whether contract is allow-listed.
func (r *Registry) AllowedContract(contract model.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.allowed[contract]
}
