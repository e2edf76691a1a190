package session_test

import (
	"errors"
	"testing"
	"time"

	"github.com/veilmarkets/perp-engine/internal/model"
	"github.com/veilmarkets/perp-engine/internal/session"
)

const (
	owner    model.Address = "0xowner"
	vault    model.Address = "0xvault"
	stranger model.Address = "0xstranger"
	alice    model.Address = "0xalice"
	bob      model.Address = "0xbob"
	key      model.Address = "0xsessionkey"
)

func newTestRegistry(t *testing.T) *session.Registry {
	t.Helper()
	r := session.New(owner)
	if err := r.SetAllowedContract(owner, vault, true); err != nil {
		t.Fatalf("allow vault: %v", err)
	}
	return r
}

func TestResolveOwner_RegisteredKey(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.Register(alice, key, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("register: %v", err)
	}

	if got := r.ResolveOwner(vault, key); got != alice {
		t.Errorf("allow-listed resolution should return owner, got %s", got)
	}
}

func TestResolveOwner_IdentityFallbacks(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(alice, key, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Unregistered caller resolves to itself.
	if got := r.ResolveOwner(vault, bob); got != bob {
		t.Errorf("unregistered caller should resolve to itself, got %s", got)
	}

	// A non-allow-listed calling contract must get the identity function,
	// never another party's identity.
	if got := r.ResolveOwner(stranger, key); got != key {
		t.Errorf("unauthorized contract should get identity, got %s", got)
	}
}

func TestResolveOwner_Expiry(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.Register(alice, key, time.Now().Add(5*time.Millisecond)); err != nil {
		t.Fatalf("register: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	if got := r.ResolveOwner(vault, key); got != key {
		t.Errorf("expired key should resolve to itself, got %s", got)
	}
}

func TestRegister_ReassignmentRevokesAtomically(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.Register(alice, key, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(bob, key, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	// The key now resolves to bob and only bob.
	if got := r.ResolveOwner(vault, key); got != bob {
		t.Errorf("reassigned key should resolve to new owner, got %s", got)
	}

	// The previous owner lost revocation rights with the grant.
	if err := r.Revoke(alice, key); !errors.Is(err, session.ErrNotGrantOwner) {
		t.Errorf("old owner revoke should fail, got %v", err)
	}
}

func TestRegister_Validation(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.Register(alice, "", time.Now().Add(time.Hour)); !errors.Is(err, session.ErrInvalidSessionKey) {
		t.Errorf("empty key should fail, got %v", err)
	}
	if err := r.Register(alice, alice, time.Now().Add(time.Hour)); !errors.Is(err, session.ErrInvalidSessionKey) {
		t.Errorf("self-registration should fail, got %v", err)
	}
	if err := r.Register(alice, key, time.Now().Add(-time.Hour)); !errors.Is(err, session.ErrExpiryInPast) {
		t.Errorf("past expiry should fail, got %v", err)
	}
}

func TestRevoke(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.Revoke(alice, key); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("revoking unknown key should fail NotFound, got %v", err)
	}

	if err := r.Register(alice, key, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Revoke(alice, key); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if got := r.ResolveOwner(vault, key); got != key {
		t.Errorf("revoked key should resolve to itself, got %s", got)
	}
}

func TestSetAllowedContract_OwnerOnly(t *testing.T) {
	r := session.New(owner)

	if err := r.SetAllowedContract(stranger, vault, true); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("non-owner allow-list change should fail, got %v", err)
	}
	if r.AllowedContract(vault) {
		t.Error("vault should not be allow-listed yet")
	}

	if err := r.SetAllowedContract(owner, vault, true); err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !r.AllowedContract(vault) {
		t.Error("vault should be allow-listed")
	}
	if err := r.SetAllowedContract(owner, vault, false); err != nil {
		t.Fatalf("disallow: %v", err)
	}
	if r.AllowedContract(vault) {
		t.Error("vault allow-listing should be revoked")
	}
}
