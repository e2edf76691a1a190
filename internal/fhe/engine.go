// Package fhe is the narrow interface to the encrypted-computation
// substrate. The core invokes these primitives rather than reimplementing
// them. Values live behind opaque handles; every operation is gated by an
// access check against the handle's ACL plus any transient grants made in
// the current scope.
//
// A Scope models one transaction: transient grants made inside it are
// dropped when it closes, so no privilege lingers across operations.
package fhe

import (
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/veilmarkets/perp-engine/internal/model"
)

var (
	// ErrAccessDenied is returned when the scope's caller has neither
	// durable nor transient access to a handle.
	ErrAccessDenied = errors.New("fhe: access denied to ciphertext handle")

	// ErrUnknownHandle is returned for handles the substrate has never issued.
	ErrUnknownHandle = errors.New("fhe: unknown ciphertext handle")

	// ErrScopeClosed is returned when an operation uses a closed scope.
	ErrScopeClosed = errors.New("fhe: scope already closed")

	// ErrProofMismatch is returned when a proof does not attest the given
	// handles for the given submitter and contract, or was already consumed.
	ErrProofMismatch = errors.New("fhe: input proof mismatch")

	// ErrNegativePlaintext is returned when a plaintext outside the
	// unsigned range is submitted for encryption.
	ErrNegativePlaintext = errors.New("fhe: plaintext must be non-negative")
)

// Engine is the substrate contract consumed by the core components.
// Encrypted booleans are handles whose plaintext is 0 or 1.
type Engine interface {
	// BeginScope opens a transaction scope acting as caller.
	BeginScope(caller model.Address) *Scope

	// VerifyInputProof checks that the handles were honestly constructed by
	// submitter for contract. Handles referenced by a stale or mismatched
	// proof uniformly fail. On success the contract gains durable access to
	// every handle in the set and the proof is consumed.
	VerifyInputProof(handles []model.Handle, proof string, submitter, contract model.Address) error

	// Encrypt trivially encrypts a known plaintext (constants, zero
	// balances). The scope's caller gains durable access to the result.
	// The substrate encodes unsigned values; negative plaintexts are
	// rejected here and at input creation.
	Encrypt(s *Scope, v decimal.Decimal) (model.Handle, error)

	Add(s *Scope, a, b model.Handle) (model.Handle, error)
	// Sub saturates at zero, matching encrypted unsigned semantics. Callers
	// guard ordering with Ge/Select rather than relying on sign.
	Sub(s *Scope, a, b model.Handle) (model.Handle, error)
	Mul(s *Scope, a, b model.Handle) (model.Handle, error)
	// MulPlain scales a ciphertext by a public scalar.
	MulPlain(s *Scope, a model.Handle, k decimal.Decimal) (model.Handle, error)
	Min(s *Scope, a, b model.Handle) (model.Handle, error)
	// Ge returns an encrypted boolean a ≥ b.
	Ge(s *Scope, a, b model.Handle) (model.Handle, error)
	// Select returns ifTrue where cond is 1, ifFalse where cond is 0.
	Select(s *Scope, cond, ifTrue, ifFalse model.Handle) (model.Handle, error)

	// Allow durably grants grantee access to h. The caller must itself have
	// access.
	Allow(s *Scope, h model.Handle, grantee model.Address) error

	// GrantTransient grants grantee access to h for the remainder of the
	// current scope only.
	GrantTransient(s *Scope, h model.Handle, grantee model.Address) error

	// Reveal decrypts a derived value for the scope's caller. Access-checked
	// like every other operation; components reveal only derived aggregates
	// (flags, notionals), never raw user inputs.
	Reveal(s *Scope, h model.Handle) (decimal.Decimal, error)
}

// txn is the shared per-transaction state behind one or more scope views.
type txn struct {
	mu        sync.Mutex
	transient map[model.Handle]map[model.Address]bool
	closed    bool
}

// Scope is a view of a transaction scope acting as a single caller.
// Component boundaries switch identity with As while sharing the same
// transient grant table, mirroring cross-contract calls.
type Scope struct {
	caller model.Address
	txn    *txn
}

// Caller returns the identity this scope view acts as.
func (s *Scope) Caller() model.Address { return s.caller }

// As returns a view of the same transaction acting as addr. Grants made in
// either view are visible to both and die together when the scope closes.
func (s *Scope) As(addr model.Address) *Scope {
	return &Scope{caller: addr, txn: s.txn}
}

// Close ends the transaction scope, dropping all transient grants.
// Closing twice is a no-op.
func (s *Scope) Close() {
	s.txn.mu.Lock()
	defer s.txn.mu.Unlock()
	s.txn.closed = true
	s.txn.transient = nil
}

func (s *Scope) grant(h model.Handle, grantee model.Address) error {
	s.txn.mu.Lock()
	defer s.txn.mu.Unlock()
	if s.txn.closed {
		return ErrScopeClosed
	}
	if s.txn.transient[h] == nil {
		s.txn.transient[h] = make(map[model.Address]bool)
	}
	s.txn.transient[h][grantee] = true
	return nil
}

func (s *Scope) granted(h model.Handle, addr model.Address) bool {
	s.txn.mu.Lock()
	defer s.txn.mu.Unlock()
	return !s.txn.closed && s.txn.transient[h][addr]
}

func (s *Scope) open() bool {
	s.txn.mu.Lock()
	defer s.txn.mu.Unlock()
	return !s.txn.closed
}

func newScope(caller model.Address) *Scope {
	return &Scope{
		caller: caller,
		txn:    &txn{transient: make(map[model.Handle]map[model.Address]bool)},
	}
}
