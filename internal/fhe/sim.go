package fhe

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/veilmarkets/perp-engine/internal/model"
)

// SimEngine is a plaintext-backed simulator of the substrate. It enforces
// the same ACL and proof discipline as a real deployment, which is what the
// core's correctness depends on; it is not a cryptosystem. Production
// deployments swap in an adapter to the real substrate behind the same
// Engine interface.
type SimEngine struct {
	mu     sync.RWMutex
	values map[model.Handle]*entry
	proofs map[string]*inputProof
}

type entry struct {
	value  decimal.Decimal
	access map[model.Address]bool
}

type inputProof struct {
	handles   []model.Handle
	submitter model.Address
	contract  model.Address
	consumed  bool
}

// NewSimEngine creates an empty simulated substrate.
func NewSimEngine() *SimEngine {
	return &SimEngine{
		values: make(map[model.Handle]*entry),
		proofs: make(map[string]*inputProof),
	}
}

// BeginScope opens a transaction scope acting as caller.
func (e *SimEngine) BeginScope(caller model.Address) *Scope {
	return newScope(caller)
}

// CreateInput encrypts values on behalf of submitter and issues a one-time
// proof binding the handles to (submitter, contract). This is the simulator
// stand-in for the client-side input gateway. Values are unsigned: a
// negative plaintext is rejected as a whole-batch failure.
func (e *SimEngine) CreateInput(submitter, contract model.Address, values []decimal.Decimal) ([]model.Handle, string, error) {
	for _, v := range values {
		if v.IsNegative() {
			return nil, "", fmt.Errorf("%w: %s", ErrNegativePlaintext, v)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	handles := make([]model.Handle, len(values))
	for i, v := range values {
		h := newHandle()
		e.values[h] = &entry{
			value:  v,
			access: map[model.Address]bool{submitter: true},
		}
		handles[i] = h
	}

	proof := uuid.New().String()
	e.proofs[proof] = &inputProof{
		handles:   append([]model.Handle(nil), handles...),
		submitter: submitter,
		contract:  contract,
	}
	return handles, proof, nil
}

// VerifyInputProof validates a proof as a unit: the exact handle set, the
// submitter, and the target contract must all match, and the proof must be
// unused. On success the contract gains durable access and the proof is
// consumed.
func (e *SimEngine) VerifyInputProof(handles []model.Handle, proof string, submitter, contract model.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.proofs[proof]
	if !ok || p.consumed {
		return ErrProofMismatch
	}
	if p.submitter != submitter || p.contract != contract {
		return ErrProofMismatch
	}
	if len(p.handles) != len(handles) {
		return ErrProofMismatch
	}
	for i, h := range handles {
		if p.handles[i] != h {
			return ErrProofMismatch
		}
	}

	p.consumed = true
	for _, h := range handles {
		e.values[h].access[contract] = true
	}
	return nil
}

// Encrypt trivially encrypts a plaintext for the scope's caller.
func (e *SimEngine) Encrypt(s *Scope, v decimal.Decimal) (model.Handle, error) {
	if v.IsNegative() {
		return "", fmt.Errorf("%w: %s", ErrNegativePlaintext, v)
	}
	if !s.open() {
		return "", ErrScopeClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	h := newHandle()
	e.values[h] = &entry{
		value:  v,
		access: map[model.Address]bool{s.caller: true},
	}
	return h, nil
}

func (e *SimEngine) Add(s *Scope, a, b model.Handle) (model.Handle, error) {
	return e.binOp(s, a, b, func(x, y decimal.Decimal) decimal.Decimal {
		return x.Add(y)
	})
}

// Sub saturates at zero (encrypted unsigned semantics).
func (e *SimEngine) Sub(s *Scope, a, b model.Handle) (model.Handle, error) {
	return e.binOp(s, a, b, func(x, y decimal.Decimal) decimal.Decimal {
		r := x.Sub(y)
		if r.IsNegative() {
			return decimal.Zero
		}
		return r
	})
}

func (e *SimEngine) Mul(s *Scope, a, b model.Handle) (model.Handle, error) {
	return e.binOp(s, a, b, func(x, y decimal.Decimal) decimal.Decimal {
		return x.Mul(y)
	})
}

func (e *SimEngine) Min(s *Scope, a, b model.Handle) (model.Handle, error) {
	return e.binOp(s, a, b, func(x, y decimal.Decimal) decimal.Decimal {
		if x.LessThan(y) {
			return x
		}
		return y
	})
}

func (e *SimEngine) Ge(s *Scope, a, b model.Handle) (model.Handle, error) {
	return e.binOp(s, a, b, func(x, y decimal.Decimal) decimal.Decimal {
		if x.GreaterThanOrEqual(y) {
			return decimal.NewFromInt(1)
		}
		return decimal.Zero
	})
}

// MulPlain scales a ciphertext by a public scalar. The scalar must be
// non-negative to preserve the unsigned range.
func (e *SimEngine) MulPlain(s *Scope, a model.Handle, k decimal.Decimal) (model.Handle, error) {
	if k.IsNegative() {
		return "", fmt.Errorf("%w: scalar %s", ErrNegativePlaintext, k)
	}
	if !s.open() {
		return "", ErrScopeClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	ea, err := e.checkAccess(s, a)
	if err != nil {
		return "", err
	}
	return e.derive(s, ea.value.Mul(k)), nil
}

// Select returns ifTrue where cond is 1, ifFalse otherwise.
func (e *SimEngine) Select(s *Scope, cond, ifTrue, ifFalse model.Handle) (model.Handle, error) {
	if !s.open() {
		return "", ErrScopeClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	ec, err := e.checkAccess(s, cond)
	if err != nil {
		return "", err
	}
	et, err := e.checkAccess(s, ifTrue)
	if err != nil {
		return "", err
	}
	ef, err := e.checkAccess(s, ifFalse)
	if err != nil {
		return "", err
	}

	if ec.value.Equal(decimal.NewFromInt(1)) {
		return e.derive(s, et.value), nil
	}
	return e.derive(s, ef.value), nil
}

// Allow durably grants grantee access to h.
func (e *SimEngine) Allow(s *Scope, h model.Handle, grantee model.Address) error {
	if !s.open() {
		return ErrScopeClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, err := e.checkAccess(s, h)
	if err != nil {
		return err
	}
	ent.access[grantee] = true
	return nil
}

// GrantTransient grants grantee access to h until the scope closes.
func (e *SimEngine) GrantTransient(s *Scope, h model.Handle, grantee model.Address) error {
	if !s.open() {
		return ErrScopeClosed
	}
	e.mu.Lock()
	_, err := e.checkAccess(s, h)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	return s.grant(h, grantee)
}

// Reveal decrypts a handle for the scope's caller.
func (e *SimEngine) Reveal(s *Scope, h model.Handle) (decimal.Decimal, error) {
	if !s.open() {
		return decimal.Zero, ErrScopeClosed
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	ent, err := e.checkAccess(s, h)
	if err != nil {
		return decimal.Zero, err
	}
	return ent.value, nil
}

// --- internals ---

func (e *SimEngine) binOp(s *Scope, a, b model.Handle, f func(x, y decimal.Decimal) decimal.Decimal) (model.Handle, error) {
	if !s.open() {
		return "", ErrScopeClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	ea, err := e.checkAccess(s, a)
	if err != nil {
		return "", err
	}
	eb, err := e.checkAccess(s, b)
	if err != nil {
		return "", err
	}
	return e.derive(s, f(ea.value, eb.value)), nil
}

// checkAccess resolves a handle and verifies the scope's caller may use it.
// Callers must hold e.mu.
func (e *SimEngine) checkAccess(s *Scope, h model.Handle) (*entry, error) {
	ent, ok := e.values[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	if ent.access[s.caller] || s.granted(h, s.caller) {
		return ent, nil
	}
	return nil, fmt.Errorf("%w: %s for %s", ErrAccessDenied, h, s.caller)
}

// derive stores a computed result owned by the scope's caller.
// Callers must hold e.mu.
func (e *SimEngine) derive(s *Scope, v decimal.Decimal) model.Handle {
	h := newHandle()
	e.values[h] = &entry{
		value:  v,
		access: map[model.Address]bool{s.caller: true},
	}
	return h
}

func newHandle() model.Handle {
	return model.Handle("ct:" + uuid.New().String())
}
