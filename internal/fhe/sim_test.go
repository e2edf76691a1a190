package fhe_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/veilmarkets/perp-engine/internal/fhe"
	"github.com/veilmarkets/perp-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

const (
	alice model.Address = "0xalice"
	bob   model.Address = "0xbob"
	vault model.Address = "0xvault"
)

func TestCreateInputAndVerify(t *testing.T) {
	e := fhe.NewSimEngine()

	handles, proof, err := e.CreateInput(alice, vault, []decimal.Decimal{d(1000), d(5), d(1)})
	if err != nil {
		t.Fatalf("create input: %v", err)
	}
	if len(handles) != 3 {
		t.Fatalf("expected 3 handles, got %d", len(handles))
	}

	if err := e.VerifyInputProof(handles, proof, alice, vault); err != nil {
		t.Fatalf("verify should succeed: %v", err)
	}

	// The contract gains access after verification.
	s := e.BeginScope(vault)
	defer s.Close()
	v, err := e.Reveal(s, handles[0])
	if err != nil {
		t.Fatalf("vault should read verified input: %v", err)
	}
	if !v.Equal(d(1000)) {
		t.Errorf("expected 1000, got %s", v)
	}
}

func TestVerifyInputProof_Mismatches(t *testing.T) {
	e := fhe.NewSimEngine()
	handles, proof, _ := e.CreateInput(alice, vault, []decimal.Decimal{d(1)})
	otherHandles, _, _ := e.CreateInput(bob, vault, []decimal.Decimal{d(2)})

	// Wrong submitter.
	if err := e.VerifyInputProof(handles, proof, bob, vault); !errors.Is(err, fhe.ErrProofMismatch) {
		t.Errorf("wrong submitter should fail, got %v", err)
	}
	// Wrong contract.
	if err := e.VerifyInputProof(handles, proof, alice, bob); !errors.Is(err, fhe.ErrProofMismatch) {
		t.Errorf("wrong contract should fail, got %v", err)
	}
	// Handles from another proof.
	if err := e.VerifyInputProof(otherHandles, proof, alice, vault); !errors.Is(err, fhe.ErrProofMismatch) {
		t.Errorf("mismatched handles should fail, got %v", err)
	}
	// Correct verification consumes the proof.
	if err := e.VerifyInputProof(handles, proof, alice, vault); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	if err := e.VerifyInputProof(handles, proof, alice, vault); !errors.Is(err, fhe.ErrProofMismatch) {
		t.Errorf("replayed proof should fail, got %v", err)
	}
}

func TestUnsignedPlaintexts(t *testing.T) {
	e := fhe.NewSimEngine()

	// A negative value anywhere in the batch fails input creation: the
	// substrate encodes unsigned integers, so the simulator must too.
	if _, _, err := e.CreateInput(alice, vault, []decimal.Decimal{d(-1000), d(5)}); !errors.Is(err, fhe.ErrNegativePlaintext) {
		t.Errorf("negative input should be rejected, got %v", err)
	}

	s := e.BeginScope(vault)
	defer s.Close()

	if _, err := e.Encrypt(s, d(-1)); !errors.Is(err, fhe.ErrNegativePlaintext) {
		t.Errorf("negative encrypt should be rejected, got %v", err)
	}

	a, _ := e.Encrypt(s, d(100))
	if _, err := e.MulPlain(s, a, d(-0.5)); !errors.Is(err, fhe.ErrNegativePlaintext) {
		t.Errorf("negative scalar should be rejected, got %v", err)
	}
}

func TestArithmetic(t *testing.T) {
	e := fhe.NewSimEngine()
	s := e.BeginScope(vault)
	defer s.Close()

	a, _ := e.Encrypt(s, d(100))
	b, _ := e.Encrypt(s, d(30))

	sum, _ := e.Add(s, a, b)
	if v, _ := e.Reveal(s, sum); !v.Equal(d(130)) {
		t.Errorf("add: expected 130, got %s", v)
	}

	diff, _ := e.Sub(s, a, b)
	if v, _ := e.Reveal(s, diff); !v.Equal(d(70)) {
		t.Errorf("sub: expected 70, got %s", v)
	}

	// Sub saturates at zero.
	under, _ := e.Sub(s, b, a)
	if v, _ := e.Reveal(s, under); !v.IsZero() {
		t.Errorf("sub should saturate at zero, got %s", v)
	}

	prod, _ := e.Mul(s, a, b)
	if v, _ := e.Reveal(s, prod); !v.Equal(d(3000)) {
		t.Errorf("mul: expected 3000, got %s", v)
	}

	scaled, _ := e.MulPlain(s, a, d(0.5))
	if v, _ := e.Reveal(s, scaled); !v.Equal(d(50)) {
		t.Errorf("mulplain: expected 50, got %s", v)
	}

	lo, _ := e.Min(s, a, b)
	if v, _ := e.Reveal(s, lo); !v.Equal(d(30)) {
		t.Errorf("min: expected 30, got %s", v)
	}
}

func TestGeSelect(t *testing.T) {
	e := fhe.NewSimEngine()
	s := e.BeginScope(vault)
	defer s.Close()

	a, _ := e.Encrypt(s, d(100))
	b, _ := e.Encrypt(s, d(30))

	cond, _ := e.Ge(s, a, b) // 1
	picked, _ := e.Select(s, cond, a, b)
	if v, _ := e.Reveal(s, picked); !v.Equal(d(100)) {
		t.Errorf("select true branch: expected 100, got %s", v)
	}

	cond2, _ := e.Ge(s, b, a) // 0
	picked2, _ := e.Select(s, cond2, a, b)
	if v, _ := e.Reveal(s, picked2); !v.Equal(d(30)) {
		t.Errorf("select false branch: expected 30, got %s", v)
	}
}

func TestAccessControl(t *testing.T) {
	e := fhe.NewSimEngine()
	sa := e.BeginScope(alice)
	defer sa.Close()

	h, _ := e.Encrypt(sa, d(42))

	// Bob has no access.
	sb := sa.As(bob)
	if _, err := e.Reveal(sb, h); !errors.Is(err, fhe.ErrAccessDenied) {
		t.Errorf("expected access denied for bob, got %v", err)
	}

	// Durable allow.
	if err := e.Allow(sa, h, bob); err != nil {
		t.Fatalf("allow: %v", err)
	}
	if _, err := e.Reveal(sb, h); err != nil {
		t.Errorf("bob should read after allow: %v", err)
	}
}

func TestTransientGrantDiesWithScope(t *testing.T) {
	e := fhe.NewSimEngine()
	sa := e.BeginScope(alice)

	h, _ := e.Encrypt(sa, d(42))
	if err := e.GrantTransient(sa, h, vault); err != nil {
		t.Fatalf("grant: %v", err)
	}

	sv := sa.As(vault)
	if _, err := e.Reveal(sv, h); err != nil {
		t.Fatalf("vault should read inside scope: %v", err)
	}

	sa.Close()

	// A fresh scope carries no transient grants.
	s2 := e.BeginScope(vault)
	defer s2.Close()
	if _, err := e.Reveal(s2, h); !errors.Is(err, fhe.ErrAccessDenied) {
		t.Errorf("grant should not survive the scope, got %v", err)
	}

	// The closed scope rejects further operations.
	if _, err := e.Reveal(sv, h); !errors.Is(err, fhe.ErrScopeClosed) {
		t.Errorf("closed scope should reject ops, got %v", err)
	}
}

func TestDerivedResultOwnership(t *testing.T) {
	e := fhe.NewSimEngine()
	sa := e.BeginScope(alice)
	defer sa.Close()

	a, _ := e.Encrypt(sa, d(1))
	b, _ := e.Encrypt(sa, d(2))
	sum, _ := e.Add(sa, a, b)

	// The computing caller owns the result; nobody else does.
	sb := sa.As(bob)
	if _, err := e.Reveal(sb, sum); !errors.Is(err, fhe.ErrAccessDenied) {
		t.Errorf("bob should not read alice's derived value, got %v", err)
	}
}
