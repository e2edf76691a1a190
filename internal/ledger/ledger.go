// Package ledger implements the encrypted-balance stablecoin ledger.
//
// Debits never revert on insufficient balance: every debit computes an
// encrypted balance ≥ amount comparison and selects either the debited
// balance or the original one, so a failing transaction cannot leak
// plaintext magnitudes. Outcomes are selected, not branched.
//
// Supply conservation is tracked with plaintext mint/burn counters: at
// every committed state, the sum of decrypted balances equals
// TotalMinted − TotalBurned.
package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/veilmarkets/perp-engine/internal/fhe"
	"github.com/veilmarkets/perp-engine/internal/model"
)

var (
	// ErrNotInitialized is returned for debit/credit against an account
	// that was never initialized. Prevents uninitialized-ciphertext use.
	ErrNotInitialized = errors.New("ledger: balance not initialized")

	// ErrFaucetCapReached is returned when an account exhausts its
	// lifetime faucet allowance.
	ErrFaucetCapReached = errors.New("ledger: faucet cap reached")

	// FaucetAmount is minted per faucet call.
	FaucetAmount = decimal.NewFromInt(1000)

	// FaucetCap is the lifetime faucet allowance per account.
	FaucetCap = decimal.NewFromInt(10000)
)

// EscrowAccount holds collateral debited from traders until settlement.
const EscrowAccount = model.Address("ledger:escrow")

// Ledger maps accounts to encrypted balances. A single registered vault is
// the only authorized mutator; that single-writer rule is the ledger's
// entire concurrency story.
type Ledger struct {
	engine fhe.Engine
	addr   model.Address // the ledger's own identity on the substrate
	owner  model.Address

	mu          sync.Mutex
	vault       model.Address // zero value means unconfigured
	balances    map[model.Address]model.Handle
	faucetTotal map[model.Address]decimal.Decimal
	totalMinted decimal.Decimal
	totalBurned decimal.Decimal
}

// New creates a ledger bound to the given substrate engine. addr is the
// ledger's own substrate identity (it owns all balance ciphertexts).
func New(engine fhe.Engine, addr, owner model.Address) *Ledger {
	return &Ledger{
		engine:      engine,
		addr:        addr,
		owner:       owner,
		balances:    make(map[model.Address]model.Handle),
		faucetTotal: make(map[model.Address]decimal.Decimal),
	}
}

// Addr returns the ledger's substrate identity.
func (l *Ledger) Addr() model.Address { return l.addr }

// SetVault registers the single authorized vault (owner-only). There is
// exactly one current vault at a time.
func (l *Ledger) SetVault(caller, vault model.Address) error {
	if caller != l.owner {
		return fmt.Errorf("%w: %s may not set vault", model.ErrUnauthorized, caller)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.vault = vault
	return nil
}

// Vault returns the registered vault address (empty when unconfigured).
func (l *Ledger) Vault() model.Address {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.vault
}

// IsInitialized reports whether account holds an initialized balance.
func (l *Ledger) IsInitialized(account model.Address) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.balances[account]
	return ok
}

// BalanceHandle returns the account's encrypted balance handle. The
// account itself holds durable read access; nobody else can decrypt it.
func (l *Ledger) BalanceHandle(account model.Address) (model.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.balances[account]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotInitialized, account)
	}
	return h, nil
}

// TotalMinted returns the cumulative plaintext mint counter.
func (l *Ledger) TotalMinted() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalMinted
}

// TotalBurned returns the cumulative plaintext burn counter.
func (l *Ledger) TotalBurned() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalBurned
}

// Faucet mints FaucetAmount to the caller, initializing the balance if
// needed. Capped at FaucetCap per account for its lifetime. This is the
// cost-bounded initialization path required before any debit or credit.
func (l *Ledger) Faucet(s *fhe.Scope, account model.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	minted := l.faucetTotal[account]
	if minted.Add(FaucetAmount).GreaterThan(FaucetCap) {
		return fmt.Errorf("%w: %s already minted %s", ErrFaucetCapReached, account, minted)
	}

	ls := s.As(l.addr)
	bal, err := l.balanceLocked(ls, account)
	if err != nil {
		return err
	}
	amt, err := l.engine.Encrypt(ls, FaucetAmount)
	if err != nil {
		return err
	}
	newBal, err := l.engine.Add(ls, bal, amt)
	if err != nil {
		return err
	}
	if err := l.setBalanceLocked(ls, account, newBal); err != nil {
		return err
	}

	l.faucetTotal[account] = minted.Add(FaucetAmount)
	l.totalMinted = l.totalMinted.Add(FaucetAmount)
	return nil
}

// CanCover returns an encrypted boolean balance ≥ amount, with a transient
// grant so the calling vault may reveal it. Vault-only.
func (l *Ledger) CanCover(s *fhe.Scope, caller, account model.Address, amount model.Handle) (model.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.requireVaultLocked(caller); err != nil {
		return "", err
	}
	bal, ok := l.balances[account]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotInitialized, account)
	}

	ls := s.As(l.addr)
	cond, err := l.engine.Ge(ls, bal, amount)
	if err != nil {
		return "", err
	}
	if err := l.engine.GrantTransient(ls, cond, caller); err != nil {
		return "", err
	}
	return cond, nil
}

// VaultDeposit debits the account's encrypted balance by amount, moving it
// into escrow. Vault-only. The update is branchless: when the balance
// cannot cover the amount, the selected outcome is a no-op and the call
// still succeeds.
func (l *Ledger) VaultDeposit(s *fhe.Scope, caller, account model.Address, amount model.Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.requireVaultLocked(caller); err != nil {
		return err
	}
	bal, ok := l.balances[account]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotInitialized, account)
	}

	ls := s.As(l.addr)
	escrow, err := l.balanceLocked(ls, EscrowAccount)
	if err != nil {
		return err
	}

	moved, err := l.movableLocked(ls, bal, amount)
	if err != nil {
		return err
	}
	newBal, err := l.engine.Sub(ls, bal, moved)
	if err != nil {
		return err
	}
	newEscrow, err := l.engine.Add(ls, escrow, moved)
	if err != nil {
		return err
	}

	if err := l.setBalanceLocked(ls, account, newBal); err != nil {
		return err
	}
	return l.setBalanceLocked(ls, EscrowAccount, newEscrow)
}

// VaultCredit credits the account's encrypted balance by amount out of
// escrow. Vault-only, branchless on escrow sufficiency.
func (l *Ledger) VaultCredit(s *fhe.Scope, caller, account model.Address, amount model.Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.requireVaultLocked(caller); err != nil {
		return err
	}
	bal, ok := l.balances[account]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotInitialized, account)
	}

	ls := s.As(l.addr)
	escrow, err := l.balanceLocked(ls, EscrowAccount)
	if err != nil {
		return err
	}

	moved, err := l.movableLocked(ls, escrow, amount)
	if err != nil {
		return err
	}
	newEscrow, err := l.engine.Sub(ls, escrow, moved)
	if err != nil {
		return err
	}
	newBal, err := l.engine.Add(ls, bal, moved)
	if err != nil {
		return err
	}

	if err := l.setBalanceLocked(ls, EscrowAccount, newEscrow); err != nil {
		return err
	}
	return l.setBalanceLocked(ls, account, newBal)
}

// VaultMintEscrow mints a revealed settlement gain into escrow so the
// subsequent payout credit is covered. Vault-only; amount is plaintext
// because settlement payouts are public by design.
func (l *Ledger) VaultMintEscrow(s *fhe.Scope, caller model.Address, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.requireVaultLocked(caller); err != nil {
		return err
	}
	if amount.IsNegative() {
		return fmt.Errorf("ledger: mint amount must be non-negative, got %s", amount)
	}

	ls := s.As(l.addr)
	escrow, err := l.balanceLocked(ls, EscrowAccount)
	if err != nil {
		return err
	}
	amt, err := l.engine.Encrypt(ls, amount)
	if err != nil {
		return err
	}
	newEscrow, err := l.engine.Add(ls, escrow, amt)
	if err != nil {
		return err
	}
	if err := l.setBalanceLocked(ls, EscrowAccount, newEscrow); err != nil {
		return err
	}

	l.totalMinted = l.totalMinted.Add(amount)
	return nil
}

// VaultBurnEscrow burns a revealed settlement loss out of escrow.
// Vault-only; the pool absorbs the matching plaintext amount.
func (l *Ledger) VaultBurnEscrow(s *fhe.Scope, caller model.Address, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.requireVaultLocked(caller); err != nil {
		return err
	}
	if amount.IsNegative() {
		return fmt.Errorf("ledger: burn amount must be non-negative, got %s", amount)
	}

	ls := s.As(l.addr)
	escrow, err := l.balanceLocked(ls, EscrowAccount)
	if err != nil {
		return err
	}
	amt, err := l.engine.Encrypt(ls, amount)
	if err != nil {
		return err
	}
	newEscrow, err := l.engine.Sub(ls, escrow, amt)
	if err != nil {
		return err
	}
	if err := l.setBalanceLocked(ls, EscrowAccount, newEscrow); err != nil {
		return err
	}

	l.totalBurned = l.totalBurned.Add(amount)
	return nil
}

// --- internals ---

// requireVaultLocked enforces the single-writer rule. An unconfigured
// vault (zero address) is a distinct, checked condition: every call fails
// until SetVault wires it.
func (l *Ledger) requireVaultLocked(caller model.Address) error {
	if l.vault == "" {
		return fmt.Errorf("%w: no vault configured", model.ErrUnauthorized)
	}
	if caller != l.vault {
		return fmt.Errorf("%w: %s is not the vault", model.ErrUnauthorized, caller)
	}
	return nil
}

// movableLocked computes Select(balance ≥ amount, amount, 0): the amount
// actually moved by a branchless transfer.
func (l *Ledger) movableLocked(ls *fhe.Scope, balance, amount model.Handle) (model.Handle, error) {
	cond, err := l.engine.Ge(ls, balance, amount)
	if err != nil {
		return "", err
	}
	zero, err := l.engine.Encrypt(ls, decimal.Zero)
	if err != nil {
		return "", err
	}
	return l.engine.Select(ls, cond, amount, zero)
}

// balanceLocked returns the balance handle, lazily initializing to an
// encrypted zero. Used for accounts the ledger itself manages (escrow,
// faucet targets); external debits/credits require prior initialization.
func (l *Ledger) balanceLocked(ls *fhe.Scope, account model.Address) (model.Handle, error) {
	if h, ok := l.balances[account]; ok {
		return h, nil
	}
	h, err := l.engine.Encrypt(ls, decimal.Zero)
	if err != nil {
		return "", err
	}
	l.balances[account] = h
	return h, nil
}

// setBalanceLocked commits a new balance handle and keeps the account's
// durable read access to its own balance.
func (l *Ledger) setBalanceLocked(ls *fhe.Scope, account model.Address, h model.Handle) error {
	if account != EscrowAccount {
		if err := l.engine.Allow(ls, h, account); err != nil {
			return err
		}
	}
	l.balances[account] = h
	return nil
}
