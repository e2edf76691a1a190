// Package pool implements the liquidity pool underwriting counter-party
// risk. Capital is plaintext: pool accounting (utilization, share price,
// yield) is public by design, only trader positions are confidential.
//
// The epoch model is a simple state machine: epoch N is active until
// epochDuration has elapsed, then AdvanceEpoch moves to N+1. Yield accrual
// and share-price recomputation happen only at epoch boundaries, so LP
// token value is piecewise-constant within an epoch.
package pool

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veilmarkets/perp-engine/internal/model"
)

var (
	// ErrEpochNotElapsed is returned when AdvanceEpoch is called before the
	// current epoch's duration has passed.
	ErrEpochNotElapsed = errors.New("pool: epoch duration not elapsed")

	// ErrInsufficientShares is returned when a provider redeems more LP
	// tokens than they hold.
	ErrInsufficientShares = errors.New("pool: insufficient lp tokens")

	// BaseRate is the APY floor paid on idle capital.
	BaseRate = decimal.NewFromFloat(0.02)

	// UtilizationSpread scales APY linearly with utilization: at 100%
	// utilization the APY is BaseRate + UtilizationSpread.
	UtilizationSpread = decimal.NewFromFloat(0.18)
)

const secondsPerYear = 365 * 24 * 60 * 60

// Pool holds pooled capital and tracks utilization against open positions.
// Reserve/Release are vault-only; the admission check at Reserve is the
// pool's boundary against over-leveraged aggregate exposure.
type Pool struct {
	owner         model.Address
	epochDuration time.Duration
	now           func() time.Time

	mu             sync.Mutex
	vault          model.Address
	totalLiquidity decimal.Decimal
	totalLPTokens  decimal.Decimal
	utilization    decimal.Decimal
	epoch          int64
	epochStart     time.Time
	lpBalances     map[model.Address]decimal.Decimal
}

// New creates a pool administered by owner with the given epoch duration.
func New(owner model.Address, epochDuration time.Duration) *Pool {
	p := &Pool{
		owner:         owner,
		epochDuration: epochDuration,
		now:           time.Now,
		lpBalances:    make(map[model.Address]decimal.Decimal),
	}
	p.epochStart = p.now().UTC()
	return p
}

// SetVault registers the single authorized vault (owner-only).
func (p *Pool) SetVault(caller, vault model.Address) error {
	if caller != p.owner {
		return fmt.Errorf("%w: %s may not set vault", model.ErrUnauthorized, caller)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vault = vault
	return nil
}

// AddLiquidity deposits capital and mints LP tokens at the current share
// price. Returns the tokens minted.
func (p *Pool) AddLiquidity(provider model.Address, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("pool: deposit must be positive, got %s", amount)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	minted := amount.Div(p.sharePriceLocked())
	p.totalLiquidity = p.totalLiquidity.Add(amount)
	p.totalLPTokens = p.totalLPTokens.Add(minted)
	p.lpBalances[provider] = p.lpBalances[provider].Add(minted)
	return minted, nil
}

// RemoveLiquidity redeems LP tokens at the current share price. A removal
// that would leave utilization above the reduced liquidity is rejected
// outright: open positions keep their backing.
func (p *Pool) RemoveLiquidity(provider model.Address, lpTokens decimal.Decimal) (decimal.Decimal, error) {
	if lpTokens.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("pool: redemption must be positive, got %s", lpTokens)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	held := p.lpBalances[provider]
	if lpTokens.GreaterThan(held) {
		return decimal.Zero, fmt.Errorf("%w: %s holds %s, redeeming %s", ErrInsufficientShares, provider, held, lpTokens)
	}

	amount := lpTokens.Mul(p.sharePriceLocked())
	if p.utilization.GreaterThan(p.totalLiquidity.Sub(amount)) {
		return decimal.Zero, fmt.Errorf("%w: removal of %s would strand %s utilized", model.ErrCapacityExceeded, amount, p.utilization)
	}

	p.totalLiquidity = p.totalLiquidity.Sub(amount)
	p.totalLPTokens = p.totalLPTokens.Sub(lpTokens)
	p.lpBalances[provider] = held.Sub(lpTokens)
	return amount, nil
}

// Reserve holds capacity for a position (vault-only). All-or-nothing: a
// reservation that would push utilization past total liquidity is rejected
// with no state change.
func (p *Pool) Reserve(caller model.Address, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("pool: reservation must be non-negative, got %s", amount)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.requireVaultLocked(caller); err != nil {
		return err
	}
	next := p.utilization.Add(amount)
	if next.GreaterThan(p.totalLiquidity) {
		return fmt.Errorf("%w: %s + %s exceeds %s", model.ErrCapacityExceeded, p.utilization, amount, p.totalLiquidity)
	}
	p.utilization = next
	return nil
}

// Release returns reserved capacity (vault-only). Floors at zero.
func (p *Pool) Release(caller model.Address, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("pool: release must be non-negative, got %s", amount)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.requireVaultLocked(caller); err != nil {
		return err
	}
	p.utilization = p.utilization.Sub(amount)
	if p.utilization.IsNegative() {
		p.utilization = decimal.Zero
	}
	return nil
}

// PayOut draws a settled trader gain from pool capital (vault-only).
func (p *Pool) PayOut(caller model.Address, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("pool: payout must be non-negative, got %s", amount)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.requireVaultLocked(caller); err != nil {
		return err
	}
	if amount.GreaterThan(p.totalLiquidity) {
		return fmt.Errorf("%w: payout %s exceeds liquidity %s", model.ErrCapacityExceeded, amount, p.totalLiquidity)
	}
	p.totalLiquidity = p.totalLiquidity.Sub(amount)
	return nil
}

// Absorb adds a settled trader loss to pool capital (vault-only).
func (p *Pool) Absorb(caller model.Address, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("pool: absorbed loss must be non-negative, got %s", amount)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.requireVaultLocked(caller); err != nil {
		return err
	}
	p.totalLiquidity = p.totalLiquidity.Add(amount)
	return nil
}

// AdvanceEpoch closes the current epoch once its duration has elapsed,
// accruing utilization-weighted yield into total liquidity. Time-gated;
// callable by anyone.
func (p *Pool) AdvanceEpoch() (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now().UTC()
	if now.Sub(p.epochStart) < p.epochDuration {
		return p.epoch, fmt.Errorf("%w: epoch %d started %s", ErrEpochNotElapsed, p.epoch, p.epochStart)
	}

	yield := p.epochYieldLocked()
	p.totalLiquidity = p.totalLiquidity.Add(yield)
	p.epoch++
	p.epochStart = now
	return p.epoch, nil
}

// CurrentAPY returns the annualized yield rate at current utilization:
// BaseRate + utilization/liquidity × UtilizationSpread.
func (p *Pool) CurrentAPY() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.apyLocked()
}

// Stats returns a snapshot of pool state.
func (p *Pool) Stats() model.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return model.PoolStats{
		TotalLiquidity: p.totalLiquidity,
		TotalLPTokens:  p.totalLPTokens,
		Utilization:    p.utilization,
		SharePrice:     p.sharePriceLocked(),
		Epoch:          p.epoch,
		EpochStartedAt: p.epochStart,
	}
}

// LPBalance returns a provider's LP token balance.
func (p *Pool) LPBalance(provider model.Address) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lpBalances[provider]
}

// --- internals ---

func (p *Pool) requireVaultLocked(caller model.Address) error {
	if p.vault == "" {
		return fmt.Errorf("%w: no vault configured", model.ErrUnauthorized)
	}
	if caller != p.vault {
		return fmt.Errorf("%w: %s is not the vault", model.ErrUnauthorized, caller)
	}
	return nil
}

// sharePriceLocked is totalLiquidity / totalLPTokens, or 1 for an empty
// pool. Monotonic non-decreasing absent losses: deposits mint at price,
// yield raises it, only PayOut lowers it.
func (p *Pool) sharePriceLocked() decimal.Decimal {
	if p.totalLPTokens.IsZero() {
		return decimal.NewFromInt(1)
	}
	return p.totalLiquidity.Div(p.totalLPTokens)
}

func (p *Pool) apyLocked() decimal.Decimal {
	if p.totalLiquidity.IsZero() {
		return BaseRate
	}
	utilRatio := p.utilization.Div(p.totalLiquidity)
	return BaseRate.Add(utilRatio.Mul(UtilizationSpread))
}

// epochYieldLocked computes the yield accrued over one nominal epoch:
// liquidity × APY × epochDuration/year.
func (p *Pool) epochYieldLocked() decimal.Decimal {
	epochSeconds := decimal.NewFromFloat(p.epochDuration.Seconds())
	yearFraction := epochSeconds.Div(decimal.NewFromInt(secondsPerYear))
	return p.totalLiquidity.Mul(p.apyLocked()).Mul(yearFraction)
}
