// Package oracle maintains plaintext price and market state for tradeable
// assets. Prices are derived internally: the base price is adjusted by a
// bounded demand modifier computed from open-interest skew, so one-sided
// exposure is disincentivized without an external feed. Collateral
// accounting, not absolute price accuracy, is the safety-critical property.
package oracle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veilmarkets/perp-engine/internal/model"
)

// PriceScale is the number of decimal places for price rounding.
const PriceScale int32 = 8

// MaxSkewAdjust bounds the demand modifier: price moves at most ±5% of the
// base price regardless of how lopsided open interest becomes.
var MaxSkewAdjust = decimal.NewFromFloat(0.05)

// symbolRegex matches asset symbols: 2-12 uppercase alphanumerics starting
// with a letter. Example: BTC, ETH, SOL2.
var symbolRegex = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,11}$`)

// AssetID derives the content-addressed asset id from a symbol. Identity is
// a pure function of the symbol, so it is reproducible without a lookup
// table.
func AssetID(symbol string) string {
	sum := sha256.Sum256([]byte("asset:" + strings.ToUpper(symbol)))
	return hex.EncodeToString(sum[:])[:16]
}

// Oracle tracks assets and authorizes which components may push
// market-impact updates. The owner manages the authorized-caller set.
type Oracle struct {
	owner model.Address

	mu         sync.RWMutex
	assets     map[string]*model.Asset
	authorized map[model.Address]bool
}

// New creates an oracle administered by owner.
func New(owner model.Address) *Oracle {
	return &Oracle{
		owner:      owner,
		assets:     make(map[string]*model.Asset),
		authorized: make(map[model.Address]bool),
	}
}

// AddAsset registers a new asset (owner-only). The asset starts
// non-tradeable; it must be explicitly activated.
func (o *Oracle) AddAsset(caller model.Address, name, symbol, category string, basePrice decimal.Decimal) (*model.Asset, error) {
	if caller != o.owner {
		return nil, fmt.Errorf("%w: %s may not add assets", model.ErrUnauthorized, caller)
	}
	symbol = strings.ToUpper(symbol)
	if !symbolRegex.MatchString(symbol) {
		return nil, fmt.Errorf("oracle: invalid symbol %q", symbol)
	}
	if basePrice.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("oracle: base price must be positive, got %s", basePrice)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	id := AssetID(symbol)
	if _, exists := o.assets[id]; exists {
		return nil, fmt.Errorf("oracle: asset %s already registered", symbol)
	}

	a := &model.Asset{
		ID:        id,
		Name:      name,
		Symbol:    symbol,
		Category:  category,
		BasePrice: basePrice.Round(PriceScale),
		CreatedAt: time.Now().UTC(),
	}
	o.assets[id] = a

	copy := *a
	return &copy, nil
}

// SetTradeable activates or deactivates an asset (owner-only). Activation
// requires a valid base price; tradeability is never settable independent
// of that.
func (o *Oracle) SetTradeable(caller model.Address, assetID string, tradeable bool) error {
	if caller != o.owner {
		return fmt.Errorf("%w: %s may not change tradeability", model.ErrUnauthorized, caller)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	a, ok := o.assets[assetID]
	if !ok {
		return fmt.Errorf("%w: asset %s", model.ErrNotFound, assetID)
	}
	if tradeable && a.BasePrice.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("oracle: asset %s has no valid price", assetID)
	}
	a.Tradeable = tradeable
	return nil
}

// IsTradeable reports whether the asset exists and is active.
func (o *Oracle) IsTradeable(assetID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	a, ok := o.assets[assetID]
	return ok && a.Tradeable
}

// CurrentPrice returns the base price adjusted by the bounded demand
// modifier derived from open-interest skew:
//
//	skew  = (longOI − shortOI) / (longOI + shortOI)   ∈ [−1, 1]
//	price = basePrice × (1 + skew × MaxSkewAdjust)
//
// Queries for an inactive asset fail with AssetNotTradeable.
func (o *Oracle) CurrentPrice(assetID string) (decimal.Decimal, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	a, ok := o.assets[assetID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: asset %s", model.ErrNotFound, assetID)
	}
	if !a.Tradeable {
		return decimal.Zero, fmt.Errorf("%w: %s", model.ErrAssetNotTradeable, a.Symbol)
	}
	return demandPrice(a.BasePrice, a.LongInterest, a.ShortInterest), nil
}

// demandPrice applies the skew modifier. Pure; exercised directly by tests.
func demandPrice(base, longOI, shortOI decimal.Decimal) decimal.Decimal {
	total := longOI.Add(shortOI)
	if total.IsZero() {
		return base
	}
	skew := longOI.Sub(shortOI).Div(total) // [−1, 1] by construction
	modifier := skew.Mul(MaxSkewAdjust)
	one := decimal.NewFromInt(1)
	return base.Mul(one.Add(modifier)).Round(PriceScale)
}

// UpdateOpenInterest adjusts directional open interest (authorized callers
// only). Negative deltas floor at zero rather than going negative.
func (o *Oracle) UpdateOpenInterest(caller model.Address, assetID string, delta decimal.Decimal, isLong bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.authorized[caller] {
		return fmt.Errorf("%w: %s may not update open interest", model.ErrUnauthorized, caller)
	}
	a, ok := o.assets[assetID]
	if !ok {
		return fmt.Errorf("%w: asset %s", model.ErrNotFound, assetID)
	}

	if isLong {
		a.LongInterest = floorZero(a.LongInterest.Add(delta))
	} else {
		a.ShortInterest = floorZero(a.ShortInterest.Add(delta))
	}
	return nil
}

// UpdateMarketData records traded volume (authorized callers only).
func (o *Oracle) UpdateMarketData(caller model.Address, assetID string, volumeDelta decimal.Decimal) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.authorized[caller] {
		return fmt.Errorf("%w: %s may not update market data", model.ErrUnauthorized, caller)
	}
	a, ok := o.assets[assetID]
	if !ok {
		return fmt.Errorf("%w: asset %s", model.ErrNotFound, assetID)
	}

	a.Volume24h = a.Volume24h.Add(volumeDelta.Abs())
	a.LastTradeAt = time.Now().UTC()
	return nil
}

// SetAuthorizedCaller grants or revokes update rights (owner-only).
func (o *Oracle) SetAuthorizedCaller(caller, addr model.Address, allowed bool) error {
	if caller != o.owner {
		return fmt.Errorf("%w: %s may not manage authorization", model.ErrUnauthorized, caller)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if allowed {
		o.authorized[addr] = true
	} else {
		delete(o.authorized, addr)
	}
	return nil
}

// AuthorizedCaller reports whether addr is in the authorized set.
func (o *Oracle) AuthorizedCaller(addr model.Address) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.authorized[addr]
}

// Asset returns a copy of one asset.
func (o *Oracle) Asset(assetID string) (*model.Asset, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	a, ok := o.assets[assetID]
	if !ok {
		return nil, fmt.Errorf("%w: asset %s", model.ErrNotFound, assetID)
	}
	copy := *a
	return &copy, nil
}

// Assets returns copies of all registered assets.
func (o *Oracle) Assets() []model.Asset {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]model.Asset, 0, len(o.assets))
	for _, a := range o.assets {
		out = append(out, *a)
	}
	return out
}

func floorZero(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
