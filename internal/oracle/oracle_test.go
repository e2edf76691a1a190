package oracle_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/veilmarkets/perp-engine/internal/model"
	"github.com/veilmarkets/perp-engine/internal/oracle"
)

const (
	owner model.Address = "0xowner"
	vault model.Address = "0xvault"
	rando model.Address = "0xrando"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestOracle returns an oracle with one active BTC asset at price 100
// and the vault authorized for updates.
func newTestOracle(t *testing.T) (*oracle.Oracle, string) {
	t.Helper()
	o := oracle.New(owner)
	a, err := o.AddAsset(owner, "Bitcoin", "BTC", "crypto", d(100))
	if err != nil {
		t.Fatalf("add asset: %v", err)
	}
	if err := o.SetTradeable(owner, a.ID, true); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := o.SetAuthorizedCaller(owner, vault, true); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	return o, a.ID
}

func TestAssetID_Deterministic(t *testing.T) {
	a := oracle.AssetID("BTC")
	b := oracle.AssetID("btc") // case-insensitive
	if a != b {
		t.Errorf("asset id should be case-insensitive: %s vs %s", a, b)
	}
	if a == oracle.AssetID("ETH") {
		t.Error("different symbols must not collide")
	}
	if len(a) != 16 {
		t.Errorf("expected 16-char id, got %d", len(a))
	}
}

func TestAddAsset_Validation(t *testing.T) {
	o := oracle.New(owner)

	if _, err := o.AddAsset(rando, "Bitcoin", "BTC", "crypto", d(100)); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("non-owner add should fail Unauthorized, got %v", err)
	}
	if _, err := o.AddAsset(owner, "Bad", "b!c", "crypto", d(100)); err == nil {
		t.Error("invalid symbol should fail")
	}
	if _, err := o.AddAsset(owner, "Bad", "BTC", "crypto", d(0)); err == nil {
		t.Error("zero base price should fail")
	}

	if _, err := o.AddAsset(owner, "Bitcoin", "BTC", "crypto", d(100)); err != nil {
		t.Fatalf("valid add: %v", err)
	}
	if _, err := o.AddAsset(owner, "Bitcoin2", "btc", "crypto", d(200)); err == nil {
		t.Error("duplicate symbol (case-insensitive) should fail")
	}
}

func TestTradeable_Gating(t *testing.T) {
	o := oracle.New(owner)
	a, _ := o.AddAsset(owner, "Bitcoin", "BTC", "crypto", d(100))

	// New assets start inactive.
	if o.IsTradeable(a.ID) {
		t.Error("new asset should not be tradeable")
	}
	if _, err := o.CurrentPrice(a.ID); !errors.Is(err, model.ErrAssetNotTradeable) {
		t.Errorf("price of inactive asset should fail AssetNotTradeable, got %v", err)
	}

	if err := o.SetTradeable(rando, a.ID, true); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("non-owner activate should fail, got %v", err)
	}
	if err := o.SetTradeable(owner, "deadbeef00000000", true); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("unknown asset should fail NotFound, got %v", err)
	}

	if err := o.SetTradeable(owner, a.ID, true); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !o.IsTradeable(a.ID) {
		t.Error("asset should be tradeable after activation")
	}
}

func TestCurrentPrice_DemandModifier(t *testing.T) {
	o, id := newTestOracle(t)

	// No open interest: price equals base.
	p, err := o.CurrentPrice(id)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if !p.Equal(d(100)) {
		t.Errorf("expected base price 100, got %s", p)
	}

	// All-long skew pushes price up by exactly the cap (+5%).
	if err := o.UpdateOpenInterest(vault, id, d(5000), true); err != nil {
		t.Fatalf("update oi: %v", err)
	}
	p, _ = o.CurrentPrice(id)
	if !p.Equal(d(105)) {
		t.Errorf("all-long skew should cap at +5%%: expected 105, got %s", p)
	}

	// Balanced interest removes the modifier.
	if err := o.UpdateOpenInterest(vault, id, d(5000), false); err != nil {
		t.Fatalf("update oi: %v", err)
	}
	p, _ = o.CurrentPrice(id)
	if !p.Equal(d(100)) {
		t.Errorf("balanced interest should price at base: got %s", p)
	}

	// All-short skew caps at −5%.
	if err := o.UpdateOpenInterest(vault, id, d(-5000), true); err != nil {
		t.Fatalf("update oi: %v", err)
	}
	p, _ = o.CurrentPrice(id)
	if !p.Equal(d(95)) {
		t.Errorf("all-short skew should cap at -5%%: expected 95, got %s", p)
	}
}

func TestUpdateOpenInterest_Authorization(t *testing.T) {
	o, id := newTestOracle(t)

	if err := o.UpdateOpenInterest(rando, id, d(100), true); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("unauthorized update should fail, got %v", err)
	}
	if err := o.UpdateOpenInterest(vault, "deadbeef00000000", d(100), true); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("unknown asset should fail NotFound, got %v", err)
	}

	// Revocation takes effect immediately.
	if err := o.SetAuthorizedCaller(owner, vault, false); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := o.UpdateOpenInterest(vault, id, d(100), true); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("revoked caller should fail, got %v", err)
	}
}

func TestOpenInterest_FloorsAtZero(t *testing.T) {
	o, id := newTestOracle(t)

	if err := o.UpdateOpenInterest(vault, id, d(-500), true); err != nil {
		t.Fatalf("negative delta: %v", err)
	}
	a, _ := o.Asset(id)
	if !a.LongInterest.IsZero() {
		t.Errorf("open interest should floor at zero, got %s", a.LongInterest)
	}
}

func TestUpdateMarketData(t *testing.T) {
	o, id := newTestOracle(t)

	if err := o.UpdateMarketData(rando, id, d(10)); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("unauthorized market data should fail, got %v", err)
	}
	if err := o.UpdateMarketData(vault, id, d(10)); err != nil {
		t.Fatalf("market data: %v", err)
	}
	if err := o.UpdateMarketData(vault, id, d(-5)); err != nil {
		t.Fatalf("market data: %v", err)
	}

	a, _ := o.Asset(id)
	if !a.Volume24h.Equal(d(15)) {
		t.Errorf("volume should accumulate absolute deltas: expected 15, got %s", a.Volume24h)
	}
	if a.LastTradeAt.IsZero() {
		t.Error("last trade timestamp should be set")
	}
}
