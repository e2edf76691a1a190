package vault_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/veilmarkets/perp-engine/internal/model"
	"github.com/veilmarkets/perp-engine/internal/vault"
)

// newHTTPEnv wraps a wired protocol instance with the chi router.
func newHTTPEnv(t *testing.T) (*env, chi.Router) {
	t.Helper()
	e := newTestEnv(t)
	srv := vault.NewServer(e.svc, e.engine, e.oracle, e.ledger, e.pool, e.sessions, e.store, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		srv.Mount(r)
	})
	return e, r
}

func doJSON(t *testing.T, router chi.Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHTTP_OpenCloseFlow(t *testing.T) {
	e, router := newHTTPEnv(t)

	// Encrypt the position inputs through the gateway.
	w := doJSON(t, router, "POST", "/api/v1/inputs", vault.CreateInputsRequest{
		Submitter: alice,
		Values:    []decimal.Decimal{d(200), d(2), d(1)},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("inputs: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var inputs vault.CreateInputsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &inputs); err != nil || len(inputs.Handles) != 3 {
		t.Fatalf("inputs: bad response %s (%v)", w.Body.String(), err)
	}

	// Open: 200 collateral at 2×, long.
	w = doJSON(t, router, "POST", "/api/v1/positions", vault.OpenPositionRequest{
		Caller:     alice,
		AssetID:    e.assetID,
		Collateral: inputs.Handles[0],
		Leverage:   inputs.Handles[1],
		IsLong:     inputs.Handles[2],
		Proof:      inputs.Proof,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("open: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var p model.Position
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("open: bad response: %v", err)
	}
	if !p.Notional.Equal(d(400)) || p.Status != model.StatusOpen {
		t.Errorf("unexpected position: notional %s status %s", p.Notional, p.Status)
	}

	// Read it back.
	w = doJSON(t, router, "GET", "/api/v1/positions/"+p.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", w.Code)
	}

	// The fully long book skews the price to 105; closing pays
	// 200 + 400 × 5% = 220.
	w = doJSON(t, router, "POST", "/api/v1/positions/"+p.ID+"/close", vault.CallerRequest{Caller: alice})
	if w.Code != http.StatusOK {
		t.Fatalf("close: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res vault.SettlementResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("close: bad response: %v", err)
	}
	if !res.Payout.Equal(d(220)) {
		t.Errorf("expected payout 220, got %s", res.Payout)
	}

	// Terminal positions refuse a second close.
	w = doJSON(t, router, "POST", "/api/v1/positions/"+p.ID+"/close", vault.CallerRequest{Caller: alice})
	if w.Code != http.StatusConflict {
		t.Errorf("second close: expected 409, got %d", w.Code)
	}
}

func TestHTTP_ErrorMapping(t *testing.T) {
	e, router := newHTTPEnv(t)

	// Non-owner asset creation is forbidden.
	w := doJSON(t, router, "POST", "/api/v1/assets", vault.CreateAssetRequest{
		Caller: bob, Name: "Ether", Symbol: "ETH", Category: "crypto", BasePrice: d(2000),
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("asset create: expected 403, got %d", w.Code)
	}

	// Unknown ids map to 404.
	if w := doJSON(t, router, "GET", "/api/v1/positions/unknown", nil); w.Code != http.StatusNotFound {
		t.Errorf("position: expected 404, got %d", w.Code)
	}
	if w := doJSON(t, router, "GET", "/api/v1/assets/deadbeef00000000/price", nil); w.Code != http.StatusNotFound {
		t.Errorf("price: expected 404, got %d", w.Code)
	}

	// Negative values never get past the input gateway: a forged negative
	// collateral would otherwise turn the branchless debit into a credit.
	w = doJSON(t, router, "POST", "/api/v1/inputs", vault.CreateInputsRequest{
		Submitter: alice,
		Values:    []decimal.Decimal{d(-1000), d(5), d(1)},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("negative input: expected 400, got %d: %s", w.Code, w.Body.String())
	}

	// A stale proof maps to 422.
	h, _ := e.input(t, alice, 100, 2, true)
	w = doJSON(t, router, "POST", "/api/v1/positions", vault.OpenPositionRequest{
		Caller:     alice,
		AssetID:    e.assetID,
		Collateral: h[0],
		Leverage:   h[1],
		IsLong:     h[2],
		Proof:      "not-a-proof",
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("open: expected 422, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHTTP_FaucetAndPool(t *testing.T) {
	_, router := newHTTPEnv(t)

	const carol = model.Address("0xcarol")
	if w := doJSON(t, router, "POST", "/api/v1/faucet", vault.CallerRequest{Caller: carol}); w.Code != http.StatusOK {
		t.Fatalf("faucet: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w := doJSON(t, router, "GET", "/api/v1/balances/"+string(carol)+"/initialized", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("initialized: expected 200, got %d", w.Code)
	}
	var init map[string]bool
	if err := json.Unmarshal(w.Body.Bytes(), &init); err != nil || !init["initialized"] {
		t.Errorf("expected initialized=true, got %s (%v)", w.Body.String(), err)
	}

	w = doJSON(t, router, "GET", "/api/v1/pool", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pool: expected 200, got %d", w.Code)
	}
	var stats model.PoolStats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("pool: bad response: %v", err)
	}
	if !stats.TotalLiquidity.Equal(d(100000)) {
		t.Errorf("expected liquidity 100000, got %s", stats.TotalLiquidity)
	}
}
