package vault

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/veilmarkets/perp-engine/internal/fhe"
	"github.com/veilmarkets/perp-engine/internal/ledger"
	"github.com/veilmarkets/perp-engine/internal/model"
	"github.com/veilmarkets/perp-engine/internal/oracle"
	"github.com/veilmarkets/perp-engine/internal/pool"
	"github.com/veilmarkets/perp-engine/internal/session"
	"github.com/veilmarkets/perp-engine/internal/store"
)

// Server exposes the protocol over HTTP. The sim engine is held directly
// for the input gateway: clients of a real substrate would encrypt and
// prove locally, so /inputs exists only to make the service exercisable
// end to end.
type Server struct {
	svc      *Service
	sim      *fhe.SimEngine
	oracle   *oracle.Oracle
	ledger   *ledger.Ledger
	pool     *pool.Pool
	sessions *session.Registry
	store    store.Store
	hub      *WSHub
}

// NewServer assembles the HTTP surface around a vault service.
func NewServer(svc *Service, sim *fhe.SimEngine, o *oracle.Oracle, l *ledger.Ledger, p *pool.Pool, reg *session.Registry, st store.Store, hub *WSHub) *Server {
	return &Server{
		svc:      svc,
		sim:      sim,
		oracle:   o,
		ledger:   l,
		pool:     p,
		sessions: reg,
		store:    st,
		hub:      hub,
	}
}

// Mount attaches all API routes under the given router.
func (s *Server) Mount(r chi.Router) {
	r.Post("/assets", s.handleCreateAsset)
	r.Get("/assets", s.handleListAssets)
	r.Get("/assets/{assetID}", s.handleGetAsset)
	r.Get("/assets/{assetID}/price", s.handleGetPrice)
	r.Put("/assets/{assetID}/tradeable", s.handleSetTradeable)

	r.Post("/inputs", s.handleCreateInputs)

	r.Post("/positions", s.handleOpenPosition)
	r.Get("/positions/{positionID}", s.handleGetPosition)
	r.Get("/positions/{positionID}/settlements", s.handleGetSettlements)
	r.Post("/positions/{positionID}/close", s.handleClosePosition)
	r.Post("/positions/{positionID}/liquidate", s.handleLiquidatePosition)
	r.Get("/accounts/{account}/positions", s.handleListPositions)

	r.Get("/pool", s.handlePoolStats)
	r.Get("/pool/apy", s.handlePoolAPY)
	r.Post("/pool/liquidity", s.handleAddLiquidity)
	r.Delete("/pool/liquidity", s.handleRemoveLiquidity)
	r.Post("/pool/epoch", s.handleAdvanceEpoch)

	r.Post("/faucet", s.handleFaucet)
	r.Get("/balances/{account}/initialized", s.handleBalanceInitialized)

	r.Post("/sessions", s.handleRegisterSession)
	r.Delete("/sessions/{sessionKey}", s.handleRevokeSession)

	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}
}

// --- Request types ---

// CreateAssetRequest is the JSON body for POST /assets.
type CreateAssetRequest struct {
	Caller    model.Address   `json:"caller"`
	Name      string          `json:"name"`
	Symbol    string          `json:"symbol"`
	Category  string          `json:"category"`
	BasePrice decimal.Decimal `json:"base_price"`
}

// SetTradeableRequest is the JSON body for PUT /assets/{assetID}/tradeable.
type SetTradeableRequest struct {
	Caller    model.Address `json:"caller"`
	Tradeable bool          `json:"tradeable"`
}

// CreateInputsRequest is the JSON body for POST /inputs.
type CreateInputsRequest struct {
	Submitter model.Address     `json:"submitter"`
	Values    []decimal.Decimal `json:"values"`
}

// CreateInputsResponse returns the ciphertext handles and their proof.
type CreateInputsResponse struct {
	Handles []model.Handle `json:"handles"`
	Proof   string         `json:"proof"`
}

// OpenPositionRequest is the JSON body for POST /positions.
type OpenPositionRequest struct {
	Caller     model.Address `json:"caller"`
	AssetID    string        `json:"asset_id"`
	Collateral model.Handle  `json:"collateral"`
	Leverage   model.Handle  `json:"leverage"`
	IsLong     model.Handle  `json:"is_long"`
	Proof      string        `json:"proof"`
}

// CallerRequest is the JSON body for caller-only mutations.
type CallerRequest struct {
	Caller model.Address `json:"caller"`
}

// LiquidityRequest is the JSON body for pool liquidity operations. Amount
// is capital for deposits and LP tokens for withdrawals.
type LiquidityRequest struct {
	Caller model.Address   `json:"caller"`
	Amount decimal.Decimal `json:"amount"`
}

// RegisterSessionRequest is the JSON body for POST /sessions.
type RegisterSessionRequest struct {
	Caller     model.Address `json:"caller"`
	SessionKey model.Address `json:"session_key"`
	Expiry     time.Time     `json:"expiry"`
}

// --- Asset handlers ---

func (s *Server) handleCreateAsset(w http.ResponseWriter, r *http.Request) {
	var req CreateAssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	a, err := s.oracle.AddAsset(req.Caller, req.Name, req.Symbol, req.Category, req.BasePrice)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	assets := s.oracle.Assets()
	if assets == nil {
		assets = []model.Asset{}
	}
	writeJSON(w, http.StatusOK, assets)
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	a, err := s.oracle.Asset(chi.URLParam(r, "assetID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "assetID")
	price, err := s.oracle.CurrentPrice(assetID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"asset_id": assetID,
		"price":    price.String(),
	})
}

func (s *Server) handleSetTradeable(w http.ResponseWriter, r *http.Request) {
	var req SetTradeableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.oracle.SetTradeable(req.Caller, chi.URLParam(r, "assetID"), req.Tradeable); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Input gateway (sim only) ---

func (s *Server) handleCreateInputs(w http.ResponseWriter, r *http.Request) {
	var req CreateInputsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Submitter == "" || len(req.Values) == 0 {
		writeError(w, "submitter and values are required", http.StatusBadRequest)
		return
	}

	handles, proof, err := s.sim.CreateInput(req.Submitter, s.svc.Addr(), req.Values)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusCreated, CreateInputsResponse{Handles: handles, Proof: proof})
}

// --- Position handlers ---

func (s *Server) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Caller == "" || req.AssetID == "" || req.Proof == "" {
		writeError(w, "caller, asset_id and proof are required", http.StatusBadRequest)
		return
	}

	p, err := s.svc.OpenPosition(r.Context(), req.Caller, req.AssetID, req.Collateral, req.Leverage, req.IsLong, req.Proof)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPosition(r.Context(), chi.URLParam(r, "positionID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleGetSettlements(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListSettlementsByPosition(r.Context(), chi.URLParam(r, "positionID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []model.Settlement{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	account := model.Address(chi.URLParam(r, "account"))
	positions, err := s.store.ListPositionsByOwner(r.Context(), account)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	var req CallerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.svc.ClosePosition(r.Context(), req.Caller, chi.URLParam(r, "positionID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLiquidatePosition(w http.ResponseWriter, r *http.Request) {
	var req CallerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.svc.LiquidatePosition(r.Context(), req.Caller, chi.URLParam(r, "positionID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Pool handlers ---

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Stats())
}

func (s *Server) handlePoolAPY(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"apy": s.pool.CurrentAPY().String()})
}

func (s *Server) handleAddLiquidity(w http.ResponseWriter, r *http.Request) {
	var req LiquidityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.Caller == "" || !req.Amount.IsPositive() {
		writeError(w, "caller and a positive amount are required", http.StatusBadRequest)
		return
	}

	minted, err := s.pool.AddLiquidity(req.Caller, req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"lp_tokens_minted": minted.String()})
}

func (s *Server) handleRemoveLiquidity(w http.ResponseWriter, r *http.Request) {
	var req LiquidityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.Caller == "" || !req.Amount.IsPositive() {
		writeError(w, "caller and a positive amount are required", http.StatusBadRequest)
		return
	}

	returned, err := s.pool.RemoveLiquidity(req.Caller, req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amount_returned": returned.String()})
}

func (s *Server) handleAdvanceEpoch(w http.ResponseWriter, r *http.Request) {
	epoch, err := s.pool.AdvanceEpoch()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"epoch": epoch})
}

// --- Ledger handlers ---

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	var req CallerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Caller == "" {
		writeError(w, "caller is required", http.StatusBadRequest)
		return
	}

	sc := s.sim.BeginScope(req.Caller)
	defer sc.Close()

	if err := s.ledger.Faucet(sc, req.Caller); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"minted": ledger.FaucetAmount.String()})
}

func (s *Server) handleBalanceInitialized(w http.ResponseWriter, r *http.Request) {
	account := model.Address(chi.URLParam(r, "account"))
	writeJSON(w, http.StatusOK, map[string]bool{"initialized": s.ledger.IsInitialized(account)})
}

// --- Session handlers ---

func (s *Server) handleRegisterSession(w http.ResponseWriter, r *http.Request) {
	var req RegisterSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.sessions.Register(req.Caller, req.SessionKey, req.Expiry); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	var req CallerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	key := model.Address(chi.URLParam(r, "sessionKey"))
	if err := s.sessions.Revoke(req.Caller, key); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Response helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeDomainError maps the protocol error taxonomy onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, err.Error(), statusFor(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, model.ErrInvalidProof):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrAssetNotTradeable),
		errors.Is(err, model.ErrCapacityExceeded),
		errors.Is(err, model.ErrAlreadyTerminal),
		errors.Is(err, model.ErrInsufficientBalance),
		errors.Is(err, model.ErrNotEligible),
		errors.Is(err, ledger.ErrNotInitialized),
		errors.Is(err, ledger.ErrFaucetCapReached),
		errors.Is(err, pool.ErrEpochNotElapsed),
		errors.Is(err, pool.ErrInsufficientShares),
		errors.Is(err, session.ErrNotGrantOwner):
		return http.StatusConflict
	case errors.Is(err, session.ErrInvalidSessionKey),
		errors.Is(err, session.ErrExpiryInPast):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
