// Package vault orchestrates the encrypted position lifecycle: it is the
// single component wired into the ledger, pool, oracle, and session
// registry, and the only authorized mutator of the first two.
//
// Collateral, leverage, and direction stay encrypted for a position's
// lifetime. The vault reveals only derived aggregates: the
// balance-sufficiency flag, the pool reservation and notional, directional
// open-interest deltas, the liquidation eligibility flag, and the
// settlement payout. Both close paths are single-transaction; no
// intermediate state is ever persisted.
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/veilmarkets/perp-engine/internal/fhe"
	"github.com/veilmarkets/perp-engine/internal/ledger"
	"github.com/veilmarkets/perp-engine/internal/metrics"
	"github.com/veilmarkets/perp-engine/internal/model"
	"github.com/veilmarkets/perp-engine/internal/oracle"
	"github.com/veilmarkets/perp-engine/internal/pool"
	"github.com/veilmarkets/perp-engine/internal/session"
	"github.com/veilmarkets/perp-engine/internal/store"
)

// LiquidationThreshold is the loss fraction of collateral at which a
// position becomes liquidatable (10% maintenance margin).
var LiquidationThreshold = decimal.NewFromFloat(0.9)

// Service orchestrates position operations. A mutex serializes execution
// (single-instance); for horizontal scaling, replace with database-level
// optimistic concurrency.
type Service struct {
	engine   fhe.Engine
	addr     model.Address // the vault's own identity on the substrate
	oracle   *oracle.Oracle
	ledger   *ledger.Ledger
	pool     *pool.Pool
	sessions *session.Registry
	store    store.Store
	wsHub    *WSHub // optional hub for real-time broadcasts

	mu sync.Mutex
}

// NewService creates a vault service acting as addr on the substrate.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(engine fhe.Engine, addr model.Address, o *oracle.Oracle, l *ledger.Ledger, p *pool.Pool, reg *session.Registry, st store.Store, hub *WSHub) *Service {
	return &Service{
		engine:   engine,
		addr:     addr,
		oracle:   o,
		ledger:   l,
		pool:     p,
		sessions: reg,
		store:    st,
		wsHub:    hub,
	}
}

// Addr returns the vault's substrate identity.
func (s *Service) Addr() model.Address { return s.addr }

// SettlementResult is returned from close and liquidate.
type SettlementResult struct {
	Position  model.Position       `json:"position"`
	Kind      model.SettlementKind `json:"kind"`
	ExitPrice decimal.Decimal      `json:"exit_price"`
	Payout    decimal.Decimal      `json:"payout"`
}

// OpenPosition opens an encrypted position. All fallible steps run before
// the first mutation; a store failure after the debit rolls back both the
// reservation and the debit, so no collateral is ever left debited without
// a matching position.
func (s *Service) OpenPosition(ctx context.Context, caller model.Address, assetID string, collateral, leverage, isLong model.Handle, proof string) (*model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handles := []model.Handle{collateral, leverage, isLong}
	if err := s.engine.VerifyInputProof(handles, proof, caller, s.addr); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidProof, err)
	}

	owner := s.sessions.ResolveOwner(s.addr, caller)

	entryPrice, err := s.oracle.CurrentPrice(assetID)
	if err != nil {
		return nil, err
	}

	sc := s.engine.BeginScope(s.addr)
	defer sc.Close()

	// Transient grant over the submitted collateral, scoped to this call.
	if err := s.engine.GrantTransient(sc, collateral, s.ledger.Addr()); err != nil {
		return nil, err
	}

	// Balance sufficiency, revealed as a boolean only.
	cond, err := s.ledger.CanCover(sc, s.addr, owner, collateral)
	if err != nil {
		return nil, err
	}
	covered, err := s.engine.Reveal(sc, cond)
	if err != nil {
		return nil, err
	}
	if covered.IsZero() {
		return nil, fmt.Errorf("%w: account %s cannot cover collateral", model.ErrInsufficientBalance, owner)
	}

	// Derived plaintext aggregates: notional = collateral × leverage,
	// reservation = notional − collateral, directional OI split.
	notionalH, err := s.engine.Mul(sc, collateral, leverage)
	if err != nil {
		return nil, err
	}
	notional, err := s.engine.Reveal(sc, notionalH)
	if err != nil {
		return nil, err
	}
	reservedH, err := s.engine.Sub(sc, notionalH, collateral)
	if err != nil {
		return nil, err
	}
	reserved, err := s.engine.Reveal(sc, reservedH)
	if err != nil {
		return nil, err
	}
	longDelta, err := s.revealLongShare(sc, isLong, notionalH)
	if err != nil {
		return nil, err
	}
	shortDelta := notional.Sub(longDelta)

	// First mutation: reserve pool capacity. All-or-nothing.
	if err := s.pool.Reserve(s.addr, reserved); err != nil {
		metrics.CapacityRejections.Inc()
		return nil, err
	}

	if err := s.ledger.VaultDeposit(sc, s.addr, owner, collateral); err != nil {
		s.rollbackOpen(sc, owner, reserved, "")
		return nil, err
	}

	p := &model.Position{
		ID:         uuid.New().String(),
		Owner:      owner,
		AssetID:    assetID,
		Collateral: collateral,
		Leverage:   leverage,
		IsLong:     isLong,
		Notional:   notional,
		Reserved:   reserved,
		EntryPrice: entryPrice,
		Status:     model.StatusOpen,
		OpenedAt:   time.Now().UTC(),
	}

	if err := s.store.InsertPosition(ctx, p); err != nil {
		s.rollbackOpen(sc, owner, reserved, collateral)
		return nil, fmt.Errorf("vault: record position: %w", err)
	}

	s.updateOpenInterest(assetID, longDelta, shortDelta)
	if err := s.oracle.UpdateMarketData(s.addr, assetID, notional); err != nil {
		slog.Error("market data update failed", "asset", assetID, "err", err)
	}

	journal := &model.Settlement{
		ID:         uuid.New().String(),
		PositionID: p.ID,
		Owner:      owner,
		AssetID:    assetID,
		Kind:       model.SettleOpen,
		Price:      entryPrice,
		Notional:   notional,
		Timestamp:  p.OpenedAt,
	}
	if err := s.store.InsertSettlement(ctx, journal); err != nil {
		slog.Error("journal insert failed", "position", p.ID, "err", err)
	}

	metrics.PositionsOpened.WithLabelValues(assetID).Inc()
	s.recordPoolMetrics()

	slog.Info("position opened",
		"position", p.ID,
		"owner", owner,
		"asset", assetID,
		"notional", notional.String(),
		"reserved", reserved.String(),
		"entry_price", entryPrice.String(),
	)

	s.broadcast(WSMessage{
		Type:       "position_opened",
		PositionID: p.ID,
		AssetID:    assetID,
		Price:      entryPrice.String(),
		Notional:   notional.String(),
	})

	return p, nil
}

// ClosePosition settles an open position at the current oracle price.
// Only the resolved owner may close. The payout is collateral + PnL with
// the loss clamped to collateral, computed over ciphertexts and revealed
// only as the final settlement amount.
func (s *Service) ClosePosition(ctx context.Context, caller model.Address, positionID string) (*SettlementResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if p.Status.Terminal() {
		return nil, fmt.Errorf("%w: position %s is %s", model.ErrAlreadyTerminal, p.ID, p.Status)
	}
	if actor := s.sessions.ResolveOwner(s.addr, caller); actor != p.Owner {
		return nil, fmt.Errorf("%w: %s does not own position %s", model.ErrUnauthorized, actor, p.ID)
	}

	return s.settle(ctx, p, model.SettleClose)
}

// LiquidatePosition settles an underwater position. Callable by any keeper
// once the maintenance check holds: encrypted loss ≥ LiquidationThreshold ×
// encrypted collateral, revealed only as a boolean eligibility flag.
func (s *Service) LiquidatePosition(ctx context.Context, caller model.Address, positionID string) (*SettlementResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if p.Status.Terminal() {
		return nil, fmt.Errorf("%w: position %s is %s", model.ErrAlreadyTerminal, p.ID, p.Status)
	}

	return s.settle(ctx, p, model.SettleLiquidate)
}

// --- settlement internals ---

// settlementCiphertexts holds the derived handles of one settlement
// computation, before anything is revealed.
type settlementCiphertexts struct {
	notionalH model.Handle
	gainH     model.Handle
	lossH     model.Handle
	payoutH   model.Handle
	eligH     model.Handle // encrypted boolean: loss ≥ threshold × collateral
}

// settlement carries the revealed numbers of one settlement.
type settlement struct {
	payoutH   model.Handle
	payout    decimal.Decimal
	gain      decimal.Decimal
	loss      decimal.Decimal
	longShare decimal.Decimal // portion of notional opened long
}

// settle runs the shared close/liquidate path. For liquidations the
// eligibility flag is revealed first and nothing else unless it holds.
// The gain draw from pool capital precedes the terminal mark (it is the
// only economically fallible funds step, and is refunded if the mark
// fails); the mark precedes the ledger credit, so a partial failure can
// never double-settle.
func (s *Service) settle(ctx context.Context, p *model.Position, kind model.SettlementKind) (*SettlementResult, error) {
	start := time.Now()

	exitPrice, err := s.oracle.CurrentPrice(p.AssetID)
	if err != nil {
		return nil, err
	}

	sc := s.engine.BeginScope(s.addr)
	defer sc.Close()

	cts, err := s.computeSettlement(sc, p, exitPrice)
	if err != nil {
		return nil, err
	}

	if kind == model.SettleLiquidate {
		elig, err := s.engine.Reveal(sc, cts.eligH)
		if err != nil {
			return nil, err
		}
		eligible := !elig.IsZero()
		metrics.LiquidationChecks.WithLabelValues(strconv.FormatBool(eligible)).Inc()
		if !eligible {
			return nil, fmt.Errorf("%w: position %s", model.ErrNotEligible, p.ID)
		}
	}

	num, err := s.revealSettlement(sc, p, cts)
	if err != nil {
		return nil, err
	}

	// The gain draw is the one funds step that can fail for economic
	// reasons (pool capital may not cover a skew-driven gain, and a 1×
	// position reserves nothing). It runs before anything is committed,
	// so a capacity failure aborts the settlement with no state change.
	if num.gain.IsPositive() {
		if err := s.pool.PayOut(s.addr, num.gain); err != nil {
			return nil, err
		}
	}

	status := model.StatusClosed
	if kind == model.SettleLiquidate {
		status = model.StatusLiquidated
	}
	closedAt := time.Now().UTC()
	if err := s.store.SettlePosition(ctx, p.ID, status, exitPrice, closedAt); err != nil {
		if num.gain.IsPositive() {
			if rerr := s.pool.Absorb(s.addr, num.gain); rerr != nil {
				slog.Error("settle rollback: gain refund failed", "position", p.ID, "err", rerr)
			}
		}
		return nil, fmt.Errorf("vault: settle position: %w", err)
	}

	// Remaining funds movement. The drawn gain is minted into escrow
	// before the payout credit; a loss retained in escrow is burned and
	// absorbed by the pool. Failures past the terminal mark indicate
	// miswiring and are surfaced as errors.
	if num.gain.IsPositive() {
		if err := s.ledger.VaultMintEscrow(sc, s.addr, num.gain); err != nil {
			return nil, err
		}
	}
	if err := s.engine.GrantTransient(sc, num.payoutH, s.ledger.Addr()); err != nil {
		return nil, err
	}
	if err := s.ledger.VaultCredit(sc, s.addr, p.Owner, num.payoutH); err != nil {
		return nil, err
	}
	if num.loss.IsPositive() {
		if err := s.ledger.VaultBurnEscrow(sc, s.addr, num.loss); err != nil {
			return nil, err
		}
		if err := s.pool.Absorb(s.addr, num.loss); err != nil {
			return nil, err
		}
	}
	if err := s.pool.Release(s.addr, p.Reserved); err != nil {
		return nil, err
	}

	s.updateOpenInterest(p.AssetID, num.longShare.Neg(), p.Notional.Sub(num.longShare).Neg())
	if err := s.oracle.UpdateMarketData(s.addr, p.AssetID, p.Notional); err != nil {
		slog.Error("market data update failed", "asset", p.AssetID, "err", err)
	}

	journal := &model.Settlement{
		ID:         uuid.New().String(),
		PositionID: p.ID,
		Owner:      p.Owner,
		AssetID:    p.AssetID,
		Kind:       kind,
		Price:      exitPrice,
		Notional:   p.Notional,
		Payout:     num.payout,
		Timestamp:  closedAt,
	}
	if err := s.store.InsertSettlement(ctx, journal); err != nil {
		slog.Error("journal insert failed", "position", p.ID, "err", err)
	}

	metrics.PositionsSettled.WithLabelValues(p.AssetID, string(kind)).Inc()
	metrics.SettlementLatency.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	s.recordPoolMetrics()

	slog.Info("position settled",
		"position", p.ID,
		"kind", kind,
		"owner", p.Owner,
		"asset", p.AssetID,
		"exit_price", exitPrice.String(),
		"payout", num.payout.String(),
	)

	s.broadcast(WSMessage{
		Type:       "position_" + string(status),
		PositionID: p.ID,
		AssetID:    p.AssetID,
		Price:      exitPrice.String(),
		Payout:     num.payout.String(),
	})

	settled := *p
	settled.Status = status
	settled.ExitPrice = exitPrice
	settled.ClosedAt = &closedAt

	return &SettlementResult{
		Position:  settled,
		Kind:      kind,
		ExitPrice: exitPrice,
		Payout:    num.payout,
	}, nil
}

// computeSettlement derives PnL over ciphertexts, revealing nothing:
//
//	magnitude = collateral × leverage × |exit − entry| / entry
//	gain?     = isLong when the price rose, ¬isLong when it fell
//	loss      = min(magnitude, collateral)            (clamped, no underflow)
//	payout    = collateral + gain − loss
//	eligible  = loss ≥ LiquidationThreshold × collateral
func (s *Service) computeSettlement(sc *fhe.Scope, p *model.Position, exitPrice decimal.Decimal) (*settlementCiphertexts, error) {
	ratio := exitPrice.Sub(p.EntryPrice).Div(p.EntryPrice)

	notionalH, err := s.engine.Mul(sc, p.Collateral, p.Leverage)
	if err != nil {
		return nil, err
	}
	magnitudeH, err := s.engine.MulPlain(sc, notionalH, ratio.Abs())
	if err != nil {
		return nil, err
	}
	lossCapH, err := s.engine.Min(sc, magnitudeH, p.Collateral)
	if err != nil {
		return nil, err
	}

	zeroH, err := s.engine.Encrypt(sc, decimal.Zero)
	if err != nil {
		return nil, err
	}
	oneH, err := s.engine.Encrypt(sc, decimal.NewFromInt(1))
	if err != nil {
		return nil, err
	}

	// A rising price favors longs; a falling one favors shorts.
	gainFlagH := p.IsLong
	if ratio.IsNegative() {
		gainFlagH, err = s.engine.Select(sc, p.IsLong, zeroH, oneH)
		if err != nil {
			return nil, err
		}
	}

	gainH, err := s.engine.Select(sc, gainFlagH, magnitudeH, zeroH)
	if err != nil {
		return nil, err
	}
	lossH, err := s.engine.Select(sc, gainFlagH, zeroH, lossCapH)
	if err != nil {
		return nil, err
	}
	grossH, err := s.engine.Add(sc, p.Collateral, gainH)
	if err != nil {
		return nil, err
	}
	payoutH, err := s.engine.Sub(sc, grossH, lossH)
	if err != nil {
		return nil, err
	}

	maintH, err := s.engine.MulPlain(sc, p.Collateral, LiquidationThreshold)
	if err != nil {
		return nil, err
	}
	eligH, err := s.engine.Ge(sc, lossH, maintH)
	if err != nil {
		return nil, err
	}

	return &settlementCiphertexts{
		notionalH: notionalH,
		gainH:     gainH,
		lossH:     lossH,
		payoutH:   payoutH,
		eligH:     eligH,
	}, nil
}

// revealSettlement decrypts the settlement aggregates. The direction
// handle itself is never revealed; its open-interest contribution is.
func (s *Service) revealSettlement(sc *fhe.Scope, p *model.Position, cts *settlementCiphertexts) (*settlement, error) {
	gain, err := s.engine.Reveal(sc, cts.gainH)
	if err != nil {
		return nil, err
	}
	loss, err := s.engine.Reveal(sc, cts.lossH)
	if err != nil {
		return nil, err
	}
	payout, err := s.engine.Reveal(sc, cts.payoutH)
	if err != nil {
		return nil, err
	}
	longShare, err := s.revealLongShare(sc, p.IsLong, cts.notionalH)
	if err != nil {
		return nil, err
	}

	return &settlement{
		payoutH:   cts.payoutH,
		payout:    payout,
		gain:      gain,
		loss:      loss,
		longShare: longShare,
	}, nil
}

// revealLongShare reveals Select(isLong, notional, 0): the directional
// split of plaintext open-interest accounting. The direction handle itself
// stays encrypted.
func (s *Service) revealLongShare(sc *fhe.Scope, isLong, notionalH model.Handle) (decimal.Decimal, error) {
	zeroH, err := s.engine.Encrypt(sc, decimal.Zero)
	if err != nil {
		return decimal.Zero, err
	}
	longH, err := s.engine.Select(sc, isLong, notionalH, zeroH)
	if err != nil {
		return decimal.Zero, err
	}
	return s.engine.Reveal(sc, longH)
}

// rollbackOpen undoes a partially executed open: releases the reservation
// and, when the debit already happened, credits the collateral back out of
// escrow.
func (s *Service) rollbackOpen(sc *fhe.Scope, owner model.Address, reserved decimal.Decimal, collateral model.Handle) {
	if err := s.pool.Release(s.addr, reserved); err != nil {
		slog.Error("open rollback: release failed", "owner", owner, "err", err)
	}
	if collateral == "" {
		return
	}
	if err := s.ledger.VaultCredit(sc, s.addr, owner, collateral); err != nil {
		slog.Error("open rollback: refund failed", "owner", owner, "err", err)
	}
}

func (s *Service) updateOpenInterest(assetID string, longDelta, shortDelta decimal.Decimal) {
	if !longDelta.IsZero() {
		if err := s.oracle.UpdateOpenInterest(s.addr, assetID, longDelta, true); err != nil {
			slog.Error("open interest update failed", "asset", assetID, "err", err)
		}
	}
	if !shortDelta.IsZero() {
		if err := s.oracle.UpdateOpenInterest(s.addr, assetID, shortDelta, false); err != nil {
			slog.Error("open interest update failed", "asset", assetID, "err", err)
		}
	}
}

func (s *Service) recordPoolMetrics() {
	stats := s.pool.Stats()
	liquidity, _ := stats.TotalLiquidity.Float64()
	metrics.PoolLiquidity.Set(liquidity)
	if stats.TotalLiquidity.IsPositive() {
		ratio, _ := stats.Utilization.Div(stats.TotalLiquidity).Float64()
		metrics.PoolUtilization.Set(ratio)
	}
}

func (s *Service) broadcast(msg WSMessage) {
	if s.wsHub != nil {
		s.wsHub.Broadcast(msg)
	}
}
