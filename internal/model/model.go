// Package model defines the core domain types shared across the perp engine.
// All monetary values use shopspring/decimal, never float64.
// Confidential values (collateral, leverage, direction) are carried as opaque
// ciphertext handles; only the encrypted-computation substrate sees plaintext.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Address identifies a principal (trader, keeper, or component contract).
type Address string

// Handle is an opaque reference to an encrypted value. Arithmetic on handles
// is performed by the substrate, never on plaintext in this codebase.
type Handle string

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	StatusOpen       PositionStatus = "open"
	StatusClosed     PositionStatus = "closed"
	StatusLiquidated PositionStatus = "liquidated"
)

// Terminal reports whether the status admits no further transitions.
func (s PositionStatus) Terminal() bool {
	return s == StatusClosed || s == StatusLiquidated
}

// Asset is a tradeable instrument tracked by the price oracle. AssetID is a
// pure function of Symbol (content-addressed), so asset identity is
// reproducible without a lookup table.
type Asset struct {
	ID            string          `json:"id" db:"id"`
	Name          string          `json:"name" db:"name"`
	Symbol        string          `json:"symbol" db:"symbol"`
	Category      string          `json:"category" db:"category"`
	BasePrice     decimal.Decimal `json:"base_price" db:"base_price"`
	Tradeable     bool            `json:"tradeable" db:"tradeable"`
	LongInterest  decimal.Decimal `json:"long_interest" db:"long_interest"`
	ShortInterest decimal.Decimal `json:"short_interest" db:"short_interest"`
	Volume24h     decimal.Decimal `json:"volume_24h" db:"volume_24h"`
	LastTradeAt   time.Time       `json:"last_trade_at" db:"last_trade_at"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Position is an encrypted leveraged position. Entry fields never change
// after creation; only Status (and the matching exit bookkeeping) moves.
// Collateral, Leverage, and IsLong stay encrypted for the position's
// lifetime. Notional and Reserved are the two derived plaintext values the
// protocol reveals at open: open-interest and pool-utilization accounting
// are plaintext by design.
type Position struct {
	ID         string          `json:"id" db:"id"`
	Owner      Address         `json:"owner" db:"owner"` // resolved principal, not necessarily the submitting caller
	AssetID    string          `json:"asset_id" db:"asset_id"`
	Collateral Handle          `json:"collateral" db:"collateral"`
	Leverage   Handle          `json:"leverage" db:"leverage"`
	IsLong     Handle          `json:"is_long" db:"is_long"`
	Notional   decimal.Decimal `json:"notional" db:"notional"` // collateral × leverage, revealed at open
	Reserved   decimal.Decimal `json:"reserved" db:"reserved"` // pool capacity held for this position
	EntryPrice decimal.Decimal `json:"entry_price" db:"entry_price"`
	Status     PositionStatus  `json:"status" db:"status"`
	OpenedAt   time.Time       `json:"opened_at" db:"opened_at"`
	ClosedAt   *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
	ExitPrice  decimal.Decimal `json:"exit_price" db:"exit_price"`
}

// SettlementKind distinguishes journal records.
type SettlementKind string

const (
	SettleOpen      SettlementKind = "open"
	SettleClose     SettlementKind = "close"
	SettleLiquidate SettlementKind = "liquidate"
)

// Settlement is an immutable journal record of a position lifecycle event.
// Only revealed plaintext fields appear here.
type Settlement struct {
	ID         string          `json:"id" db:"id"`
	PositionID string          `json:"position_id" db:"position_id"`
	Owner      Address         `json:"owner" db:"owner"`
	AssetID    string          `json:"asset_id" db:"asset_id"`
	Kind       SettlementKind  `json:"kind" db:"kind"`
	Price      decimal.Decimal `json:"price" db:"price"` // entry price for opens, exit price otherwise
	Notional   decimal.Decimal `json:"notional" db:"notional"`
	Payout     decimal.Decimal `json:"payout" db:"payout"` // zero for opens
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
}

// PoolStats is a read-only snapshot of liquidity pool state.
type PoolStats struct {
	TotalLiquidity decimal.Decimal `json:"total_liquidity"`
	TotalLPTokens  decimal.Decimal `json:"total_lp_tokens"`
	Utilization    decimal.Decimal `json:"utilization"`
	SharePrice     decimal.Decimal `json:"share_price"`
	Epoch          int64           `json:"epoch"`
	EpochStartedAt time.Time       `json:"epoch_started_at"`
}
