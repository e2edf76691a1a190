// Package store defines the persistence interface for the perp engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Only handles and revealed plaintext fields are persisted. Ciphertext
// handles are opaque strings here; the store never sees encrypted values.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veilmarkets/perp-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Position operations ---

	// InsertPosition persists a newly opened position.
	InsertPosition(ctx context.Context, p *model.Position) error

	// GetPosition retrieves a position by its ID.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// SettlePosition marks a position terminal with its exit bookkeeping.
	SettlePosition(ctx context.Context, id string, status model.PositionStatus, exitPrice decimal.Decimal, closedAt time.Time) error

	// ListPositionsByOwner returns all positions for an owner, newest first.
	ListPositionsByOwner(ctx context.Context, owner model.Address) ([]model.Position, error)

	// ListOpenPositionsByAsset returns open positions on an asset. Keepers
	// walk this for liquidation scans.
	ListOpenPositionsByAsset(ctx context.Context, assetID string) ([]model.Position, error)

	// --- Immutable settlement journal ---

	// InsertSettlement appends an immutable lifecycle record.
	InsertSettlement(ctx context.Context, s *model.Settlement) error

	// ListSettlementsByPosition returns a position's journal in order.
	ListSettlementsByPosition(ctx context.Context, positionID string) ([]model.Settlement, error)

	// ListSettlementsByOwner returns an owner's journal in order.
	ListSettlementsByOwner(ctx context.Context, owner model.Address) ([]model.Settlement, error)
}
