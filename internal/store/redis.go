package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/veilmarkets/perp-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InsertPosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.InsertPosition(ctx, p); err != nil {
		return err
	}
	s.cachePosition(ctx, p)
	s.rdb.Del(ctx, ownerPositionsKey(p.Owner))
	return nil
}

func (s *CachedStore) SettlePosition(ctx context.Context, id string, status model.PositionStatus, exitPrice decimal.Decimal, closedAt time.Time) error {
	if err := s.primary.SettlePosition(ctx, id, status, exitPrice, closedAt); err != nil {
		return err
	}
	// Invalidate; next read will re-populate with the settled state.
	s.rdb.Del(ctx, positionKey(id))
	return nil
}

func (s *CachedStore) InsertSettlement(ctx context.Context, e *model.Settlement) error {
	if err := s.primary.InsertSettlement(ctx, e); err != nil {
		return err
	}
	s.rdb.Del(ctx, ownerPositionsKey(e.Owner))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, positionKey(id)).Bytes()
	if err == nil {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.primary.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cachePosition(ctx, p)
	return p, nil
}

func (s *CachedStore) ListPositionsByOwner(ctx context.Context, owner model.Address) ([]model.Position, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, ownerPositionsKey(owner)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	// Cache miss.
	positions, err := s.primary.ListPositionsByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, ownerPositionsKey(owner), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListOpenPositionsByAsset(ctx context.Context, assetID string) ([]model.Position, error) {
	return s.primary.ListOpenPositionsByAsset(ctx, assetID)
}

func (s *CachedStore) ListSettlementsByPosition(ctx context.Context, positionID string) ([]model.Settlement, error) {
	return s.primary.ListSettlementsByPosition(ctx, positionID)
}

func (s *CachedStore) ListSettlementsByOwner(ctx context.Context, owner model.Address) ([]model.Settlement, error) {
	return s.primary.ListSettlementsByOwner(ctx, owner)
}

// --- Cache helpers ---

func (s *CachedStore) cachePosition(ctx context.Context, p *model.Position) {
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, positionKey(p.ID), data, s.ttl)
	}
}

func positionKey(id string) string                 { return fmt.Sprintf("position:%s", id) }
func ownerPositionsKey(owner model.Address) string { return fmt.Sprintf("positions:%s", owner) }
