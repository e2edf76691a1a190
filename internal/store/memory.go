package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veilmarkets/perp-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	positions   map[string]*model.Position
	settlements []model.Settlement
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]*model.Position),
	}
}

func (s *MemoryStore) InsertPosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.positions[p.ID]; exists {
		return fmt.Errorf("position %s already exists", p.ID)
	}

	// Store a copy to avoid external mutation.
	copy := *p
	s.positions[p.ID] = &copy
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, model.ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) SettlePosition(_ context.Context, id string, status model.PositionStatus, exitPrice decimal.Decimal, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("position %s: %w", id, model.ErrNotFound)
	}
	p.Status = status
	p.ExitPrice = exitPrice
	p.ClosedAt = &closedAt
	return nil
}

func (s *MemoryStore) ListPositionsByOwner(_ context.Context, owner model.Address) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.Owner == owner {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].OpenedAt.After(result[j].OpenedAt)
	})
	return result, nil
}

func (s *MemoryStore) ListOpenPositionsByAsset(_ context.Context, assetID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.AssetID == assetID && p.Status == model.StatusOpen {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].OpenedAt.Before(result[j].OpenedAt)
	})
	return result, nil
}

func (s *MemoryStore) InsertSettlement(_ context.Context, e *model.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settlements = append(s.settlements, *e)
	return nil
}

func (s *MemoryStore) ListSettlementsByPosition(_ context.Context, positionID string) ([]model.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Settlement
	for _, e := range s.settlements {
		if e.PositionID == positionID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListSettlementsByOwner(_ context.Context, owner model.Address) ([]model.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Settlement
	for _, e := range s.settlements {
		if e.Owner == owner {
			result = append(result, e)
		}
	}
	return result, nil
}
