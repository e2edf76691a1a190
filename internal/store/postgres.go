package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/veilmarkets/perp-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// ciphertext handles are stored as TEXT.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) InsertPosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (id, owner, asset_id, collateral, leverage, is_long,
		                        notional, reserved, entry_price, status, opened_at, exit_price)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12::NUMERIC)`,
		p.ID, p.Owner, p.AssetID, p.Collateral, p.Leverage, p.IsLong,
		p.Notional.String(), p.Reserved.String(), p.EntryPrice.String(),
		p.Status, p.OpenedAt, p.ExitPrice.String(),
	)
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, owner, asset_id, collateral, leverage, is_long,
		        notional::TEXT, reserved::TEXT, entry_price::TEXT,
		        status, opened_at, closed_at, exit_price::TEXT
		 FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("position %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) SettlePosition(ctx context.Context, id string, status model.PositionStatus, exitPrice decimal.Decimal, closedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions
		 SET status = $2, exit_price = $3::NUMERIC, closed_at = $4
		 WHERE id = $1`,
		id, status, exitPrice.String(), closedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListPositionsByOwner(ctx context.Context, owner model.Address) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner, asset_id, collateral, leverage, is_long,
		        notional::TEXT, reserved::TEXT, entry_price::TEXT,
		        status, opened_at, closed_at, exit_price::TEXT
		 FROM positions WHERE owner = $1 ORDER BY opened_at DESC`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) ListOpenPositionsByAsset(ctx context.Context, assetID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner, asset_id, collateral, leverage, is_long,
		        notional::TEXT, reserved::TEXT, entry_price::TEXT,
		        status, opened_at, closed_at, exit_price::TEXT
		 FROM positions WHERE asset_id = $1 AND status = 'open' ORDER BY opened_at`, assetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) InsertSettlement(ctx context.Context, e *model.Settlement) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settlements (id, position_id, owner, asset_id, kind, price, notional, payout, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		e.ID, e.PositionID, e.Owner, e.AssetID, e.Kind,
		e.Price.String(), e.Notional.String(), e.Payout.String(),
		e.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListSettlementsByPosition(ctx context.Context, positionID string) ([]model.Settlement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, position_id, owner, asset_id, kind,
		        price::TEXT, notional::TEXT, payout::TEXT, timestamp
		 FROM settlements WHERE position_id = $1 ORDER BY timestamp`, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSettlements(rows)
}

func (s *PostgresStore) ListSettlementsByOwner(ctx context.Context, owner model.Address) ([]model.Settlement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, position_id, owner, asset_id, kind,
		        price::TEXT, notional::TEXT, payout::TEXT, timestamp
		 FROM settlements WHERE owner = $1 ORDER BY timestamp`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSettlements(rows)
}

// --- Row scanning ---

type pgxRow interface {
	Scan(dest ...interface{}) error
}

type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanPosition(row pgxRow) (*model.Position, error) {
	var p model.Position
	var notional, reserved, entryPrice, exitPrice string

	if err := row.Scan(&p.ID, &p.Owner, &p.AssetID, &p.Collateral, &p.Leverage, &p.IsLong,
		&notional, &reserved, &entryPrice,
		&p.Status, &p.OpenedAt, &p.ClosedAt, &exitPrice); err != nil {
		return nil, err
	}

	p.Notional, _ = decimal.NewFromString(notional)
	p.Reserved, _ = decimal.NewFromString(reserved)
	p.EntryPrice, _ = decimal.NewFromString(entryPrice)
	p.ExitPrice, _ = decimal.NewFromString(exitPrice)

	return &p, nil
}

func scanPositions(rows pgxRows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func scanSettlements(rows pgxRows) ([]model.Settlement, error) {
	var entries []model.Settlement
	for rows.Next() {
		var e model.Settlement
		var price, notional, payout string

		if err := rows.Scan(&e.ID, &e.PositionID, &e.Owner, &e.AssetID, &e.Kind,
			&price, &notional, &payout, &e.Timestamp); err != nil {
			return nil, err
		}

		e.Price, _ = decimal.NewFromString(price)
		e.Notional, _ = decimal.NewFromString(notional)
		e.Payout, _ = decimal.NewFromString(payout)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}
