package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given
// connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, signal_id, opened_at, closed_at, symbol, direction,
	entry_price, size_base, size_quote, fill_ratio, slippage_bps, funding, status`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var direction, status string

	err := row.Scan(
		&p.ID, &p.SignalID, &p.OpenedAt, &p.ClosedAt, &p.Symbol, &direction,
		&p.EntryPrice, &p.SizeBase, &p.SizeQuote, &p.FillRatio, &p.SlippageBps, &p.Funding, &status,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Direction = domain.Direction(direction)
	p.Status = domain.PositionStatus(status)
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, signal_id, opened_at, closed_at, symbol, direction,
			entry_price, size_base, size_quote, fill_ratio, slippage_bps, funding, status
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12, $13
		)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.SignalID, p.OpenedAt, p.ClosedAt, p.Symbol, string(p.Direction),
		p.EntryPrice, p.SizeBase, p.SizeQuote, p.FillRatio, p.SlippageBps, p.Funding, string(p.Status),
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update replaces the mutable fields of a position: fill ratio, size,
// slippage, funding, status, and closed_at.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	const query = `
		UPDATE positions SET
			closed_at    = $2,
			size_base    = $3,
			size_quote   = $4,
			fill_ratio   = $5,
			slippage_bps = $6,
			funding      = $7,
			status       = $8
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.ClosedAt, p.SizeBase, p.SizeQuote, p.FillRatio, p.SlippageBps, p.Funding, string(p.Status),
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id uuid.UUID) (domain.Position, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPositionRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListBySignal returns every position opened from the given signal. In
// practice this is at most one row, since a signal produces at most one
// position, but fill events may arrive before the position row is fully
// committed, so callers tolerate zero or more.
func (s *PositionStore) ListBySignal(ctx context.Context, signalID uuid.UUID) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE signal_id = $1`, signalID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions by signal %s: %w", signalID, err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions by signal %s: %w", signalID, err)
	}
	return positions, nil
}

// ListOpen returns every position not yet closed.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE closed_at IS NULL ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}

// MarkClosed sets closed_at and the closed status for one position.
func (s *PositionStore) MarkClosed(ctx context.Context, id uuid.UUID, closedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET closed_at = $2, status = $3 WHERE id = $1`,
		id, closedAt, string(domain.PositionStatusClosed),
	)
	if err != nil {
		return fmt.Errorf("postgres: mark position closed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListArchivableBefore returns up to limit positions whose age --
// COALESCE(closed_at, opened_at) -- is strictly before the given cutoff,
// oldest first, for archival batching.
func (s *PositionStore) ListArchivableBefore(ctx context.Context, before time.Time, limit int) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE COALESCE(closed_at, opened_at) < $1
		 ORDER BY COALESCE(closed_at, opened_at)
		 LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list archivable positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan archivable positions: %w", err)
	}
	return positions, nil
}

// DeleteBatch removes positions by ID, used after a successful archive
// upload.
func (s *PositionStore) DeleteBatch(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE id = ANY($1::uuid[])`, ids)
	if err != nil {
		return fmt.Errorf("postgres: delete position batch: %w", err)
	}
	return nil
}

var _ domain.PositionStore = (*PositionStore)(nil)
