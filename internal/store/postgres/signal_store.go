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

// SignalStore implements domain.SignalStore using PostgreSQL.
type SignalStore struct {
	pool *pgxpool.Pool
}

// NewSignalStore creates a new SignalStore backed by the given connection
// pool.
func NewSignalStore(pool *pgxpool.Pool) *SignalStore {
	return &SignalStore{pool: pool}
}

const signalSelectCols = `id, created_at, symbol, direction, entry_price, stake_usd,
	probability, strategy, strategy_version, queued_until,
	tp1, tp2, tp3, stop_loss, error_code, error_message`

func scanSignalRow(row pgx.Row) (domain.Signal, error) {
	var s domain.Signal
	var direction string

	err := row.Scan(
		&s.ID, &s.CreatedAt, &s.Symbol, &direction, &s.EntryPrice, &s.StakeUSD,
		&s.Probability, &s.Strategy, &s.StrategyVersion, &s.QueuedUntil,
		&s.TP1, &s.TP2, &s.TP3, &s.StopLoss, &s.ErrorCode, &s.ErrorMessage,
	)
	if err != nil {
		return domain.Signal{}, err
	}
	s.Direction = domain.Direction(direction)
	return s, nil
}

func scanSignalRows(rows pgx.Rows) ([]domain.Signal, error) {
	var signals []domain.Signal
	for rows.Next() {
		s, err := scanSignalRow(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, s)
	}
	return signals, rows.Err()
}

// Create inserts a new signal.
func (s *SignalStore) Create(ctx context.Context, sig domain.Signal) error {
	const query = `
		INSERT INTO signals (
			id, created_at, symbol, direction, entry_price, stake_usd,
			probability, strategy, strategy_version, queued_until,
			tp1, tp2, tp3, stop_loss, error_code, error_message
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16
		)`

	_, err := s.pool.Exec(ctx, query,
		sig.ID, sig.CreatedAt, sig.Symbol, string(sig.Direction), sig.EntryPrice, sig.StakeUSD,
		sig.Probability, sig.Strategy, sig.StrategyVersion, sig.QueuedUntil,
		sig.TP1, sig.TP2, sig.TP3, sig.StopLoss, sig.ErrorCode, sig.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("postgres: create signal %s: %w", sig.ID, err)
	}
	return nil
}

// Update replaces the mutable fields of a signal: the queue deadline,
// targets/stop, and error_* fields set by the order manager on rejection.
func (s *SignalStore) Update(ctx context.Context, sig domain.Signal) error {
	const query = `
		UPDATE signals SET
			queued_until  = $2,
			tp1           = $3,
			tp2           = $4,
			tp3           = $5,
			stop_loss     = $6,
			error_code    = $7,
			error_message = $8
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		sig.ID, sig.QueuedUntil, sig.TP1, sig.TP2, sig.TP3, sig.StopLoss,
		sig.ErrorCode, sig.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("postgres: update signal %s: %w", sig.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single signal by its ID.
func (s *SignalStore) GetByID(ctx context.Context, id uuid.UUID) (domain.Signal, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+signalSelectCols+` FROM signals WHERE id = $1`, id)

	sig, err := scanSignalRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Signal{}, domain.ErrNotFound
		}
		return domain.Signal{}, fmt.Errorf("postgres: get signal %s: %w", id, err)
	}
	return sig, nil
}

// ListRecent returns up to limit signals created at or after since, most
// recent first, optionally filtered to one symbol.
func (s *SignalStore) ListRecent(ctx context.Context, symbol string, since time.Time, limit int) ([]domain.Signal, error) {
	query := `SELECT ` + signalSelectCols + ` FROM signals WHERE created_at >= $1`
	args := []any{since}

	if symbol != "" {
		query += " AND symbol = $2"
		args = append(args, symbol)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent signals: %w", err)
	}
	defer rows.Close()

	signals, err := scanSignalRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan recent signals: %w", err)
	}
	return signals, nil
}

// ListOlderThan returns up to limit signals created strictly before the
// given cutoff, oldest first, for archival batching.
func (s *SignalStore) ListOlderThan(ctx context.Context, before time.Time, limit int) ([]domain.Signal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+signalSelectCols+` FROM signals WHERE created_at < $1 ORDER BY created_at LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list signals older than cutoff: %w", err)
	}
	defer rows.Close()

	signals, err := scanSignalRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan signals older than cutoff: %w", err)
	}
	return signals, nil
}

// DeleteBatch removes signals by ID, used after a successful archive
// upload.
func (s *SignalStore) DeleteBatch(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM signals WHERE id = ANY($1::uuid[])`, ids)
	if err != nil {
		return fmt.Errorf("postgres: delete signal batch: %w", err)
	}
	return nil
}

var _ domain.SignalStore = (*SignalStore)(nil)
