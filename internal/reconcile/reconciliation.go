// Package reconcile diffs open positions in the local store against the
// exchange's live position list and resolves the three ways they can
// diverge: a position closed out on the exchange but still open locally, a
// position the exchange shows that was never recorded locally, and a size
// mismatch between the two for an otherwise-matching position.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bitly/go-simplejson"
	"github.com/shopspring/decimal"

	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/domain"
)

// ExchangeREST is the subset of the Bybit REST client reconciliation needs:
// the current position list.
type ExchangeREST interface {
	GetPositions(ctx context.Context, symbol string) (*simplejson.Json, error)
}

// Config controls reconciliation behavior.
type Config struct {
	// CloseMissingOnExchange marks a DB-open position closed when the
	// exchange no longer reports it. When false, divergence is only
	// logged.
	CloseMissingOnExchange bool
	// LockTTL bounds how long the named lock is held for one pass, in
	// case a worker crashes mid-reconcile.
	LockTTL time.Duration
}

// DefaultConfig matches the documented default: close positions the
// exchange no longer reports, with a 60s lock TTL.
func DefaultConfig() Config {
	return Config{CloseMissingOnExchange: true, LockTTL: 60 * time.Second}
}

// positionKey indexes both DB and exchange positions by
// (SYMBOL_UPPER, direction) so the two sides can be diffed directly.
type positionKey struct {
	symbol    string
	direction domain.Direction
}

// exchangePosition is the normalised view of one row from Bybit's
// /v5/position/list response.
type exchangePosition struct {
	Symbol     string
	Direction  domain.Direction
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
}

// Service runs one reconciliation pass at a time across however many
// worker instances are deployed, serialised by a named distributed lock.
type Service struct {
	lock      domain.LockManager
	rest      ExchangeREST
	positions domain.PositionStore
	config    Config
	lockName  string
	logger    *slog.Logger
}

// NewService constructs a Service. A zero-value Config falls back to
// DefaultConfig.
func NewService(lock domain.LockManager, rest ExchangeREST, positions domain.PositionStore, config Config, logger *slog.Logger) *Service {
	if config.LockTTL <= 0 {
		config = DefaultConfig()
	}
	return &Service{
		lock:      lock,
		rest:      rest,
		positions: positions,
		config:    config,
		lockName:  "positions_reconciliation",
		logger:    logger.With(slog.String("component", "reconciliation")),
	}
}

// Reconcile runs a single pass if the named lock is currently free. If
// another worker already holds it, Reconcile returns nil immediately:
// lock contention is a normal, silent skip, not an error.
func (s *Service) Reconcile(ctx context.Context) error {
	// maxWait of one nanosecond makes this a try-once acquisition: the
	// deadline is already past by the time the first SetNX fails, so
	// Acquire returns acquired=false on the first miss instead of
	// retrying and blocking this pass behind another worker's.
	unlock, acquired, err := s.lock.Acquire(ctx, s.lockName, s.config.LockTTL, 0, time.Nanosecond)
	if err != nil {
		return fmt.Errorf("reconciliation: acquire lock: %w", err)
	}
	if !acquired {
		s.logger.InfoContext(ctx, "reconciliation skipped: lock held by another worker", slog.String("lock_name", s.lockName))
		return nil
	}
	defer unlock()

	return s.doReconcile(ctx)
}

func (s *Service) doReconcile(ctx context.Context) error {
	now := time.Now().UTC()

	dbPositions, err := s.positions.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("reconciliation: list open positions: %w", err)
	}

	exchPositions, err := s.loadExchangePositions(ctx)
	if err != nil {
		return fmt.Errorf("reconciliation: load exchange positions: %w", err)
	}

	dbIndex := indexDBPositions(dbPositions)
	exchIndex := indexExchangePositions(exchPositions)

	s.logger.InfoContext(ctx, "starting reconciliation",
		slog.Int("db_positions", len(dbPositions)),
		slog.Int("exchange_positions", len(exchPositions)),
	)

	if err := s.handleMissingOnExchange(ctx, dbIndex, exchIndex, now); err != nil {
		return err
	}
	s.handleMissingInDB(ctx, dbIndex, exchIndex)
	if err := s.handleSizeMismatches(ctx, dbIndex, exchIndex); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "reconciliation completed")
	return nil
}

// loadExchangePositions fetches and normalises the live position list.
// Malformed or unrecognised rows are logged and skipped, not fatal to the
// pass.
func (s *Service) loadExchangePositions(ctx context.Context) ([]exchangePosition, error) {
	resp, err := s.rest.GetPositions(ctx, "")
	if err != nil {
		return nil, err
	}

	result, ok := resp.CheckGet("result")
	if !ok {
		s.logger.WarnContext(ctx, "bybit position list response missing 'result'")
		return nil, nil
	}
	list, ok := result.CheckGet("list")
	if !ok {
		s.logger.WarnContext(ctx, "bybit position list response missing 'list'")
		return nil, nil
	}
	arr, err := list.Array()
	if err != nil {
		return nil, nil
	}

	positions := make([]exchangePosition, 0, len(arr))
	for i := range arr {
		row := list.GetIndex(i)

		symbol := row.Get("symbol").MustString("")
		side := row.Get("side").MustString("")
		if symbol == "" || side == "" {
			continue
		}

		direction, ok := normalizeSide(side)
		if !ok {
			s.logger.WarnContext(ctx, "unknown position side from exchange, skipping row",
				slog.String("symbol", symbol),
				slog.String("side", side),
			)
			continue
		}

		size, sizeOK := firstDecimalField(row, "size")
		entryPrice, priceOK := firstDecimalField(row, "entryPrice", "avgPrice")
		if !sizeOK || !priceOK {
			continue
		}

		positions = append(positions, exchangePosition{
			Symbol:     strings.ToUpper(symbol),
			Direction:  direction,
			Size:       size,
			EntryPrice: entryPrice,
		})
	}
	return positions, nil
}

// normalizeSide maps Bybit's Buy/Sell side onto the long/short domain
// vocabulary, also tolerating long/short directly.
func normalizeSide(side string) (domain.Direction, bool) {
	switch strings.ToLower(side) {
	case "buy", "long":
		return domain.DirectionLong, true
	case "sell", "short":
		return domain.DirectionShort, true
	default:
		return "", false
	}
}

func indexDBPositions(positions []domain.Position) map[positionKey]domain.Position {
	index := make(map[positionKey]domain.Position, len(positions))
	for _, p := range positions {
		index[positionKey{symbol: strings.ToUpper(p.Symbol), direction: p.Direction}] = p
	}
	return index
}

func indexExchangePositions(positions []exchangePosition) map[positionKey]exchangePosition {
	index := make(map[positionKey]exchangePosition, len(positions))
	for _, p := range positions {
		index[positionKey{symbol: p.Symbol, direction: p.Direction}] = p
	}
	return index
}

// handleMissingOnExchange logs every DB-open position the exchange no
// longer reports and, when configured, marks it closed.
func (s *Service) handleMissingOnExchange(ctx context.Context, dbIndex map[positionKey]domain.Position, exchIndex map[positionKey]exchangePosition, now time.Time) error {
	for key, position := range dbIndex {
		if _, ok := exchIndex[key]; ok {
			continue
		}

		s.logger.WarnContext(ctx, "db position missing on exchange",
			slog.String("position_id", position.ID.String()),
			slog.String("symbol", key.symbol),
			slog.String("direction", string(key.direction)),
		)

		if !s.config.CloseMissingOnExchange {
			continue
		}

		if err := s.positions.MarkClosed(ctx, position.ID, now); err != nil {
			return fmt.Errorf("reconciliation: mark closed %s: %w", position.ID, err)
		}
		s.logger.InfoContext(ctx, "db position marked closed due to missing on exchange",
			slog.String("position_id", position.ID.String()),
		)
	}
	return nil
}

// handleMissingInDB logs every exchange position with no corresponding
// open DB row. Reconciliation never opens or closes exchange state on its
// own, so this is surfaced for an operator, not acted on automatically.
func (s *Service) handleMissingInDB(ctx context.Context, dbIndex map[positionKey]domain.Position, exchIndex map[positionKey]exchangePosition) {
	for key, row := range exchIndex {
		if _, ok := dbIndex[key]; ok {
			continue
		}
		s.logger.ErrorContext(ctx, "position present on exchange but missing in db",
			slog.String("symbol", key.symbol),
			slog.String("direction", string(key.direction)),
			slog.String("size", row.Size.String()),
			slog.String("entry_price", row.EntryPrice.String()),
		)
	}
}

// handleSizeMismatches reconciles size_base/size_quote for positions
// present on both sides whose sizes have drifted apart.
func (s *Service) handleSizeMismatches(ctx context.Context, dbIndex map[positionKey]domain.Position, exchIndex map[positionKey]exchangePosition) error {
	for key, position := range dbIndex {
		row, ok := exchIndex[key]
		if !ok {
			continue
		}
		if position.SizeBase.Equal(row.Size) {
			continue
		}

		oldBase, oldQuote := position.SizeBase, position.SizeQuote
		position.SizeBase = row.Size
		position.SizeQuote = row.Size.Mul(row.EntryPrice).Abs()

		if err := s.positions.Update(ctx, position); err != nil {
			return fmt.Errorf("reconciliation: update position size %s: %w", position.ID, err)
		}

		s.logger.InfoContext(ctx, "position size reconciled with exchange",
			slog.String("position_id", position.ID.String()),
			slog.String("symbol", position.Symbol),
			slog.String("direction", string(position.Direction)),
			slog.String("old_size_base", oldBase.String()),
			slog.String("new_size_base", position.SizeBase.String()),
			slog.String("old_size_quote", oldQuote.String()),
			slog.String("new_size_quote", position.SizeQuote.String()),
		)
	}
	return nil
}

// firstDecimalField reads the first present of the given field names off
// a simplejson object and tolerantly converts it to decimal.Decimal.
func firstDecimalField(js *simplejson.Json, fields ...string) (decimal.Decimal, bool) {
	for _, field := range fields {
		v, ok := js.CheckGet(field)
		if !ok {
			continue
		}
		if s, err := v.String(); err == nil && s != "" {
			if d, parseErr := decimal.NewFromString(s); parseErr == nil {
				return d, true
			}
		}
		if f, err := v.Float64(); err == nil {
			return decimal.NewFromFloat(f), true
		}
	}
	return decimal.Zero, false
}
