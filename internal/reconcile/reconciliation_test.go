package reconcile_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bitly/go-simplejson"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/domain"
	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/reconcile"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustJSON(t *testing.T, v map[string]any) *simplejson.Json {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	js, err := simplejson.NewJson(raw)
	require.NoError(t, err)
	return js
}

// fakeLockManager always grants the lock unless told to deny it, and
// records whether Acquire was called with a try-once (tiny) maxWait.
type fakeLockManager struct {
	deny bool
}

func (f *fakeLockManager) Acquire(ctx context.Context, name string, ttl, retryInterval, maxWait time.Duration) (func(), bool, error) {
	if f.deny {
		return nil, false, nil
	}
	return func() {}, true, nil
}

type fakeExchangeREST struct {
	resp *simplejson.Json
	err  error
}

func (f *fakeExchangeREST) GetPositions(ctx context.Context, symbol string) (*simplejson.Json, error) {
	return f.resp, f.err
}

// fakePositionStore is a minimal in-memory domain.PositionStore for tests.
type fakePositionStore struct {
	mu        sync.Mutex
	positions map[uuid.UUID]domain.Position
}

func newFakePositionStore(positions ...domain.Position) *fakePositionStore {
	m := map[uuid.UUID]domain.Position{}
	for _, p := range positions {
		m[p.ID] = p
	}
	return &fakePositionStore{positions: m}
}

func (p *fakePositionStore) Create(ctx context.Context, pos domain.Position) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions[pos.ID] = pos
	return nil
}

func (p *fakePositionStore) Update(ctx context.Context, pos domain.Position) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions[pos.ID] = pos
	return nil
}

func (p *fakePositionStore) GetByID(ctx context.Context, id uuid.UUID) (domain.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos, nil
}

func (p *fakePositionStore) ListBySignal(ctx context.Context, signalID uuid.UUID) ([]domain.Position, error) {
	return nil, nil
}

func (p *fakePositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Position
	for _, pos := range p.positions {
		if pos.IsOpen() {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (p *fakePositionStore) MarkClosed(ctx context.Context, id uuid.UUID, closedAt time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	pos.ClosedAt = &closedAt
	pos.Status = domain.PositionStatusClosed
	p.positions[id] = pos
	return nil
}

func (p *fakePositionStore) ListArchivableBefore(ctx context.Context, before time.Time, limit int) ([]domain.Position, error) {
	return nil, nil
}

func (p *fakePositionStore) DeleteBatch(ctx context.Context, ids []uuid.UUID) error { return nil }

func (p *fakePositionStore) get(id uuid.UUID) domain.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positions[id]
}

func exchangeListResponse(t *testing.T, rows ...map[string]any) *simplejson.Json {
	return mustJSON(t, map[string]any{"result": map[string]any{"list": rows}})
}

func TestReconcile_SkipsSilentlyWhenLockHeld(t *testing.T) {
	lock := &fakeLockManager{deny: true}
	rest := &fakeExchangeREST{resp: exchangeListResponse(t)}
	positions := newFakePositionStore()

	svc := reconcile.NewService(lock, rest, positions, reconcile.DefaultConfig(), testLogger())
	err := svc.Reconcile(context.Background())
	assert.NoError(t, err)
}

func TestReconcile_ClosesPositionMissingOnExchange(t *testing.T) {
	pos := domain.Position{
		ID:        uuid.New(),
		Symbol:    "BTCUSDT",
		Direction: domain.DirectionLong,
		SizeBase:  decimal.NewFromInt(1),
		Status:    domain.PositionStatusOpen,
	}
	positions := newFakePositionStore(pos)
	lock := &fakeLockManager{}
	rest := &fakeExchangeREST{resp: exchangeListResponse(t)}

	svc := reconcile.NewService(lock, rest, positions, reconcile.DefaultConfig(), testLogger())
	require.NoError(t, svc.Reconcile(context.Background()))

	updated := positions.get(pos.ID)
	assert.Equal(t, domain.PositionStatusClosed, updated.Status)
	require.NotNil(t, updated.ClosedAt)
}

func TestReconcile_DoesNotCloseWhenConfiguredOff(t *testing.T) {
	pos := domain.Position{
		ID:        uuid.New(),
		Symbol:    "BTCUSDT",
		Direction: domain.DirectionLong,
		SizeBase:  decimal.NewFromInt(1),
		Status:    domain.PositionStatusOpen,
	}
	positions := newFakePositionStore(pos)
	lock := &fakeLockManager{}
	rest := &fakeExchangeREST{resp: exchangeListResponse(t)}

	cfg := reconcile.DefaultConfig()
	cfg.CloseMissingOnExchange = false
	svc := reconcile.NewService(lock, rest, positions, cfg, testLogger())
	require.NoError(t, svc.Reconcile(context.Background()))

	updated := positions.get(pos.ID)
	assert.Equal(t, domain.PositionStatusOpen, updated.Status)
	assert.Nil(t, updated.ClosedAt)
}

func TestReconcile_UpdatesSizeMismatch(t *testing.T) {
	pos := domain.Position{
		ID:        uuid.New(),
		Symbol:    "BTCUSDT",
		Direction: domain.DirectionLong,
		SizeBase:  decimal.NewFromInt(1),
		SizeQuote: decimal.NewFromInt(100),
		Status:    domain.PositionStatusOpen,
	}
	positions := newFakePositionStore(pos)
	lock := &fakeLockManager{}
	rest := &fakeExchangeREST{resp: exchangeListResponse(t, map[string]any{
		"symbol":     "BTCUSDT",
		"side":       "Buy",
		"size":       "1.5",
		"entryPrice": "100",
	})}

	svc := reconcile.NewService(lock, rest, positions, reconcile.DefaultConfig(), testLogger())
	require.NoError(t, svc.Reconcile(context.Background()))

	updated := positions.get(pos.ID)
	assert.True(t, updated.SizeBase.Equal(decimal.NewFromFloat(1.5)))
	assert.True(t, updated.SizeQuote.Equal(decimal.NewFromFloat(150)))
	assert.Equal(t, domain.PositionStatusOpen, updated.Status)
}

func TestReconcile_MatchingPositionUntouched(t *testing.T) {
	pos := domain.Position{
		ID:        uuid.New(),
		Symbol:    "BTCUSDT",
		Direction: domain.DirectionLong,
		SizeBase:  decimal.NewFromInt(1),
		SizeQuote: decimal.NewFromInt(100),
		Status:    domain.PositionStatusOpen,
	}
	positions := newFakePositionStore(pos)
	lock := &fakeLockManager{}
	rest := &fakeExchangeREST{resp: exchangeListResponse(t, map[string]any{
		"symbol":     "BTCUSDT",
		"side":       "Buy",
		"size":       "1",
		"entryPrice": "100",
	})}

	svc := reconcile.NewService(lock, rest, positions, reconcile.DefaultConfig(), testLogger())
	require.NoError(t, svc.Reconcile(context.Background()))

	updated := positions.get(pos.ID)
	assert.True(t, updated.SizeBase.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, domain.PositionStatusOpen, updated.Status)
}

func TestReconcile_UnknownSideRowSkipped(t *testing.T) {
	positions := newFakePositionStore()
	lock := &fakeLockManager{}
	rest := &fakeExchangeREST{resp: exchangeListResponse(t, map[string]any{
		"symbol": "BTCUSDT",
		"side":   "None",
		"size":   "1",
	})}

	svc := reconcile.NewService(lock, rest, positions, reconcile.DefaultConfig(), testLogger())
	assert.NoError(t, svc.Reconcile(context.Background()))
}

func TestReconcile_MissingInDBLoggedNotActedOn(t *testing.T) {
	positions := newFakePositionStore()
	lock := &fakeLockManager{}
	rest := &fakeExchangeREST{resp: exchangeListResponse(t, map[string]any{
		"symbol":     "ETHUSDT",
		"side":       "Sell",
		"size":       "2",
		"entryPrice": "3000",
	})}

	svc := reconcile.NewService(lock, rest, positions, reconcile.DefaultConfig(), testLogger())
	assert.NoError(t, svc.Reconcile(context.Background()))
	assert.Empty(t, positions.positions)
}
