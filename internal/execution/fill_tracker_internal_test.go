package execution

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type trackerFakePositionStore struct {
	positions map[uuid.UUID]domain.Position
}

func newTrackerFakePositionStore(positions ...domain.Position) *trackerFakePositionStore {
	m := map[uuid.UUID]domain.Position{}
	for _, p := range positions {
		m[p.ID] = p
	}
	return &trackerFakePositionStore{positions: m}
}

func (s *trackerFakePositionStore) Create(ctx context.Context, pos domain.Position) error {
	s.positions[pos.ID] = pos
	return nil
}
func (s *trackerFakePositionStore) Update(ctx context.Context, pos domain.Position) error {
	s.positions[pos.ID] = pos
	return nil
}
func (s *trackerFakePositionStore) GetByID(ctx context.Context, id uuid.UUID) (domain.Position, error) {
	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}
func (s *trackerFakePositionStore) ListBySignal(ctx context.Context, signalID uuid.UUID) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range s.positions {
		if p.SignalID == signalID {
			out = append(out, p)
		}
	}
	return out, nil
}
func (s *trackerFakePositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) { return nil, nil }
func (s *trackerFakePositionStore) MarkClosed(ctx context.Context, id uuid.UUID, closedAt time.Time) error {
	p, ok := s.positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.ClosedAt = &closedAt
	p.Status = domain.PositionStatusClosed
	s.positions[id] = p
	return nil
}
func (s *trackerFakePositionStore) ListArchivableBefore(ctx context.Context, before time.Time, limit int) ([]domain.Position, error) {
	return nil, nil
}
func (s *trackerFakePositionStore) DeleteBatch(ctx context.Context, ids []uuid.UUID) error { return nil }

func TestIterOrderEvents_UnwrapsListAndDict(t *testing.T) {
	rows := iterOrderEvents(map[string]any{"data": []any{map[string]any{"a": 1}, map[string]any{"b": 2}}})
	assert.Len(t, rows, 2)

	rows = iterOrderEvents(map[string]any{"data": map[string]any{"a": 1}})
	assert.Len(t, rows, 1)

	rows = iterOrderEvents(map[string]any{"execQty": "1"})
	assert.Len(t, rows, 1)
}

func TestIsFillEvent_RequiresPositiveExecQty(t *testing.T) {
	assert.True(t, isFillEvent(map[string]any{"execQty": "1.5"}))
	assert.True(t, isFillEvent(map[string]any{"cumExecQty": "2"}))
	assert.False(t, isFillEvent(map[string]any{"execQty": "0"}))
	assert.False(t, isFillEvent(map[string]any{}))
}

func TestIsFullyFilled_ByStatusOrQuantity(t *testing.T) {
	assert.True(t, isFullyFilled(map[string]any{"orderStatus": "Filled"}))
	assert.True(t, isFullyFilled(map[string]any{"qty": "5", "cumExecQty": "5"}))
	assert.False(t, isFullyFilled(map[string]any{"qty": "5", "cumExecQty": "2"}))
}

func TestExtractSignalID_ParsesOrderLinkId(t *testing.T) {
	id := uuid.New()
	got, ok := extractSignalID(map[string]any{"orderLinkId": id.String()})
	require.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = extractSignalID(map[string]any{"orderLinkId": "not-a-uuid"})
	assert.False(t, ok)

	_, ok = extractSignalID(map[string]any{})
	assert.False(t, ok)
}

func TestHandleOrderEvent_PartialFillUpdatesRatioWithoutClosing(t *testing.T) {
	signalID := uuid.New()
	pos := domain.Position{
		ID:         uuid.New(),
		SignalID:   signalID,
		Symbol:     "BTCUSDT",
		Direction:  domain.DirectionLong,
		EntryPrice: decimal.NewFromInt(100),
		Status:     domain.PositionStatusOpen,
	}
	positions := newTrackerFakePositionStore(pos)
	tracker := NewFillTracker(nil, positions, nil, testLogger())

	event := map[string]any{
		"orderLinkId": signalID.String(),
		"execQty":     "3",
		"qty":         "10",
		"cumExecQty":  "3",
		"orderStatus": "PartiallyFilled",
	}
	tracker.handleOrderEvent(context.Background(), event, 1)

	updated := positions.positions[pos.ID]
	assert.True(t, updated.FillRatio.Equal(decimal.NewFromFloat(0.3)))
	assert.Nil(t, updated.ClosedAt)
}

func TestHandleOrderEvent_ReduceOnlyFullFillClosesPosition(t *testing.T) {
	signalID := uuid.New()
	pos := domain.Position{
		ID:         uuid.New(),
		SignalID:   signalID,
		Symbol:     "BTCUSDT",
		Direction:  domain.DirectionLong,
		EntryPrice: decimal.NewFromInt(100),
		Status:     domain.PositionStatusOpen,
	}
	positions := newTrackerFakePositionStore(pos)
	slippage := NewSlippageMonitor(positions, SlippageConfig{}, testLogger())
	tracker := NewFillTracker(nil, positions, slippage, testLogger())

	event := map[string]any{
		"orderLinkId": signalID.String(),
		"execQty":     "10",
		"qty":         "10",
		"cumExecQty":  "10",
		"orderStatus": "Filled",
		"reduceOnly":  true,
		"price":       "105",
		"avgPrice":    "104",
	}
	tracker.handleOrderEvent(context.Background(), event, 1)

	updated := positions.positions[pos.ID]
	require.NotNil(t, updated.ClosedAt)
	assert.Equal(t, domain.PositionStatusClosed, updated.Status)
	// exit: (104/105 - 1) * 10000 ~= -95.24 bps
	assert.True(t, updated.SlippageBps.IsNegative())
}

func TestHandleOrderEvent_ReduceOnlyFullFillClosesShortPosition(t *testing.T) {
	signalID := uuid.New()
	pos := domain.Position{
		ID:         uuid.New(),
		SignalID:   signalID,
		Symbol:     "BTCUSDT",
		Direction:  domain.DirectionShort,
		EntryPrice: decimal.NewFromInt(100),
		Status:     domain.PositionStatusOpen,
	}
	positions := newTrackerFakePositionStore(pos)
	slippage := NewSlippageMonitor(positions, SlippageConfig{}, testLogger())
	tracker := NewFillTracker(nil, positions, slippage, testLogger())

	event := map[string]any{
		"orderLinkId": signalID.String(),
		"execQty":     "10",
		"qty":         "10",
		"cumExecQty":  "10",
		"orderStatus": "Filled",
		"reduceOnly":  true,
		"price":       "100",
		"avgPrice":    "105",
	}
	tracker.handleOrderEvent(context.Background(), event, 1)

	updated := positions.positions[pos.ID]
	require.NotNil(t, updated.ClosedAt)
	assert.Equal(t, domain.PositionStatusClosed, updated.Status)
	// short exit: (100/105 - 1) * 10000 ~= -476.19 bps
	expected := decimal.NewFromInt(100).Div(decimal.NewFromInt(105)).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(10000))
	assert.True(t, updated.SlippageBps.Sub(expected).Abs().LessThan(decimal.NewFromFloat(0.01)))
	assert.True(t, updated.SlippageBps.IsNegative())
}

func TestHandleOrderEvent_IgnoresNonFillEvents(t *testing.T) {
	signalID := uuid.New()
	pos := domain.Position{ID: uuid.New(), SignalID: signalID, FillRatio: decimal.Zero}
	positions := newTrackerFakePositionStore(pos)
	tracker := NewFillTracker(nil, positions, nil, testLogger())

	tracker.handleOrderEvent(context.Background(), map[string]any{"orderLinkId": signalID.String(), "orderStatus": "New"}, 1)

	assert.True(t, positions.positions[pos.ID].FillRatio.IsZero())
}

func TestHandleOrderEvent_UnknownSignalIDNoOp(t *testing.T) {
	positions := newTrackerFakePositionStore()
	tracker := NewFillTracker(nil, positions, nil, testLogger())

	tracker.handleOrderEvent(context.Background(), map[string]any{"orderLinkId": uuid.New().String(), "execQty": "1"}, 1)
	assert.Empty(t, positions.positions)
}

func TestExtractEventTime_ParsesMillisecondEpoch(t *testing.T) {
	ts := extractEventTime(map[string]any{"execTime": "1700000000000"})
	assert.Equal(t, int64(1700000000), ts.Unix())
}

func TestExtractEventTime_DefaultsToNowWhenAbsent(t *testing.T) {
	before := time.Now().Add(-time.Second)
	ts := extractEventTime(map[string]any{})
	assert.True(t, ts.After(before))
}
