package execution_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitly/go-simplejson"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/domain"
	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/execution"
)

func silentLogger() *slog.Logger {
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

// fakeOrderREST stubs PlaceOrder/GetOrder/CancelOrder. getOrderResponses is
// consumed in order, one per GetOrder call, repeating the last entry once
// exhausted.
type fakeOrderREST struct {
	placeResp         *simplejson.Json
	placeErr          error
	getOrderResponses []*simplejson.Json
	getOrderCalls     int32
	cancelCalls       int32
}

func (f *fakeOrderREST) PlaceOrder(ctx context.Context, body map[string]any) (*simplejson.Json, error) {
	return f.placeResp, f.placeErr
}

func (f *fakeOrderREST) GetOrder(ctx context.Context, symbol, orderID string) (*simplejson.Json, error) {
	i := atomic.AddInt32(&f.getOrderCalls, 1) - 1
	if int(i) >= len(f.getOrderResponses) {
		i = int32(len(f.getOrderResponses) - 1)
	}
	return f.getOrderResponses[i], nil
}

func (f *fakeOrderREST) CancelOrder(ctx context.Context, symbol, orderID string) (*simplejson.Json, error) {
	atomic.AddInt32(&f.cancelCalls, 1)
	return nil, nil
}

func freshSignal(now time.Time) domain.Signal {
	return domain.Signal{
		ID:         uuid.New(),
		CreatedAt:  now,
		Symbol:     "BTCUSDT",
		Direction:  domain.DirectionLong,
		EntryPrice: decimal.NewFromInt(100),
		StakeUSD:   decimal.NewFromInt(1000),
	}
}

func newTestOrderManager(t *testing.T, rest execution.OrderREST, risk execution.RiskChecker, signals *fakeSignalStore, positions *fakePositionStore) *execution.OrderManager {
	t.Helper()
	return execution.NewOrderManager(rest, risk, signals, positions, execution.OrderManagerConfig{
		PollInterval: 5 * time.Millisecond,
		OrderTimeout: 200 * time.Millisecond,
	}, silentLogger())
}

func TestOrderManager_RejectsStaleSignal(t *testing.T) {
	now := time.Now()
	sig := freshSignal(now.Add(-time.Hour))
	signals := newFakeSignalStore(sig)
	positions := newFakePositionStore()
	risk := &fakeRiskChecker{allowed: true}

	om := newTestOrderManager(t, &fakeOrderREST{}, risk, signals, positions)

	_, err := om.PlaceOrder(context.Background(), sig.ID, now)
	assert.ErrorIs(t, err, domain.ErrSignalStale)

	stored, _ := signals.get(sig.ID)
	require.NotNil(t, stored.ErrorMessage)
}

func TestOrderManager_RejectsWhenRiskCheckFails(t *testing.T) {
	now := time.Now()
	sig := freshSignal(now)
	signals := newFakeSignalStore(sig)
	positions := newFakePositionStore()
	risk := &fakeRiskChecker{allowed: false, reason: "max_concurrent"}

	om := newTestOrderManager(t, &fakeOrderREST{}, risk, signals, positions)

	_, err := om.PlaceOrder(context.Background(), sig.ID, now)
	assert.ErrorIs(t, err, domain.ErrOrderPlacement)
	assert.Contains(t, err.Error(), "max_concurrent")
}

func TestOrderManager_FullFillOpensPositionWithSlippage(t *testing.T) {
	now := time.Now()
	sig := freshSignal(now)
	signals := newFakeSignalStore(sig)
	positions := newFakePositionStore()
	risk := &fakeRiskChecker{allowed: true}

	rest := &fakeOrderREST{
		placeResp: mustJSON(t, map[string]any{"result": map[string]any{"orderId": "order-1"}}),
		getOrderResponses: []*simplejson.Json{
			mustJSON(t, map[string]any{"result": map[string]any{"list": []any{
				map[string]any{"orderStatus": "FILLED", "qty": "10", "cumExecQty": "10", "avgPrice": "101"},
			}}}),
		},
	}

	om := newTestOrderManager(t, rest, risk, signals, positions)

	pos, err := om.PlaceOrder(context.Background(), sig.ID, now)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	assert.True(t, pos.FillRatio.Equal(decimal.NewFromInt(1)))
	// long: (101/100 - 1) * 10000 = 100 bps
	assert.True(t, pos.SlippageBps.Equal(decimal.NewFromInt(100)), "got %s", pos.SlippageBps)

	stored := positions.one()
	assert.Equal(t, pos.ID, stored.ID)
}

func TestOrderManager_UnderfillCancelsOrderAndReturnsError(t *testing.T) {
	now := time.Now()
	sig := freshSignal(now)
	signals := newFakeSignalStore(sig)
	positions := newFakePositionStore()
	risk := &fakeRiskChecker{allowed: true}

	rest := &fakeOrderREST{
		placeResp: mustJSON(t, map[string]any{"result": map[string]any{"orderId": "order-1"}}),
		getOrderResponses: []*simplejson.Json{
			mustJSON(t, map[string]any{"result": map[string]any{"list": []any{
				map[string]any{"orderStatus": "CANCELED", "qty": "10", "cumExecQty": "2", "avgPrice": "101"},
			}}}),
		},
	}

	om := newTestOrderManager(t, rest, risk, signals, positions)

	_, err := om.PlaceOrder(context.Background(), sig.ID, now)
	assert.ErrorIs(t, err, domain.ErrOrderPlacement)
	assert.Contains(t, err.Error(), "underfilled")
	assert.Equal(t, int32(1), atomic.LoadInt32(&rest.cancelCalls))
}

func TestOrderManager_MissingOrderIDErrors(t *testing.T) {
	now := time.Now()
	sig := freshSignal(now)
	signals := newFakeSignalStore(sig)
	positions := newFakePositionStore()
	risk := &fakeRiskChecker{allowed: true}

	rest := &fakeOrderREST{placeResp: mustJSON(t, map[string]any{"result": map[string]any{}})}

	om := newTestOrderManager(t, rest, risk, signals, positions)

	_, err := om.PlaceOrder(context.Background(), sig.ID, now)
	assert.ErrorIs(t, err, domain.ErrOrderPlacement)
	assert.Contains(t, err.Error(), "orderId")
}

func TestOrderManager_TimeoutWhileWaitingForFillsErrors(t *testing.T) {
	now := time.Now()
	sig := freshSignal(now)
	signals := newFakeSignalStore(sig)
	positions := newFakePositionStore()
	risk := &fakeRiskChecker{allowed: true}

	rest := &fakeOrderREST{
		placeResp: mustJSON(t, map[string]any{"result": map[string]any{"orderId": "order-1"}}),
		getOrderResponses: []*simplejson.Json{
			mustJSON(t, map[string]any{"result": map[string]any{"list": []any{
				map[string]any{"orderStatus": "NEW", "qty": "10", "cumExecQty": "1", "avgPrice": "100"},
			}}}),
		},
	}

	om := execution.NewOrderManager(rest, risk, signals, positions, execution.OrderManagerConfig{
		PollInterval: 5 * time.Millisecond,
		OrderTimeout: 20 * time.Millisecond,
	}, silentLogger())

	_, err := om.PlaceOrder(context.Background(), sig.ID, now)
	assert.ErrorIs(t, err, domain.ErrOrderPlacement)
}
