package calibration_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/calibration"
	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeKVStore struct {
	data map[string]string
}

func newFakeKVStore() *fakeKVStore {
	return &fakeKVStore{data: map[string]string{}}
}

func (f *fakeKVStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeKVStore) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	f.data[key] = value
	return nil
}

func (f *fakeKVStore) Set(ctx context.Context, key, value string) error {
	f.data[key] = value
	return nil
}

func (f *fakeKVStore) Del(ctx context.Context, key string) error {
	delete(f.data, key)
	return nil
}

type fakeSignalSource struct {
	signals []domain.Signal
}

func (f *fakeSignalSource) ListRecent(ctx context.Context, symbol string, since time.Time, limit int) ([]domain.Signal, error) {
	var out []domain.Signal
	for _, s := range f.signals {
		if !s.CreatedAt.Before(since) {
			out = append(out, s)
		}
	}
	return out, nil
}

func signalAt(hour int, probability float64, createdAt time.Time) domain.Signal {
	return domain.Signal{
		ID:          uuid.New(),
		CreatedAt:   time.Date(createdAt.Year(), createdAt.Month(), createdAt.Day(), hour, 0, 0, 0, time.UTC),
		Symbol:      "BTCUSDT",
		Probability: decimal.NewFromFloat(probability),
	}
}

func TestCalibrate_FallsBackToThetaMinWhenNoSignals(t *testing.T) {
	kv := newFakeKVStore()
	source := &fakeSignalSource{}
	svc := calibration.NewService(kv, source, calibration.DefaultParams(), testLogger())

	now := time.Now().UTC()
	thetaMap, err := svc.Calibrate(context.Background(), now, "")
	require.NoError(t, err)

	for h := 0; h < 24; h++ {
		assert.True(t, thetaMap[h].Equal(calibration.DefaultParams().ThetaMin), "hour %d", h)
	}
	_, baselineSaved := kv.data[calibration.DefaultParams().RedisPSIBaselineKey]
	assert.False(t, baselineSaved, "baseline must not be overwritten when there are no signals")
}

func TestCalibrate_ComputesQuantilePerHourAndClamps(t *testing.T) {
	kv := newFakeKVStore()
	now := time.Now().UTC()

	var signals []domain.Signal
	for i := 1; i <= 10; i++ {
		signals = append(signals, signalAt(5, float64(i)/10.0, now.Add(-time.Hour)))
	}
	source := &fakeSignalSource{signals: signals}

	params := calibration.DefaultParams()
	svc := calibration.NewService(kv, source, params, testLogger())

	thetaMap, err := svc.Calibrate(context.Background(), now, "")
	require.NoError(t, err)

	assert.True(t, thetaMap[5].GreaterThanOrEqual(params.ThetaMin))
	assert.True(t, thetaMap[5].LessThanOrEqual(params.ThetaMax))
	// hours with no data fall back to theta_min
	assert.True(t, thetaMap[0].Equal(params.ThetaMin))

	raw, ok := kv.data[params.RedisThetaKey]
	require.True(t, ok)
	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(raw), &payload))
	assert.NotEmpty(t, payload["5"])

	_, baselineSaved := kv.data[params.RedisPSIBaselineKey]
	assert.True(t, baselineSaved)
}

func TestCheckPSIDrift_NoBaselineReturnsNilNotOK(t *testing.T) {
	kv := newFakeKVStore()
	source := &fakeSignalSource{}
	svc := calibration.NewService(kv, source, calibration.DefaultParams(), testLogger())

	psi, ok, err := svc.CheckPSIDrift(context.Background(), time.Now().UTC(), "")
	require.NoError(t, err)
	assert.Nil(t, psi)
	assert.False(t, ok)
}

func TestCheckPSIDrift_IdenticalDistributionIsOK(t *testing.T) {
	kv := newFakeKVStore()
	now := time.Now().UTC()

	var signals []domain.Signal
	for i := 1; i <= 10; i++ {
		signals = append(signals, signalAt(i%24, float64(i)/10.0, now.Add(-time.Hour)))
	}
	source := &fakeSignalSource{signals: signals}
	params := calibration.DefaultParams()
	svc := calibration.NewService(kv, source, params, testLogger())

	_, err := svc.Calibrate(context.Background(), now, "")
	require.NoError(t, err)

	psi, ok, err := svc.CheckPSIDrift(context.Background(), now, "")
	require.NoError(t, err)
	require.NotNil(t, psi)
	assert.True(t, ok)
	assert.True(t, psi.LessThanOrEqual(params.PSIThreshold))
}

func TestCheckPSIDrift_NoOOSSignalsReturnsNilNotOK(t *testing.T) {
	kv := newFakeKVStore()
	now := time.Now().UTC()
	source := &fakeSignalSource{signals: []domain.Signal{signalAt(5, 0.5, now.Add(-time.Hour))}}
	params := calibration.DefaultParams()
	svc := calibration.NewService(kv, source, params, testLogger())

	_, err := svc.Calibrate(context.Background(), now, "")
	require.NoError(t, err)

	// advance well past the OOS window so the next check sees nothing
	future := now.Add(time.Duration(params.OOSDays+1) * 24 * time.Hour)
	psi, ok, err := svc.CheckPSIDrift(context.Background(), future, "")
	require.NoError(t, err)
	assert.Nil(t, psi)
	assert.False(t, ok)
}
