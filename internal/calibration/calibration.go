// Package calibration implements offline calibration of the AVI-5
// probability threshold: an hourly theta(h) map derived from historical
// signal quantiles, and PSI-based drift detection against a saved
// probability-distribution baseline.
package calibration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/domain"
)

const histogramBins = 10

// SignalSource is the subset of the signal store calibration depends on.
type SignalSource interface {
	ListRecent(ctx context.Context, symbol string, since time.Time, limit int) ([]domain.Signal, error)
}

// Params holds calibration's tunable parameters. These are not part of the
// global runtime config since they are mostly relevant to offline jobs and
// experimentation.
type Params struct {
	TrainDays int
	OOSDays   int

	ThetaMin       decimal.Decimal
	ThetaMax       decimal.Decimal
	TargetQuantile decimal.Decimal

	PSIThreshold decimal.Decimal

	RedisThetaKey       string
	RedisPSIBaselineKey string

	// HistoryLimit bounds how many signals a single calibration or drift
	// check pulls from the store; since-filtering is left to the store.
	HistoryLimit int
}

// DefaultParams matches the documented defaults.
func DefaultParams() Params {
	return Params{
		TrainDays:           180,
		OOSDays:             30,
		ThetaMin:            decimal.RequireFromString("0.15"),
		ThetaMax:            decimal.RequireFromString("0.50"),
		TargetQuantile:      decimal.RequireFromString("0.7"),
		PSIThreshold:        decimal.RequireFromString("0.2"),
		RedisThetaKey:       "avi5:calibration:theta_per_hour",
		RedisPSIBaselineKey: "avi5:calibration:probability_hist_baseline",
		HistoryLimit:        10_000,
	}
}

// Service recomputes the hourly probability threshold map and tracks
// distribution drift via PSI. It has no HTTP/CLI surface of its own;
// external jobs call Calibrate and CheckPSIDrift on a schedule.
type Service struct {
	kv      domain.KVStore
	signals SignalSource
	params  Params
	logger  *slog.Logger
}

// NewService constructs a Service. A zero-value Params falls back to
// DefaultParams.
func NewService(kv domain.KVStore, signals SignalSource, params Params, logger *slog.Logger) *Service {
	if params.ThetaMin.IsZero() && params.ThetaMax.IsZero() {
		params = DefaultParams()
	}
	if params.HistoryLimit <= 0 {
		params.HistoryLimit = 10_000
	}
	return &Service{
		kv:      kv,
		signals: signals,
		params:  params,
		logger:  logger.With(slog.String("component", "calibration")),
	}
}

// Calibrate rebuilds theta(h) from the train-window signal history and
// writes it to the KV store as JSON, keyed by hour-of-day string. When no
// signals are found in the window, every hour falls back to ThetaMin and
// the PSI baseline histogram is left untouched rather than overwritten
// with an empty sample.
func (s *Service) Calibrate(ctx context.Context, now time.Time, symbol string) (map[int]decimal.Decimal, error) {
	trainSince := now.Add(-time.Duration(s.params.TrainDays) * 24 * time.Hour)

	s.logger.InfoContext(ctx, "starting calibration",
		slog.String("symbol", symbol),
		slog.Time("train_since", trainSince),
		slog.Int("train_days", s.params.TrainDays),
	)

	signals, err := s.signals.ListRecent(ctx, symbol, trainSince, s.params.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("calibration: load signals: %w", err)
	}

	var thetaMap map[int]decimal.Decimal
	if len(signals) == 0 {
		s.logger.WarnContext(ctx, "no signals found for calibration window; falling back to theta_min for every hour")
		thetaMap = make(map[int]decimal.Decimal, 24)
		for h := 0; h < 24; h++ {
			thetaMap[h] = s.params.ThetaMin
		}
		s.logger.WarnContext(ctx, "skipping PSI baseline update: no signals available for calibration window")
	} else {
		thetaMap = s.buildThetaMap(signals)

		hist, err := buildProbabilityHistogram(signals, histogramBins)
		if err != nil {
			return nil, fmt.Errorf("calibration: build histogram: %w", err)
		}
		if err := s.saveHistogramBaseline(ctx, hist); err != nil {
			return nil, fmt.Errorf("calibration: save histogram baseline: %w", err)
		}
	}

	if err := s.saveThetaMap(ctx, thetaMap); err != nil {
		return nil, fmt.Errorf("calibration: save theta map: %w", err)
	}

	s.logger.InfoContext(ctx, "calibration finished")
	return thetaMap, nil
}

// CheckPSIDrift computes the Population Stability Index between the saved
// baseline histogram and the current out-of-sample window, returning a nil
// psi when either the baseline or the current sample is unavailable.
func (s *Service) CheckPSIDrift(ctx context.Context, now time.Time, symbol string) (*decimal.Decimal, bool, error) {
	baseline, err := s.loadHistogramBaseline(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("calibration: load psi baseline: %w", err)
	}
	if baseline == nil {
		s.logger.WarnContext(ctx, "psi baseline is missing; cannot compute drift")
		return nil, false, nil
	}

	oosSince := now.Add(-time.Duration(s.params.OOSDays) * 24 * time.Hour)
	signals, err := s.signals.ListRecent(ctx, symbol, oosSince, s.params.HistoryLimit)
	if err != nil {
		return nil, false, fmt.Errorf("calibration: load oos signals: %w", err)
	}
	if len(signals) == 0 {
		s.logger.WarnContext(ctx, "no signals in oos window; psi is undefined")
		return nil, false, nil
	}

	currentHist, err := buildProbabilityHistogram(signals, histogramBins)
	if err != nil {
		return nil, false, fmt.Errorf("calibration: build oos histogram: %w", err)
	}

	psi, err := computePSI(baseline, currentHist)
	if err != nil {
		return nil, false, fmt.Errorf("calibration: compute psi: %w", err)
	}

	ok := psi.LessThanOrEqual(s.params.PSIThreshold)
	s.logger.InfoContext(ctx, "psi drift check",
		slog.String("psi", psi.String()),
		slog.String("psi_threshold", s.params.PSIThreshold.String()),
		slog.Bool("is_ok", ok),
	)

	return &psi, ok, nil
}

// ThetaForHour returns the calibrated probability threshold for the given
// hour of day (0-23), reading the most recently saved theta map from the
// KV store. It falls back to ThetaMin when no theta map has been saved yet
// or the saved map has no entry for hour, so callers always get a usable
// value before the first Calibrate run completes.
func (s *Service) ThetaForHour(ctx context.Context, hour int) (decimal.Decimal, error) {
	raw, ok, err := s.kv.Get(ctx, s.params.RedisThetaKey)
	if err != nil {
		return decimal.Zero, fmt.Errorf("calibration: load theta map: %w", err)
	}
	if !ok {
		return s.params.ThetaMin, nil
	}

	var payload map[string]string
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		s.logger.ErrorContext(ctx, "failed to decode theta map; falling back to theta_min", slog.String("error", err.Error()))
		return s.params.ThetaMin, nil
	}

	v, ok := payload[fmt.Sprintf("%d", hour)]
	if !ok {
		return s.params.ThetaMin, nil
	}
	theta, err := decimal.NewFromString(v)
	if err != nil {
		s.logger.ErrorContext(ctx, "invalid theta entry for hour; falling back to theta_min",
			slog.Int("hour", hour), slog.String("raw", v))
		return s.params.ThetaMin, nil
	}
	return theta, nil
}

// buildThetaMap computes, for each hour of day, the TargetQuantile of
// probability among signals created in that hour, clamped to
// [ThetaMin, ThetaMax]. Hours with no signals fall back to ThetaMin.
func (s *Service) buildThetaMap(signals []domain.Signal) map[int]decimal.Decimal {
	buckets := make(map[int][]decimal.Decimal, 24)
	for h := 0; h < 24; h++ {
		buckets[h] = nil
	}
	for _, sig := range signals {
		hour := sig.CreatedAt.Hour()
		buckets[hour] = append(buckets[hour], sig.Probability)
	}

	thetaMap := make(map[int]decimal.Decimal, 24)
	for hour := 0; hour < 24; hour++ {
		probs := buckets[hour]
		if len(probs) == 0 {
			thetaMap[hour] = s.params.ThetaMin
			continue
		}

		sort.Slice(probs, func(i, j int) bool { return probs[i].LessThan(probs[j]) })
		candidate := probs[quantileIndex(s.params.TargetQuantile, len(probs))]

		if candidate.LessThan(s.params.ThetaMin) {
			candidate = s.params.ThetaMin
		}
		if candidate.GreaterThan(s.params.ThetaMax) {
			candidate = s.params.ThetaMax
		}
		thetaMap[hour] = candidate
	}
	return thetaMap
}

// quantileIndex computes floor(q * (n-1)), rounded to the nearest integer
// and clamped into [0, n-1].
func quantileIndex(q decimal.Decimal, n int) int {
	raw, _ := q.Mul(decimal.NewFromInt(int64(n - 1))).Float64()
	idx := int(math.Round(raw))
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return idx
}

// buildProbabilityHistogram bins signal probabilities uniformly over
// [0, 1] into the given number of bins and normalises counts to
// fractions summing to 1.
func buildProbabilityHistogram(signals []domain.Signal, bins int) ([]decimal.Decimal, error) {
	if len(signals) == 0 {
		return nil, fmt.Errorf("calibration: cannot build histogram from empty probability set")
	}

	counts := make([]int, bins)
	for _, sig := range signals {
		counts[probabilityBin(sig.Probability, bins)]++
	}

	total := decimal.NewFromInt(int64(len(signals)))
	hist := make([]decimal.Decimal, bins)
	for i, c := range counts {
		hist[i] = decimal.NewFromInt(int64(c)).Div(total)
	}
	return hist, nil
}

func probabilityBin(p decimal.Decimal, bins int) int {
	one := decimal.NewFromInt(1)
	switch {
	case p.IsNegative():
		return 0
	case p.GreaterThanOrEqual(one):
		return bins - 1
	}
	raw, _ := p.Mul(decimal.NewFromInt(int64(bins))).Float64()
	idx := int(raw)
	if idx >= bins {
		idx = bins - 1
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}

// computePSI computes the Population Stability Index between two
// histograms of equal length: sum((a_i - e_i) * ln(a_i / e_i)), with zero
// bins replaced by a small epsilon to avoid division by zero.
func computePSI(expected, actual []decimal.Decimal) (decimal.Decimal, error) {
	if len(expected) != len(actual) {
		return decimal.Zero, fmt.Errorf("calibration: psi histograms must have the same length")
	}

	epsilon := decimal.RequireFromString("0.000001")
	psi := decimal.Zero

	for i := range expected {
		e, a := expected[i], actual[i]
		if !e.IsPositive() {
			e = epsilon
		}
		if !a.IsPositive() {
			a = epsilon
		}

		diff := a.Sub(e)
		ratioFloat, _ := a.Div(e).Float64()
		logRatio := decimal.NewFromFloat(math.Log(ratioFloat))

		psi = psi.Add(diff.Mul(logRatio))
	}
	return psi, nil
}

func (s *Service) saveThetaMap(ctx context.Context, thetaMap map[int]decimal.Decimal) error {
	payload := make(map[string]string, len(thetaMap))
	for h, v := range thetaMap {
		payload[fmt.Sprintf("%d", h)] = v.String()
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, s.params.RedisThetaKey, string(raw)); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "theta map saved", slog.String("key", s.params.RedisThetaKey))
	return nil
}

func (s *Service) saveHistogramBaseline(ctx context.Context, hist []decimal.Decimal) error {
	payload := make([]string, len(hist))
	for i, v := range hist {
		payload[i] = v.String()
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, s.params.RedisPSIBaselineKey, string(raw)); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "psi baseline histogram saved", slog.String("key", s.params.RedisPSIBaselineKey))
	return nil
}

// loadHistogramBaseline returns nil (with no error) if no baseline is
// present, consistent with the optional nature of PSI drift checks before
// the first calibration run.
func (s *Service) loadHistogramBaseline(ctx context.Context) ([]decimal.Decimal, error) {
	raw, ok, err := s.kv.Get(ctx, s.params.RedisPSIBaselineKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		s.logger.ErrorContext(ctx, "failed to decode psi baseline histogram; treating as missing",
			slog.String("error", err.Error()),
		)
		return nil, nil
	}

	hist := make([]decimal.Decimal, 0, len(items))
	for _, item := range items {
		d, err := decimal.NewFromString(item)
		if err != nil {
			s.logger.ErrorContext(ctx, "invalid histogram entry in psi baseline, skipping entry",
				slog.String("raw_item", item),
			)
			continue
		}
		hist = append(hist, d)
	}
	if len(hist) == 0 {
		return nil, nil
	}
	return hist, nil
}
