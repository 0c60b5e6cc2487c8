package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/domain"
	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/platform/bybit"
)

// candleBufferCapacity bounds how many confirmed candles TradeMode keeps
// per symbol: enough tail for the widest ATR/Donchian window the signal
// engine is configured with, plus headroom.
const candleBufferCapacity = 200

// TradeMode runs the live trading loop: it subscribes to public kline
// streams for every configured symbol, feeds confirmed bars through the
// AVI-5 signal engine, persists any emitted signal, places the resulting
// order, and starts the fill tracker on the private stream in parallel.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	if deps.SignalEngine == nil || deps.OrderManager == nil || deps.PublicWS == nil {
		return fmt.Errorf("app: trade mode requires signal engine, order manager, and public WS to be wired")
	}

	symbols := deps.Config.Trading.Symbols
	if len(symbols) == 0 {
		return fmt.Errorf("app: trade mode requires at least one configured symbol")
	}
	interval := deps.Config.Trading.KlineInterval

	buffer := bybit.NewCandleBuffer(candleBufferCapacity)

	deps.PublicWS.OnMessage(a.tradeMessageHandler(ctx, deps, buffer))

	topics := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		topics = append(topics, fmt.Sprintf("kline.%s.%s", interval, strings.ToUpper(sym)))
	}
	if err := deps.PublicWS.Subscribe(ctx, topics...); err != nil {
		return fmt.Errorf("app: subscribe kline streams: %w", err)
	}
	a.logger.InfoContext(ctx, "subscribed to kline streams", slog.Any("symbols", symbols), slog.String("interval", interval))

	if deps.FillTracker != nil {
		if err := deps.FillTracker.Run(ctx); err != nil {
			return fmt.Errorf("app: fill tracker: %w", err)
		}
		defer func() {
			if err := deps.FillTracker.Wait(); err != nil {
				a.logger.ErrorContext(ctx, "fill tracker drain error", slog.String("error", err.Error()))
			}
		}()
	}

	<-ctx.Done()
	return nil
}

// tradeMessageHandler returns the WS message handler driving the
// candle-to-signal-to-order pipeline for one public connection shared by
// every subscribed symbol.
func (a *App) tradeMessageHandler(ctx context.Context, deps *Dependencies, buffer *bybit.CandleBuffer) bybit.MessageHandler {
	return func(channel string, data map[string]any, _ int64) {
		parts := strings.Split(channel, ".")
		if len(parts) != 3 || parts[0] != "kline" {
			return
		}
		symbol := parts[2]

		candle, confirmed, err := bybit.ParseConfirmedCandle(symbol, data)
		if err != nil {
			a.logger.WarnContext(ctx, "failed to parse kline message", slog.String("symbol", symbol), slog.String("error", err.Error()))
			return
		}
		if !confirmed {
			return
		}
		if err := candle.Validate(time.Now()); err != nil {
			a.logger.WarnContext(ctx, "dropping invalid candle", slog.String("symbol", symbol), slog.String("error", err.Error()))
			return
		}

		buffer.Push(candle)
		a.evaluateSignal(ctx, deps, symbol, buffer.Snapshot(symbol))
	}
}

// evaluateSignal runs the signal engine against the current candle tail for
// symbol and, if a signal is emitted, persists it and hands it to the order
// manager.
func (a *App) evaluateSignal(ctx context.Context, deps *Dependencies, symbol string, candles []domain.ConfirmedCandle) {
	now := time.Now()

	theta, err := deps.Calibrator.ThetaForHour(ctx, now.Hour())
	if err != nil {
		a.logger.WarnContext(ctx, "falling back to theta_min after lookup failure",
			slog.String("symbol", symbol), slog.String("error", err.Error()))
		theta = deps.Config.Calibration.ThetaMin
	}

	sig, err := deps.SignalEngine.Generate(ctx, candles, true, nil, theta, now)
	if err != nil {
		a.logger.ErrorContext(ctx, "signal engine failure", slog.String("symbol", symbol), slog.String("error", err.Error()))
		return
	}
	if sig == nil {
		return
	}

	if err := deps.SignalStore.Create(ctx, *sig); err != nil {
		a.logger.ErrorContext(ctx, "failed to persist signal", slog.String("signal_id", sig.ID.String()), slog.String("error", err.Error()))
		return
	}

	position, err := deps.OrderManager.PlaceOrder(ctx, sig.ID, now)
	if err != nil {
		a.logger.WarnContext(ctx, "order placement did not result in an open position",
			slog.String("signal_id", sig.ID.String()), slog.String("error", err.Error()))
		return
	}

	if err := deps.RiskManager.OnPositionOpened(ctx, position, now); err != nil {
		a.logger.ErrorContext(ctx, "failed to record anti-churn window", slog.String("position_id", position.ID.String()), slog.String("error", err.Error()))
	}
}

// ReconcileMode runs one reconciliation pass against the exchange's live
// position list and exits. It is intended to be invoked on a schedule by
// an external process supervisor rather than looped internally.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	if deps.Reconciler == nil {
		return fmt.Errorf("app: reconcile mode requires the reconciliation service to be wired")
	}
	interval := time.Duration(deps.Config.Reconciliation.RunIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := deps.Reconciler.Reconcile(ctx); err != nil {
		a.logger.ErrorContext(ctx, "reconciliation pass failed", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := deps.Reconciler.Reconcile(ctx); err != nil {
				a.logger.ErrorContext(ctx, "reconciliation pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// ArchiveMode runs one archival pass, moving aged signals and positions to
// cold storage, and exits.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	if deps.Archiver == nil {
		return fmt.Errorf("app: archive mode requires the archiver to be wired")
	}
	return deps.Archiver.RunOnce(ctx, time.Now())
}

// CalibrateMode recomputes the hourly probability threshold map and checks
// for distribution drift against each configured symbol's signal history,
// then exits. The theta map itself is shared across symbols; running the
// pass per symbol surfaces per-symbol drift even though the last symbol
// processed determines the saved map.
func (a *App) CalibrateMode(ctx context.Context, deps *Dependencies) error {
	if deps.Calibrator == nil {
		return fmt.Errorf("app: calibrate mode requires the calibration service to be wired")
	}

	now := time.Now()
	for _, symbol := range deps.Config.Trading.Symbols {
		if _, err := deps.Calibrator.Calibrate(ctx, now, symbol); err != nil {
			return fmt.Errorf("app: calibrate %s: %w", symbol, err)
		}
		psi, ok, err := deps.Calibrator.CheckPSIDrift(ctx, now, symbol)
		if err != nil {
			return fmt.Errorf("app: check psi drift %s: %w", symbol, err)
		}
		if psi != nil && !ok {
			a.logger.WarnContext(ctx, "probability distribution drift detected",
				slog.String("symbol", symbol), slog.String("psi", psi.String()))
		}
	}
	return nil
}
