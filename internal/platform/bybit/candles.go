package bybit

import (
	"sync"
	"time"

	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/domain"
)

// ParseConfirmedCandle extracts a domain.ConfirmedCandle from one kline WS
// message's normalised data payload. Bybit delivers kline updates as a
// single-element array under "data"; normalizeWSPayload wraps that array as
// data["data"] since it isn't itself a JSON object. The second return value
// reports whether the bar's "confirm" flag was true; unconfirmed (still
// forming) bars are returned with Confirmed=false and should not drive
// strategy evaluation.
func ParseConfirmedCandle(symbol string, data map[string]any) (domain.ConfirmedCandle, bool, error) {
	entries, ok := data["data"].([]any)
	if !ok || len(entries) == 0 {
		return domain.ConfirmedCandle{}, false, errMissingKlineEntry
	}
	entry, ok := entries[0].(map[string]any)
	if !ok {
		return domain.ConfirmedCandle{}, false, errMissingKlineEntry
	}

	open, openOK := toDecimal(entry["open"])
	high, highOK := toDecimal(entry["high"])
	low, lowOK := toDecimal(entry["low"])
	closePrice, closeOK := toDecimal(entry["close"])
	volume, _ := toDecimal(entry["volume"])
	if !openOK || !highOK || !lowOK || !closeOK {
		return domain.ConfirmedCandle{}, false, errMissingKlineEntry
	}

	startMs, _ := toInt64(entry["start"])
	endMs, _ := toInt64(entry["end"])
	confirmed, _ := entry["confirm"].(bool)

	candle := domain.ConfirmedCandle{
		Symbol:    symbol,
		OpenTime:  time.UnixMilli(startMs).UTC(),
		CloseTime: time.UnixMilli(endMs).UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
		Confirmed: confirmed,
	}
	return candle, confirmed, nil
}

var errMissingKlineEntry = klineError("bybit ws: kline message missing a usable data entry")

type klineError string

func (e klineError) Error() string { return string(e) }

// CandleBuffer keeps the most recent confirmed candles per symbol, bounded
// to capacity, so the strategy engine always evaluates against a fixed-size
// tail without the caller tracking slice growth itself.
type CandleBuffer struct {
	mu       sync.Mutex
	capacity int
	bySymbol map[string][]domain.ConfirmedCandle
}

// NewCandleBuffer creates a CandleBuffer retaining up to capacity candles
// per symbol.
func NewCandleBuffer(capacity int) *CandleBuffer {
	if capacity <= 0 {
		capacity = 200
	}
	return &CandleBuffer{capacity: capacity, bySymbol: make(map[string][]domain.ConfirmedCandle)}
}

// Push appends a confirmed candle for its symbol, evicting the oldest entry
// once capacity is reached.
func (b *CandleBuffer) Push(c domain.ConfirmedCandle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	series := b.bySymbol[c.Symbol]
	series = append(series, c)
	if len(series) > b.capacity {
		series = series[len(series)-b.capacity:]
	}
	b.bySymbol[c.Symbol] = series
}

// Snapshot returns a copy of the current candle tail for symbol, ordered
// ascending by time.
func (b *CandleBuffer) Snapshot(symbol string) []domain.ConfirmedCandle {
	b.mu.Lock()
	defer b.mu.Unlock()

	series := b.bySymbol[symbol]
	out := make([]domain.ConfirmedCandle, len(series))
	copy(out, series)
	return out
}
