package execution

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/domain"
	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/platform/bybit"
)

// terminal order statuses treated as "fully filled" for exit detection.
var fullyFilledStatuses = map[string]struct{}{"FILLED": {}, "CLOSED": {}}

// FillTracker consumes the private "user.order" stream and keeps Position
// rows in sync with actual exchange fills. It does not place orders or
// open positions itself; it only reconciles fills against positions that
// OrderManager already created, matched by orderLinkId == signal_id.
type FillTracker struct {
	ws        *bybit.WSClient
	positions domain.PositionStore
	slippage  *SlippageMonitor
	logger    *slog.Logger

	dispatch errgroup.Group
}

// NewFillTracker constructs a FillTracker bound to a private WSClient.
func NewFillTracker(ws *bybit.WSClient, positions domain.PositionStore, slippage *SlippageMonitor, logger *slog.Logger) *FillTracker {
	return &FillTracker{
		ws:        ws,
		positions: positions,
		slippage:  slippage,
		logger:    logger.With(slog.String("component", "fill_tracker")),
	}
}

// Run subscribes to the private user.order stream and registers the
// message handler. It returns once the subscribe call completes; message
// processing continues on the WS client's own read loop for the lifetime
// of the connection.
func (t *FillTracker) Run(ctx context.Context) error {
	t.ws.OnMessage(t.handleMessage(ctx))
	return t.ws.SubscribeUserData(ctx)
}

// Wait blocks until every in-flight event dispatched via handleMessage has
// finished processing. Intended for tests and graceful shutdown.
func (t *FillTracker) Wait() error {
	return t.dispatch.Wait()
}

// handleMessage returns a bybit.MessageHandler bound to ctx. Each
// fill-bearing row in the message is dispatched to its own goroutine via
// the errgroup so a slow DB write never blocks the WS read loop.
func (t *FillTracker) handleMessage(ctx context.Context) bybit.MessageHandler {
	return func(channel string, data map[string]any, sequence int64) {
		if channel != "user.order" {
			return
		}
		for _, row := range iterOrderEvents(data) {
			row := row
			t.dispatch.Go(func() error {
				t.handleOrderEvent(ctx, row, sequence)
				return nil
			})
		}
	}
}

// iterOrderEvents normalises a user.order message into individual event
// rows. Bybit typically sends {"data": [...]}; a single dict or a flat
// payload without a "data" key are both tolerated.
func iterOrderEvents(data map[string]any) []map[string]any {
	raw, hasData := data["data"]
	if !hasData {
		return []map[string]any{data}
	}
	switch v := raw.(type) {
	case []any:
		rows := make([]map[string]any, 0, len(v))
		for _, item := range v {
			if row, ok := item.(map[string]any); ok {
				rows = append(rows, row)
			}
		}
		return rows
	case map[string]any:
		return []map[string]any{v}
	default:
		return nil
	}
}

// handleOrderEvent processes one normalised user.order row: it filters
// out non-fill events, locates the position by orderLinkId (== signal_id),
// updates its fill_ratio, and for a fully-filled reduceOnly order records
// exit slippage and marks the position closed.
func (t *FillTracker) handleOrderEvent(ctx context.Context, event map[string]any, sequence int64) {
	if !isFillEvent(event) {
		return
	}

	signalID, ok := extractSignalID(event)
	if !ok {
		t.logger.DebugContext(ctx, "user.order event without valid orderLinkId, skipping", slog.Int64("sequence", sequence))
		return
	}

	positions, err := t.positions.ListBySignal(ctx, signalID)
	if err != nil {
		t.logger.WarnContext(ctx, "failed to load positions for signal",
			slog.String("signal_id", signalID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if len(positions) == 0 {
		t.logger.WarnContext(ctx, "no positions found for signal_id from user.order",
			slog.String("signal_id", signalID.String()),
			slog.Int64("sequence", sequence),
		)
		return
	}
	position := positions[0]

	updated, err := t.updateFillRatio(ctx, position, event)
	if err != nil {
		t.logger.WarnContext(ctx, "failed to update fill_ratio",
			slog.String("position_id", position.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	if isReduceOnly(event) && isFullyFilled(event) {
		t.handleExitFill(ctx, updated, event)
	}
}

// isFillEvent treats any non-zero execQty/cumExecQty as evidence of a fill,
// without relying on a particular order-status vocabulary.
func isFillEvent(event map[string]any) bool {
	q, ok := firstDecimal(event, "execQty", "cumExecQty")
	return ok && q.IsPositive()
}

// isFullyFilled considers an order fully filled if its status says so, or
// if cumExecQty has caught up to qty.
func isFullyFilled(event map[string]any) bool {
	status := upperString(event, "orderStatus", "order_status")
	if _, ok := fullyFilledStatuses[status]; ok {
		return true
	}
	qty, qtyOK := firstDecimal(event, "qty", "orderQty")
	cum, cumOK := firstDecimal(event, "cumExecQty")
	return qtyOK && cumOK && cum.GreaterThanOrEqual(qty)
}

// isReduceOnly reports whether event carries Bybit's reduceOnly flag.
func isReduceOnly(event map[string]any) bool {
	v, ok := event["reduceOnly"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// extractSignalID parses orderLinkId as the UUID of the signal that
// originated the order, per the convention OrderManager establishes when
// placing it.
func extractSignalID(event map[string]any) (uuid.UUID, bool) {
	raw, ok := firstString(event, "orderLinkId", "order_link_id")
	if !ok || raw == "" {
		return uuid.UUID{}, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}

// updateFillRatio recomputes fill_ratio from cumExecQty/qty, clamps it to
// [0, 1], and persists the position only if the ratio actually changed.
func (t *FillTracker) updateFillRatio(ctx context.Context, position domain.Position, event map[string]any) (domain.Position, error) {
	qty, qtyOK := firstDecimal(event, "qty", "orderQty")
	cum, cumOK := firstDecimal(event, "cumExecQty")
	if !qtyOK || !cumOK || !qty.IsPositive() {
		return position, nil
	}

	ratio := cum.Div(qty)
	if ratio.IsNegative() {
		ratio = decimal.Zero
	}
	if ratio.GreaterThan(decimal.NewFromInt(1)) {
		ratio = decimal.NewFromInt(1)
	}

	if ratio.Equal(position.FillRatio) {
		return position, nil
	}
	position.FillRatio = ratio

	t.logger.InfoContext(ctx, "updated position fill_ratio from user.order",
		slog.String("position_id", position.ID.String()),
		slog.String("signal_id", position.SignalID.String()),
		slog.String("symbol", position.Symbol),
		slog.String("fill_ratio", ratio.String()),
	)

	if err := t.positions.Update(ctx, position); err != nil {
		return position, err
	}
	return position, nil
}

// handleExitFill records exit slippage (when usable prices are present)
// and marks the position closed.
func (t *FillTracker) handleExitFill(ctx context.Context, position domain.Position, event map[string]any) {
	executedAt := extractEventTime(event)

	requestedRaw, hasRequested := firstDecimal(event, "price", "triggerPrice")
	actualRaw, hasActual := firstDecimal(event, "avgPrice", "lastPrice")
	if !hasActual {
		actualRaw, hasActual = requestedRaw, hasRequested
	}

	if !hasRequested || !hasActual {
		t.logger.WarnContext(ctx, "exit fill without usable price fields, skipping slippage calculation",
			slog.String("position_id", position.ID.String()),
		)
	} else if t.slippage != nil {
		if _, err := t.slippage.RecordExitSlippage(ctx, position, requestedRaw, actualRaw, nil, nil, executedAt); err != nil {
			t.logger.WarnContext(ctx, "failed to record exit slippage",
				slog.String("position_id", position.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := t.positions.MarkClosed(ctx, position.ID, executedAt); err != nil {
		t.logger.WarnContext(ctx, "failed to mark position closed",
			slog.String("position_id", position.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	t.logger.InfoContext(ctx, "position closed from user.order exit fill",
		slog.String("position_id", position.ID.String()),
		slog.Time("closed_at", executedAt),
	)
}

// extractEventTime reads a millisecond-or-second epoch timestamp off the
// first present of execTime/updatedTime/createdTime, defaulting to now.
func extractEventTime(event map[string]any) time.Time {
	raw, ok := firstString(event, "execTime", "updatedTime", "createdTime")
	if !ok || raw == "" {
		return time.Now().UTC()
	}
	if ms, err := decimal.NewFromString(raw); err == nil {
		if len(raw) > 10 {
			return time.UnixMilli(ms.IntPart()).UTC()
		}
		return time.Unix(ms.IntPart(), 0).UTC()
	}
	return time.Now().UTC()
}

// firstDecimal reads the first present field among names and converts it
// tolerantly to decimal.Decimal.
func firstDecimal(event map[string]any, names ...string) (decimal.Decimal, bool) {
	for _, name := range names {
		if v, ok := event[name]; ok {
			if d, ok := toDecimalAny(v); ok {
				return d, true
			}
		}
	}
	return decimal.Zero, false
}

// firstString reads the first present, non-empty string field among names.
func firstString(event map[string]any, names ...string) (string, bool) {
	for _, name := range names {
		if v, ok := event[name]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// upperString returns the first present string field among names, upper
// cased, or "" if none are present.
func upperString(event map[string]any, names ...string) string {
	s, _ := firstString(event, names...)
	return toUpper(s)
}

func toUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}

// toDecimalAny tolerantly converts a JSON-decoded scalar to decimal.Decimal.
func toDecimalAny(v any) (decimal.Decimal, bool) {
	switch val := v.(type) {
	case string:
		if val == "" {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(val)
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	case float64:
		return decimal.NewFromFloat(val), true
	case int:
		return decimal.NewFromInt(int64(val)), true
	case int64:
		return decimal.NewFromInt(val), true
	default:
		return decimal.Zero, false
	}
}
