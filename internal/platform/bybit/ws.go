package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/domain"
)

const (
	wsWriteWait          = 10 * time.Second
	wsHandshakeTimeout   = 5 * time.Second
	wsDefaultMaxAttempts = 5
	wsReconnectBaseDelay = 200 * time.Millisecond
	wsReconnectMaxDelay  = 3 * time.Second
)

// MessageHandler receives one normalised WS message: the topic/channel it
// arrived on, its decoded data payload, and its sequence number (Bybit's
// "sequence" field, or "ts" as a fallback).
type MessageHandler func(channel string, data map[string]any, sequence int64)

// ResyncHandler receives the result of a REST snapshot fetch triggered by a
// detected sequence gap on channel.
type ResyncHandler func(channel string, snapshot map[string]any, err error)

// WSClientConfig holds the connection parameters for one WSClient.
type WSClientConfig struct {
	URL                  string
	IsPrivate            bool
	APIKey               string
	APISecret            string
	RecvWindowMs         int
	MaxReconnectAttempts int
}

// WSClient is a single Bybit v5 WebSocket connection (public or private). It
// tracks subscriptions for restoration on reconnect, detects per-channel
// sequence gaps, and dispatches a non-blocking REST resync when one is
// found.
type WSClient struct {
	url          string
	isPrivate    bool
	signer       *Signer
	recvWindowMs int
	maxAttempts  int

	rateLimiter *RateLimiter
	restClient  *RESTClient
	logger      *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	subMu         sync.Mutex
	subscriptions map[string]struct{}
	lastSequence  map[string]int64

	handlerMu      sync.RWMutex
	messageHandler MessageHandler
	resyncHandler  ResyncHandler

	resyncGroup errgroup.Group

	done chan struct{}
}

// NewWSClient constructs a WSClient. rateLimiter and restClient are shared
// with the REST client: the former gates subscribe calls through the
// "ws_sub" bucket, the latter serves gap-triggered snapshot fetches.
func NewWSClient(cfg WSClientConfig, rateLimiter *RateLimiter, restClient *RESTClient, logger *slog.Logger) *WSClient {
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = wsDefaultMaxAttempts
	}
	return &WSClient{
		url:           cfg.URL,
		isPrivate:     cfg.IsPrivate,
		signer:        NewSigner(cfg.APIKey, cfg.APISecret),
		recvWindowMs:  cfg.RecvWindowMs,
		maxAttempts:   maxAttempts,
		rateLimiter:   rateLimiter,
		restClient:    restClient,
		logger:        logger.With(slog.String("component", "bybit_ws"), slog.Bool("private", cfg.IsPrivate)),
		subscriptions: make(map[string]struct{}),
		lastSequence:  make(map[string]int64),
		done:          make(chan struct{}),
	}
}

// OnMessage registers the handler invoked for every non-control WS message.
func (w *WSClient) OnMessage(h MessageHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.messageHandler = h
}

// OnResync registers the handler invoked with the result of a gap-triggered
// REST snapshot fetch.
func (w *WSClient) OnResync(h ResyncHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.resyncHandler = h
}

// IsConnected reports whether the underlying connection is currently live.
func (w *WSClient) IsConnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn != nil
}

// Connect dials the WS endpoint, authenticates if private, and restores any
// previously-registered subscriptions. It is a no-op if already connected.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connectLocked(ctx)
}

func (w *WSClient) connectLocked(ctx context.Context) error {
	if w.closed {
		return fmt.Errorf("%w: client closed", domain.ErrWSDisconnect)
	}
	if w.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("%w: connect %s: %v", domain.ErrWSConnection, w.url, err)
	}
	w.conn = conn

	if w.isPrivate {
		if authErr := w.authenticate(); authErr != nil {
			_ = conn.Close()
			w.conn = nil
			return authErr
		}
	}

	go w.readLoop(conn)

	w.subMu.Lock()
	topics := make([]string, 0, len(w.subscriptions))
	for t := range w.subscriptions {
		topics = append(topics, t)
	}
	w.subMu.Unlock()
	if len(topics) > 0 {
		if err := w.sendSubscribe(topics); err != nil {
			return fmt.Errorf("bybit ws: restore subscriptions: %w", err)
		}
	}

	w.logger.Info("bybit ws connected", slog.String("url", w.url))
	return nil
}

func (w *WSClient) authenticate() error {
	timestampMs := time.Now().UnixMilli()
	sig := w.signer.WSAuthSignature(timestampMs, w.recvWindowMs)
	msg := map[string]any{
		"op":   "auth",
		"args": []any{w.signer.APIKey(), timestampMs, strconv.Itoa(w.recvWindowMs), sig},
	}
	if err := w.writeJSON(msg); err != nil {
		return fmt.Errorf("%w: send auth: %v", domain.ErrWSConnection, err)
	}

	w.conn.SetReadDeadline(time.Now().Add(wsHandshakeTimeout))
	_, raw, err := w.conn.ReadMessage()
	w.conn.SetReadDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("%w: read auth response: %v", domain.ErrWSConnection, err)
	}

	var resp struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("%w: decode auth response: %v", domain.ErrWSConnection, err)
	}
	if !resp.Success {
		return fmt.Errorf("%w: bybit ws auth rejected", domain.ErrUnauthorized)
	}
	return nil
}

// Subscribe subscribes to one or more topics, consuming one "ws_sub"
// rate-limit token per topic first.
func (w *WSClient) Subscribe(ctx context.Context, topics ...string) error {
	if err := w.Connect(ctx); err != nil {
		return err
	}
	for range topics {
		if err := w.rateLimiter.ConsumeWSSubscription(ctx); err != nil {
			return err
		}
	}
	if err := w.sendSubscribe(topics); err != nil {
		return err
	}
	w.subMu.Lock()
	for _, t := range topics {
		w.subscriptions[t] = struct{}{}
	}
	w.subMu.Unlock()
	return nil
}

// SubscribeUserData subscribes to the private fill/order stream. Valid only
// on a private connection.
func (w *WSClient) SubscribeUserData(ctx context.Context) error {
	if !w.isPrivate {
		return fmt.Errorf("bybit ws: SubscribeUserData requires a private connection")
	}
	return w.Subscribe(ctx, "user.order")
}

func (w *WSClient) sendSubscribe(topics []string) error {
	return w.writeJSON(map[string]any{"op": "subscribe", "args": topics})
}

func (w *WSClient) writeJSON(v any) error {
	w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// Close shuts the connection down and stops the read loop permanently.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)
	if w.conn != nil {
		_ = w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err := w.conn.Close()
		w.conn = nil
		return err
	}
	return nil
}

func (w *WSClient) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				return
			default:
			}
			w.logger.Warn("bybit ws read error, reconnecting", slog.String("error", err.Error()))
			w.handleReconnect(conn)
			return
		}
		w.handleRawMessage(raw)
	}
}

func (w *WSClient) handleRawMessage(raw []byte) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		w.logger.Warn("bybit ws: non-JSON message dropped")
		return
	}
	if isControlMessage(payload) {
		return
	}

	channel, sequence, data, err := normalizeWSPayload(payload)
	if err != nil {
		w.logger.Warn("bybit ws: malformed payload dropped", slog.String("error", err.Error()))
		return
	}

	w.checkGap(channel, sequence)

	w.handlerMu.RLock()
	handler := w.messageHandler
	w.handlerMu.RUnlock()
	if handler != nil {
		handler(channel, data, sequence)
	}
}

// checkGap compares sequence against the last-seen value for channel; a gap
// (sequence > lastSeq+1) schedules exactly one non-blocking REST resync via
// the errgroup, never blocking the read loop.
func (w *WSClient) checkGap(channel string, sequence int64) {
	w.subMu.Lock()
	lastSeq, known := w.lastSequence[channel]
	w.lastSequence[channel] = sequence
	w.subMu.Unlock()

	if known && sequence > lastSeq+1 {
		w.logger.Warn("bybit ws sequence gap detected, scheduling resync",
			slog.String("channel", channel), slog.Int64("last_seq", lastSeq), slog.Int64("new_seq", sequence))
		w.resyncGroup.Go(func() error {
			w.resyncSnapshot(channel)
			return nil
		})
	}
}

func (w *WSClient) resyncSnapshot(channel string) {
	snapshot, err := w.fetchSnapshot(channel)

	w.handlerMu.RLock()
	handler := w.resyncHandler
	w.handlerMu.RUnlock()
	if handler != nil {
		handler(channel, snapshot, err)
	}
}

func (w *WSClient) fetchSnapshot(channel string) (map[string]any, error) {
	parts := strings.Split(channel, ".")
	if len(parts) < 1 {
		return nil, fmt.Errorf("bybit ws: invalid channel %q for snapshot", channel)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch parts[0] {
	case "kline":
		if len(parts) < 3 {
			return nil, fmt.Errorf("bybit ws: invalid kline channel %q", channel)
		}
		js, err := w.restClient.GetKlineSnapshot(ctx, parts[2], parts[1])
		if err != nil {
			return nil, err
		}
		return js.MustMap(), nil
	case "orderbook":
		if len(parts) < 3 {
			return nil, fmt.Errorf("bybit ws: invalid orderbook channel %q", channel)
		}
		js, err := w.restClient.GetOrderbookSnapshot(ctx, parts[2], parts[1])
		if err != nil {
			return nil, err
		}
		return js.MustMap(), nil
	default:
		return nil, fmt.Errorf("bybit ws: unsupported channel type %q for snapshot", parts[0])
	}
}

// handleReconnect retries Connect with exponential backoff (200ms to 3s,
// jittered 0.9-1.1x) up to maxAttempts times, then gives up permanently.
func (w *WSClient) handleReconnect(staleConn *websocket.Conn) {
	w.mu.Lock()
	if w.conn == staleConn {
		w.conn = nil
	}
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}

	delay := wsReconnectBaseDelay
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		select {
		case <-w.done:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), wsHandshakeTimeout)
		err := w.Connect(ctx)
		cancel()
		if err == nil {
			w.logger.Info("bybit ws reconnected", slog.Int("attempt", attempt))
			return
		}

		jittered := time.Duration(float64(delay) * (0.9 + 0.2*rand.Float64()))
		w.logger.Warn("bybit ws reconnect failed, retrying", slog.Int("attempt", attempt), slog.Duration("sleep_for", jittered))
		timer := time.NewTimer(jittered)
		select {
		case <-w.done:
			timer.Stop()
			return
		case <-timer.C:
		}

		delay *= 2
		if delay > wsReconnectMaxDelay {
			delay = wsReconnectMaxDelay
		}
	}

	w.logger.Error("bybit ws exceeded max reconnect attempts", slog.Int("max_attempts", w.maxAttempts))
}

func isControlMessage(payload map[string]any) bool {
	if op, ok := payload["op"].(string); ok {
		switch op {
		case "ping", "pong", "subscribe", "auth":
			return true
		}
	}
	_, hasSuccess := payload["success"]
	_, hasRequest := payload["request"]
	return hasSuccess && hasRequest
}

// normalizeWSPayload extracts (channel, sequence, data) from a raw Bybit WS
// message: channel from "topic" or "channel", sequence from "sequence" or
// "ts" as fallback, data from the "data" field (wrapped in a map if it
// decoded as a list) or the whole payload if absent.
func normalizeWSPayload(payload map[string]any) (string, int64, map[string]any, error) {
	channel, _ := firstString(payload, "topic", "channel")
	if channel == "" {
		return "", 0, nil, fmt.Errorf("missing topic/channel in WS payload")
	}

	rawSeq, found := firstValue(payload, "sequence", "ts")
	if !found {
		return "", 0, nil, fmt.Errorf("missing sequence/ts in WS payload")
	}
	sequence, ok := toInt64(rawSeq)
	if !ok {
		return "", 0, nil, fmt.Errorf("sequence field is not numeric")
	}

	var data map[string]any
	switch v := payload["data"].(type) {
	case nil:
		data = payload
	case map[string]any:
		data = v
	default:
		data = map[string]any{"data": v}
	}
	data["sequence"] = sequence
	data["channel"] = channel

	return channel, sequence, data, nil
}

func firstString(m map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func firstValue(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case int:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
