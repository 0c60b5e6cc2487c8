// Package bybit implements the signed REST and WebSocket clients for
// Bybit's v5 linear-perpetual API: request signing, per-bucket rate
// limiting, retry/backoff on transient failures, business-error
// classification, and a reconnecting WS feed with sequence-gap detection.
package bybit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bitly/go-simplejson"

	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/domain"
)

// RESTClientConfig holds the connection and credential parameters for a
// RESTClient.
type RESTClientConfig struct {
	BaseURL      string
	APIKey       string
	APISecret    string
	RecvWindowMs int
	Timeout      time.Duration
	MaxRetries   int
}

// RESTClient is the low-level signed REST client for Bybit v5. It applies
// rate limiting before every call, retries transient network and 5xx/429
// responses with exponential backoff, and delegates business-error
// classification to classifyRESTError.
type RESTClient struct {
	baseURL      string
	signer       *Signer
	recvWindowMs int
	rateLimiter  *RateLimiter
	httpClient   *http.Client
	maxRetries   int
	logger       *slog.Logger
}

// NewRESTClient constructs a RESTClient. rateLimiter is shared with the WS
// client so public and private traffic draw from the same named buckets.
func NewRESTClient(cfg RESTClientConfig, rateLimiter *RateLimiter, logger *slog.Logger) *RESTClient {
	base := cfg.BaseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &RESTClient{
		baseURL:      base,
		signer:       NewSigner(cfg.APIKey, cfg.APISecret),
		recvWindowMs: cfg.RecvWindowMs,
		rateLimiter:  rateLimiter,
		httpClient:   &http.Client{Timeout: timeout},
		maxRetries:   maxRetries,
		logger:       logger.With(slog.String("component", "bybit_rest")),
	}
}

// RequestOptions controls one Request call.
type RequestOptions struct {
	Auth       bool
	IsOrder    bool
	ReadWeight int
	MaxRetries int
}

// Request issues one Bybit v5 REST call, normalising the path, signing it
// when Auth is set, applying the appropriate rate-limit bucket, and
// retrying on network errors and 429/5xx responses. It returns the
// decoded response body (wrapped for tolerant field access) or a
// sentinel-classified error.
func (c *RESTClient) Request(ctx context.Context, method, path string, params map[string]string, body map[string]any, opts RequestOptions) (*simplejson.Json, error) {
	if path == "" {
		return nil, fmt.Errorf("bybit: path must be non-empty")
	}
	normalizedPath := strings.TrimPrefix(path, "/")
	url := c.baseURL + normalizedPath

	retries := c.maxRetries
	if opts.MaxRetries > 0 {
		retries = opts.MaxRetries
	}

	attempt := 0
	for {
		attempt++

		if err := c.applyRateLimit(ctx, opts); err != nil {
			return nil, err
		}

		resp, respBody, netErr := c.doOnce(ctx, method, normalizedPath, url, params, body, opts.Auth)
		if netErr != nil {
			if attempt > retries {
				return nil, fmt.Errorf("%w: bybit rest after %d attempts: %v", domain.ErrNetwork, attempt, netErr)
			}
			c.sleepBackoff(ctx, attempt)
			continue
		}

		if resp.StatusCode == 429 || resp.StatusCode >= 500 {
			if attempt > retries {
				return c.decodeAndClassify(resp.StatusCode, respBody)
			}
			c.sleepBackoff(ctx, attempt)
			continue
		}

		return c.decodeAndClassify(resp.StatusCode, respBody)
	}
}

func (c *RESTClient) applyRateLimit(ctx context.Context, opts RequestOptions) error {
	if opts.IsOrder {
		return c.rateLimiter.ConsumeOrder(ctx)
	}
	weight := opts.ReadWeight
	if weight < 1 {
		weight = 1
	}
	return c.rateLimiter.ConsumeRead(ctx, weight)
}

func (c *RESTClient) doOnce(ctx context.Context, method, normalizedPath, url string, params map[string]string, body map[string]any, auth bool) (*http.Response, []byte, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	fullURL := url
	if len(params) > 0 && strings.ToUpper(method) == http.MethodGet {
		fullURL = url + "?" + buildQueryString(params)
	}

	var reqBody io.Reader
	if bodyBytes != nil {
		reqBody = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), fullURL, reqBody)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	if auth {
		timestampMs := time.Now().UnixMilli()
		payload := ""
		if strings.ToUpper(method) == http.MethodGet {
			payload = buildQueryString(params)
		} else if bodyBytes != nil {
			payload = string(bodyBytes)
		}
		sig := c.signer.RESTSignature(timestampMs, c.recvWindowMs, payload)
		req.Header.Set("X-BAPI-API-KEY", c.signer.APIKey())
		req.Header.Set("X-BAPI-SIGN", sig)
		req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(timestampMs, 10))
		req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(c.recvWindowMs))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, respBody, nil
}

func (c *RESTClient) decodeAndClassify(httpStatus int, respBody []byte) (*simplejson.Json, error) {
	js, err := simplejson.NewJson(respBody)
	if err != nil {
		// Non-JSON body: treat as a bare external-API failure carrying the
		// raw text, matching the reference client's _safe_json fallback.
		return nil, fmt.Errorf("%w: http=%d non-json body: %s", domain.ErrExternalAPI, httpStatus, string(respBody))
	}

	var env apiResponse
	hasRetCode := false
	if retCode, ok := js.CheckGet("retCode"); ok {
		hasRetCode = true
		env.RetCode, _ = retCode.Int()
	}
	if retMsg, ok := js.CheckGet("retMsg"); ok {
		env.RetMsg, _ = retMsg.String()
	}

	if classifyErr := classifyRESTError(httpStatus, hasRetCode, env.RetCode, env.RetMsg); classifyErr != nil {
		return nil, classifyErr
	}
	return js, nil
}

// sleepBackoff waits 0.2 * 2^(attempt-1) seconds, capped at 3 seconds, with
// no jitter, matching the reference REST retry loop.
func (c *RESTClient) sleepBackoff(ctx context.Context, attempt int) {
	delaySeconds := 0.2 * float64(int64(1)<<uint(attempt-1))
	if delaySeconds > 3.0 {
		delaySeconds = 3.0
	}
	timer := time.NewTimer(time.Duration(delaySeconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// GetKlineSnapshot fetches up to 200 recent klines for symbol/interval,
// used as the REST fallback when the WS client detects a sequence gap on a
// "kline.<interval>.<symbol>" channel.
func (c *RESTClient) GetKlineSnapshot(ctx context.Context, symbol, interval string) (*simplejson.Json, error) {
	params := map[string]string{
		"category": "linear",
		"symbol":   symbol,
		"interval": interval,
		"limit":    "200",
	}
	return c.Request(ctx, http.MethodGet, "v5/market/kline", params, nil, RequestOptions{ReadWeight: 2})
}

// GetOrderbookSnapshot fetches an orderbook snapshot at the given depth,
// used as the REST fallback for a "orderbook.<depth>.<symbol>" gap.
func (c *RESTClient) GetOrderbookSnapshot(ctx context.Context, symbol, depth string) (*simplejson.Json, error) {
	params := map[string]string{
		"category": "linear",
		"symbol":   symbol,
		"limit":    depth,
	}
	return c.Request(ctx, http.MethodGet, "v5/market/orderbook", params, nil, RequestOptions{ReadWeight: 2})
}

// PlaceOrder submits a signed order and returns the decoded response.
func (c *RESTClient) PlaceOrder(ctx context.Context, body map[string]any) (*simplejson.Json, error) {
	return c.Request(ctx, http.MethodPost, "v5/order/create", nil, body, RequestOptions{Auth: true, IsOrder: true})
}

// CancelOrder cancels a single open order by orderId.
func (c *RESTClient) CancelOrder(ctx context.Context, symbol, orderID string) (*simplejson.Json, error) {
	body := map[string]any{"category": "linear", "symbol": symbol, "orderId": orderID}
	return c.Request(ctx, http.MethodPost, "v5/order/cancel", nil, body, RequestOptions{Auth: true, IsOrder: true})
}

// GetOrder polls the current state of one order by orderId. It draws from
// the order rate-limit bucket, not the read bucket, matching the polling
// cadence the order manager uses while waiting for fills.
func (c *RESTClient) GetOrder(ctx context.Context, symbol, orderID string) (*simplejson.Json, error) {
	params := map[string]string{"category": "linear", "symbol": symbol, "orderId": orderID}
	return c.Request(ctx, http.MethodGet, "v5/order/realtime", params, nil, RequestOptions{Auth: true, IsOrder: true})
}

// GetPositions returns open positions for symbol (or every symbol, if
// empty), used by the reconciliation loop to diff exchange state against
// the local store.
func (c *RESTClient) GetPositions(ctx context.Context, symbol string) (*simplejson.Json, error) {
	params := map[string]string{"category": "linear"}
	if symbol != "" {
		params["symbol"] = symbol
	}
	return c.Request(ctx, http.MethodGet, "v5/position/list", params, nil, RequestOptions{Auth: true})
}

// buildQueryString serialises params sorted by key, matching Bybit's
// signature-payload requirement for GET requests.
func buildQueryString(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, "&")
}
