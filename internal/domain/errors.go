package domain

import "errors"

// Sentinel errors for the abstract error taxonomy (configuration,
// network/transport, rate-limit timeout, external-API business error,
// execution error, storage error, WS connection, invalid-candle, auth).
// Components wrap these with fmt.Errorf("%w: detail") so callers can
// errors.Is against the kind while still getting a descriptive message.
var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrConfig           = errors.New("configuration error")
	ErrNetwork          = errors.New("network error")
	ErrRateLimitTimeout = errors.New("rate limit wait timeout")
	ErrExternalAPI      = errors.New("external api error")
	ErrExecution        = errors.New("execution error")
	ErrStorage          = errors.New("storage error")
	ErrWSConnection     = errors.New("websocket connection error")
	ErrWSDisconnect     = errors.New("websocket disconnected")
	ErrInvalidCandle    = errors.New("invalid candle")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrSigningFailed    = errors.New("signing failed")
	ErrLockHeld         = errors.New("lock already held")
	ErrContextDone      = errors.New("context cancelled")
	ErrOrderPlacement   = errors.New("order placement failed")
	ErrSignalStale      = errors.New("signal no longer fresh")
)
