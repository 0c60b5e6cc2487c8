package bybit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Signer produces Bybit V5 HMAC-SHA256 signatures. REST and private WS auth
// share the same secret but differ in the string that gets signed.
type Signer struct {
	apiKey    string
	apiSecret []byte
}

// NewSigner constructs a Signer from the raw API key/secret pair.
func NewSigner(apiKey, apiSecret string) *Signer {
	return &Signer{apiKey: apiKey, apiSecret: []byte(apiSecret)}
}

// APIKey returns the key this signer authenticates as.
func (s *Signer) APIKey() string {
	return s.apiKey
}

// RESTSignature signs timestamp||api_key||recv_window||payload, where
// payload is the sorted query string for GET requests or the compact JSON
// body for POST/PUT requests. Returns the lowercase hex digest Bybit
// expects in the X-BAPI-SIGN header.
func (s *Signer) RESTSignature(timestampMs int64, recvWindowMs int, payload string) string {
	signStr := strconv.FormatInt(timestampMs, 10) + s.apiKey + strconv.Itoa(recvWindowMs) + payload
	return s.hexHMAC(signStr)
}

// WSAuthSignature signs timestamp||api_key||recv_window for the private WS
// "auth" op, per Bybit's v5 WS authentication scheme.
func (s *Signer) WSAuthSignature(timestampMs int64, recvWindowMs int) string {
	signStr := strconv.FormatInt(timestampMs, 10) + s.apiKey + strconv.Itoa(recvWindowMs)
	return s.hexHMAC(signStr)
}

func (s *Signer) hexHMAC(message string) string {
	mac := hmac.New(sha256.New, s.apiSecret)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}
