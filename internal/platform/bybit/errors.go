package bybit

import (
	"fmt"

	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/domain"
)

// executionErrorCodes are Bybit v5 retCodes that represent a rejected
// trading action rather than a transport/auth/validation failure: order
// not found/already cancelled/already filled, or a position-mode mismatch.
var executionErrorCodes = map[int]struct{}{
	10001:  {},
	10002:  {},
	130021: {},
	130024: {},
}

// apiResponse is the common envelope every Bybit v5 REST endpoint wraps its
// payload in.
type apiResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
}

func isSuccessResponse(httpStatus int, hasRetCode bool, retCode int) bool {
	if httpStatus != 0 && (httpStatus < 200 || httpStatus >= 300) {
		return false
	}
	if !hasRetCode {
		return true
	}
	return retCode == 0
}

// classifyRESTError inspects a decoded Bybit response envelope and returns
// nil if it represents success, or a sentinel-wrapped error (ErrExecution
// for a known trading-rejection retCode, ErrExternalAPI otherwise).
func classifyRESTError(httpStatus int, hasRetCode bool, retCode int, retMsg string) error {
	if isSuccessResponse(httpStatus, hasRetCode, retCode) {
		return nil
	}
	if _, exec := executionErrorCodes[retCode]; exec {
		return fmt.Errorf("%w: retCode=%d %s", domain.ErrExecution, retCode, retMsg)
	}
	return fmt.Errorf("%w: http=%d retCode=%d %s", domain.ErrExternalAPI, httpStatus, retCode, retMsg)
}
