package bybit

import (
	"github.com/shopspring/decimal"
)

// toDecimal tolerantly converts a dynamically-decoded JSON value (string,
// float64, or json.Number via simplejson) into a decimal.Decimal. Bybit
// encodes most numeric fields as JSON strings but occasionally as bare
// numbers; this accepts either. Returns (zero, false) for nil, empty
// string, or anything that does not parse as a number.
func toDecimal(v any) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case nil:
		return decimal.Zero, false
	case string:
		if t == "" {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(t)
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	case float64:
		return decimal.NewFromFloat(t), true
	case int:
		return decimal.NewFromInt(int64(t)), true
	case int64:
		return decimal.NewFromInt(t), true
	default:
		return decimal.Zero, false
	}
}
