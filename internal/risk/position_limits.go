package risk

import (
	"fmt"
	"strings"

	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/domain"
)

// countOpenByBase tallies open positions by base asset and direction,
// skipping any position whose status is not open.
func countOpenByBase(positions []domain.Position) map[string]map[domain.Direction]int {
	counts := make(map[string]map[domain.Direction]int)
	for _, p := range positions {
		if !p.IsOpen() {
			continue
		}
		base := domain.BaseSymbol(p.Symbol)
		if counts[base] == nil {
			counts[base] = map[domain.Direction]int{}
		}
		counts[base][p.Direction]++
	}
	return counts
}

// canOpenPositionForBase reports whether a new position of the given
// direction may be opened for symbol's base asset: at most
// maxPositionsPerBase total open positions per base, and at most one open
// position per direction (so a base may carry one long and one short
// concurrently, never two of the same side).
func canOpenPositionForBase(openPositions []domain.Position, symbol string, direction domain.Direction, maxPositionsPerBase int) (bool, error) {
	if maxPositionsPerBase < 1 {
		return false, nil
	}
	dir := domain.Direction(strings.ToLower(string(direction)))
	if dir != domain.DirectionLong && dir != domain.DirectionShort {
		return false, fmt.Errorf("risk: unsupported direction %q", direction)
	}

	base := domain.BaseSymbol(symbol)
	counts := countOpenByBase(openPositions)[base]
	totalForBase := counts[domain.DirectionLong] + counts[domain.DirectionShort]

	if totalForBase >= maxPositionsPerBase {
		return false, nil
	}
	if counts[dir] >= 1 {
		return false, nil
	}
	return true, nil
}
