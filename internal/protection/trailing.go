// Package protection is the profit-protection manager: a periodic loop that
// drives tracked positions from live prices, advances trailing stops through
// the R-multiple ladder, takes milestone partial profits, and reacts to
// deterioration exit signals. All broker mutations go through the order
// sequencer; this package decides, the sequencer executes.
package protection

import (
	"math"

	"alpaca-trading-engine/internal/position"
)

// TargetStop returns the stop level the R-multiple ladder prescribes for a
// position. Initial risk is |entry − initial stop| and stays fixed; the stop
// steps to breakeven at 1R and then trails in half-R increments:
//
//	r < 1.0        initial stop
//	1.0 ≤ r < 1.5  entry (breakeven)
//	1.5 ≤ r < 2.0  entry + 0.5R
//	2.0 ≤ r < 3.0  entry + 1.0R
//	3.0 ≤ r < 4.0  entry + 1.5R
//	r ≥ 4.0        entry + 2.0R
//
// Shorts mirror the formula.
func TargetStop(side string, entry, initialStop, r float64) float64 {
	if r < 1.0 {
		return initialStop
	}
	riskDollars := math.Abs(entry - initialStop)
	var step float64
	switch {
	case r < 1.5:
		step = 0
	case r < 2.0:
		step = 0.5
	case r < 3.0:
		step = 1.0
	case r < 4.0:
		step = 1.5
	default:
		step = 2.0
	}
	if side == position.SideShort {
		return entry - step*riskDollars
	}
	return entry + step*riskDollars
}

// StopImproves reports whether target is strictly better than current for
// the side: higher for longs, lower for shorts. Equal is not better; this
// is what preserves stop monotonicity across jittery prices.
func StopImproves(side string, current, target float64) bool {
	if side == position.SideShort {
		return target < current
	}
	return target > current
}
