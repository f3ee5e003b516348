// Package strike holds the pure strike arithmetic and the conflict-avoidance
// search used when picking entry and hedge strikes. Everything here is
// deterministic and side-effect free.
package strike

import (
	"math"

	"github.com/kmenon/nifty_straddler/internal/models"
)

// RoundToIncrement rounds a price to the nearest strike increment. Exact
// midpoints round up, so 21675 at increment 50 becomes 21700.
func RoundToIncrement(price float64, increment int) int {
	return int(math.Floor(price/float64(increment)+0.5)) * increment
}

// ATMStrike returns the at-the-money strike for a spot price after applying
// the configured bias.
func ATMStrike(spot, bias float64, increment int) int {
	return RoundToIncrement(spot+bias, increment)
}

// StrangleStrikes returns the call and put strikes at the configured distance
// from spot. Rounding may shrink the gap by at most one increment, so callers
// must not assume the strikes sit exactly distance away.
func StrangleStrikes(spot, distance float64, increment int) (ce, pe int) {
	ce = RoundToIncrement(spot+distance, increment)
	pe = RoundToIncrement(spot-distance, increment)
	return ce, pe
}

// AdjacentStrike shifts a base strike outward by gap: calls move up, puts
// move down. Used for hedge placement next to a short leg.
func AdjacentStrike(base, gap int, optionType models.OptionType) int {
	return base + gap*optionType.ShiftDirection()
}

// RoundToTick rounds an order price to the instrument's tick size. A zero or
// negative tick leaves the price untouched.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Round(price/tick) * tick
}
