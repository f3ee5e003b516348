package strike

import (
	"errors"
	"time"

	"github.com/kmenon/nifty_straddler/internal/models"
)

// ErrNoFreeStrike is returned when the conflict search exhausts its iteration
// bound without finding an unoccupied strike.
var ErrNoFreeStrike = errors.New("strike: no free strike within iteration bound")

// Occupancy answers whether an instrument slot already carries an active
// position. models.PositionSnapshot satisfies it.
type Occupancy interface {
	Occupied(key models.InstrumentKey) bool
}

var _ Occupancy = models.PositionSnapshot{}

// Resolver walks outward from a desired strike until it finds one with no
// active position at the same expiry and option type. Calls walk up, puts
// walk down, in steps of Gap, trying at most MaxIterations shifted candidates
// after the starting strike.
type Resolver struct {
	Gap           int
	MaxIterations int
}

// FindFreeStrike returns the first unoccupied strike at or beyond start in
// the option type's shift direction, or ErrNoFreeStrike when the bound is
// exhausted. The starting strike itself is the first candidate.
func (r Resolver) FindFreeStrike(occ Occupancy, expiry time.Time, optionType models.OptionType, start int) (int, error) {
	step := r.Gap * optionType.ShiftDirection()
	strike := start
	for i := 0; i <= r.MaxIterations; i++ {
		if !occ.Occupied(models.NewInstrumentKey(expiry, strike, optionType)) {
			return strike, nil
		}
		strike += step
	}
	return 0, ErrNoFreeStrike
}
