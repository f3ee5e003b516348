package strike

import (
	"errors"
	"testing"
	"time"

	"github.com/kmenon/nifty_straddler/internal/models"
)

func snapshotWith(t *testing.T, expiry time.Time, strikes []int, optionType models.OptionType) models.PositionSnapshot {
	t.Helper()
	var positions []models.Position
	for _, strike := range strikes {
		positions = append(positions, models.Position{
			Instrument: models.Instrument{
				Underlying: "NIFTY",
				Expiry:     expiry,
				Strike:     strike,
				OptionType: optionType,
				LotSize:    75,
			},
			Quantity: -75,
		})
	}
	return models.PositionSnapshot{Positions: positions}
}

func TestFindFreeStrike(t *testing.T) {
	expiry := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
	r := Resolver{Gap: 50, MaxIterations: 20}

	t.Run("start is free", func(t *testing.T) {
		snap := snapshotWith(t, expiry, nil, models.OptionCE)
		got, err := r.FindFreeStrike(snap, expiry, models.OptionCE, 21500)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != 21500 {
			t.Errorf("got %d, want 21500", got)
		}
	})

	t.Run("call shifts up past occupied", func(t *testing.T) {
		snap := snapshotWith(t, expiry, []int{21500}, models.OptionCE)
		got, err := r.FindFreeStrike(snap, expiry, models.OptionCE, 21500)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != 21550 {
			t.Errorf("got %d, want 21550", got)
		}
	})

	t.Run("put shifts down past occupied", func(t *testing.T) {
		snap := snapshotWith(t, expiry, []int{21500, 21450}, models.OptionPE)
		got, err := r.FindFreeStrike(snap, expiry, models.OptionPE, 21500)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != 21400 {
			t.Errorf("got %d, want 21400", got)
		}
	})

	t.Run("opposite side does not block", func(t *testing.T) {
		snap := snapshotWith(t, expiry, []int{21500}, models.OptionPE)
		got, err := r.FindFreeStrike(snap, expiry, models.OptionCE, 21500)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != 21500 {
			t.Errorf("got %d, want 21500", got)
		}
	})

	t.Run("other expiry does not block", func(t *testing.T) {
		nextWeek := expiry.AddDate(0, 0, 7)
		snap := snapshotWith(t, nextWeek, []int{21500}, models.OptionCE)
		got, err := r.FindFreeStrike(snap, expiry, models.OptionCE, 21500)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != 21500 {
			t.Errorf("got %d, want 21500", got)
		}
	})

	t.Run("exhausted bound returns ErrNoFreeStrike", func(t *testing.T) {
		tight := Resolver{Gap: 50, MaxIterations: 2}
		snap := snapshotWith(t, expiry, []int{21500, 21550, 21600}, models.OptionCE)
		_, err := tight.FindFreeStrike(snap, expiry, models.OptionCE, 21500)
		if !errors.Is(err, ErrNoFreeStrike) {
			t.Fatalf("err = %v, want ErrNoFreeStrike", err)
		}
	})
}
