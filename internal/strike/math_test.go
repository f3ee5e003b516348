package strike

import (
	"math"
	"testing"

	"github.com/kmenon/nifty_straddler/internal/models"
)

func TestRoundToIncrement(t *testing.T) {
	tests := []struct {
		name      string
		price     float64
		increment int
		want      int
	}{
		{"midpoint rounds up", 21675, 50, 21700},
		{"below midpoint rounds down", 21663, 50, 21650},
		{"exact strike unchanged", 21650, 50, 21650},
		{"just above midpoint", 21676, 50, 21700},
		{"just below next strike", 21699.95, 50, 21700},
		{"increment 100", 21675, 100, 21700},
		{"increment 100 rounds down", 21649, 100, 21600},
		{"small spot", 37.4, 25, 25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RoundToIncrement(tt.price, tt.increment); got != tt.want {
				t.Errorf("RoundToIncrement(%v, %d) = %d, want %d", tt.price, tt.increment, got, tt.want)
			}
		})
	}
}

func TestATMStrike(t *testing.T) {
	tests := []struct {
		name string
		spot float64
		bias float64
		want int
	}{
		{"no bias", 21500, 0, 21500},
		{"positive bias shifts up", 21500, 50, 21550},
		{"negative bias shifts down", 21500, -50, 21450},
		{"bias then round", 21663, 20, 21700},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ATMStrike(tt.spot, tt.bias, 50); got != tt.want {
				t.Errorf("ATMStrike(%v, %v, 50) = %d, want %d", tt.spot, tt.bias, got, tt.want)
			}
		})
	}
}

func TestStrangleStrikes(t *testing.T) {
	ce, pe := StrangleStrikes(21500, 1000, 50)
	if ce != 22500 || pe != 20500 {
		t.Errorf("StrangleStrikes(21500, 1000, 50) = %d/%d, want 22500/20500", ce, pe)
	}

	// Rounding pulls both legs to the nearest strike; the wings need not be
	// symmetric around an off-strike spot.
	ce, pe = StrangleStrikes(21530, 1000, 50)
	if ce != 22550 || pe != 20550 {
		t.Errorf("StrangleStrikes(21530, 1000, 50) = %d/%d, want 22550/20550", ce, pe)
	}
}

func TestAdjacentStrike(t *testing.T) {
	if got := AdjacentStrike(21500, 50, models.OptionCE); got != 21550 {
		t.Errorf("call adjacent = %d, want 21550", got)
	}
	if got := AdjacentStrike(21500, 50, models.OptionPE); got != 21450 {
		t.Errorf("put adjacent = %d, want 21450", got)
	}
}

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		name  string
		price float64
		tick  float64
		want  float64
	}{
		{"round down", 101.23, 0.05, 101.25},
		{"round to nickel", 101.22, 0.05, 101.20},
		{"zero tick passthrough", 101.23, 0, 101.23},
		{"already aligned", 101.25, 0.05, 101.25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RoundToTick(tt.price, tt.tick); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("RoundToTick(%v, %v) = %v, want %v", tt.price, tt.tick, got, tt.want)
			}
		})
	}
}
