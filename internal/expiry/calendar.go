// Package expiry selects option expiry dates: the nearest weekly, month-end
// monthlies, and the far-month series used for entries. The exchange moves an
// expiry off Thursday when a holiday lands on one, so the authoritative
// source is the expiry list observed in the instrument dump; the pure
// Thursday helpers exist for cold-start estimates only.
package expiry

import (
	"errors"
	"sort"
	"time"
)

// ErrNoExpiry is returned when no listed expiry satisfies the query.
var ErrNoExpiry = errors.New("expiry: no listed expiry satisfies the query")

// Calendar answers expiry queries over the sorted distinct expiry dates of
// one underlying's option chain.
type Calendar struct {
	dates []time.Time
	loc   *time.Location
}

// NewCalendar normalizes the given expiry dates to date precision in loc,
// dedupes and sorts them. A nil loc means UTC.
func NewCalendar(dates []time.Time, loc *time.Location) Calendar {
	if loc == nil {
		loc = time.UTC
	}
	seen := make(map[time.Time]struct{}, len(dates))
	out := make([]time.Time, 0, len(dates))
	for _, d := range dates {
		day := dateOnly(d, loc)
		if _, ok := seen[day]; ok {
			continue
		}
		seen[day] = struct{}{}
		out = append(out, day)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return Calendar{dates: out, loc: loc}
}

// Empty reports whether the calendar carries no expiries.
func (c Calendar) Empty() bool { return len(c.dates) == 0 }

// Dates returns the sorted expiry dates.
func (c Calendar) Dates() []time.Time {
	out := make([]time.Time, len(c.dates))
	copy(out, c.dates)
	return out
}

// NextWeekly returns the nearest expiry on or after now's date. On an expiry
// day the expiring contract itself is returned; it trades until the close.
func (c Calendar) NextWeekly(now time.Time) (time.Time, error) {
	today := dateOnly(now, c.loc)
	for _, d := range c.dates {
		if !d.Before(today) {
			return d, nil
		}
	}
	return time.Time{}, ErrNoExpiry
}

// NextWeeklyAfter returns the first expiry strictly after the given date.
// Rollover uses this so a replacement never lands back in the expiring
// contract.
func (c Calendar) NextWeeklyAfter(date time.Time) (time.Time, error) {
	day := dateOnly(date, c.loc)
	for _, d := range c.dates {
		if d.After(day) {
			return d, nil
		}
	}
	return time.Time{}, ErrNoExpiry
}

// NextMonthly returns the nearest month-end expiry on or after now's date.
func (c Calendar) NextMonthly(now time.Time) (time.Time, error) {
	return c.FarMonthly(now, 1)
}

// NextMonthlyAfter returns the first month-end expiry strictly after the
// given date.
func (c Calendar) NextMonthlyAfter(date time.Time) (time.Time, error) {
	day := dateOnly(date, c.loc)
	for _, d := range c.monthlies() {
		if d.After(day) {
			return d, nil
		}
	}
	return time.Time{}, ErrNoExpiry
}

// FarMonthly returns the nth month-end expiry counting from the nearest:
// n=1 is the current month's monthly (or the next month's, once it has
// passed), n=3 the series the entry phase sells into by default.
func (c Calendar) FarMonthly(now time.Time, n int) (time.Time, error) {
	if n < 1 {
		return time.Time{}, ErrNoExpiry
	}
	today := dateOnly(now, c.loc)
	for _, d := range c.monthlies() {
		if d.Before(today) {
			continue
		}
		n--
		if n == 0 {
			return d, nil
		}
	}
	return time.Time{}, ErrNoExpiry
}

// DaysTo returns the whole calendar days from now's date to expiry's date:
// zero on the expiry day, negative once it has passed.
func (c Calendar) DaysTo(now, expiry time.Time) int {
	loc := c.loc
	if loc == nil {
		loc = time.UTC
	}
	from := dateOnly(now, loc)
	to := dateOnly(expiry, loc)
	return int(to.Sub(from) / (24 * time.Hour))
}

// monthlies returns the last listed expiry of each calendar month, ascending.
func (c Calendar) monthlies() []time.Time {
	var out []time.Time
	for i, d := range c.dates {
		last := i == len(c.dates)-1
		if last || !sameMonth(d, c.dates[i+1]) {
			out = append(out, d)
		}
	}
	return out
}

func sameMonth(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month()
}

func dateOnly(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// NextThursday returns the next Thursday on or after t's date. Estimate only;
// the listed dates win whenever a calendar is available.
func NextThursday(t time.Time) time.Time {
	day := dateOnly(t, t.Location())
	offset := (int(time.Thursday) - int(day.Weekday()) + 7) % 7
	return day.AddDate(0, 0, offset)
}

// LastThursdayOfMonth returns the final Thursday of the given month.
func LastThursdayOfMonth(year int, month time.Month, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	end := time.Date(year, month+1, 1, 0, 0, 0, 0, loc).AddDate(0, 0, -1)
	offset := (int(end.Weekday()) - int(time.Thursday) + 7) % 7
	return end.AddDate(0, 0, -offset)
}
