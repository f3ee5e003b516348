// Package marketcal knows when the NSE equity derivatives session is open:
// 09:15 to 15:30 IST, Monday through Friday, minus exchange holidays.
package marketcal

import "time"

// IST is the exchange time zone. Loaded as a fixed zone so the binary does
// not depend on the host's tzdata.
var IST = time.FixedZone("IST", 5*60*60+30*60)

const (
	openHour    = 9
	openMinute  = 15
	closeHour   = 15
	closeMinute = 30
)

// nseHolidays2026 lists the trading holidays published by the exchange for
// 2026. Dates that fall on weekends are omitted.
var nseHolidays2026 = []string{
	"2026-01-26", // Republic Day
	"2026-03-04", // Holi
	"2026-04-03", // Good Friday
	"2026-04-14", // Ambedkar Jayanti
	"2026-05-01", // Maharashtra Day
	"2026-10-02", // Gandhi Jayanti
	"2026-11-09", // Diwali Balipratipada
	"2026-11-24", // Guru Nanak Jayanti
	"2026-12-25", // Christmas
}

// Calendar answers trading-day and session-hours queries in IST.
type Calendar struct {
	holidays map[string]struct{}
}

// New builds a calendar from the built-in holiday table plus any extra
// holiday dates from config, each formatted 2006-01-02.
func New(extra []string) *Calendar {
	holidays := make(map[string]struct{}, len(nseHolidays2026)+len(extra))
	for _, d := range nseHolidays2026 {
		holidays[d] = struct{}{}
	}
	for _, d := range extra {
		holidays[d] = struct{}{}
	}
	return &Calendar{holidays: holidays}
}

// IsTradingDay reports whether t falls on a weekday that is not an exchange
// holiday.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	t = t.In(IST)
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, holiday := c.holidays[t.Format("2006-01-02")]
	return !holiday
}

// IsMarketOpen reports whether t falls inside the live session. The 15:30
// close itself is outside the session.
func (c *Calendar) IsMarketOpen(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	t = t.In(IST)
	open := sessionOpen(t)
	close := sessionClose(t)
	return !t.Before(open) && t.Before(close)
}

// NextOpen returns the next session open at or after t.
func (c *Calendar) NextOpen(t time.Time) time.Time {
	t = t.In(IST)
	if c.IsTradingDay(t) && t.Before(sessionOpen(t)) {
		return sessionOpen(t)
	}
	day := t
	for {
		day = day.AddDate(0, 0, 1)
		if c.IsTradingDay(day) {
			return sessionOpen(day)
		}
	}
}

// TodayClose returns t's session close and whether t is a trading day.
func (c *Calendar) TodayClose(t time.Time) (time.Time, bool) {
	t = t.In(IST)
	if !c.IsTradingDay(t) {
		return time.Time{}, false
	}
	return sessionClose(t), true
}

func sessionOpen(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), openHour, openMinute, 0, 0, IST)
}

func sessionClose(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), closeHour, closeMinute, 0, 0, IST)
}
