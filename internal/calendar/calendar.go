// Package calendar implements civil-date arithmetic for recurring schedules.
//
// Dates are represented as time.Time values at midnight UTC, the shape pgx
// returns for DATE columns.
package calendar

import (
	"errors"
	"fmt"
	"time"

	"github.com/punchamoorthee/ledgerjobs/internal/domain"
)

// DateFormat is the ISO-8601 layout used for dates in logs and JSON summaries.
const DateFormat = "2006-01-02"

var ErrInvalidFrequency = errors.New("invalid recurrence frequency")

// Date returns the normalized civil date for year, month and day.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Day truncates t to its civil date in t's own location.
func Day(t time.Time) time.Time {
	return Date(t.Date())
}

// Today returns the civil date of now as observed in loc.
func Today(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return Day(now.In(loc))
}

// DaysIn returns the number of days in month of year.
func DaysIn(year int, month time.Month) int {
	// Day 0 of the next month normalizes to the last day of this one.
	return Date(year, month+1, 0).Day()
}

// AddMonths adds n calendar months keeping the day of month, clamped to the
// last valid day of the resulting month (Jan 31 + 1 = Feb 28/29).
func AddMonths(d time.Time, n int) time.Time {
	y, m, day := d.Date()
	total := int(m) - 1 + n
	y += total / 12
	total %= 12
	if total < 0 {
		total += 12
		y--
	}
	month := time.Month(total + 1)
	if last := DaysIn(y, month); day > last {
		day = last
	}
	return Date(y, month, day)
}

// AddYears adds n calendar years; Feb 29 lands on Feb 28 in non-leap years.
func AddYears(d time.Time, n int) time.Time {
	return AddMonths(d, 12*n)
}

// Advance moves a due date forward by exactly one period of f.
func Advance(d time.Time, f domain.Frequency) (time.Time, error) {
	d = Day(d)
	switch f {
	case domain.FrequencyWeekly:
		return d.AddDate(0, 0, 7), nil
	case domain.FrequencyMonthly:
		return AddMonths(d, 1), nil
	case domain.FrequencyYearly:
		return AddYears(d, 1), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidFrequency, f)
	}
}
