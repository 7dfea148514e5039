// Package recurrence computes the next due time of a recurring reminder.
package recurrence

import (
	"errors"
	"fmt"
	"time"

	"alarmd/internal/reminder"
)

var (
	ErrNotRecurring    = errors.New("recurrence: reminder does not recur")
	ErrInvalidInterval = errors.New("recurrence: interval must be >= 1")
	ErrUnknownType     = errors.New("recurrence: unknown type")
)

// Next returns the next due time for r, counted from max(due, now) so a
// reminder left unattended for a long time never yields an instance in the past.
//
// Month and year steps clamp the day of month to the last valid day of the
// target month (Jan 31 + 1 month is Feb 28 or 29).
func Next(due, now time.Time, r reminder.Recurrence) (time.Time, error) {
	if r.Type == reminder.None {
		return time.Time{}, ErrNotRecurring
	}
	if r.Interval < 1 {
		return time.Time{}, ErrInvalidInterval
	}
	base := due
	if now.After(base) {
		base = now.In(due.Location())
	}
	n := r.Interval

	switch r.Type {
	case reminder.Hourly:
		return base.Add(time.Duration(n) * time.Hour), nil
	case reminder.Daily:
		return base.AddDate(0, 0, n), nil
	case reminder.Weekly:
		next := base.AddDate(0, 0, 7*n)
		if r.AnchorDayOfWeek != nil {
			next = forwardTo(next, *r.AnchorDayOfWeek)
		}
		return next, nil
	case reminder.Monthly:
		return addMonthsClamped(base, n), nil
	case reminder.Annual:
		return addMonthsClamped(base, 12*n), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %v", ErrUnknownType, r.Type)
	}
}

// addMonthsClamped adds months without the overflow normalisation of
// time.AddDate (which turns Jan 31 + 1 month into Mar 3).
func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()
	first := time.Date(y, m+time.Month(months), 1, hh, mm, ss, t.Nanosecond(), t.Location())
	if last := DaysIn(first.Year(), first.Month()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, hh, mm, ss, t.Nanosecond(), t.Location())
}

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func forwardTo(t time.Time, wd time.Weekday) time.Time {
	delta := (int(wd) - int(t.Weekday()) + 7) % 7
	return t.AddDate(0, 0, delta)
}
