package util

import (
	"time"

	"coinsnap/internal/domain"
)

// Today returns the current UTC calendar date.
func Today(now time.Time) time.Time {
	return domain.DateOf(now)
}

// Yesterday returns the UTC calendar date before now's date.
func Yesterday(now time.Time) time.Time {
	return domain.DateOf(now).AddDate(0, 0, -1)
}

// DaysBetween returns the number of whole calendar days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(domain.DateOf(b).Sub(domain.DateOf(a)).Hours() / 24)
}

// DateRange returns every UTC date from start through end inclusive. It
// returns nil when end precedes start.
func DateRange(start, end time.Time) []time.Time {
	start, end = domain.DateOf(start), domain.DateOf(end)
	if end.Before(start) {
		return nil
	}
	out := make([]time.Time, 0, DaysBetween(start, end)+1)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}
