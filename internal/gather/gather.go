// Package gather defines the contracts shared by coinsnap's data gathering
// processes and the market-data source they read from.
package gather

import (
	"context"
	"time"

	"coinsnap/internal/domain"
	"coinsnap/internal/util"
)

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run performs one pass of the gathering process and returns when done
	// or when ctx is cancelled.
	Run(ctx context.Context) error
}

// HistoryFetcher returns raw market history for one entity.
type HistoryFetcher interface {
	// FetchHistory returns timestamped observations covering the last days
	// calendar days, sorted by timestamp. Rate limiting and transient
	// failures are retried internally; once retries are exhausted the error
	// matches domain.ErrFetchFailed.
	FetchHistory(ctx context.Context, entityID string, days int) ([]domain.Observation, error)
}

// DateRange represents a range of calendar dates, both ends inclusive.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Days returns the number of calendar days in the range.
func (r DateRange) Days() int {
	return int(domain.DateOf(r.End).Sub(domain.DateOf(r.Start)).Hours()/24) + 1
}

// Contains reports whether t's calendar date lies within the range.
func (r DateRange) Contains(t time.Time) bool {
	d := domain.DateOf(t)
	return !d.Before(domain.DateOf(r.Start)) && !d.After(domain.DateOf(r.End))
}

// Dates returns every date in the range, oldest first.
func (r DateRange) Dates() []time.Time { return util.DateRange(r.Start, r.End) }
