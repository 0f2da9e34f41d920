package domain

import "time"

// EntityResult is the outcome of one entity (or one queue item) in a run.
type EntityResult struct {
	Entity     Entity
	Date       time.Time
	Status     EntityStatus
	Error      string
	SourceTime time.Time // timestamp of the picked observation
	Price      float64
}

// RunSummary describes one ingestion, retry or backfill run.
type RunSummary struct {
	RunID    string
	Kind     string
	Target   time.Time
	Started  time.Time
	Finished time.Time
	Results  []EntityResult

	// Queued counts items pushed to the retry queue; Removed counts items
	// cleared from it.
	Queued  int
	Removed int
}

// Counts tallies results by status.
func (s *RunSummary) Counts() map[EntityStatus]int {
	out := make(map[EntityStatus]int)
	for _, r := range s.Results {
		out[r.Status]++
	}
	return out
}

// AnySucceeded reports whether at least one result has data present.
func (s *RunSummary) AnySucceeded() bool {
	for _, r := range s.Results {
		if r.Status.Succeeded() {
			return true
		}
	}
	return false
}

// Failed returns the results that did not succeed.
func (s *RunSummary) Failed() []EntityResult {
	var out []EntityResult
	for _, r := range s.Results {
		if !r.Status.Succeeded() {
			out = append(out, r)
		}
	}
	return out
}
