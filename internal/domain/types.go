// Package domain defines the core types shared across coinsnap: daily market
// rows, retry queue items, raw observations and run statuses.
package domain

import (
	"time"
)

// DateLayout is the on-disk layout of a calendar date.
const DateLayout = "2006-01-02"

// ---------------------------------------------------------------------------
// Entities
// ---------------------------------------------------------------------------

// Entity is one tracked instrument. ID is the stable identifier used by the
// market-data API; Symbol and Name are display fields only.
type Entity struct {
	ID     string
	Symbol string
	Name   string
}

// Key identifies one (entity, calendar date) slot. Date is formatted with
// DateLayout so keys are comparable and usable as map keys.
type Key struct {
	ID   string
	Date string
}

// NewKey builds a Key from an entity id and a date.
func NewKey(id string, date time.Time) Key {
	return Key{ID: id, Date: FormatDate(date)}
}

// String returns "id@date".
func (k Key) String() string { return k.ID + "@" + k.Date }

// ---------------------------------------------------------------------------
// Market rows
// ---------------------------------------------------------------------------

// MarketRow is the daily snapshot for one entity on one calendar date.
// Returns are nil when the lookback date has no stored price.
type MarketRow struct {
	ID          string
	Symbol      string
	Name        string
	Date        time.Time // UTC midnight
	Price       float64
	MarketCap   float64
	Volume      float64
	Return1D    *float64
	Return7D    *float64
	Return30D   *float64
	PipelineRun time.Time
}

// Key returns the (entity, date) key of the row.
func (r MarketRow) Key() Key { return NewKey(r.ID, r.Date) }

// ---------------------------------------------------------------------------
// Retry queue
// ---------------------------------------------------------------------------

// QueueStatus is the state of a retry queue item.
type QueueStatus string

const (
	QueueStatusQueued QueueStatus = "queued"
	QueueStatusError  QueueStatus = "error"
)

// QueueItem is a pending re-fetch obligation for one (entity, date).
// FirstSeen is zero until the item has been persisted once.
type QueueItem struct {
	ID          string
	Symbol      string
	Name        string
	Date        time.Time
	Attempts    int
	LastError   string
	Status      QueueStatus
	FirstSeen   time.Time
	LastAttempt time.Time
}

// Key returns the (entity, date) key of the item.
func (q QueueItem) Key() Key { return NewKey(q.ID, q.Date) }

// Entity returns the entity the item refers to.
func (q QueueItem) Entity() Entity {
	return Entity{ID: q.ID, Symbol: q.Symbol, Name: q.Name}
}

// ---------------------------------------------------------------------------
// Raw observations
// ---------------------------------------------------------------------------

// Observation is a single timestamped sample returned by the market-data API.
type Observation struct {
	Timestamp time.Time
	Price     float64
	MarketCap float64
	Volume    float64
}

// ---------------------------------------------------------------------------
// Run statuses
// ---------------------------------------------------------------------------

// EntityStatus is the outcome of one entity within an ingestion run.
type EntityStatus string

const (
	StatusAlreadyHave     EntityStatus = "already_have"
	StatusOK              EntityStatus = "ok"
	StatusErrorFirstPass  EntityStatus = "error_first_pass"
	StatusOKSecondPass    EntityStatus = "ok_second_pass"
	StatusErrorSecondPass EntityStatus = "error_second_pass"

	// StatusError is a failed retry or backfill attempt.
	StatusError EntityStatus = "error"
)

// Succeeded reports whether the status counts as data being present.
func (s EntityStatus) Succeeded() bool {
	switch s {
	case StatusAlreadyHave, StatusOK, StatusOKSecondPass:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Dates
// ---------------------------------------------------------------------------

// DateOf truncates t to its UTC calendar date.
func DateOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// FormatDate formats the UTC calendar date of t.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// ParseDate parses a YYYY-MM-DD string, also accepting a full RFC 3339
// timestamp whose date part is used.
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return DateOf(t), nil
}
