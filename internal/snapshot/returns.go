package snapshot

import (
	"time"

	"coinsnap/internal/domain"
)

// Lookback horizons in calendar days.
const (
	Horizon1D  = 1
	Horizon7D  = 7
	Horizon30D = 30
)

// PriceIndex maps entity id -> date (YYYY-MM-DD) -> price.
type PriceIndex map[string]map[string]float64

// BuildPriceIndex indexes rows by entity and date. When a key appears more
// than once the later row wins.
func BuildPriceIndex(rows []domain.MarketRow) PriceIndex {
	idx := make(PriceIndex)
	for _, r := range rows {
		idx.Set(r.ID, r.Date, r.Price)
	}
	return idx
}

// Set records the price for an entity on a date.
func (p PriceIndex) Set(id string, date time.Time, price float64) {
	byDate, ok := p[id]
	if !ok {
		byDate = make(map[string]float64)
		p[id] = byDate
	}
	byDate[domain.FormatDate(date)] = price
}

// Lookup returns the price stored for an entity on a date.
func (p PriceIndex) Lookup(id string, date time.Time) (float64, bool) {
	v, ok := p[id][domain.FormatDate(date)]
	return v, ok
}

// Delete removes the price for an entity on a date.
func (p PriceIndex) Delete(id string, date time.Time) {
	if byDate, ok := p[id]; ok {
		delete(byDate, domain.FormatDate(date))
	}
}

// Returns holds the three percentage returns of one row; nil means absent.
type Returns struct {
	D1  *float64
	D7  *float64
	D30 *float64
}

// ComputeReturns computes 1d/7d/30d percentage changes for a price on date
// using the price stored at exactly date-N days. A missing or zero historical
// price leaves that horizon absent.
func ComputeReturns(id string, date time.Time, price float64, idx PriceIndex) Returns {
	return Returns{
		D1:  lookbackReturn(id, date, price, Horizon1D, idx),
		D7:  lookbackReturn(id, date, price, Horizon7D, idx),
		D30: lookbackReturn(id, date, price, Horizon30D, idx),
	}
}

func lookbackReturn(id string, date time.Time, price float64, days int, idx PriceIndex) *float64 {
	past, ok := idx.Lookup(id, domain.DateOf(date).AddDate(0, 0, -days))
	if !ok || past == 0 {
		return nil
	}
	r := (price/past - 1) * 100
	return &r
}

// Apply copies the returns onto a row.
func (r Returns) Apply(row *domain.MarketRow) {
	row.Return1D = r.D1
	row.Return7D = r.D7
	row.Return30D = r.D30
}

// RecomputeReturns recalculates every row's returns against the prices of
// the whole set. Rows are expected to be unique per key; the input slice is
// not modified.
func RecomputeReturns(rows []domain.MarketRow) []domain.MarketRow {
	idx := BuildPriceIndex(rows)
	out := make([]domain.MarketRow, len(rows))
	for i, r := range rows {
		ComputeReturns(r.ID, r.Date, r.Price, idx).Apply(&r)
		out[i] = r
	}
	return out
}
