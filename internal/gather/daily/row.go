package daily

import (
	"fmt"
	"time"

	"coinsnap/internal/domain"
	"coinsnap/internal/snapshot"
)

// buildRow samples the observation nearest to target's midnight and turns it
// into a market row whose returns look up prices in idx.
func buildRow(e domain.Entity, target time.Time, obs []domain.Observation, sampler snapshot.Sampler,
	idx snapshot.PriceIndex, runAt time.Time) (domain.MarketRow, domain.Observation, error) {
	picked, err := sampler.Pick(obs, target)
	if err != nil {
		return domain.MarketRow{}, domain.Observation{}, fmt.Errorf("%s on %s: %w", e.ID, domain.FormatDate(target), err)
	}

	date := domain.DateOf(target)
	row := domain.MarketRow{
		ID:          e.ID,
		Symbol:      e.Symbol,
		Name:        e.Name,
		Date:        date,
		Price:       picked.Price,
		MarketCap:   picked.MarketCap,
		Volume:      picked.Volume,
		PipelineRun: runAt.UTC(),
	}
	snapshot.ComputeReturns(e.ID, date, picked.Price, idx).Apply(&row)
	return row, picked, nil
}

// windowDays returns the history window that covers oldest through today
// plus buffer days, and never less than minDays.
func windowDays(oldest, today time.Time, buffer, minDays int) int {
	days := int(domain.DateOf(today).Sub(domain.DateOf(oldest)).Hours()/24) + buffer
	if days < minDays {
		days = minDays
	}
	if days < 1 {
		days = 1
	}
	return days
}

func result(e domain.Entity, date time.Time, status domain.EntityStatus) domain.EntityResult {
	return domain.EntityResult{Entity: e, Date: domain.DateOf(date), Status: status}
}
