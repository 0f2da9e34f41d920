// Package snapshot turns irregular market-data history into daily snapshot
// values: it picks the observation nearest to a date's midnight and computes
// exact calendar-date lookback returns.
package snapshot

import (
	"fmt"
	"time"

	"coinsnap/internal/domain"
)

// Sampler selects the observation closest to 00:00:00 UTC of a target date.
// MaxDistance, when positive, rejects picks farther than that from midnight;
// zero accepts any distance.
type Sampler struct {
	MaxDistance time.Duration
}

// Pick returns the observation with the smallest absolute distance to the
// target date's midnight. On ties the earliest index wins. The picked sample
// may belong to a neighbouring calendar date when history is sparse.
func (s Sampler) Pick(obs []domain.Observation, target time.Time) (domain.Observation, error) {
	if len(obs) == 0 {
		return domain.Observation{}, domain.ErrEmptyHistory
	}

	midnight := domain.DateOf(target)
	best := 0
	bestDist := absDuration(obs[0].Timestamp.Sub(midnight))
	for i := 1; i < len(obs); i++ {
		d := absDuration(obs[i].Timestamp.Sub(midnight))
		if d < bestDist {
			best, bestDist = i, d
		}
	}

	if s.MaxDistance > 0 && bestDist > s.MaxDistance {
		return domain.Observation{}, fmt.Errorf("%w: nearest sample %s is %s from %s",
			domain.ErrSampleTooFar, obs[best].Timestamp.UTC().Format(time.RFC3339), bestDist, domain.FormatDate(midnight))
	}
	return obs[best], nil
}

// PickMidnight is Sampler{}.Pick.
func PickMidnight(obs []domain.Observation, target time.Time) (domain.Observation, error) {
	return Sampler{}.Pick(obs, target)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
