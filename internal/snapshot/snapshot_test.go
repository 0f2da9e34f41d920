package snapshot

import (
	"errors"
	"math"
	"testing"
	"time"

	"coinsnap/internal/domain"
)

func obsAt(ts time.Time, price float64) domain.Observation {
	return domain.Observation{Timestamp: ts, Price: price, MarketCap: price * 10, Volume: price * 2}
}

func TestPickMidnightNearest(t *testing.T) {
	target := time.Date(2025, 12, 5, 0, 0, 0, 0, time.UTC)
	obs := []domain.Observation{
		obsAt(target.Add(-time.Hour), 99),      // 23:00 on D-1
		obsAt(target.Add(90*time.Minute), 101), // 01:30 on D
	}

	got, err := PickMidnight(obs, target)
	if err != nil {
		t.Fatalf("PickMidnight: %v", err)
	}
	if got.Price != 99 {
		t.Errorf("picked price = %v, want 99 (23:00 is closer)", got.Price)
	}

	obs[1].Timestamp = target.Add(30 * time.Minute)
	got, _ = PickMidnight(obs, target)
	if got.Price != 101 {
		t.Errorf("picked price = %v, want 101 (00:30 is closer)", got.Price)
	}
}

func TestPickMidnightTieEarliestWins(t *testing.T) {
	target := time.Date(2025, 12, 5, 0, 0, 0, 0, time.UTC)
	obs := []domain.Observation{
		obsAt(target.Add(-12*time.Hour), 1),
		obsAt(target.Add(12*time.Hour), 2),
	}
	for i := 0; i < 3; i++ {
		got, err := PickMidnight(obs, target)
		if err != nil {
			t.Fatal(err)
		}
		if got.Price != 1 {
			t.Fatalf("tie pick = %v, want earliest index (1)", got.Price)
		}
	}
}

func TestPickMidnightUsesDateOnly(t *testing.T) {
	// A target carrying a time of day still samples that date's midnight.
	target := time.Date(2025, 12, 5, 17, 45, 0, 0, time.UTC)
	midnight := time.Date(2025, 12, 5, 0, 0, 0, 0, time.UTC)
	obs := []domain.Observation{
		obsAt(midnight.Add(5*time.Minute), 10),
		obsAt(target, 20),
	}
	got, _ := PickMidnight(obs, target)
	if got.Price != 10 {
		t.Errorf("picked price = %v, want 10", got.Price)
	}
}

func TestPickMidnightEmpty(t *testing.T) {
	_, err := PickMidnight(nil, time.Now())
	if !errors.Is(err, domain.ErrEmptyHistory) {
		t.Fatalf("err = %v, want ErrEmptyHistory", err)
	}
}

func TestPickMidnightDistantAccepted(t *testing.T) {
	target := time.Date(2025, 12, 5, 0, 0, 0, 0, time.UTC)
	obs := []domain.Observation{obsAt(target.AddDate(0, 0, -3), 42)}

	got, err := PickMidnight(obs, target)
	if err != nil {
		t.Fatalf("distant sample should be accepted: %v", err)
	}
	if got.Price != 42 {
		t.Errorf("picked price = %v, want 42", got.Price)
	}

	_, err = Sampler{MaxDistance: 6 * time.Hour}.Pick(obs, target)
	if !errors.Is(err, domain.ErrSampleTooFar) {
		t.Fatalf("err = %v, want ErrSampleTooFar", err)
	}
}

func day(d int) time.Time {
	return time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, d)
}

func TestComputeReturnsExactLookback(t *testing.T) {
	idx := make(PriceIndex)
	idx.Set("eth", day(9), 100)

	r := ComputeReturns("eth", day(10), 200, idx)
	if r.D1 == nil || *r.D1 != 100.0 {
		t.Fatalf("return_1d = %v, want 100", r.D1)
	}
	if r.D7 != nil {
		t.Errorf("return_7d = %v, want absent", *r.D7)
	}
	if r.D30 != nil {
		t.Errorf("return_30d = %v, want absent", *r.D30)
	}
}

func TestComputeReturnsAllHorizons(t *testing.T) {
	idx := make(PriceIndex)
	idx.Set("btc", day(39), 50)
	idx.Set("btc", day(33), 80)
	idx.Set("btc", day(10), 40)
	idx.Set("eth", day(39), 1) // other entity is ignored

	r := ComputeReturns("btc", day(40), 100, idx)
	if r.D1 == nil || *r.D1 != 100 {
		t.Errorf("return_1d = %v, want 100", r.D1)
	}
	if r.D7 == nil || *r.D7 != 25 {
		t.Errorf("return_7d = %v, want 25", r.D7)
	}
	if r.D30 == nil || *r.D30 != 150 {
		t.Errorf("return_30d = %v, want 150", r.D30)
	}
}

func TestComputeReturnsGapNotPositional(t *testing.T) {
	// Day 9 is missing. A positional lookback would use day 8; exact-date
	// lookback must report absent.
	idx := make(PriceIndex)
	idx.Set("sol", day(8), 10)

	r := ComputeReturns("sol", day(10), 20, idx)
	if r.D1 != nil {
		t.Errorf("return_1d = %v, want absent across a gap", *r.D1)
	}
}

func TestComputeReturnsZeroPast(t *testing.T) {
	idx := make(PriceIndex)
	idx.Set("x", day(0), 0)
	r := ComputeReturns("x", day(1), 5, idx)
	if r.D1 != nil {
		t.Errorf("return_1d with zero past price = %v, want absent", *r.D1)
	}
}

func TestPriceIndexLaterWins(t *testing.T) {
	rows := []domain.MarketRow{
		{ID: "a", Date: day(1), Price: 1},
		{ID: "a", Date: day(1), Price: 2},
	}
	idx := BuildPriceIndex(rows)
	if p, ok := idx.Lookup("a", day(1)); !ok || p != 2 {
		t.Errorf("Lookup = %v,%v want 2,true", p, ok)
	}
	idx.Delete("a", day(1))
	if _, ok := idx.Lookup("a", day(1)); ok {
		t.Error("Lookup after Delete should miss")
	}
}

func TestRecomputeReturns(t *testing.T) {
	rows := []domain.MarketRow{
		{ID: "a", Date: day(0), Price: 10},
		{ID: "a", Date: day(1), Price: 11},
		{ID: "a", Date: day(7), Price: 20},
		{ID: "b", Date: day(1), Price: 5},
	}
	out := RecomputeReturns(rows)

	if out[0].Return1D != nil {
		t.Error("first row should have no 1d return")
	}
	if out[1].Return1D == nil || math.Abs(*out[1].Return1D-10) > 1e-9 {
		t.Errorf("row 1 return_1d = %v, want 10", out[1].Return1D)
	}
	if out[2].Return7D == nil || *out[2].Return7D != 100 {
		t.Errorf("row 2 return_7d = %v, want 100", out[2].Return7D)
	}
	if out[2].Return1D != nil {
		t.Error("row 2 return_1d should be absent (day 6 missing)")
	}
	if out[3].Return1D != nil {
		t.Error("entity b has no prior row")
	}
	if rows[1].Return1D != nil {
		t.Error("RecomputeReturns must not modify its input")
	}
}
