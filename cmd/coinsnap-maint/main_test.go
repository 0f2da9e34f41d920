package main

import (
	"testing"
	"time"

	"coinsnap/internal/domain"
)

func TestBackfillDates(t *testing.T) {
	now := time.Date(2025, 12, 6, 0, 10, 0, 0, time.UTC)

	got, err := backfillDates("2025-12-01, 2025-11-30", "", "", 0, now)
	if err != nil || len(got) != 2 || domain.FormatDate(got[1]) != "2025-11-30" {
		t.Fatalf("list: %v %v", got, err)
	}

	got, err = backfillDates("", "2025-12-03", "", 0, now)
	if err != nil || len(got) != 3 || domain.FormatDate(got[2]) != "2025-12-05" {
		t.Fatalf("open range: %v %v", got, err)
	}

	got, err = backfillDates("", "2025-12-01", "2025-12-02", 0, now)
	if err != nil || len(got) != 2 {
		t.Fatalf("closed range: %v %v", got, err)
	}

	got, err = backfillDates("", "", "", 30, now)
	if err != nil || len(got) != 30 || domain.FormatDate(got[29]) != "2025-12-05" {
		t.Fatalf("days: %d %v", len(got), err)
	}

	for _, bad := range []struct {
		list, from, to string
		days           int
	}{
		{"", "", "", 0},
		{"2025-12-01", "2025-12-01", "", 0},
		{"2025-13-01", "", "", 0},
		{"", "2025-12-05", "2025-12-01", 0},
	} {
		if _, err := backfillDates(bad.list, bad.from, bad.to, bad.days, now); err == nil {
			t.Errorf("backfillDates(%+v) should fail", bad)
		}
	}
}
